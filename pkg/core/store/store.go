// Package store 每个身份的加密位置的唯一权威存储。
// 同一身份的所有变更在该身份的锁内完成，不同身份互不阻塞。
package store

import (
	"sort"
	"sync"

	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"
	"FogMPC/pkg/homomorphic"

	"golang.org/x/xerrors"
)

// Lane 同一位置在不同密钥下的密文
type Lane string

const (
	// Personal 玩家个人BGV密钥，用于 GET POSITION 与授权
	Personal Lane = "personal"
	// Network 网络门限密钥，用于可见性判定与揭示
	Network Lane = "network"
	// Approx 玩家个人CKKS密钥，用于同态距离
	Approx Lane = "approx"
)

// Lanes 全部通道，固定顺序
var Lanes = []Lane{Personal, Network, Approx}

// record 某个身份的全部通道
type record struct {
	mu    sync.Mutex
	lanes map[Lane]*fhe.EncryptedPosition
}

// Store 加密位置存储
type Store struct {
	mu      sync.RWMutex
	records map[identity.Identity]*record
	evals   map[fhe.Scheme]*fhe.Evaluator
}

// New 创建存储。每种方案给一个求值器，只需支持加法
func New(evals ...*fhe.Evaluator) *Store {
	s := &Store{records: make(map[identity.Identity]*record), evals: make(map[fhe.Scheme]*fhe.Evaluator)}
	for _, eval := range evals {
		s.evals[eval.Scheme()] = eval
	}
	return s
}

func (s *Store) evaluator(lane Lane, pos *fhe.EncryptedPosition) (*fhe.Evaluator, error) {
	eval, ok := s.evals[pos.X.Scheme]
	if !ok {
		return nil, xerrors.Errorf("通道 %s 没有 %s 求值器", lane, pos.X.Scheme)
	}
	return eval, nil
}

func (s *Store) lookup(id identity.Identity) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok
}

func (s *Store) getOrCreate(id identity.Identity) *record {
	if r, ok := s.lookup(id); ok {
		return r
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return r
	}
	r := &record{lanes: make(map[Lane]*fhe.EncryptedPosition)}
	s.records[id] = r
	return r
}

// Put 插入或覆盖 id 在 lane 上的位置。已有记录的加密密钥不同则返回 ErrOwnerMismatch
func (s *Store) Put(id identity.Identity, lane Lane, pos *fhe.EncryptedPosition) error {
	if err := checkOwner(id, pos); err != nil {
		return err
	}
	r := s.getOrCreate(id)
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.lanes[lane]; ok && old.KeyID() != pos.KeyID() {
		return xerrors.Errorf("%s/%s 已由密钥 %s 加密: %w", id, lane, old.KeyID(), errs.ErrOwnerMismatch)
	}
	r.lanes[lane] = pos.CopyNew()
	return nil
}

// Replace 以新密钥下的位置覆盖（密钥轮换），不检查原密钥
func (s *Store) Replace(id identity.Identity, lane Lane, pos *fhe.EncryptedPosition) error {
	if err := checkOwner(id, pos); err != nil {
		return err
	}
	r, ok := s.lookup(id)
	if !ok {
		return xerrors.Errorf("%s: %w", id, errs.ErrUnknownIdentity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lanes[lane] = pos.CopyNew()
	return nil
}

// ApplyDelta 对已有记录按通道同态加上位移。先检查所有通道的预算，
// 全部通过后才修改，保证各通道一致
func (s *Store) ApplyDelta(id identity.Identity, deltas map[Lane]*fhe.EncryptedPosition) error {
	r, ok := s.lookup(id)
	if !ok {
		return xerrors.Errorf("%s: %w", id, errs.ErrUnknownIdentity)
	}
	return s.apply(id, r, deltas)
}

// Upsert 首次 MOVE 时以位移作为初始位置创建记录，否则等同 ApplyDelta
func (s *Store) Upsert(id identity.Identity, deltas map[Lane]*fhe.EncryptedPosition) (created bool, err error) {
	for _, d := range deltas {
		if err := checkOwner(id, d); err != nil {
			return false, err
		}
	}
	r := s.getOrCreate(id)
	r.mu.Lock()
	fresh := len(r.lanes) == 0
	if fresh {
		for lane, d := range deltas {
			r.lanes[lane] = d.CopyNew()
		}
	}
	r.mu.Unlock()
	if fresh {
		return true, nil
	}
	return false, s.apply(id, r, deltas)
}

func (s *Store) apply(id identity.Identity, r *record, deltas map[Lane]*fhe.EncryptedPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for lane, d := range deltas {
		pos, ok := r.lanes[lane]
		if !ok {
			return xerrors.Errorf("%s/%s: %w", id, lane, errs.ErrUnknownIdentity)
		}
		if pos.KeyID() != d.KeyID() {
			return xerrors.Errorf("%s/%s 密钥 %s, 位移密钥 %s: %w", id, lane, pos.KeyID(), d.KeyID(), errs.ErrOwnerMismatch)
		}
		eval, err := s.evaluator(lane, d)
		if err != nil {
			return err
		}
		if err := eval.Require(eval.Model().AddCost, 0, pos.X, pos.Y, d.X, d.Y); err != nil {
			return xerrors.Errorf("%s/%s: %w", id, lane, err)
		}
	}

	updated := make(map[Lane]*fhe.EncryptedPosition, len(deltas))
	for lane, d := range deltas {
		eval, err := s.evaluator(lane, d)
		if err != nil {
			return err
		}
		next, err := homomorphic.AddPosition(eval, r.lanes[lane], d)
		if err != nil {
			return xerrors.Errorf("%s/%s: %w", id, lane, err)
		}
		updated[lane] = next
	}
	for lane, next := range updated {
		r.lanes[lane] = next
	}
	return nil
}

// Rotate 在 id 的记录锁内读出全部通道，并以 fn 返回的通道整体替换（密钥轮换）。
// fn 拿到的是副本；fn 出错时记录保持不变。持锁期间同一身份的 MOVE 会等待，不会丢失
func (s *Store) Rotate(id identity.Identity, fn func(map[Lane]*fhe.EncryptedPosition) (map[Lane]*fhe.EncryptedPosition, error)) error {
	r, ok := s.lookup(id)
	if !ok {
		return xerrors.Errorf("%s: %w", id, errs.ErrUnknownIdentity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[Lane]*fhe.EncryptedPosition, len(r.lanes))
	for lane, pos := range r.lanes {
		current[lane] = pos.CopyNew()
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	for _, pos := range next {
		if err := checkOwner(id, pos); err != nil {
			return err
		}
	}
	for lane, pos := range next {
		r.lanes[lane] = pos.CopyNew()
	}
	return nil
}

// Get 返回 id 在 lane 上位置的副本
func (s *Store) Get(id identity.Identity, lane Lane) (*fhe.EncryptedPosition, error) {
	r, ok := s.lookup(id)
	if !ok {
		return nil, xerrors.Errorf("%s: %w", id, errs.ErrUnknownIdentity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pos, ok := r.lanes[lane]
	if !ok {
		return nil, xerrors.Errorf("%s/%s: %w", id, lane, errs.ErrUnknownIdentity)
	}
	return pos.CopyNew(), nil
}

// Identities 所有已有记录的身份，按名称排序
func (s *Store) Identities() []identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]identity.Identity, 0, len(s.records))
	for id, r := range s.records {
		r.mu.Lock()
		n := len(r.lanes)
		r.mu.Unlock()
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func checkOwner(id identity.Identity, pos *fhe.EncryptedPosition) error {
	if pos == nil || pos.X == nil || pos.Y == nil {
		return xerrors.Errorf("%s: 位置不完整", id)
	}
	if pos.Owner != id {
		return xerrors.Errorf("位置属于 %s 而非 %s: %w", pos.Owner, id, errs.ErrOwnerMismatch)
	}
	if pos.X.KeyID != pos.Y.KeyID {
		return xerrors.Errorf("%s 的坐标不在同一密钥下: %w", id, errs.ErrOwnerMismatch)
	}
	return nil
}
