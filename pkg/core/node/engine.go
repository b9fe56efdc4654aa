// Package node 计算节点：托管本地玩家的密钥，维护加密位置存储，
// 并对外提供 MOVE / GET POSITION / SHARE_KEY / REVEAL 等命令。
//
// 节点只持有网络公钥与重线性化密钥；网络私钥以门限份额形式分散在参与方处，
// 解密一律经过 reveal.Decryptor。
package node

import (
	"context"
	"sync"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/delegation"
	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/core/reveal"
	"FogMPC/pkg/core/store"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"
	"FogMPC/pkg/homomorphic"
	"FogMPC/pkg/visibility"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Player 本地玩家的客户端状态：交换密钥、个人BGV/CKKS密钥与取回的授权密钥。
// mu 同时串行化该玩家的 MOVE 与密钥轮换
type Player struct {
	ID       identity.Identity
	Exchange *identity.KeyPair

	mu        sync.Mutex
	personal  *fhe.KeySet
	approx    *fhe.KeySet
	delegated map[identity.Identity]*fhe.SecretKey
}

// Personal 当前个人BGV密钥
func (p *Player) Personal() *fhe.KeySet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.personal
}

// Engine 节点引擎
type Engine struct {
	cfg        *config.Config
	fhe        *fhe.Context
	network    *fhe.KeySet
	directory  *identity.Directory
	store      *store.Store
	grants     *delegation.Service
	reveal     *reveal.Protocol
	events     *Hub
	sqrtParams homomorphic.SqrtParams

	mu      sync.RWMutex
	players map[identity.Identity]*Player
}

// NewEngine 创建节点。network 为仪式产生的网络公钥，dec 必须能解密该密钥下的密文
func NewEngine(cfg *config.Config, fctx *fhe.Context, network *fhe.KeySet, dec reveal.Decryptor, grants delegation.Store) (*Engine, error) {
	if network == nil || network.RLK == nil || network.Scheme != fhe.BGV {
		return nil, xerrors.Errorf("网络密钥需要BGV公钥与重线性化密钥: %w", errs.ErrMissingKey)
	}
	if dec.KeyID() != network.ID {
		return nil, xerrors.Errorf("解密器密钥 %s 与网络密钥 %s 不符: %w", dec.KeyID(), network.ID, errs.ErrMissingKey)
	}

	sqrtParams := homomorphic.SqrtParamsFrom(cfg.Sqrt, cfg.Game)
	if err := sqrtParams.Validate(); err != nil {
		return nil, err
	}

	eval := fctx.NewEvaluator(network)
	dir := identity.NewDirectory()
	st := store.New(eval, fctx.LinearEvaluator(fhe.CKKS))
	e := &Engine{
		cfg:        cfg,
		fhe:        fctx,
		network:    network.PublicOnly(),
		directory:  dir,
		store:      st,
		grants:     delegation.New(grants, dir),
		events:     NewHub(),
		sqrtParams: sqrtParams,
		players:    make(map[identity.Identity]*Player),
	}
	e.reveal = reveal.New(st, visibility.NewGate(fctx, eval), dec, dir, cfg.Game.ViewRange, cfg.Threshold.Retry)
	return e, nil
}

// Events 事件中心
func (e *Engine) Events() *Hub {
	return e.events
}

// Directory 身份目录
func (e *Engine) Directory() *identity.Directory {
	return e.directory
}

// Join 为新身份生成交换密钥与个人BGV、CKKS密钥并登记。已存在时返回原玩家
func (e *Engine) Join(id identity.Identity) (*Player, error) {
	if id == "" {
		return nil, xerrors.New("身份不能为空")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.players[id]; ok {
		return p, nil
	}
	kp, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	personal := e.fhe.GenKeySet(fhe.BGV, false)
	approx := e.fhe.GenKeySet(fhe.CKKS, true)
	entry := publish(id, personal, approx)
	entry.ExchangeKey = kp.Public()
	if err := e.directory.Register(entry); err != nil {
		return nil, err
	}

	p := &Player{ID: id, Exchange: kp, personal: personal, approx: approx, delegated: make(map[identity.Identity]*fhe.SecretKey)}
	e.players[id] = p
	log.Info().Str("identity", string(id)).Str("key", personal.ID).Msg("玩家加入")
	e.events.Publish(Event{Type: EventJoin, Identity: id})
	return p, nil
}

// Player 查询本地玩家
func (e *Engine) Player(id identity.Identity) (*Player, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.players[id]
	if !ok {
		return nil, xerrors.Errorf("%s: %w", id, errs.ErrNotRegistered)
	}
	return p, nil
}

// Players 本地玩家列表
func (e *Engine) Players() []identity.Identity {
	return e.directory.List()
}

// publish 目录中公开的个人密钥部分
func publish(id identity.Identity, personal, approx *fhe.KeySet) identity.Entry {
	return identity.Entry{
		ID:          id,
		FHEKey:      personal.PK,
		FHEKeyID:    personal.ID,
		ApproxKey:   approx.PK,
		ApproxRLK:   approx.RLK,
		ApproxKeyID: approx.ID,
	}
}

// approxPublic 目录项中的CKKS公钥与重线性化密钥
func approxPublic(entry identity.Entry) *fhe.KeySet {
	return &fhe.KeySet{ID: entry.ApproxKeyID, Scheme: fhe.CKKS, PK: entry.ApproxKey, RLK: entry.ApproxRLK}
}

func (e *Engine) inBounds(x, y int64) bool {
	limit := int64(e.cfg.Game.MaxCoordinate)
	return x >= -limit && x <= limit && y >= -limit && y <= limit
}

// position 玩家用个人密钥读出自己的位置，尚未移动过时为原点。调用方持有 p.mu
func (e *Engine) position(p *Player) (x, y int64, err error) {
	pos, err := e.store.Get(p.ID, store.Personal)
	if xerrors.Is(err, errs.ErrUnknownIdentity) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return e.fhe.DecryptPosition(p.personal, pos)
}

// Move 把位移分别加密到个人BGV、网络与个人CKKS密钥下，并同态累加到存储中。
// 玩家先用个人密钥读出当前位置，移动后任一坐标超出 ±MaxCoordinate 时拒绝，
// 存储保持不变。可见性判定依赖这个上界：d² 必须小于明文模数
func (e *Engine) Move(id identity.Identity, dx, dy int64) error {
	limit := e.cfg.Game.MaxCoordinate
	if !e.inBounds(dx, dy) {
		return xerrors.Errorf("位移 (%d,%d) 超出范围 ±%d: %w", dx, dy, limit, errs.ErrOutOfBounds)
	}
	p, err := e.Player(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	x, y, err := e.position(p)
	if err != nil {
		return err
	}
	if !e.inBounds(x+dx, y+dy) {
		return xerrors.Errorf("%s 移动后位于 (%d,%d)，超出范围 ±%d: %w", id, x+dx, y+dy, limit, errs.ErrOutOfBounds)
	}

	lanes := map[store.Lane]*fhe.KeySet{store.Personal: p.personal, store.Network: e.network, store.Approx: p.approx}
	deltas := make(map[store.Lane]*fhe.EncryptedPosition, len(lanes))
	for lane, ks := range lanes {
		if deltas[lane], err = e.fhe.EncryptPosition(ks, id, dx, dy); err != nil {
			return err
		}
	}

	created, err := e.store.Upsert(id, deltas)
	if err != nil {
		return err
	}
	log.Info().Str("identity", string(id)).Bool("created", created).Msg("位置已更新")
	e.events.Publish(Event{Type: EventMove, Identity: id})
	return nil
}

// GetPosition caller 用自己的密钥或取回的授权密钥解密 target 的个人通道位置
func (e *Engine) GetPosition(caller, target identity.Identity) (x, y int64, err error) {
	p, err := e.Player(caller)
	if err != nil {
		return 0, 0, err
	}
	pos, err := e.store.Get(target, store.Personal)
	if err != nil {
		return 0, 0, err
	}

	keys := p.keyFor(target)
	if keys == nil {
		return 0, 0, xerrors.Errorf("%s 没有 %s 的密钥: %w", caller, target, errs.ErrMissingKey)
	}
	return e.fhe.DecryptPosition(keys, pos)
}

// keyFor 能解密 target 个人通道的密钥集
func (p *Player) keyFor(target identity.Identity) *fhe.KeySet {
	p.mu.Lock()
	defer p.mu.Unlock()

	if target == p.ID {
		return p.personal
	}
	if sk, ok := p.delegated[target]; ok {
		return sk.KeySet()
	}
	return nil
}

// approxKeyFor 能解密 target 近似通道（及其上计算结果）的密钥集
func (p *Player) approxKeyFor(target identity.Identity) *fhe.KeySet {
	p.mu.Lock()
	defer p.mu.Unlock()

	if target == p.ID {
		return p.approx
	}
	if sk, ok := p.delegated[target]; ok {
		return sk.Approx.KeySet()
	}
	return nil
}

// ShareKey grantor 把个人私钥（BGV 与 CKKS 两把）授权给 grantee
func (e *Engine) ShareKey(ctx context.Context, grantor, grantee identity.Identity) error {
	p, err := e.Player(grantor)
	if err != nil {
		return err
	}
	secret, err := p.secret()
	if err != nil {
		return err
	}
	if err := e.grants.ShareKey(ctx, grantor, p.Exchange.Private, secret, grantee); err != nil {
		return err
	}
	e.events.Publish(Event{Type: EventShareKey, Identity: grantor, Target: grantee})
	return nil
}

func (p *Player) secret() (*fhe.SecretKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	secret, err := p.personal.Secret()
	if err != nil {
		return nil, err
	}
	if secret.Approx, err = p.approx.Secret(); err != nil {
		return nil, err
	}
	return secret, nil
}

// FetchKey grantee 取回 grantor 授予的私钥，之后 GET POSITION 与 DISTANCE 可以使用
func (e *Engine) FetchKey(ctx context.Context, grantee, grantor identity.Identity) (string, error) {
	p, err := e.Player(grantee)
	if err != nil {
		return "", err
	}
	sk, err := e.grants.FetchKey(ctx, grantee, p.Exchange.Private, grantor)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.delegated[grantor] = sk
	p.mu.Unlock()
	return sk.ID, nil
}

// RevokeKey 删除授权记录。对方已取回的密钥要靠 RotateKey 失效
func (e *Engine) RevokeKey(ctx context.Context, grantor, grantee identity.Identity) error {
	if err := e.grants.Revoke(ctx, grantor, grantee); err != nil {
		return err
	}
	e.events.Publish(Event{Type: EventRevokeKey, Identity: grantor, Target: grantee})
	return nil
}

// Reveal requester 请求查看 owner。不可见时 visible 为假
func (e *Engine) Reveal(ctx context.Context, requester, owner identity.Identity) (visible bool, x, y int64, err error) {
	p, err := e.Player(requester)
	if err != nil {
		return false, 0, 0, err
	}
	res, err := e.reveal.RevealIfVisible(ctx, requester, owner)
	if err != nil {
		return false, 0, 0, err
	}
	e.events.Publish(Event{Type: EventReveal, Identity: requester, Target: owner, Visible: res.Visible})
	if !res.Visible {
		return false, 0, 0, nil
	}
	x, y, err = reveal.Open(p.Exchange.Private, res)
	if err != nil {
		return false, 0, 0, err
	}
	return true, x, y, nil
}

// RotateKey 轮换个人密钥：在存储的记录锁内解密自己的位置，用新的BGV与CKKS密钥
// 重新加密全部通道，噪声预算随之刷新。此前授权出去的旧密钥无法解密新密文
func (e *Engine) RotateKey(id identity.Identity) (string, error) {
	p, err := e.Player(id)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	personal := e.fhe.GenKeySet(fhe.BGV, false)
	approx := e.fhe.GenKeySet(fhe.CKKS, true)
	err = e.store.Rotate(id, func(lanes map[store.Lane]*fhe.EncryptedPosition) (map[store.Lane]*fhe.EncryptedPosition, error) {
		pos, ok := lanes[store.Personal]
		if !ok {
			return nil, xerrors.Errorf("%s: %w", id, errs.ErrUnknownIdentity)
		}
		x, y, err := e.fhe.DecryptPosition(p.personal, pos)
		if err != nil {
			return nil, err
		}
		next := make(map[store.Lane]*fhe.EncryptedPosition, len(store.Lanes))
		keys := map[store.Lane]*fhe.KeySet{store.Personal: personal, store.Network: e.network, store.Approx: approx}
		for lane, ks := range keys {
			if next[lane], err = e.fhe.EncryptPosition(ks, id, x, y); err != nil {
				return nil, err
			}
		}
		return next, nil
	})
	if err != nil {
		return "", err
	}
	if err := e.directory.Rekey(publish(id, personal, approx)); err != nil {
		return "", err
	}

	old := p.personal.ID
	p.personal, p.approx = personal, approx
	log.Info().Str("identity", string(id)).Str("old", old).Str("new", personal.ID).Msg("个人密钥已轮换")
	e.events.Publish(Event{Type: EventRotateKey, Identity: id})
	return personal.ID, nil
}

// Distance caller 到 target 的近似欧氏距离，在 target 的CKKS密钥下同态完成。
// caller 只解密自己的位置并用 target 的公钥加密，与存储中 target 的近似通道密文
// 做距离平方与开方，最后用自己的或授权得到的 target CKKS 私钥只解密结果
func (e *Engine) Distance(caller, target identity.Identity) (float64, error) {
	p, err := e.Player(caller)
	if err != nil {
		return 0, err
	}
	sk := p.approxKeyFor(target)
	if sk == nil {
		return 0, xerrors.Errorf("%s 没有 %s 的密钥: %w", caller, target, errs.ErrMissingKey)
	}
	entry, err := e.directory.Lookup(target)
	if err != nil {
		return 0, err
	}
	theirs, err := e.store.Get(target, store.Approx)
	if err != nil {
		return 0, err
	}
	keys := approxPublic(entry)
	if theirs.KeyID() != keys.ID || sk.ID != keys.ID {
		return 0, xerrors.Errorf("%s 的近似通道密钥已轮换: %w", target, errs.ErrMissingKey)
	}

	p.mu.Lock()
	x, y, err := e.position(p)
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	mine, err := e.fhe.EncryptPosition(keys, caller, x, y)
	if err != nil {
		return 0, err
	}

	eval := e.fhe.NewEvaluator(keys)
	d2, err := homomorphic.SquaredDistance(eval, mine, theirs)
	if err != nil {
		return 0, err
	}
	root, err := homomorphic.ApproxSqrt(eval, d2, e.sqrtParams)
	if err != nil {
		return 0, err
	}
	return e.fhe.DecryptFloat(sk, root)
}

// Distance 在 keys 下加密两点，同态计算 sqrt((ax-bx)^2 + (ay-by)^2) 并解密。
// 两点的距离平方必须在 params.Bound 以内
func Distance(fctx *fhe.Context, keys *fhe.KeySet, params homomorphic.SqrtParams, a, b [2]int64) (float64, error) {
	dx, dy := float64(a[0]-b[0]), float64(a[1]-b[1])
	if d2 := dx*dx + dy*dy; d2 > params.Bound {
		return 0, xerrors.Errorf("距离平方 %.0f 超出开方上界 %.0f: %w", d2, params.Bound, errs.ErrOutOfBounds)
	}
	pa, err := fctx.EncryptPosition(keys, "a", a[0], a[1])
	if err != nil {
		return 0, err
	}
	pb, err := fctx.EncryptPosition(keys, "b", b[0], b[1])
	if err != nil {
		return 0, err
	}

	eval := fctx.NewEvaluator(keys)
	d2, err := homomorphic.SquaredDistance(eval, pa, pb)
	if err != nil {
		return 0, err
	}
	root, err := homomorphic.ApproxSqrt(eval, d2, params)
	if err != nil {
		return 0, err
	}
	return fctx.DecryptFloat(keys, root)
}
