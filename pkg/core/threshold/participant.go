package threshold

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/multiparty"
	"github.com/tuneinsight/lattigo/v6/ring"
	"golang.org/x/xerrors"
)

// AckRequest 第一轮：广播待解密密文
type AckRequest struct {
	RequestID  string `json:"request_id"`
	CeremonyID string `json:"ceremony_id"`
	Ciphertext []byte `json:"ciphertext"` // rlwe.Ciphertext 二进制
}

// PartialRequest 第二轮：要求参与方在给定活跃集合下生成部分解密
type PartialRequest struct {
	RequestID string `json:"request_id"`
	Active    []int  `json:"active"`
}

// Contribution 单个参与方对某请求的签名部分解密
type Contribution struct {
	RequestID  string `json:"request_id"`
	CeremonyID string `json:"ceremony_id"`
	Index      int    `json:"index"`
	Active     []int  `json:"active"`
	Share      []byte `json:"share"` // multiparty.KeySwitchShare 二进制
	Signature  []byte `json:"signature"`
}

// Participant 门限解密参与方边界，可在进程内实现，也可通过HTTP访问
type Participant interface {
	Index() int
	Acknowledge(ctx context.Context, req *AckRequest) error
	PartialDecrypt(ctx context.Context, req *PartialRequest) (*Contribution, error)
	Retire(ctx context.Context, requestID string) error
}

// RetiredHistory 每个参与方记住的已结束请求ID数量，超出后淘汰最久未用的。
// 请求ID由协调方随机生成，被淘汰的ID不会再次出现
const RetiredHistory = 1024

// smudging 部分解密时加入的淹没噪声
var smudging = ring.DiscreteGaussian{Sigma: 1 << 30, Bound: 6 * (1 << 30)}

// LocalParticipant 持有一个份额记录的进程内参与方
type LocalParticipant struct {
	fhe      *fhe.Context
	record   *ShareRecord
	share    multiparty.ShamirSecretShare
	signer   *identity.KeyPair
	combiner multiparty.Combiner

	mu       sync.Mutex
	sessions map[string]*rlwe.Ciphertext
	retired  lru.BasicLRU[string, struct{}]
}

// NewLocalParticipant 由份额记录与签名密钥创建参与方
func NewLocalParticipant(ctx *fhe.Context, record *ShareRecord, signer *identity.KeyPair) (*LocalParticipant, error) {
	share, err := record.SecretShare(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]multiparty.ShamirPublicPoint, record.Parties)
	for i := range points {
		points[i] = Point(i + 1)
	}
	return &LocalParticipant{
		fhe:      ctx,
		record:   record,
		share:    share,
		signer:   signer,
		combiner: multiparty.NewCombiner(ctx.BGV.Parameters, Point(record.Index), points, record.Threshold),
		sessions: make(map[string]*rlwe.Ciphertext),
		retired:  lru.NewBasicLRU[string, struct{}](RetiredHistory),
	}, nil
}

// LoadLocalParticipant 从磁盘上的份额记录加载，签名密钥路径取自记录
func LoadLocalParticipant(ctx *fhe.Context, path string) (*LocalParticipant, error) {
	record, err := ReadRecord(path)
	if err != nil {
		return nil, err
	}
	signer, err := identity.LoadKeyPair(record.SigningKey)
	if err != nil {
		return nil, err
	}
	return NewLocalParticipant(ctx, record, signer)
}

// Index 参与方编号，从1开始
func (p *LocalParticipant) Index() int {
	return p.record.Index
}

// Record 份额记录
func (p *LocalParticipant) Record() *ShareRecord {
	return p.record
}

// Acknowledge 接收密文并登记请求。已退役的请求ID拒绝重放
func (p *LocalParticipant) Acknowledge(_ context.Context, req *AckRequest) error {
	if req.CeremonyID != p.record.CeremonyID {
		return xerrors.Errorf("仪式 %s 与本地份额 %s 不符", req.CeremonyID, p.record.CeremonyID)
	}
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(req.Ciphertext); err != nil {
		return xerrors.Errorf("密文格式错误: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.retired.Contains(req.RequestID) {
		return xerrors.Errorf("请求 %s 已结束", req.RequestID)
	}
	p.sessions[req.RequestID] = ct
	return nil
}

// PartialDecrypt 将门限份额转换为活跃集合内的加法份额，再生成切换到零密钥的部分解密
func (p *LocalParticipant) PartialDecrypt(_ context.Context, req *PartialRequest) (*Contribution, error) {
	if len(req.Active) != p.record.Threshold || !contains(req.Active, p.record.Index) {
		return nil, xerrors.Errorf("活跃集合 %v 无效", req.Active)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ct, ok := p.sessions[req.RequestID]
	if !ok {
		return nil, xerrors.Errorf("请求 %s 未登记或已结束", req.RequestID)
	}

	active := make([]multiparty.ShamirPublicPoint, len(req.Active))
	for i, idx := range req.Active {
		active[i] = Point(idx)
	}
	additive := rlwe.NewSecretKey(p.fhe.BGV)
	if err := p.combiner.GenAdditiveShare(active, Point(p.record.Index), p.share, additive); err != nil {
		return nil, xerrors.Errorf("生成加法份额失败: %v", err)
	}

	proto, err := multiparty.NewKeySwitchProtocol(p.fhe.BGV, smudging)
	if err != nil {
		return nil, xerrors.Errorf("创建密钥切换协议失败: %v", err)
	}
	share := proto.AllocateShare(ct.Level())
	proto.GenShare(additive, rlwe.NewSecretKey(p.fhe.BGV), ct, &share)

	raw, err := share.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("序列化部分解密失败: %v", err)
	}
	c := &Contribution{
		RequestID:  req.RequestID,
		CeremonyID: p.record.CeremonyID,
		Index:      p.record.Index,
		Active:     sortedCopy(req.Active),
		Share:      raw,
	}
	if err := Sign(c, ct, p.signer); err != nil {
		return nil, err
	}
	return c, nil
}

// Retire 丢弃请求状态，之后同一请求ID的任何调用都被拒绝
func (p *LocalParticipant) Retire(_ context.Context, requestID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, requestID)
	p.retired.Add(requestID, struct{}{})
	return nil
}

// Retired 当前记住的已结束请求数，不超过 RetiredHistory
func (p *LocalParticipant) Retired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retired.Len()
}

// Pending 仍在进行中的请求数
func (p *LocalParticipant) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func sortedCopy(xs []int) []int {
	out := append([]int(nil), xs...)
	sort.Ints(out)
	return out
}

// invalid 包装单个份额的校验失败
func invalid(index int, format string, args ...interface{}) error {
	return xerrors.Errorf("参与方 %d: %s: %w", index, fmt.Sprintf(format, args...), errs.ErrInvalidShare)
}
