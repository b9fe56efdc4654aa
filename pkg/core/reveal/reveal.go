// Package reveal 条件揭示：只有当加密可见性谓词为真时，才门限解密目标位置，
// 并用密钥交换派生的密钥把明文密封给请求方。
//
// 已知信任缺口：谓词为真时，门限参与方在合并部分解密时共同得到目标的明文位置。
package reveal

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/core/store"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"
	"FogMPC/pkg/visibility"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Decryptor 网络密钥下的解密能力
type Decryptor interface {
	KeyID() string
	DecryptInt(ctx context.Context, ct *fhe.Ciphertext) (int64, error)
}

// Result 揭示结果。Visible 为假时 Envelope 为空
type Result struct {
	Visible   bool               `json:"visible"`
	RequestID string             `json:"request_id"`
	Owner     identity.Identity  `json:"owner"`
	Requester identity.Identity  `json:"requester"`
	Envelope  *identity.Envelope `json:"envelope,omitempty"`
}

type sealedPosition struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

// Protocol 条件揭示协议
type Protocol struct {
	store     *store.Store
	gate      *visibility.Gate
	decryptor Decryptor
	directory *identity.Directory
	viewRange int
	retry     config.RetryConfig
}

// New 创建协议实例
func New(st *store.Store, gate *visibility.Gate, dec Decryptor, dir *identity.Directory, viewRange int, retry config.RetryConfig) *Protocol {
	return &Protocol{store: st, gate: gate, decryptor: dec, directory: dir, viewRange: viewRange, retry: retry}
}

// Context 密封揭示结果所用的密钥派生上下文
func Context(owner, requester identity.Identity, requestID string) string {
	return fmt.Sprintf("fog-reveal-v1|%s|%s|%s", owner, requester, requestID)
}

// RevealIfVisible 判定 requester 能否看到 owner，能则返回密封给 requester 的 owner 位置
func (p *Protocol) RevealIfVisible(ctx context.Context, requester, owner identity.Identity) (*Result, error) {
	entry, err := p.directory.Lookup(requester)
	if err != nil {
		return nil, err
	}
	observer, err := p.store.Get(requester, store.Network)
	if err != nil {
		return nil, err
	}
	target, err := p.store.Get(owner, store.Network)
	if err != nil {
		return nil, err
	}

	predicate, err := p.gate.Evaluate(observer, target, p.viewRange)
	if err != nil {
		return nil, err
	}
	v, err := p.decrypt(ctx, predicate)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	result := &Result{RequestID: requestID, Owner: owner, Requester: requester}
	if !visibility.IsVisible(v) {
		log.Info().Str("requester", string(requester)).Str("owner", string(owner)).Msg("不可见")
		return result, nil
	}

	x, err := p.decrypt(ctx, target.X)
	if err != nil {
		return nil, err
	}
	y, err := p.decrypt(ctx, target.Y)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(sealedPosition{X: x, Y: y})
	if err != nil {
		return nil, xerrors.Errorf("序列化位置失败: %v", err)
	}
	env, err := identity.SealTo(entry.ExchangeKey, Context(owner, requester, requestID), payload)
	if err != nil {
		return nil, err
	}
	result.Visible = true
	result.Envelope = env
	log.Info().Str("requester", string(requester)).Str("owner", string(owner)).Msg("可见，已揭示")
	return result, nil
}

// decrypt 门限解密，QuorumNotReached 按配置退避重试
func (p *Protocol) decrypt(ctx context.Context, ct *fhe.Ciphertext) (int64, error) {
	attempts := p.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var v int64
		if v, err = p.decryptor.DecryptInt(ctx, ct); err == nil {
			return v, nil
		}
		if !xerrors.Is(err, errs.ErrQuorumNotReached) || attempt == attempts {
			break
		}
		log.Warn().Int("attempt", attempt).Err(err).Msg("门限解密未达法定人数，重试")
		select {
		case <-time.After(p.retry.Backoff):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, err
}

// Open 请求方用自己的私钥打开揭示结果
func Open(own *ecdsa.PrivateKey, r *Result) (x, y int64, err error) {
	if !r.Visible || r.Envelope == nil {
		return 0, 0, xerrors.Errorf("%s 对 %s 不可见", r.Owner, r.Requester)
	}
	raw, err := identity.OpenEnvelope(own, Context(r.Owner, r.Requester, r.RequestID), r.Envelope)
	if err != nil {
		return 0, 0, err
	}
	var pos sealedPosition
	if err := json.Unmarshal(raw, &pos); err != nil {
		return 0, 0, xerrors.Errorf("揭示内容格式错误: %v", err)
	}
	return pos.X, pos.Y, nil
}
