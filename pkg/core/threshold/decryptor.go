package threshold

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tuneinsight/lattigo/v6/multiparty"
	"golang.org/x/xerrors"
)

// AbortError 解密请求中止：未凑齐门限，附带每个参与方被拒绝的原因
type AbortError struct {
	RequestID  string
	Rejections map[int]error
	Cause      error
}

func (e *AbortError) Error() string {
	idx := make([]int, 0, len(e.Rejections))
	for i := range e.Rejections {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		parts = append(parts, fmt.Sprintf("%d: %v", i, e.Rejections[i]))
	}
	return fmt.Sprintf("请求 %s 中止: %v [%s]", e.RequestID, e.Cause, strings.Join(parts, "; "))
}

// Unwrap 同时暴露中止原因与各参与方的错误
func (e *AbortError) Unwrap() []error {
	out := []error{e.Cause}
	for _, err := range e.Rejections {
		out = append(out, err)
	}
	return out
}

// Decryptor 门限解密请求的协调者，自身从不持有重构后的私钥
type Decryptor struct {
	fhe          *fhe.Context
	bundle       *Bundle
	participants map[int]Participant
	order        []int
	timeout      time.Duration
}

// NewDecryptor 基于仪式产物与参与方集合创建解密器
func NewDecryptor(ctx *fhe.Context, bundle *Bundle, participants []Participant, timeout time.Duration) (*Decryptor, error) {
	if bundle.Threshold < 1 || bundle.Threshold > bundle.Parties {
		return nil, xerrors.Errorf("门限参数无效: t=%d n=%d", bundle.Threshold, bundle.Parties)
	}
	d := &Decryptor{
		fhe:          ctx,
		bundle:       bundle,
		participants: make(map[int]Participant, len(participants)),
		timeout:      timeout,
	}
	for _, p := range participants {
		if _, ok := bundle.Verifiers[p.Index()]; !ok {
			return nil, xerrors.Errorf("参与方 %d 不在名册中", p.Index())
		}
		d.participants[p.Index()] = p
		d.order = append(d.order, p.Index())
	}
	sort.Ints(d.order)
	return d, nil
}

// KeyID 网络密钥标识
func (d *Decryptor) KeyID() string {
	return d.bundle.CeremonyID
}

// DecryptInt 两轮门限解密。第一轮广播密文并收集确认，第二轮向 t 个活跃参与方
// 收集部分解密；无效或缺失的参与方被排除并以替补重跑第二轮。
// 剩余参与方不足 t 或超时返回 ErrQuorumNotReached
func (d *Decryptor) DecryptInt(ctx context.Context, ct *fhe.Ciphertext) (int64, error) {
	if ct == nil || ct.KeyID != d.bundle.CeremonyID || ct.Scheme != fhe.BGV {
		return 0, xerrors.Errorf("密文不在网络密钥下: %w", errs.ErrMissingKey)
	}
	if ct.Exhausted() {
		return 0, xerrors.Errorf("噪声 %d/%d: %w", ct.Noise, ct.Capacity, errs.ErrTooMuchNoise)
	}
	raw, err := ct.Value.MarshalBinary()
	if err != nil {
		return 0, xerrors.Errorf("密文序列化失败: %v", err)
	}

	requestID := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer d.retire(requestID)

	abort := &AbortError{RequestID: requestID, Rejections: make(map[int]error), Cause: errs.ErrQuorumNotReached}
	t := d.bundle.Threshold

	// 第一轮
	acks := fanOut(ctx, d.order, d.participants, func(ctx context.Context, p Participant) (struct{}, error) {
		return struct{}{}, p.Acknowledge(ctx, &AckRequest{RequestID: requestID, CeremonyID: d.bundle.CeremonyID, Ciphertext: raw})
	})
	var candidates []int
	for _, i := range d.order {
		if err := acks[i].err; err != nil {
			abort.Rejections[i] = err
			continue
		}
		candidates = append(candidates, i)
	}
	log.Debug().Str("request", requestID).Ints("acked", candidates).Msg("第一轮确认完成")

	// 第二轮，排除失败者后重跑
	for {
		if len(candidates) < t {
			return 0, abort
		}
		if ctx.Err() != nil {
			abort.Cause = xerrors.Errorf("超时: %w", errs.ErrQuorumNotReached)
			return 0, abort
		}
		active := append([]int(nil), candidates[:t]...)

		results := fanOut(ctx, active, d.participants, func(ctx context.Context, p Participant) (*Contribution, error) {
			return p.PartialDecrypt(ctx, &PartialRequest{RequestID: requestID, Active: active})
		})

		shares := make([]multiparty.KeySwitchShare, 0, t)
		excluded := make(map[int]bool)
		for _, i := range active {
			r := results[i]
			if r.err != nil {
				abort.Rejections[i] = xerrors.Errorf("%v: %w", r.err, errs.ErrInvalidShare)
				excluded[i] = true
				continue
			}
			pub, err := d.bundle.Verifier(i)
			if err != nil {
				return 0, err
			}
			share, err := Verify(d.fhe, r.value, requestID, d.bundle.CeremonyID, i, active, ct.Value, pub)
			if err != nil {
				abort.Rejections[i] = err
				excluded[i] = true
				continue
			}
			shares = append(shares, share)
		}

		if len(excluded) == 0 {
			v, err := Combine(d.fhe, ct.Value, shares)
			if err != nil {
				return 0, err
			}
			log.Debug().Str("request", requestID).Ints("active", active).Msg("门限解密完成")
			return v, nil
		}

		next := candidates[:0:0]
		for _, i := range candidates {
			if !excluded[i] {
				next = append(next, i)
			}
		}
		log.Warn().Str("request", requestID).Int("remaining", len(next)).Msgf("排除 %d 个参与方后重跑第二轮", len(excluded))
		candidates = next
	}
}

// retire 通知所有参与方丢弃请求状态，使用独立的超时
func (d *Decryptor) retire(requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	results := fanOut(ctx, d.order, d.participants, func(ctx context.Context, p Participant) (struct{}, error) {
		return struct{}{}, p.Retire(ctx, requestID)
	})
	for i, r := range results {
		if r.err != nil {
			log.Debug().Str("request", requestID).Int("participant", i).Err(r.err).Msg("退役请求失败")
		}
	}
}

type result[T any] struct {
	value T
	err   error
}

// fanOut 并发调用参与方，超时未返回的记为 context 错误
func fanOut[T any](ctx context.Context, indexes []int, participants map[int]Participant, call func(context.Context, Participant) (T, error)) map[int]result[T] {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[int]result[T], len(indexes))
	)
	for _, i := range indexes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			done := make(chan result[T], 1)
			go func() {
				v, err := call(ctx, participants[i])
				done <- result[T]{value: v, err: err}
			}()
			var r result[T]
			select {
			case r = <-done:
			case <-ctx.Done():
				r.err = ctx.Err()
			}
			mu.Lock()
			out[i] = r
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return out
}
