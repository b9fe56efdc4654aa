package node

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/delegation"
	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/core/store"
	"FogMPC/pkg/core/threshold"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"
	"FogMPC/pkg/protocols"

	"github.com/stretchr/testify/require"
)

var (
	once    sync.Once
	shared  *networkFixture
	initErr error
)

// networkFixture 一次 2-of-3 仪式，各测试共用
type networkFixture struct {
	fctx      *fhe.Context
	keys      *fhe.KeySet
	decryptor *threshold.Decryptor
}

func setupNetwork(t *testing.T) *networkFixture {
	t.Helper()
	once.Do(func() {
		fctx, err := fhe.NewContext(config.Default().FHE)
		if err != nil {
			initErr = err
			return
		}
		res, err := protocols.RunCeremony(context.Background(), fctx, "node-test", 2, 3)
		if err != nil {
			initErr = err
			return
		}
		keys, err := res.Bundle.Keys(fctx)
		if err != nil {
			initErr = err
			return
		}
		locals, err := res.Participants(fctx)
		if err != nil {
			initErr = err
			return
		}
		ps := make([]threshold.Participant, len(locals))
		for i, lp := range locals {
			ps[i] = lp
		}
		dec, err := threshold.NewDecryptor(fctx, res.Bundle, ps, 10*time.Second)
		if err != nil {
			initErr = err
			return
		}
		shared = &networkFixture{fctx: fctx, keys: keys, decryptor: dec}
	})
	require.NoError(t, initErr)
	return shared
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	nf := setupNetwork(t)
	fctx := nf.fctx
	if cfg == nil {
		cfg = config.Default()
	} else {
		var err error
		fctx, err = fhe.NewContext(cfg.FHE)
		require.NoError(t, err)
	}
	e, err := NewEngine(cfg, fctx, nf.keys, nf.decryptor, delegation.NewMemoryStore())
	require.NoError(t, err)
	return e
}

func join(t *testing.T, e *Engine, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := e.Join(identity.Identity(id))
		require.NoError(t, err)
	}
}

func TestEngine_MoveScenario(t *testing.T) {
	e := newEngine(t, nil)
	join(t, e, "alice")

	require.NoError(t, e.Move("alice", 3, 2))
	require.NoError(t, e.Move("alice", 9, 8))

	x, y, err := e.GetPosition("alice", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(12), x)
	require.Equal(t, int64(10), y)

	err = e.Move("alice", 91, 0)
	require.True(t, errors.Is(err, errs.ErrOutOfBounds))
	err = e.Move("nobody", 1, 1)
	require.True(t, errors.Is(err, errs.ErrNotRegistered))
}

func TestEngine_RevealScenario(t *testing.T) {
	e := newEngine(t, nil)
	join(t, e, "alice", "bob", "carol")
	require.NoError(t, e.Move("alice", 2, 2))
	require.NoError(t, e.Move("bob", 4, 4))
	require.NoError(t, e.Move("carol", 40, -30))

	visible, x, y, err := e.Reveal(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.True(t, visible)
	require.Equal(t, int64(4), x)
	require.Equal(t, int64(4), y)

	visible, _, _, err = e.Reveal(context.Background(), "alice", "carol")
	require.NoError(t, err)
	require.False(t, visible)

	// 揭示不会把密钥交给请求方
	_, _, err = e.GetPosition("alice", "bob")
	require.True(t, errors.Is(err, errs.ErrMissingKey))
}

func TestEngine_DelegationAndRotation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	join(t, e, "alice", "bob")
	require.NoError(t, e.Move("alice", 5, -6))

	_, _, err := e.GetPosition("bob", "alice")
	require.True(t, errors.Is(err, errs.ErrMissingKey))
	_, err = e.FetchKey(ctx, "bob", "alice")
	require.True(t, errors.Is(err, errs.ErrNoGrant))

	require.NoError(t, e.ShareKey(ctx, "alice", "bob"))
	_, err = e.FetchKey(ctx, "bob", "alice")
	require.NoError(t, err)
	x, y, err := e.GetPosition("bob", "alice")
	require.NoError(t, err)
	require.Equal(t, []int64{5, -6}, []int64{x, y})

	// 轮换后旧授权密钥失效，alice 自己仍可读取
	_, err = e.RotateKey("alice")
	require.NoError(t, err)
	require.NoError(t, e.Move("alice", 1, 1))
	_, _, err = e.GetPosition("bob", "alice")
	require.True(t, errors.Is(err, errs.ErrMissingKey))
	x, y, err = e.GetPosition("alice", "alice")
	require.NoError(t, err)
	require.Equal(t, []int64{6, -5}, []int64{x, y})

	// 撤销后无法再取回
	require.NoError(t, e.RevokeKey(ctx, "alice", "bob"))
	_, err = e.FetchKey(ctx, "bob", "alice")
	require.True(t, errors.Is(err, errs.ErrNoGrant))
}

func TestEngine_NoiseExhaustion(t *testing.T) {
	cfg := config.Default()
	cfg.FHE.Noise.Capacity = 3
	e := newEngine(t, cfg)
	join(t, e, "alice")

	require.NoError(t, e.Move("alice", 1, 1))
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Move("alice", 1, 1))
	}
	err := e.Move("alice", 1, 1)
	require.True(t, errors.Is(err, errs.ErrNoiseBudgetExceeded))

	// 失败的移动不改变位置
	x, y, err := e.GetPosition("alice", "alice")
	require.NoError(t, err)
	require.Equal(t, []int64{4, 4}, []int64{x, y})

	// 轮换重新加密，预算刷新
	_, err = e.RotateKey("alice")
	require.NoError(t, err)
	require.NoError(t, e.Move("alice", 1, 1))
	x, y, err = e.GetPosition("alice", "alice")
	require.NoError(t, err)
	require.Equal(t, []int64{5, 5}, []int64{x, y})
}

// 每步位移合法，但累加后的位置越界：bob 到 alice 的 d² = 256² + 1 = 65537 ≡ 0 (mod t)，
// 放行的话 REVEAL 会把远处的 bob 误判为可见
func TestEngine_MoveRejectsAccumulatedOutOfBounds(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	join(t, e, "alice", "bob")
	require.NoError(t, e.Move("alice", 0, 0))

	require.NoError(t, e.Move("bob", 90, 1))
	err := e.Move("bob", 90, 0)
	require.True(t, errors.Is(err, errs.ErrOutOfBounds))
	err = e.Move("bob", 76, 0)
	require.True(t, errors.Is(err, errs.ErrOutOfBounds))

	// 被拒绝的移动不改变任何通道
	x, y, err := e.GetPosition("bob", "bob")
	require.NoError(t, err)
	require.Equal(t, []int64{90, 1}, []int64{x, y})
	pos, err := e.store.Get("bob", store.Network)
	require.NoError(t, err)
	require.Equal(t, 0, pos.Noise())

	visible, _, _, err := e.Reveal(ctx, "alice", "bob")
	require.NoError(t, err)
	require.False(t, visible)

	// 回到边界以内的移动照常进行，边界本身可达
	require.NoError(t, e.Move("bob", -90, -45))
	require.NoError(t, e.Move("bob", -90, -46))
	x, y, err = e.GetPosition("bob", "bob")
	require.NoError(t, err)
	require.Equal(t, []int64{-90, -90}, []int64{x, y})
	err = e.Move("bob", 0, -1)
	require.True(t, errors.Is(err, errs.ErrOutOfBounds))
}

func TestEngine_GetPositionTooMuchNoise(t *testing.T) {
	e := newEngine(t, nil)
	join(t, e, "alice")
	require.NoError(t, e.Move("alice", 1, 2))

	// 求值器的预检不会产生超出预算的密文，这里直接写入一份耗尽的密文
	pos, err := e.store.Get("alice", store.Personal)
	require.NoError(t, err)
	pos.X.Noise = pos.X.Capacity + 1
	require.NoError(t, e.store.Replace("alice", store.Personal, pos))

	_, _, err = e.GetPosition("alice", "alice")
	require.True(t, errors.Is(err, errs.ErrTooMuchNoise))
	require.True(t, errors.Is(err, errs.ErrNoiseBudgetExceeded))

	// 读不出当前位置时也不能移动
	err = e.Move("alice", 1, 1)
	require.True(t, errors.Is(err, errs.ErrTooMuchNoise))

	// 轮换同样需要先解密，失败时保持原状
	_, err = e.RotateKey("alice")
	require.True(t, errors.Is(err, errs.ErrTooMuchNoise))
}

func TestEngine_Distance(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	join(t, e, "alice", "bob")
	require.NoError(t, e.Move("alice", 3, 2))
	require.NoError(t, e.Move("alice", 9, 8))
	require.NoError(t, e.Move("bob", 0, 0))

	_, err := e.Distance("alice", "bob")
	require.True(t, errors.Is(err, errs.ErrMissingKey))

	require.NoError(t, e.ShareKey(ctx, "bob", "alice"))
	_, err = e.FetchKey(ctx, "alice", "bob")
	require.NoError(t, err)

	d, err := e.Distance("alice", "bob")
	require.NoError(t, err)
	require.InDelta(t, 15.62, d, 0.01)

	// 自己到自己
	d, err = e.Distance("alice", "alice")
	require.NoError(t, err)
	require.InDelta(t, 0, d, 1e-3)

	// 坐标上界内最远的两点
	require.NoError(t, e.Move("alice", 78, 80))
	require.NoError(t, e.Move("bob", -90, -90))
	d, err = e.Distance("alice", "bob")
	require.NoError(t, err)
	require.InEpsilon(t, math.Sqrt(64800), d, 1e-4)

	// bob 轮换后 alice 手中的授权密钥失效
	_, err = e.RotateKey("bob")
	require.NoError(t, err)
	_, err = e.Distance("alice", "bob")
	require.True(t, errors.Is(err, errs.ErrMissingKey))
}

// 距离在 target 的近似通道密文上计算，不依赖 target 的个人BGV通道
func TestEngine_DistanceUsesStoredCiphertext(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	join(t, e, "alice", "bob")
	require.NoError(t, e.Move("alice", 0, 0))
	require.NoError(t, e.Move("bob", 6, 8))
	require.NoError(t, e.ShareKey(ctx, "bob", "alice"))
	_, err := e.FetchKey(ctx, "alice", "bob")
	require.NoError(t, err)

	// 破坏 bob 的个人通道：若实现先解密再重新加密就会失败
	pos, err := e.store.Get("bob", store.Personal)
	require.NoError(t, err)
	pos.X.Noise = pos.X.Capacity + 1
	require.NoError(t, e.store.Replace("bob", store.Personal, pos))

	d, err := e.Distance("alice", "bob")
	require.NoError(t, err)
	require.InDelta(t, 10, d, 1e-3)

	approx, err := e.store.Get("bob", store.Approx)
	require.NoError(t, err)
	entry, err := e.Directory().Lookup("bob")
	require.NoError(t, err)
	require.Equal(t, entry.ApproxKeyID, approx.KeyID())
}

// MOVE 与 ROTATE_KEY 并发时位移不会丢失
func TestEngine_ConcurrentMoveAndRotate(t *testing.T) {
	e := newEngine(t, nil)
	join(t, e, "alice")
	require.NoError(t, e.Move("alice", 0, 0))

	const moves = 5
	var wg sync.WaitGroup
	errCh := make(chan error, moves+2)
	for i := 0; i < moves; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- e.Move("alice", 1, -1)
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.RotateKey("alice")
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	x, y, err := e.GetPosition("alice", "alice")
	require.NoError(t, err)
	require.Equal(t, []int64{moves, -moves}, []int64{x, y})

	entry, err := e.Directory().Lookup("alice")
	require.NoError(t, err)
	for _, lane := range store.Lanes {
		pos, err := e.store.Get("alice", lane)
		require.NoError(t, err)
		switch lane {
		case store.Personal:
			require.Equal(t, entry.FHEKeyID, pos.KeyID())
		case store.Approx:
			require.Equal(t, entry.ApproxKeyID, pos.KeyID())
		}
	}
}

func TestEngine_RejectsForeignDecryptor(t *testing.T) {
	nf := setupNetwork(t)
	other := nf.fctx.GenKeySet(fhe.BGV, true)
	_, err := NewEngine(config.Default(), nf.fctx, other, nf.decryptor, delegation.NewMemoryStore())
	require.True(t, errors.Is(err, errs.ErrMissingKey))
}
