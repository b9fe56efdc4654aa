package reveal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/core/store"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"
	"FogMPC/pkg/visibility"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

// countingDecryptor 用完整私钥模拟门限解密，并记录解密过的密文
type countingDecryptor struct {
	ctx      *fhe.Context
	keys     *fhe.KeySet
	seen     []*fhe.Ciphertext
	failures int32
	calls    int32
}

func (d *countingDecryptor) KeyID() string { return d.keys.ID }

func (d *countingDecryptor) DecryptInt(_ context.Context, ct *fhe.Ciphertext) (int64, error) {
	atomic.AddInt32(&d.calls, 1)
	if atomic.AddInt32(&d.failures, -1) >= 0 {
		return 0, xerrors.Errorf("模拟: %w", errs.ErrQuorumNotReached)
	}
	d.seen = append(d.seen, ct)
	return d.ctx.DecryptInt(d.keys, ct)
}

type fixture struct {
	fctx    *fhe.Context
	network *fhe.KeySet
	dec     *countingDecryptor
	store   *store.Store
	dir     *identity.Directory
	bob     *identity.KeyPair
	alice   *fhe.EncryptedPosition
	proto   *Protocol
}

func newFixture(t *testing.T, bobX, bobY int64, failures int32) *fixture {
	t.Helper()
	cfg := config.Default()
	fctx, err := fhe.NewContext(cfg.FHE)
	require.NoError(t, err)
	network := fctx.GenKeySet(fhe.BGV, true)
	eval := fctx.NewEvaluator(network)

	f := &fixture{
		fctx:    fctx,
		network: network,
		dec:     &countingDecryptor{ctx: fctx, keys: network, failures: failures},
		store:   store.New(eval),
		dir:     identity.NewDirectory(),
	}
	for _, id := range []identity.Identity{"alice", "bob"} {
		kp, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		require.NoError(t, f.dir.Register(identity.Entry{ID: id, ExchangeKey: kp.Public()}))
		if id == "bob" {
			f.bob = kp
		}
	}

	f.alice, err = fctx.EncryptPosition(network, "alice", 2, 2)
	require.NoError(t, err)
	require.NoError(t, f.store.Put("alice", store.Network, f.alice))
	bob, err := fctx.EncryptPosition(network, "bob", bobX, bobY)
	require.NoError(t, err)
	require.NoError(t, f.store.Put("bob", store.Network, bob))

	retry := config.RetryConfig{Attempts: 3, Backoff: time.Millisecond}
	f.proto = New(f.store, visibility.NewGate(fctx, eval), f.dec, f.dir, cfg.Game.ViewRange, retry)
	return f
}

func TestRevealIfVisible_SealsPosition(t *testing.T) {
	f := newFixture(t, 4, 4, 0)

	// alice (2,2) 在 bob (4,4) 的视野内
	res, err := f.proto.RevealIfVisible(context.Background(), "bob", "alice")
	require.NoError(t, err)
	require.True(t, res.Visible)
	require.Equal(t, int32(3), f.dec.calls)

	x, y, err := Open(f.bob.Private, res)
	require.NoError(t, err)
	require.Equal(t, int64(2), x)
	require.Equal(t, int64(2), y)

	// 他人私钥无法打开
	other, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	_, _, err = Open(other.Private, res)
	require.Error(t, err)
}

func TestRevealIfVisible_NeverTouchesOwnerWhenHidden(t *testing.T) {
	f := newFixture(t, 40, -30, 0)

	res, err := f.proto.RevealIfVisible(context.Background(), "bob", "alice")
	require.NoError(t, err)
	require.False(t, res.Visible)
	require.Nil(t, res.Envelope)

	// 只解密了谓词
	require.Len(t, f.dec.seen, 1)
	require.Greater(t, f.dec.seen[0].Noise, f.alice.Noise())

	_, _, err = Open(f.bob.Private, res)
	require.Error(t, err)
}

func TestRevealIfVisible_RetriesQuorum(t *testing.T) {
	f := newFixture(t, 4, 4, 2)

	res, err := f.proto.RevealIfVisible(context.Background(), "bob", "alice")
	require.NoError(t, err)
	require.True(t, res.Visible)
	require.Equal(t, int32(5), f.dec.calls)

	// 重试次数耗尽后把错误交给调用方
	f = newFixture(t, 4, 4, 3)
	_, err = f.proto.RevealIfVisible(context.Background(), "bob", "alice")
	require.True(t, xerrors.Is(err, errs.ErrQuorumNotReached))
	require.Equal(t, int32(3), f.dec.calls)
}

func TestRevealIfVisible_UnknownIdentity(t *testing.T) {
	f := newFixture(t, 4, 4, 0)

	_, err := f.proto.RevealIfVisible(context.Background(), "carol", "alice")
	require.True(t, xerrors.Is(err, errs.ErrNotRegistered))

	_, err = f.proto.RevealIfVisible(context.Background(), "bob", "carol")
	require.True(t, xerrors.Is(err, errs.ErrUnknownIdentity))
	require.Zero(t, f.dec.calls)
}
