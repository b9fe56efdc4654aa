package delegation

import (
	"context"
	"errors"
	"os"
	"testing"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/identity"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
)

type party struct {
	id  identity.Identity
	kp  *identity.KeyPair
	fhe *fhe.KeySet
}

func setup(t *testing.T, store Store) (*fhe.Context, *Service, map[identity.Identity]*party) {
	t.Helper()
	fctx, err := fhe.NewContext(config.Default().FHE)
	require.NoError(t, err)

	dir := identity.NewDirectory()
	parties := make(map[identity.Identity]*party)
	for _, id := range []identity.Identity{"alice", "bob", "eve"} {
		kp, err := identity.GenerateKeyPair()
		require.NoError(t, err)
		ks := fctx.GenKeySet(fhe.BGV, false)
		require.NoError(t, dir.Register(identity.Entry{ID: id, ExchangeKey: kp.Public(), FHEKey: ks.PK, FHEKeyID: ks.ID}))
		parties[id] = &party{id: id, kp: kp, fhe: ks}
	}
	return fctx, New(store, dir), parties
}

func exerciseService(t *testing.T, store Store) {
	ctx := context.Background()
	fctx, svc, p := setup(t, store)
	alice, bob, eve := p["alice"], p["bob"], p["eve"]

	_, err := svc.FetchKey(ctx, "bob", bob.kp.Private, "alice")
	require.True(t, errors.Is(err, errs.ErrNoGrant))

	secret, err := alice.fhe.Secret()
	require.NoError(t, err)
	require.NoError(t, svc.ShareKey(ctx, "alice", alice.kp.Private, secret, "bob"))

	got, err := svc.FetchKey(ctx, "bob", bob.kp.Private, "alice")
	require.NoError(t, err)
	require.Equal(t, alice.fhe.ID, got.ID)

	// 取回的私钥能解密 alice 的密文
	ct, err := fctx.EncryptInt(alice.fhe, 77)
	require.NoError(t, err)
	v, err := fctx.DecryptInt(got.KeySet(), ct)
	require.NoError(t, err)
	require.Equal(t, int64(77), v)

	// eve 冒充 bob 取记录，共享密钥不同
	_, err = svc.FetchKey(ctx, "bob", eve.kp.Private, "alice")
	require.True(t, errors.Is(err, errs.ErrDecryptFailure))
	// eve 没有自己的授权
	_, err = svc.FetchKey(ctx, "eve", eve.kp.Private, "alice")
	require.True(t, errors.Is(err, errs.ErrNoGrant))

	// 用别人的私钥冒充授予方
	err = svc.ShareKey(ctx, "alice", eve.kp.Private, secret, "eve")
	require.True(t, errors.Is(err, errs.ErrOwnerMismatch))
	err = svc.ShareKey(ctx, "alice", alice.kp.Private, secret, "carol")
	require.True(t, errors.Is(err, errs.ErrNotRegistered))

	require.NoError(t, svc.Revoke(ctx, "alice", "bob"))
	_, err = svc.FetchKey(ctx, "bob", bob.kp.Private, "alice")
	require.True(t, errors.Is(err, errs.ErrNoGrant))
	require.True(t, errors.Is(svc.Revoke(ctx, "alice", "bob"), errs.ErrNoGrant))
}

func TestService_MemoryStore(t *testing.T) {
	exerciseService(t, NewMemoryStore())
}

// 授权材料同时携带 CKKS 私钥，被授予方可以解密在授予方近似通道上算出的结果
func TestService_CarriesApproxSecret(t *testing.T) {
	ctx := context.Background()
	fctx, svc, p := setup(t, NewMemoryStore())

	approx := fctx.GenKeySet(fhe.CKKS, false)
	secret, err := p["alice"].fhe.Secret()
	require.NoError(t, err)
	secret.Approx, err = approx.Secret()
	require.NoError(t, err)
	require.NoError(t, svc.ShareKey(ctx, "alice", p["alice"].kp.Private, secret, "bob"))

	got, err := svc.FetchKey(ctx, "bob", p["bob"].kp.Private, "alice")
	require.NoError(t, err)
	require.NotNil(t, got.Approx)
	require.Equal(t, approx.ID, got.Approx.ID)

	ct, err := fctx.EncryptFloat(approx, 15.62)
	require.NoError(t, err)
	v, err := fctx.DecryptFloat(got.Approx.KeySet(), ct)
	require.NoError(t, err)
	require.InDelta(t, 15.62, v, 1e-6)
}

func TestService_TamperedGrant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, svc, p := setup(t, store)

	secret, err := p["alice"].fhe.Secret()
	require.NoError(t, err)
	require.NoError(t, svc.ShareKey(ctx, "alice", p["alice"].kp.Private, secret, "bob"))

	g, err := store.Get(ctx, "alice", "bob")
	require.NoError(t, err)
	g.Sealed[len(g.Sealed)-1] ^= 0x01
	require.NoError(t, store.Put(ctx, g))

	_, err = svc.FetchKey(ctx, "bob", p["bob"].kp.Private, "alice")
	require.True(t, errors.Is(err, errs.ErrDecryptFailure))
}

func TestMemoryStore_Isolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.Error(t, m.Put(ctx, &Grant{Grantor: "alice"}))

	g := &Grant{Grantor: "alice", Grantee: "bob", Sealed: []byte{1, 2, 3}}
	require.NoError(t, m.Put(ctx, g))
	g.Sealed[0] = 9

	got, err := m.Get(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, got.Sealed)

	_, err = m.Get(ctx, "bob", "alice")
	require.True(t, errors.Is(err, errs.ErrNoGrant))
}

func TestMemoryStore_SeparatorInIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NotEqual(t, grantKey("a|b", "c"), grantKey("a", "b|c"))
	require.NoError(t, m.Put(ctx, &Grant{Grantor: "a|b", Grantee: "c", KeyID: "k1"}))
	require.NoError(t, m.Put(ctx, &Grant{Grantor: "a", Grantee: "b|c", KeyID: "k2"}))

	got, err := m.Get(ctx, "a|b", "c")
	require.NoError(t, err)
	require.Equal(t, "k1", got.KeyID)
	got, err = m.Get(ctx, "a", "b|c")
	require.NoError(t, err)
	require.Equal(t, "k2", got.KeyID)

	require.NoError(t, m.Delete(ctx, "a", "b|c"))
	_, err = m.Get(ctx, "a|b", "c")
	require.NoError(t, err)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(config.DelegationConfig{Backend: "memory"})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(config.DelegationConfig{Backend: "etcd"})
	require.Error(t, err)

	_, err = NewStore(config.DelegationConfig{Backend: "redis"})
	require.Error(t, err)
}

func TestService_RedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("未设置 REDIS_ADDR，跳过 Redis 测试")
	}
	store, err := NewRedisStore(config.RedisConfig{Address: addr, Prefix: "fog:test:" + xid.New().String() + ":"})
	require.NoError(t, err)
	defer store.Close()
	exerciseService(t, store)
}
