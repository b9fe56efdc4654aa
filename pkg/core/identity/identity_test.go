package identity

import (
	"errors"
	"path/filepath"
	"testing"

	"FogMPC/pkg/errs"

	"github.com/stretchr/testify/require"
)

func TestSharedSecret_Symmetric(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := SharedSecret(alice.Private, bob.Public(), "ctx")
	require.NoError(t, err)
	ba, err := SharedSecret(bob.Private, alice.Public(), "ctx")
	require.NoError(t, err)
	require.Equal(t, ab, ba)
	require.Len(t, ab, 32)

	other, err := SharedSecret(alice.Private, bob.Public(), "other")
	require.NoError(t, err)
	require.NotEqual(t, ab, other)
}

func TestSealOpen(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	eve, _ := GenerateKeyPair()

	secret, err := SharedSecret(alice.Private, bob.Public(), "fog")
	require.NoError(t, err)
	sealed, err := Seal(secret, []byte("position"), nil)
	require.NoError(t, err)

	bobSecret, _ := SharedSecret(bob.Private, alice.Public(), "fog")
	plain, err := Open(bobSecret, sealed, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("position"), plain)

	eveSecret, _ := SharedSecret(eve.Private, alice.Public(), "fog")
	_, err = Open(eveSecret, sealed, nil)
	require.True(t, errors.Is(err, errs.ErrDecryptFailure))

	sealed[len(sealed)-1] ^= 0xff
	_, err = Open(bobSecret, sealed, nil)
	require.True(t, errors.Is(err, errs.ErrDecryptFailure))

	_, err = Open(bobSecret, []byte{1, 2, 3}, nil)
	require.True(t, errors.Is(err, errs.ErrDecryptFailure))
}

func TestEnvelope(t *testing.T) {
	bob, _ := GenerateKeyPair()
	eve, _ := GenerateKeyPair()

	env, err := SealTo(bob.Public(), "reveal|alice|bob", []byte{4, 4})
	require.NoError(t, err)

	plain, err := OpenEnvelope(bob.Private, "reveal|alice|bob", env)
	require.NoError(t, err)
	require.Equal(t, []byte{4, 4}, plain)

	_, err = OpenEnvelope(bob.Private, "reveal|alice|carol", env)
	require.True(t, errors.Is(err, errs.ErrDecryptFailure))

	_, err = OpenEnvelope(eve.Private, "reveal|alice|bob", env)
	require.True(t, errors.Is(err, errs.ErrDecryptFailure))
}

func TestKeyPair_SaveLoad(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, kp.Save(path))

	loaded, err := LoadKeyPair(path)
	require.NoError(t, err)
	require.Equal(t, kp.PublicBytes(), loaded.PublicBytes())

	pub, err := ParsePublic(kp.PublicBytes())
	require.NoError(t, err)
	require.True(t, pub.Equal(kp.Public()))
}

func TestDirectory(t *testing.T) {
	dir := NewDirectory()
	alice, _ := GenerateKeyPair()
	mallory, _ := GenerateKeyPair()

	require.NoError(t, dir.Register(Entry{ID: "alice", ExchangeKey: alice.Public()}))
	require.NoError(t, dir.Register(Entry{ID: "alice", ExchangeKey: alice.Public(), FHEKeyID: "k1"}))

	err := dir.Register(Entry{ID: "alice", ExchangeKey: mallory.Public()})
	require.True(t, errors.Is(err, errs.ErrOwnerMismatch))

	_, err = dir.Lookup("bob")
	require.True(t, errors.Is(err, errs.ErrNotRegistered))

	require.NoError(t, dir.Rekey(Entry{ID: "alice", ExchangeKey: mallory.Public(), FHEKeyID: "k2", ApproxKeyID: "a2"}))
	e, err := dir.Lookup("alice")
	require.NoError(t, err)
	require.Equal(t, "k2", e.FHEKeyID)
	require.Equal(t, "a2", e.ApproxKeyID)
	require.True(t, e.ExchangeKey.Equal(alice.Public()))
	err = dir.Rekey(Entry{ID: "bob"})
	require.True(t, errors.Is(err, errs.ErrNotRegistered))
	require.Equal(t, []Identity{"alice"}, dir.List())
}
