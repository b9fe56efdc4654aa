package threshold_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/threshold"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"
	"FogMPC/pkg/protocols"

	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/multiparty"
)

var (
	once    sync.Once
	shared  *fixture
	initErr error
)

type fixture struct {
	ctx     *fhe.Context
	result  *protocols.Result
	network *fhe.KeySet
	locals  []*threshold.LocalParticipant
}

func setup(t *testing.T) *fixture {
	t.Helper()
	once.Do(func() {
		ctx, err := fhe.NewContext(config.Default().FHE)
		if err != nil {
			initErr = err
			return
		}
		res, err := protocols.RunCeremony(context.Background(), ctx, "threshold-test", 2, 3)
		if err != nil {
			initErr = err
			return
		}
		network, err := res.Bundle.Keys(ctx)
		if err != nil {
			initErr = err
			return
		}
		locals, err := res.Participants(ctx)
		if err != nil {
			initErr = err
			return
		}
		shared = &fixture{ctx: ctx, result: res, network: network, locals: locals}
	})
	require.NoError(t, initErr)
	return shared
}

func (f *fixture) encrypt(t *testing.T, v int64) *fhe.Ciphertext {
	t.Helper()
	ct, err := f.ctx.EncryptInt(f.network, v)
	require.NoError(t, err)
	return ct
}

func (f *fixture) decryptor(t *testing.T, timeout time.Duration, ps ...threshold.Participant) *threshold.Decryptor {
	t.Helper()
	d, err := threshold.NewDecryptor(f.ctx, f.result.Bundle, ps, timeout)
	require.NoError(t, err)
	return d
}

// forged 篡改签名的参与方
type forged struct {
	threshold.Participant
}

func (p forged) PartialDecrypt(ctx context.Context, req *threshold.PartialRequest) (*threshold.Contribution, error) {
	c, err := p.Participant.PartialDecrypt(ctx, req)
	if err != nil {
		return nil, err
	}
	c.Signature[3] ^= 0xff
	return c, nil
}

// stalled 第二轮一直不返回
type stalled struct {
	threshold.Participant
}

func (p stalled) PartialDecrypt(ctx context.Context, _ *threshold.PartialRequest) (*threshold.Contribution, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recording 记录见过的请求ID
type recording struct {
	threshold.Participant
	mu  sync.Mutex
	ids []string
}

func (p *recording) Acknowledge(ctx context.Context, req *threshold.AckRequest) error {
	p.mu.Lock()
	p.ids = append(p.ids, req.RequestID)
	p.mu.Unlock()
	return p.Participant.Acknowledge(ctx, req)
}

func TestDecryptInt_AnySubsetOfThreshold(t *testing.T) {
	f := setup(t)
	subsets := [][]int{{0, 1}, {0, 2}, {1, 2}, {0, 1, 2}}
	for _, subset := range subsets {
		ps := make([]threshold.Participant, 0, len(subset))
		for _, i := range subset {
			ps = append(ps, f.locals[i])
		}
		d := f.decryptor(t, 5*time.Second, ps...)

		for _, want := range []int64{42, -7, 0} {
			got, err := d.DecryptInt(context.Background(), f.encrypt(t, want))
			require.NoError(t, err, "subset %v", subset)
			require.Equal(t, want, got, "subset %v", subset)
		}
	}
}

func TestDecryptInt_BelowThreshold(t *testing.T) {
	f := setup(t)
	d := f.decryptor(t, 5*time.Second, f.locals[1])

	_, err := d.DecryptInt(context.Background(), f.encrypt(t, 5))
	require.True(t, errors.Is(err, errs.ErrQuorumNotReached))

	var abort *threshold.AbortError
	require.True(t, errors.As(err, &abort))
	require.NotEmpty(t, abort.RequestID)
}

func TestDecryptInt_InvalidShareReplaced(t *testing.T) {
	f := setup(t)
	d := f.decryptor(t, 5*time.Second, forged{f.locals[0]}, f.locals[1], f.locals[2])

	got, err := d.DecryptInt(context.Background(), f.encrypt(t, 1234))
	require.NoError(t, err)
	require.Equal(t, int64(1234), got)
}

func TestDecryptInt_InvalidShareWithoutReplacement(t *testing.T) {
	f := setup(t)
	d := f.decryptor(t, 5*time.Second, forged{f.locals[0]}, f.locals[1])

	_, err := d.DecryptInt(context.Background(), f.encrypt(t, 9))
	require.True(t, errors.Is(err, errs.ErrQuorumNotReached))
	require.True(t, errors.Is(err, errs.ErrInvalidShare))

	var abort *threshold.AbortError
	require.True(t, errors.As(err, &abort))
	require.Contains(t, abort.Rejections, 1)
}

func TestDecryptInt_Timeout(t *testing.T) {
	f := setup(t)
	d := f.decryptor(t, 300*time.Millisecond, f.locals[0], stalled{f.locals[1]})

	start := time.Now()
	_, err := d.DecryptInt(context.Background(), f.encrypt(t, 3))
	require.True(t, errors.Is(err, errs.ErrQuorumNotReached))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestDecryptInt_RetiresRequest(t *testing.T) {
	f := setup(t)
	rec := &recording{Participant: f.locals[2]}
	d := f.decryptor(t, 5*time.Second, f.locals[0], rec)

	ct := f.encrypt(t, 77)
	got, err := d.DecryptInt(context.Background(), ct)
	require.NoError(t, err)
	require.Equal(t, int64(77), got)

	require.Len(t, rec.ids, 1)
	require.Zero(t, f.locals[2].Pending())

	raw, err := ct.Value.MarshalBinary()
	require.NoError(t, err)
	err = f.locals[2].Acknowledge(context.Background(), &threshold.AckRequest{
		RequestID:  rec.ids[0],
		CeremonyID: f.result.Bundle.CeremonyID,
		Ciphertext: raw,
	})
	require.Error(t, err)
}

func TestRetire_BoundedHistory(t *testing.T) {
	f := setup(t)
	p := f.locals[1]
	ct := f.encrypt(t, 3)
	raw, err := ct.Value.MarshalBinary()
	require.NoError(t, err)
	ack := func(id string) error {
		return p.Acknowledge(context.Background(), &threshold.AckRequest{
			RequestID: id, CeremonyID: f.result.Bundle.CeremonyID, Ciphertext: raw,
		})
	}

	for i := 0; i < threshold.RetiredHistory+8; i++ {
		require.NoError(t, p.Retire(context.Background(), fmt.Sprintf("history-%d", i)))
	}
	require.Equal(t, threshold.RetiredHistory, p.Retired())

	// 最近结束的请求仍被拒绝，最早的已被淘汰
	require.Error(t, ack(fmt.Sprintf("history-%d", threshold.RetiredHistory+7)))
	require.NoError(t, ack("history-0"))
	require.NoError(t, p.Retire(context.Background(), "history-0"))
	require.Equal(t, threshold.RetiredHistory, p.Retired())
}

func TestDecryptInt_WrongKey(t *testing.T) {
	f := setup(t)
	d := f.decryptor(t, 5*time.Second, f.locals[0], f.locals[1])

	personal := f.ctx.GenKeySet(fhe.BGV, false)
	ct, err := f.ctx.EncryptInt(personal, 1)
	require.NoError(t, err)

	_, err = d.DecryptInt(context.Background(), ct)
	require.True(t, errors.Is(err, errs.ErrMissingKey))

	ct = f.encrypt(t, 1)
	ct.Noise = ct.Capacity + 1
	_, err = d.DecryptInt(context.Background(), ct)
	require.True(t, errors.Is(err, errs.ErrTooMuchNoise))
}

func TestCombine_Pure(t *testing.T) {
	f := setup(t)
	ct := f.encrypt(t, -321)
	raw, err := ct.Value.MarshalBinary()
	require.NoError(t, err)

	const requestID = "combine-test"
	active := []int{1, 3}
	var contributions []*threshold.Contribution
	for _, p := range []*threshold.LocalParticipant{f.locals[0], f.locals[2]} {
		require.NoError(t, p.Acknowledge(context.Background(), &threshold.AckRequest{
			RequestID: requestID, CeremonyID: f.result.Bundle.CeremonyID, Ciphertext: raw,
		}))
		c, err := p.PartialDecrypt(context.Background(), &threshold.PartialRequest{RequestID: requestID, Active: active})
		require.NoError(t, err)
		contributions = append(contributions, c)
		require.NoError(t, p.Retire(context.Background(), requestID))
	}

	shares := make([]multiparty.KeySwitchShare, 0, len(contributions))
	for _, c := range contributions {
		pub, err := f.result.Bundle.Verifier(c.Index)
		require.NoError(t, err)

		// 活跃集合不符则拒绝
		_, err = threshold.Verify(f.ctx, c, requestID, f.result.Bundle.CeremonyID, c.Index, []int{1, 2}, ct.Value, pub)
		require.True(t, errors.Is(err, errs.ErrInvalidShare))

		s, err := threshold.Verify(f.ctx, c, requestID, f.result.Bundle.CeremonyID, c.Index, active, ct.Value, pub)
		require.NoError(t, err)
		shares = append(shares, s)
	}

	got, err := threshold.Combine(f.ctx, ct.Value, shares)
	require.NoError(t, err)
	require.Equal(t, int64(-321), got)
}

func TestShareRecord_RoundTripThroughDisk(t *testing.T) {
	f := setup(t)
	dir := t.TempDir()

	var loaded []threshold.Participant
	for _, p := range f.result.Parties[:2] {
		keyPath := filepath.Join(dir, fmt.Sprintf("signer-%d.key", p.Index))
		require.NoError(t, p.Signer.Save(keyPath))

		rec := *p.Record
		rec.SigningKey = keyPath
		path := filepath.Join(dir, fmt.Sprintf("share-%d.json", p.Index))
		require.NoError(t, threshold.WriteRecord(path, &rec))
		require.Error(t, threshold.WriteRecord(path, &rec))

		lp, err := threshold.LoadLocalParticipant(f.ctx, path)
		require.NoError(t, err)
		require.Equal(t, p.Index, lp.Index())
		loaded = append(loaded, lp)
	}

	bundlePath := filepath.Join(dir, "bundle.json")
	require.NoError(t, threshold.SaveBundle(bundlePath, f.result.Bundle))
	bundle, err := threshold.LoadBundle(bundlePath)
	require.NoError(t, err)

	d, err := threshold.NewDecryptor(f.ctx, bundle, loaded, 5*time.Second)
	require.NoError(t, err)
	got, err := d.DecryptInt(context.Background(), f.encrypt(t, 2024))
	require.NoError(t, err)
	require.Equal(t, int64(2024), got)
}
