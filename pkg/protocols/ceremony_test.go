package protocols

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"FogMPC/pkg/config"
	"FogMPC/pkg/core/threshold"
	"FogMPC/pkg/fhe"

	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T) *fhe.Context {
	t.Helper()
	ctx, err := fhe.NewContext(config.Default().FHE)
	require.NoError(t, err)
	return ctx
}

func TestRunCeremony(t *testing.T) {
	fctx := newContext(t)
	res, err := RunCeremony(context.Background(), fctx, "in-process", 2, 3)
	require.NoError(t, err)
	require.Len(t, res.Parties, 3)
	require.Len(t, res.Bundle.Verifiers, 3)

	network, err := res.Bundle.Keys(fctx)
	require.NoError(t, err)
	require.Equal(t, "in-process", network.ID)
	require.NotNil(t, network.RLK)

	// 网络密钥下的乘法需要仪式生成的重线性化密钥
	eval := fctx.NewEvaluator(network)
	a, err := fctx.EncryptInt(network, 12)
	require.NoError(t, err)
	b, err := fctx.EncryptInt(network, -5)
	require.NoError(t, err)
	prod, err := eval.Mul(a, b)
	require.NoError(t, err)

	locals, err := res.Participants(fctx)
	require.NoError(t, err)
	d, err := threshold.NewDecryptor(fctx, res.Bundle, []threshold.Participant{locals[0], locals[2]}, 5*time.Second)
	require.NoError(t, err)
	got, err := d.DecryptInt(context.Background(), prod)
	require.NoError(t, err)
	require.Equal(t, int64(-60), got)
}

func TestBoardCeremony(t *testing.T) {
	fctx := newContext(t)
	dir := t.TempDir()
	board := Board{Dir: filepath.Join(dir, "board")}
	const (
		id = "board-ceremony"
		tt = 2
		n  = 3
	)
	files := func(i int) LocalFiles {
		return LocalFiles{StateDir: filepath.Join(dir, fmt.Sprintf("p%d", i))}
	}
	record := func(i int) string {
		return filepath.Join(dir, fmt.Sprintf("share-%d.json", i))
	}

	for i := 1; i <= n; i++ {
		require.NoError(t, Init(fctx, board, files(i), id, tt, n, i))
	}

	stage, err := Publish(fctx, board, id, tt, n)
	require.NoError(t, err)
	require.Equal(t, StageWaiting, stage)

	for i := 1; i <= n; i++ {
		require.NoError(t, Deal(fctx, board, files(i), id, i))
	}
	stage, err = Publish(fctx, board, id, tt, n)
	require.NoError(t, err)
	require.Equal(t, StageRoundOne, stage)

	for i := 1; i <= n; i++ {
		require.NoError(t, Finalize(fctx, board, files(i), id, i, record(i)))
	}
	// 份额记录只写一次
	require.Error(t, Finalize(fctx, board, files(1), id, 1, record(1)))

	stage, err = Publish(fctx, board, id, tt, n)
	require.NoError(t, err)
	require.Equal(t, StageCompleted, stage)

	bundle, err := threshold.LoadBundle(filepath.Join(board.Dir, BundleFile))
	require.NoError(t, err)
	network, err := bundle.Keys(fctx)
	require.NoError(t, err)

	var ps []threshold.Participant
	for _, i := range []int{2, 3} {
		lp, err := threshold.LoadLocalParticipant(fctx, record(i))
		require.NoError(t, err)
		ps = append(ps, lp)
	}
	d, err := threshold.NewDecryptor(fctx, bundle, ps, 5*time.Second)
	require.NoError(t, err)

	ct, err := fctx.EncryptInt(network, 31337)
	require.NoError(t, err)
	got, err := d.DecryptInt(context.Background(), ct)
	require.NoError(t, err)
	require.Equal(t, int64(31337), got)
}
