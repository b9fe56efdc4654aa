package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fog.yaml")
	content := `
log_level: debug
game:
  view_range: 5
threshold:
  threshold: 3
  parties: 5
  timeout: 2s
  retry:
    attempts: 4
    backoff: 100ms
  participants:
    - index: 1
      url: http://127.0.0.1:9001
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 5, cfg.Game.ViewRange)
	require.Equal(t, 90, cfg.Game.MaxCoordinate)
	require.Equal(t, 3, cfg.Threshold.Threshold)
	require.Equal(t, 2*time.Second, cfg.Threshold.Timeout)
	require.Equal(t, 100*time.Millisecond, cfg.Threshold.Retry.Backoff)
	// 传输层重试独立配置，不随整轮重试改变
	require.Equal(t, Default().Threshold.Transport, cfg.Threshold.Transport)
	require.Len(t, cfg.Threshold.Participants, 1)
	require.Equal(t, uint64(65537), cfg.FHE.BGV.PlaintextModulus)
}

func TestValidate_RejectsBadThreshold(t *testing.T) {
	cfg := Default()
	cfg.Threshold.Threshold = 4
	cfg.Threshold.Parties = 3
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsCoordinateOverflow(t *testing.T) {
	cfg := Default()
	cfg.Game.MaxCoordinate = 200
	require.Error(t, cfg.Validate())
}

func TestValidate_SqrtBoundCoversCoordinates(t *testing.T) {
	cfg := Default()
	cfg.Sqrt.Bound = 8 * 90 * 90
	require.NoError(t, cfg.Validate())

	cfg.Sqrt.Bound = 300
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Sqrt.Iterations = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_TransportAttempts(t *testing.T) {
	cfg := Default()
	cfg.Threshold.Transport.Attempts = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_MulMustCostMoreThanAdd(t *testing.T) {
	cfg := Default()
	cfg.FHE.Noise.MulCost = cfg.FHE.Noise.AddCost
	require.Error(t, cfg.Validate())
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fog.yaml")
	cfg := Default()
	cfg.Delegation.Backend = "redis"
	cfg.Delegation.Redis.Address = "127.0.0.1:6379"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Delegation, loaded.Delegation)
	require.Equal(t, cfg.Threshold.Timeout, loaded.Threshold.Timeout)
}
