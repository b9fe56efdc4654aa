package participants

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"FogMPC/pkg/config"
	client "FogMPC/pkg/core/participant/coordinator"
	"FogMPC/pkg/core/participant/server"
	"FogMPC/pkg/core/threshold"
	"FogMPC/pkg/errs"
	"FogMPC/pkg/fhe"
	"FogMPC/pkg/protocols"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRemoteParticipants_Decrypt(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fctx, err := fhe.NewContext(config.Default().FHE)
	require.NoError(t, err)

	res, err := protocols.RunCeremony(context.Background(), fctx, "http-test", 2, 3)
	require.NoError(t, err)
	locals, err := res.Participants(fctx)
	require.NoError(t, err)

	cfg := config.Default().Threshold
	cfg.Retry = config.RetryConfig{Attempts: 2, Backoff: 10 * time.Millisecond}
	var servers []*httptest.Server
	for _, lp := range locals {
		ts := httptest.NewServer(server.NewHTTPServer(0, lp).Handler())
		defer ts.Close()
		servers = append(servers, ts)
		cfg.Participants = append(cfg.Participants, config.ParticipantConfig{Index: lp.Index(), URL: ts.URL})
	}

	m, err := NewManager(cfg, nil)
	require.NoError(t, err)
	require.Empty(t, m.Online())

	// 第三个参与方下线
	servers[2].Close()
	m.Probe(context.Background())
	online := m.Online()
	require.Len(t, online, 2)
	require.Equal(t, 1, online[0].Index())
	require.Equal(t, 2, online[1].Index())
	require.Equal(t, true, m.GetOnlineStatus()["can_proceed"])

	network, err := res.Bundle.Keys(fctx)
	require.NoError(t, err)
	d, err := threshold.NewDecryptor(fctx, res.Bundle, m.All(), 5*time.Second)
	require.NoError(t, err)

	ct, err := fctx.EncryptInt(network, -4096)
	require.NoError(t, err)
	got, err := d.DecryptInt(context.Background(), ct)
	require.NoError(t, err)
	require.Equal(t, int64(-4096), got)

	// 只剩一个在线参与方时凑不齐门限
	servers[1].Close()
	d, err = threshold.NewDecryptor(fctx, res.Bundle, m.All(), 2*time.Second)
	require.NoError(t, err)
	_, err = d.DecryptInt(context.Background(), ct)
	require.True(t, errors.Is(err, errs.ErrQuorumNotReached))
}

func TestRemoteParticipant_RejectsRetiredRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fctx, err := fhe.NewContext(config.Default().FHE)
	require.NoError(t, err)
	res, err := protocols.RunCeremony(context.Background(), fctx, "retire-test", 2, 2)
	require.NoError(t, err)
	locals, err := res.Participants(fctx)
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewHTTPServer(0, locals[0]).Handler())
	defer ts.Close()
	rp := client.NewRemoteParticipant(1, ts.URL, nil, config.RetryConfig{Attempts: 3, Backoff: time.Millisecond})

	health, err := rp.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "retire-test", health["ceremony_id"])

	network, err := res.Bundle.Keys(fctx)
	require.NoError(t, err)
	ct, err := fctx.EncryptInt(network, 1)
	require.NoError(t, err)
	raw, err := ct.Value.MarshalBinary()
	require.NoError(t, err)

	req := &threshold.AckRequest{RequestID: "r-1", CeremonyID: "retire-test", Ciphertext: raw}
	require.NoError(t, rp.Acknowledge(context.Background(), req))
	require.NoError(t, rp.Retire(context.Background(), "r-1"))

	err = rp.Acknowledge(context.Background(), req)
	var se *client.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 409, se.Code)

	_, err = rp.PartialDecrypt(context.Background(), &threshold.PartialRequest{RequestID: "r-1", Active: []int{1}})
	require.True(t, errors.As(err, &se))
}
