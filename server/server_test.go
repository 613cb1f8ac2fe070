package server_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/frobware/go-pvio/config"
	"github.com/frobware/go-pvio/journal"
	"github.com/frobware/go-pvio/logging"
	"github.com/frobware/go-pvio/server"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Grant.Frames = 1
	cfg.Evtchn.Ports = 64
	cfg.Sim.MachinePages = 256
	cfg.Sim.GuestPages = 64
	cfg.Sim.Requests = 8
	cfg.Sim.Slots = 8
	cfg.Serve.MetricsAddress = "127.0.0.1:0"
	cfg.Serve.GRPCAddress = "127.0.0.1:0"
	cfg.Serve.Interval = "0s"
	cfg.Serve.Tick = "1ms"
	cfg.Serve.KeepRuns = 2
	cfg.Journal.RuntimeDir = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func TestRun_RecordsAndPrunesRounds(t *testing.T) {
	cfg := testConfig(t)

	err := server.Run(context.Background(), server.RunConfig{
		Config: cfg,
		Logger: logging.Discard(),
		Rounds: 3,
	})
	require.NoError(t, err)

	dbPath, err := cfg.Journal.DBPath()
	require.NoError(t, err)
	j, err := journal.Open(context.Background(), dbPath, logging.Discard())
	require.NoError(t, err)
	defer j.Close()

	runs, err := j.Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2, "older rounds are pruned")
	for _, r := range runs {
		assert.Equal(t, "serve", r.Command)
		assert.Equal(t, journal.StatusOK, r.Status)
		assert.NotZero(t, r.Events)
	}

	stats, err := j.Events(context.Background(), runs[0].ID, journal.KindStats, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Contains(t, stats[0].Detail, "requests=8")
}

func TestServe_MetricsAndHealth(t *testing.T) {
	cfg := testConfig(t)
	j, err := journal.OpenInMemory(context.Background(), logging.Discard())
	require.NoError(t, err)
	defer j.Close()

	srv, err := server.New(cfg, j, t.TempDir()+"/.lock", logging.Discard())
	require.NoError(t, err)

	metricsLis, grpcLis := listen(t), listen(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, metricsLis, grpcLis, 0) }()

	conn, err := grpc.NewClient(grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	for _, service := range []string{"", server.HealthService} {
		require.Eventually(t, func() bool {
			rsp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
			return err == nil && rsp.GetStatus() == healthpb.HealthCheckResponse_SERVING
		}, 10*time.Second, 10*time.Millisecond, "service %q", service)
	}

	rsp, err := http.Get("http://" + metricsLis.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(rsp.Body)
	rsp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Contains(t, string(body), `pvio_serve_rounds_total{result="ok"}`)
	assert.Contains(t, string(body), "pvio_grants_issued_total")
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.GreaterOrEqual(t, srv.Rounds(), int64(1))
	assert.Zero(t, srv.Failures())

	runs, err := j.Runs(context.Background(), 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(runs), cfg.Serve.KeepRuns)
}

func TestNew_RejectsBadDurations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Serve.Tick = "never"

	_, err := server.New(cfg, nil, "", logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve.tick")
}

func TestRun_ListenFailure(t *testing.T) {
	busy := listen(t)
	defer busy.Close()

	cfg := testConfig(t)
	cfg.Serve.MetricsAddress = busy.Addr().String()

	err := server.Run(context.Background(), server.RunConfig{Config: cfg, Logger: logging.Discard(), Rounds: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics listen")
}
