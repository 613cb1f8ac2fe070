// Package server runs the simulated transport continuously and
// exposes it for observation: Prometheus metrics over HTTP and the
// standard gRPC health service.
//
// Traffic runs in rounds. Each round builds a fresh machine, drives
// sim.requests requests through it, tears it down and is recorded as
// one journal run. The health status follows the most recent round.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/frobware/go-pvio/config"
	"github.com/frobware/go-pvio/internal/workload"
	"github.com/frobware/go-pvio/journal"
	"github.com/frobware/go-pvio/lock"
	"github.com/frobware/go-pvio/metrics"
)

// HealthService is the service name reported alongside the overall
// ("") status.
const HealthService = "pvio.Workload"

const shutdownTimeout = 5 * time.Second

// RunConfig configures Run.
type RunConfig struct {
	Config config.Config
	Logger *slog.Logger
	// Rounds stops the server after that many rounds; 0 runs until
	// the context ends.
	Rounds int
}

// Run opens the journal, listens on the configured addresses and
// serves until ctx ends or the requested rounds complete.
func Run(ctx context.Context, cfg RunConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	dirs, err := cfg.Config.Journal.Dirs()
	if err != nil {
		return err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}
	dbPath, err := cfg.Config.Journal.DBPath()
	if err != nil {
		return err
	}
	j, err := journal.Open(ctx, dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open journal at %s: %w", dbPath, err)
	}
	defer j.Close()

	srv, err := New(cfg.Config, j, dirs.Lock(), logger)
	if err != nil {
		return err
	}

	var lc net.ListenConfig
	metricsLis, err := lc.Listen(ctx, "tcp", cfg.Config.Serve.MetricsAddress)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", cfg.Config.Serve.MetricsAddress, err)
	}
	grpcLis, err := lc.Listen(ctx, "tcp", cfg.Config.Serve.GRPCAddress)
	if err != nil {
		metricsLis.Close()
		return fmt.Errorf("grpc listen on %s: %w", cfg.Config.Serve.GRPCAddress, err)
	}
	return srv.Serve(ctx, metricsLis, grpcLis, cfg.Rounds)
}

// Server owns the metrics registry, the health service and the round
// loop.
type Server struct {
	wcfg     workload.Config
	requests int
	interval time.Duration
	tick     time.Duration
	keep     int

	journal  *journal.Journal
	lockPath string
	base     *slog.Logger
	logger   *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	outcomes *prometheus.CounterVec
	health   *health.Server

	rounds   atomic.Int64
	failures atomic.Int64
}

// New prepares a server. Runs are recorded in j under the writer lock
// at lockPath.
func New(cfg config.Config, j *journal.Journal, lockPath string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	interval, err := cfg.Serve.IntervalDuration()
	if err != nil {
		return nil, err
	}
	tick, err := cfg.Serve.TickDuration()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvio",
		Subsystem: "serve",
		Name:      "rounds_total",
		Help:      "Traffic rounds completed, by result.",
	}, []string{"result"})
	reg.MustRegister(outcomes)

	s := &Server{
		wcfg:     workload.ConfigFrom(cfg),
		requests: cfg.Sim.Requests,
		interval: interval,
		tick:     tick,
		keep:     cfg.Serve.KeepRuns,
		journal:  j,
		lockPath: lockPath,
		base:     logger,
		logger:   logger.With("component", "serve"),
		registry: reg,
		metrics:  metrics.New(reg),
		outcomes: outcomes,
		health:   health.NewServer(),
	}
	// The run being recorded is always among those kept.
	s.keep = max(s.keep, 1)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Registry returns the registry behind /metrics.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Rounds returns the number of rounds completed, failed ones included.
func (s *Server) Rounds() int64 { return s.rounds.Load() }

// Failures returns the number of rounds that failed.
func (s *Server) Failures() int64 { return s.failures.Load() }

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthService, status)
}

// Serve serves metrics on metricsLis and gRPC health on grpcLis while
// running rounds. It returns when ctx ends or after rounds rounds
// (0 for no limit), once both listeners are shut down.
func (s *Server) Serve(ctx context.Context, metricsLis, grpcLis net.Listener, rounds int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, s.health)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("metrics HTTP server listening", "address", metricsLis.Addr().String())
		if err := httpSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info("gRPC health server listening", "address", grpcLis.Addr().String())
		if err := gs.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.loop(gctx, rounds)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		s.health.Shutdown()
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer done()
		err := httpSrv.Shutdown(shutdownCtx)
		gs.GracefulStop()
		return err
	})
	return g.Wait()
}

func (s *Server) loop(ctx context.Context, rounds int) error {
	for n := 1; rounds <= 0 || n <= rounds; n++ {
		if n > 1 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.interval):
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		err := s.round(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.rounds.Add(1)
		if err != nil {
			s.failures.Add(1)
			s.outcomes.WithLabelValues("failed").Inc()
			s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
			s.logger.Error("round failed", "round", n, "error", err)
			continue
		}
		s.outcomes.WithLabelValues("ok").Inc()
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
		s.logger.Debug("round complete", "round", n, "duration", time.Since(start))
	}
	return nil
}

// round runs one recorded workload from setup to teardown.
func (s *Server) round(ctx context.Context) error {
	return s.journal.WithRun(ctx, s.lockPath, "serve", func(ctx context.Context, scope lock.WriterScope, rec *journal.Recorder) error {
		if pruned, err := s.journal.Prune(ctx, scope, s.keep); err != nil {
			s.logger.Warn("journal prune failed", "error", err)
		} else if pruned > 0 {
			s.logger.Debug("journal pruned", "runs", pruned)
		}

		w, err := workload.New(s.wcfg,
			workload.WithLogger(s.base),
			workload.WithMetrics(s.metrics),
			workload.WithRecorder(rec))
		if err != nil {
			return err
		}
		// Requests already submitted must be answered even after ctx
		// ends, so the backends only stop at Close.
		w.Start(context.WithoutCancel(ctx))

		tickCtx, stop := context.WithCancel(ctx)
		ticking := make(chan struct{})
		go func() {
			defer close(ticking)
			t := time.NewTicker(s.tick)
			defer t.Stop()
			for {
				select {
				case <-tickCtx.Done():
					return
				case <-t.C:
					w.Tick()
				}
			}
		}()

		runErr := w.Run(ctx, s.requests)
		stop()
		<-ticking

		stats := w.Stats()
		s.logger.Debug("round stats",
			"block_ops", stats.BlockOps,
			"store_ops", stats.StoreOps,
			"ticks", stats.Ticks,
			"grants_high_water", stats.Grants.HighWater)
		return errors.Join(runErr, w.Close())
	})
}
