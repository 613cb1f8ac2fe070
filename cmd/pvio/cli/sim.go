package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-pvio/config"
	"github.com/frobware/go-pvio/internal/workload"
	"github.com/frobware/go-pvio/journal"
	"github.com/frobware/go-pvio/lock"
	"github.com/frobware/go-pvio/metrics"
)

// SimCmd runs one batch of simulated traffic.
type SimCmd struct {
	OutputFlags
	Requests  int  `help:"Requests to issue; negative uses sim.requests from the config." default:"-1"`
	NoJournal bool `name:"no-journal" help:"Do not record the run in the journal."`
}

// SimResult is what sim reports.
type SimResult struct {
	Run             string        `json:"run,omitempty"`
	Requests        int           `json:"requests"`
	BlockOps        int64         `json:"block_ops"`
	StoreOps        int64         `json:"store_ops"`
	Ticks           uint64        `json:"ticks"`
	StoredKeys      int           `json:"stored_keys"`
	FreeFrames      int           `json:"free_frames"`
	GrantEntries    int           `json:"grant_entries"`
	GrantsInUse     int           `json:"grants_in_use"`
	GrantsHighWater int           `json:"grants_high_water"`
	Elapsed         time.Duration `json:"elapsed_ns"`
}

// Run executes the sim command.
func (c *SimCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if c.Requests >= 0 {
		cfg.Sim.Requests = c.Requests
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var result SimResult
	if c.NoJournal {
		err = simulate(ctx, cfg, logger, nil, &result)
	} else {
		err = withJournal(ctx, cfg, logger, func(j *journal.Journal, dirs config.RuntimeDirs) error {
			return j.WithRun(ctx, dirs.Lock(), "sim", func(ctx context.Context, _ lock.WriterScope, rec *journal.Recorder) error {
				result.Run = rec.ID().String()
				return simulate(ctx, cfg, logger, rec, &result)
			})
		})
	}

	if result.Requests > 0 || err == nil {
		out, ferr := FormatSimResult(result, &c.OutputFlags)
		if ferr != nil {
			return errors.Join(err, ferr)
		}
		if perr := cli.PrintOut(out); perr != nil {
			return errors.Join(err, perr)
		}
	}
	return err
}

// simulate builds a workload, drives cfg.Sim.Requests requests through
// it and tears it down. A nil rec records nothing.
func simulate(ctx context.Context, cfg config.Config, logger *slog.Logger, rec workload.Recorder, result *SimResult) error {
	opts := []workload.Option{
		workload.WithLogger(logger),
		workload.WithMetrics(metrics.New(prometheus.NewRegistry())),
	}
	if rec != nil {
		opts = append(opts, workload.WithRecorder(rec))
	}
	w, err := workload.New(workload.ConfigFrom(cfg), opts...)
	if err != nil {
		return err
	}
	w.Start(context.WithoutCancel(ctx))

	start := time.Now()
	runErr := w.Run(ctx, cfg.Sim.Requests)
	s := w.Stats()
	*result = SimResult{
		Run:             result.Run,
		Requests:        cfg.Sim.Requests,
		BlockOps:        s.BlockOps,
		StoreOps:        s.StoreOps,
		Ticks:           s.Ticks,
		StoredKeys:      s.StoredKeys,
		FreeFrames:      s.FreeFrames,
		GrantEntries:    s.Grants.Size,
		GrantsInUse:     s.Grants.InUse,
		GrantsHighWater: s.Grants.HighWater,
		Elapsed:         time.Since(start),
	}
	return errors.Join(runErr, w.Close())
}

// withJournal opens the configured journal, creating the runtime
// directories first, and calls fn with it.
func withJournal(ctx context.Context, cfg config.Config, logger *slog.Logger, fn func(*journal.Journal, config.RuntimeDirs) error) error {
	dirs, err := cfg.Journal.Dirs()
	if err != nil {
		return err
	}
	if err := dirs.EnsureDirectories(); err != nil {
		return fmt.Errorf("runtime directory setup failed: %w", err)
	}
	dbPath, err := cfg.Journal.DBPath()
	if err != nil {
		return err
	}
	j, err := journal.Open(ctx, dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open journal at %s: %w", dbPath, err)
	}
	defer j.Close()
	return fn(j, dirs)
}

// FormatSimResult renders a sim result.
func FormatSimResult(r SimResult, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		return formatJSON(r)
	}
	var b strings.Builder
	if r.Run != "" {
		fmt.Fprintf(&b, "RUN %s\n", r.Run)
	}
	fmt.Fprintf(&b, "  requests      %d\n", r.Requests)
	fmt.Fprintf(&b, "  block ops     %d\n", r.BlockOps)
	fmt.Fprintf(&b, "  store ops     %d\n", r.StoreOps)
	fmt.Fprintf(&b, "  stored keys   %d\n", r.StoredKeys)
	fmt.Fprintf(&b, "  timer ticks   %d\n", r.Ticks)
	fmt.Fprintf(&b, "  grants        %d in use, high water %d of %d\n", r.GrantsInUse, r.GrantsHighWater, r.GrantEntries)
	fmt.Fprintf(&b, "  free frames   %d\n", r.FreeFrames)
	fmt.Fprintf(&b, "  elapsed       %s\n", r.Elapsed.Round(time.Microsecond))
	return b.String(), nil
}
