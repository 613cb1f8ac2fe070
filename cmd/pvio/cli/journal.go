package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-pvio/config"
	"github.com/frobware/go-pvio/journal"
	"github.com/frobware/go-pvio/lock"
)

// JournalCmd inspects or prunes the run journal.
type JournalCmd struct {
	List  JournalListCmd  `cmd:"" default:"withargs" help:"List recorded runs, or the events of one run."`
	Prune JournalPruneCmd `cmd:"" help:"Delete all but the most recent runs."`
}

// JournalListCmd lists runs or the events of one run.
type JournalListCmd struct {
	OutputFlags
	RunID string `name:"run" help:"Show the events of this run (UUID)."`
	Kind  string `name:"kind" help:"With --run, only events of this kind."`
	Limit int    `name:"limit" help:"Maximum rows to show (0 for all)." default:"0"`
}

var eventKinds = []journal.Kind{
	journal.KindGrantIssued,
	journal.KindGrantRevoked,
	journal.KindRequest,
	journal.KindResponse,
	journal.KindStream,
	journal.KindAnomaly,
	journal.KindStats,
}

// Run executes the journal list command.
func (c *JournalListCmd) Run(cli *CLI) error {
	if c.Kind != "" && !slices.Contains(eventKinds, journal.Kind(c.Kind)) {
		return fmt.Errorf("unknown event kind %q", c.Kind)
	}
	if c.Kind != "" && c.RunID == "" {
		return errors.New("--kind requires --run")
	}
	var id uuid.UUID
	if c.RunID != "" {
		var err error
		if id, err = uuid.Parse(c.RunID); err != nil {
			return fmt.Errorf("invalid run id %q: %w", c.RunID, err)
		}
	}

	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx := context.Background()
	return withJournal(ctx, cfg, logger, func(j *journal.Journal, _ config.RuntimeDirs) error {
		var out string
		if c.RunID == "" {
			runs, err := j.Runs(ctx, c.Limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				return cli.PrintOut("No runs recorded\n")
			}
			if out, err = FormatRuns(runs, &c.OutputFlags); err != nil {
				return err
			}
		} else {
			run, err := j.Run(ctx, id)
			if err != nil {
				return err
			}
			events, err := j.Events(ctx, id, journal.Kind(c.Kind), c.Limit)
			if err != nil {
				return err
			}
			if out, err = FormatRunEvents(run, events, &c.OutputFlags); err != nil {
				return err
			}
		}
		return cli.PrintOut(out)
	})
}

// JournalPruneCmd deletes old runs.
type JournalPruneCmd struct {
	Keep int `name:"keep" help:"Number of most recent runs to keep." default:"10"`
}

// Run executes the journal prune command.
func (c *JournalPruneCmd) Run(cli *CLI) error {
	if c.Keep < 0 {
		return fmt.Errorf("--keep must not be negative, got %d", c.Keep)
	}
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := cli.Logger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx := context.Background()
	return withJournal(ctx, cfg, logger, func(j *journal.Journal, dirs config.RuntimeDirs) error {
		var pruned int
		err := lock.TryRun(ctx, dirs.Lock(), func(ctx context.Context, scope lock.WriterScope) error {
			var err error
			pruned, err = j.Prune(ctx, scope, c.Keep)
			return err
		})
		if errors.Is(err, lock.ErrHeld) {
			return fmt.Errorf("journal is being written, try again later: %w", err)
		}
		if err != nil {
			return err
		}
		return cli.PrintOut(fmt.Sprintf("Pruned %d runs\n", pruned))
	})
}

type runView struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	Started  string `json:"started"`
	Finished string `json:"finished,omitempty"`
	Events   int    `json:"events"`
}

type eventView struct {
	Seq       int64  `json:"seq"`
	At        string `json:"at"`
	Kind      string `json:"kind"`
	Component string `json:"component"`
	Detail    string `json:"detail"`
}

func newRunView(r journal.Run) runView {
	v := runView{
		ID:      r.ID.String(),
		Command: r.Command,
		Status:  r.Status,
		Started: r.Started.Format(time.RFC3339Nano),
		Events:  r.Events,
	}
	if !r.Finished.IsZero() {
		v.Finished = r.Finished.Format(time.RFC3339Nano)
	}
	return v
}

func runDuration(r journal.Run) string {
	if r.Finished.IsZero() {
		return "-"
	}
	return r.Finished.Sub(r.Started).Round(time.Millisecond).String()
}

// FormatRuns renders a list of runs.
func FormatRuns(runs []journal.Run, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		views := make([]runView, len(runs))
		for i, r := range runs {
			views[i] = newRunView(r)
		}
		return formatJSON(views)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-7s  %-7s  %6s  %-20s  %s\n", "ID", "COMMAND", "STATUS", "EVENTS", "STARTED", "DURATION")
	for _, r := range runs {
		fmt.Fprintf(&b, "%-36s  %-7s  %-7s  %6d  %-20s  %s\n",
			r.ID, r.Command, r.Status, r.Events,
			r.Started.Local().Format(time.DateTime), runDuration(r))
	}
	return b.String(), nil
}

// FormatRunEvents renders one run and its events.
func FormatRunEvents(run journal.Run, events []journal.Event, flags *OutputFlags) (string, error) {
	if flags.Format() == OutputFormatJSON {
		views := make([]eventView, len(events))
		for i, e := range events {
			views[i] = eventView{
				Seq:       e.Seq,
				At:        e.At.Format(time.RFC3339Nano),
				Kind:      string(e.Kind),
				Component: e.Component,
				Detail:    e.Detail,
			}
		}
		return formatJSON(struct {
			Run    runView     `json:"run"`
			Events []eventView `json:"events"`
		}{newRunView(run), views})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "RUN  %s  %s  %s\n", run.ID, run.Command, run.Status)
	fmt.Fprintf(&b, "  started  %s\n", run.Started.Local().Format(time.DateTime))
	fmt.Fprintf(&b, "  duration %s\n", runDuration(run))
	fmt.Fprintf(&b, "  events   %d\n", run.Events)

	b.WriteString("\n  EVENTS\n")
	if len(events) == 0 {
		b.WriteString("  (none)\n")
		return b.String(), nil
	}
	fmt.Fprintf(&b, "  %-6s %-15s %-13s %-10s %s\n", "SEQ", "TIME", "KIND", "COMPONENT", "DETAIL")
	for _, e := range events {
		fmt.Fprintf(&b, "  %-6d %-15s %-13s %-10s %s\n",
			e.Seq, e.At.Local().Format("15:04:05.000000"), e.Kind, e.Component, e.Detail)
	}
	return b.String(), nil
}
