package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/frobware/go-pvio/lock"
)

// Recorder appends events to one run. It is safe for concurrent use.
// Recording errors are logged and remembered rather than returned, so
// transport code can record without error plumbing; Finish reports the
// first one.
type Recorder struct {
	j      *Journal
	id     uuid.UUID
	logger *slog.Logger

	mu       sync.Mutex
	err      error
	dropped  int
	finished bool
}

// ID returns the run's identifier.
func (r *Recorder) ID() uuid.UUID { return r.id }

// Record appends an event. Detail is free-form text.
func (r *Recorder) Record(ctx context.Context, kind Kind, component, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		r.dropped++
		return
	}
	_, err := r.j.stmtInsertEvent.ExecContext(ctx, r.id.String(), r.j.now().Format(timeLayout), string(kind), component, detail)
	if err != nil {
		r.dropped++
		if r.err == nil {
			r.err = fmt.Errorf("record %s event: %w", kind, err)
			r.logger.Warn("journal write failed", "kind", kind, "error", err)
		}
	}
}

// Recordf is Record with a formatted detail.
func (r *Recorder) Recordf(ctx context.Context, kind Kind, component, format string, args ...any) {
	r.Record(ctx, kind, component, fmt.Sprintf(format, args...))
}

// Finish marks the run complete. A non-nil runErr marks it failed.
// It returns the first recording error, if any.
func (r *Recorder) Finish(ctx context.Context, runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return r.err
	}
	r.finished = true

	status := StatusOK
	if runErr != nil || r.err != nil {
		status = StatusFailed
	}
	if _, err := r.j.stmtFinishRun.ExecContext(ctx, r.j.now().Format(timeLayout), status, r.id.String()); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	r.logger.Debug("run finished", "status", status, "dropped", r.dropped)
	return r.err
}

// WithRun takes the writer lock at lockPath, begins a run named
// command and calls fn with the lock scope and the run's recorder. The run is finished with
// fn's error before the lock is released. A recording failure is
// logged but does not replace fn's result.
func (j *Journal) WithRun(ctx context.Context, lockPath, command string, fn func(context.Context, lock.WriterScope, *Recorder) error) error {
	return lock.Run(ctx, lockPath, func(ctx context.Context, scope lock.WriterScope) error {
		rec, err := j.Begin(ctx, scope, command)
		if err != nil {
			return err
		}
		runErr := fn(ctx, scope, rec)
		if err := rec.Finish(context.WithoutCancel(ctx), runErr); err != nil {
			j.logger.Warn("run journal incomplete", "run", rec.ID(), "error", err)
		}
		return runErr
	})
}
