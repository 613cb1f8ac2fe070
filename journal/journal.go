// Package journal records transport events from simulator runs in a
// SQLite database for post-mortem inspection.
//
// Each run gets a UUID and a row in the runs table; events belong to a
// run and are ordered by an autoincrement sequence. Writes require a
// lock.WriterScope so only one process appends to a journal at a time.
// Reads need no lock: the database is opened in WAL mode and readers do
// not block the writer.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-pvio/lock"
)

//go:embed schema.sql
var schemaSQL string

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Kind classifies a journal event.
type Kind string

const (
	KindGrantIssued  Kind = "grant-issued"
	KindGrantRevoked Kind = "grant-revoked"
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindStream       Kind = "stream"
	KindAnomaly      Kind = "anomaly"
	KindStats        Kind = "stats"
)

// Status values for a run.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// Run summarises one recorded run.
type Run struct {
	ID       uuid.UUID
	Command  string
	Started  time.Time
	Finished time.Time // zero while running
	Status   string
	Events   int
}

// Event is one recorded transport event.
type Event struct {
	Seq       int64
	RunID     uuid.UUID
	At        time.Time
	Kind      Kind
	Component string
	Detail    string
}

// Journal is a handle on a journal database.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	stmtInsertRun   *sql.Stmt
	stmtFinishRun   *sql.Stmt
	stmtInsertEvent *sql.Stmt
	stmtListRuns    *sql.Stmt
	stmtGetRun      *sql.Stmt
	stmtListEvents  *sql.Stmt
}

// Open opens or creates the journal at dbPath.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}, {"busy_timeout", "5000"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	j, err := setup(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened journal")
	return j, nil
}

// OpenInMemory creates an in-memory journal for testing.
func OpenInMemory(ctx context.Context, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	return setup(ctx, db, logger)
}

func setup(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Journal, error) {
	j := &Journal{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := j.prepareStatements(ctx); err != nil {
		j.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return j, nil
}

func (j *Journal) prepareStatements(ctx context.Context) error {
	var err error

	const sqlInsertRun = `INSERT INTO runs (id, command, started_at, status) VALUES (?, ?, ?, ?)`
	if j.stmtInsertRun, err = j.db.PrepareContext(ctx, sqlInsertRun); err != nil {
		return fmt.Errorf("prepare InsertRun: %w", err)
	}

	const sqlFinishRun = `UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`
	if j.stmtFinishRun, err = j.db.PrepareContext(ctx, sqlFinishRun); err != nil {
		return fmt.Errorf("prepare FinishRun: %w", err)
	}

	const sqlInsertEvent = `
		INSERT INTO events (run_id, at, kind, component, detail)
		VALUES (?, ?, ?, ?, ?)`
	if j.stmtInsertEvent, err = j.db.PrepareContext(ctx, sqlInsertEvent); err != nil {
		return fmt.Errorf("prepare InsertEvent: %w", err)
	}

	const sqlListRuns = `
		SELECT r.id, r.command, r.started_at, r.finished_at, r.status, COUNT(e.seq)
		FROM runs r
		LEFT JOIN events e ON e.run_id = r.id
		GROUP BY r.id
		ORDER BY r.rowid DESC
		LIMIT ?`
	if j.stmtListRuns, err = j.db.PrepareContext(ctx, sqlListRuns); err != nil {
		return fmt.Errorf("prepare ListRuns: %w", err)
	}

	const sqlGetRun = `
		SELECT r.id, r.command, r.started_at, r.finished_at, r.status, COUNT(e.seq)
		FROM runs r
		LEFT JOIN events e ON e.run_id = r.id
		WHERE r.id = ?
		GROUP BY r.id`
	if j.stmtGetRun, err = j.db.PrepareContext(ctx, sqlGetRun); err != nil {
		return fmt.Errorf("prepare GetRun: %w", err)
	}

	const sqlListEvents = `
		SELECT seq, run_id, at, kind, component, detail
		FROM events
		WHERE run_id = ? AND (? = '' OR kind = ?)
		ORDER BY seq
		LIMIT ?`
	if j.stmtListEvents, err = j.db.PrepareContext(ctx, sqlListEvents); err != nil {
		return fmt.Errorf("prepare ListEvents: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (j *Journal) Close() error {
	for _, stmt := range []*sql.Stmt{
		j.stmtInsertRun,
		j.stmtFinishRun,
		j.stmtInsertEvent,
		j.stmtListRuns,
		j.stmtGetRun,
		j.stmtListEvents,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return j.db.Close()
}

// Begin starts a new run. The scope proves the caller holds the
// journal writer lock.
func (j *Journal) Begin(ctx context.Context, _ lock.WriterScope, command string) (*Recorder, error) {
	id := uuid.New()
	if _, err := j.stmtInsertRun.ExecContext(ctx, id.String(), command, j.now().Format(timeLayout), StatusRunning); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	j.logger.Debug("run started", "run", id, "command", command)
	return &Recorder{j: j, id: id, logger: j.logger.With("run", id)}, nil
}

// Runs returns up to limit runs, most recent first. A limit of zero or
// less returns all runs.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.stmtListRuns.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns the run with the given ID.
func (j *Journal) Run(ctx context.Context, id uuid.UUID) (Run, error) {
	r, err := scanRun(j.stmtGetRun.QueryRowContext(ctx, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// Events returns up to limit events of a run in recording order,
// optionally restricted to one kind. Empty kind matches all.
func (j *Journal) Events(ctx context.Context, id uuid.UUID, kind Kind, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.stmtListEvents.QueryContext(ctx, id.String(), string(kind), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			runID, at string
			k         string
		)
		if err := rows.Scan(&e.Seq, &runID, &at, &k, &e.Component, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("event %d: run id: %w", e.Seq, err)
		}
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("event %d: time: %w", e.Seq, err)
		}
		e.Kind = Kind(k)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes all but the keep most recent runs and their events.
// It returns the number of runs removed.
func (j *Journal) Prune(ctx context.Context, _ lock.WriterScope, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := j.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	if n > 0 {
		j.logger.Info("pruned runs", "removed", n, "kept", keep)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r        Run
		id       string
		started  string
		finished sql.NullString
	)
	if err := row.Scan(&id, &r.Command, &started, &finished, &r.Status, &r.Events); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return Run{}, fmt.Errorf("run id %q: %w", id, err)
	}
	if r.Started, err = time.Parse(timeLayout, started); err != nil {
		return Run{}, fmt.Errorf("run %s: started: %w", id, err)
	}
	if finished.Valid {
		if r.Finished, err = time.Parse(timeLayout, finished.String); err != nil {
			return Run{}, fmt.Errorf("run %s: finished: %w", id, err)
		}
	}
	return r, nil
}
