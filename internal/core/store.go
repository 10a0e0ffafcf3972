package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/trellis/internal/backend"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// Store is a SQLite-backed run history. It implements RunSink.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunSummary is one row of the run history.
type RunSummary struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     api.RunStatus
	Tasks      int
	Failed     int
}

func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("mkdir store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		schema, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) BeginRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, status) VALUES (?, ?, ?)`,
		runID, startedAt.UnixNano(), string(api.RunRunning))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, res *RunResult) error {
	failed := 0
	for _, t := range res.Tasks {
		if t.Status == api.TaskFailed {
			failed++
		}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, tasks = ?, failed = ? WHERE id = ?`,
		res.FinishedAt.UnixNano(), string(res.Status), len(res.Tasks), failed, res.RunID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, rec AttemptRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (run_id, task_id, attempt, backend, command, exit_code, outcome,
			error_kind, error, stdout, stderr, started_at, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.TaskID, rec.Attempt, string(rec.Backend), rec.Command, rec.ExitCode, string(rec.Outcome),
		string(rec.ErrorKind), rec.Error, rec.Stdout, rec.Stderr, rec.StartedAt.UnixNano(), int64(rec.Duration))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, COALESCE(finished_at, 0), status, tasks, failed
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var (
			r                 RunSummary
			started, finished int64
			status            string
		)
		if err := rows.Scan(&r.ID, &started, &finished, &status, &r.Tasks, &r.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		if finished > 0 {
			r.FinishedAt = time.Unix(0, finished)
		}
		r.Status = api.RunStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Attempts returns every attempt of a run in the order they finished.
func (s *Store) Attempts(ctx context.Context, runID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, attempt, backend, command, exit_code, outcome, error_kind, error,
			stdout, stderr, started_at, duration_ns
		 FROM attempts WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()
	var out []AttemptRecord
	for rows.Next() {
		var (
			rec                           AttemptRecord
			backendKind, outcome, errKind string
			started, duration             int64
		)
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Attempt, &backendKind, &rec.Command, &rec.ExitCode,
			&outcome, &errKind, &rec.Error, &rec.Stdout, &rec.Stderr, &started, &duration); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.Backend = api.BackendKind(backendKind)
		rec.Outcome = Outcome(outcome)
		rec.ErrorKind = backend.ErrorKind(errKind)
		rec.StartedAt = time.Unix(0, started)
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}
