package core

import (
	"context"
	"errors"
	"time"

	"github.com/3cpo-dev/trellis/internal/backend"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// Outcome is the terminal result of one attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// AttemptRecord is written once per finished attempt and never modified.
type AttemptRecord struct {
	RunID     string            `json:"run_id"`
	TaskID    string            `json:"task"`
	Attempt   int               `json:"attempt"`
	Backend   api.BackendKind   `json:"backend"`
	Command   string            `json:"command"`
	ExitCode  int               `json:"exit_code"`
	Stdout    string            `json:"-"`
	Stderr    string            `json:"-"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration"`
	Outcome   Outcome           `json:"outcome"`
	ErrorKind backend.ErrorKind `json:"error_kind,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// TaskResult is the final state of one task.
type TaskResult struct {
	ID       string
	Status   api.TaskStatus
	Attempts int
	Outputs  map[string]string
	Err      error
}

type RunResult struct {
	RunID      string
	Status     api.RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
	// Tasks is in declaration order.
	Tasks   []TaskResult
	Records []AttemptRecord
}

// Task returns the result for id.
func (r *RunResult) Task(id string) (TaskResult, bool) {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskResult{}, false
}

// Attempts returns the records of one task in attempt order.
func (r *RunResult) Attempts(id string) []AttemptRecord {
	var out []AttemptRecord
	for _, rec := range r.Records {
		if rec.TaskID == id {
			out = append(out, rec)
		}
	}
	return out
}

// Sink receives every finished attempt. Errors are logged by the scheduler
// and never affect the run.
type Sink interface {
	Record(ctx context.Context, rec AttemptRecord) error
}

// RunSink is a Sink that also wants to hear about run boundaries.
type RunSink interface {
	Sink
	BeginRun(ctx context.Context, runID string, startedAt time.Time) error
	FinishRun(ctx context.Context, res *RunResult) error
}

// MultiSink fans records out to every member.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, rec AttemptRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) BeginRun(ctx context.Context, runID string, startedAt time.Time) error {
	var errs []error
	for _, s := range m {
		if rs, ok := s.(RunSink); ok {
			if err := rs.BeginRun(ctx, runID, startedAt); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) FinishRun(ctx context.Context, res *RunResult) error {
	var errs []error
	for _, s := range m {
		if rs, ok := s.(RunSink); ok {
			if err := rs.FinishRun(ctx, res); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
