package core

import (
	"context"
	"fmt"
	"time"

	"github.com/3cpo-dev/trellis/internal/backend"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// attempt is one dispatched execution, run on its own goroutine.
type attempt struct {
	index   int
	req     backend.Request
	backend api.BackendKind
	timeout time.Duration
	grace   time.Duration
	runID   string
}

// completion is what an attempt reports back to the scheduler loop.
type completion struct {
	index  int
	result backend.Result
	err    error
	record AttemptRecord
}

type execResult struct {
	res backend.Result
	err error
}

// run executes the attempt and reports exactly once, unless the loop has
// already returned (done closed).
func (a attempt) run(ctx context.Context, ex backend.Executor, out chan<- completion, done <-chan struct{}) {
	started := time.Now()
	resc := make(chan execResult, 1)
	go func() {
		res, err := ex.Execute(ctx, a.req)
		resc <- execResult{res, err}
	}()

	var timeoutC <-chan time.Time
	if a.timeout > 0 {
		t := time.NewTimer(a.timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	var r execResult
	select {
	case r = <-resc:
	case <-timeoutC:
		ex.Cancel()
		grace := time.NewTimer(a.grace)
		select {
		case r = <-resc:
		case <-grace.C:
		}
		grace.Stop()
		r.err = &backend.ExecutionError{Kind: backend.Timeout, Backend: a.backend, Err: fmt.Errorf("attempt exceeded %s", a.timeout)}
	}
	if r.err == nil && r.res.ExitCode != 0 {
		r.err = &backend.ExecutionError{Kind: backend.NonZeroExit, Backend: a.backend, ExitCode: r.res.ExitCode}
	}

	c := completion{index: a.index, result: r.res, err: r.err, record: a.record(started, r)}
	select {
	case out <- c:
	case <-done:
	}
}

func (a attempt) record(started time.Time, r execResult) AttemptRecord {
	rec := AttemptRecord{
		RunID:     a.runID,
		TaskID:    a.req.TaskID,
		Attempt:   a.req.Attempt,
		Backend:   a.backend,
		Command:   a.req.Command,
		ExitCode:  r.res.ExitCode,
		Stdout:    r.res.Stdout,
		Stderr:    r.res.Stderr,
		StartedAt: started,
		Duration:  time.Since(started),
		Outcome:   OutcomeSucceeded,
	}
	if r.err == nil {
		return rec
	}
	rec.Error = r.err.Error()
	rec.ErrorKind = backend.KindOf(r.err)
	switch rec.ErrorKind {
	case backend.Timeout:
		rec.Outcome = OutcomeTimeout
	case backend.Cancelled:
		rec.Outcome = OutcomeCancelled
	default:
		rec.Outcome = OutcomeFailed
	}
	return rec
}
