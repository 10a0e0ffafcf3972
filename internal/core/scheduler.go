package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/3cpo-dev/trellis/internal/backend"
	"github.com/3cpo-dev/trellis/internal/graph"
	"github.com/3cpo-dev/trellis/internal/interp"
	"github.com/3cpo-dev/trellis/internal/retry"
	"github.com/3cpo-dev/trellis/internal/telemetry"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// ExecutorFactory builds a fresh executor for one attempt. *backend.Registry
// satisfies it.
type ExecutorFactory interface {
	New(spec api.BackendSpec) (backend.Executor, error)
}

// FailurePolicy decides how far a task failure reaches.
type FailurePolicy int

const (
	// SkipDependents skips the failed task's transitive dependents only.
	SkipDependents FailurePolicy = iota
	// HaltAll additionally stops dispatching anything new once a failure is seen.
	HaltAll
)

func (p FailurePolicy) String() string {
	if p == HaltAll {
		return "halt-all"
	}
	return "skip-dependents"
}

// PolicyFor maps the fail-fast flag onto a FailurePolicy.
func PolicyFor(failFast bool) FailurePolicy {
	if failFast {
		return HaltAll
	}
	return SkipDependents
}

type Options struct {
	Concurrency    int
	FailurePolicy  FailurePolicy
	GracePeriod    time.Duration
	DefaultRetry   retry.Policy
	DefaultTimeout time.Duration
	Vars           map[string]string
	Sink           Sink
	Logger         *zerolog.Logger
	Telemetry      *telemetry.Collector
	RunID          string
	// Controller is created from GracePeriod when nil.
	Controller *Controller
}

// Scheduler drives one run of a graph. All task state is owned by the
// goroutine executing Run; attempts report back over a channel.
type Scheduler struct {
	factory ExecutorFactory
	opts    Options
	ctrl    *Controller
	log     zerolog.Logger

	g           *graph.Graph
	tasks       []*taskState
	ready       []int
	retries     *retry.Queue
	sem         *semaphore.Weighted
	inflight    int
	completions chan completion
	done        chan struct{}
	execCtx     context.Context
	records     []AttemptRecord
	halted      bool
	shutdown    bool
}

type taskState struct {
	status   api.TaskStatus
	attempts int
	policy   retry.Policy
	timeout  time.Duration
	outputs  map[string]string
	err      error
	exec     backend.Executor
	started  time.Time
	command  string
}

func NewScheduler(factory ExecutorFactory, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.DefaultRetry.MaxAttempts <= 0 {
		opts.DefaultRetry = retry.DefaultPolicy()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	ctrl := opts.Controller
	if ctrl == nil {
		ctrl = NewController(opts.GracePeriod)
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Scheduler{
		factory: factory,
		opts:    opts,
		ctrl:    ctrl,
		log:     logger.With().Str("run", opts.RunID).Logger(),
	}
}

// Cancel triggers graceful shutdown of the run. It may be called at any time.
func (s *Scheduler) Cancel() { s.ctrl.Trigger() }

func (s *Scheduler) Controller() *Controller { return s.ctrl }

// Run executes g to completion and returns the final state of every task.
// Cancelling ctx is equivalent to calling Cancel.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph) *RunResult {
	started := time.Now()
	s.g = g
	s.tasks = make([]*taskState, g.Len())
	for i := range s.tasks {
		t := g.Task(i)
		timeout := t.Timeout
		if timeout <= 0 {
			timeout = s.opts.DefaultTimeout
		}
		s.tasks[i] = &taskState{status: api.TaskPending, policy: retry.FromSpec(t.Retry, s.opts.DefaultRetry), timeout: timeout}
	}
	s.retries = retry.NewQueue()
	s.sem = semaphore.NewWeighted(int64(s.opts.Concurrency))
	s.completions = make(chan completion)
	s.done = make(chan struct{})
	defer close(s.done)
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()
	s.execCtx = execCtx
	stop := context.AfterFunc(ctx, s.ctrl.Trigger)
	defer stop()

	if rs, ok := s.opts.Sink.(RunSink); ok {
		if err := rs.BeginRun(ctx, s.opts.RunID, started); err != nil {
			s.log.Warn().Err(err).Msg("sink begin run")
		}
	}
	s.log.Info().Int("tasks", g.Len()).Int("concurrency", s.opts.Concurrency).Str("failure_policy", s.opts.FailurePolicy.String()).Msg("run started")

	for _, i := range g.Roots() {
		s.makeReady(i)
	}
	s.loop()

	res := s.result(started)
	s.opts.Telemetry.Time("trellis_run_duration", res.FinishedAt.Sub(started), map[string]string{"status": string(res.Status)})
	if rs, ok := s.opts.Sink.(RunSink); ok {
		if err := rs.FinishRun(context.WithoutCancel(ctx), res); err != nil {
			s.log.Warn().Err(err).Msg("sink finish run")
		}
	}
	s.log.Info().Str("status", string(res.Status)).Dur("elapsed", res.FinishedAt.Sub(started)).Msg("run finished")
	return res
}

func (s *Scheduler) loop() {
	var graceC <-chan time.Time
	for {
		if !s.shutdown && s.ctrl.Cancelled() {
			graceC = s.beginShutdown()
		}
		if !s.shutdown {
			for _, i := range s.retries.PopDue(time.Now()) {
				s.makeReady(i)
			}
			s.dispatchReady()
		}
		if s.inflight == 0 && len(s.ready) == 0 && s.retries.Len() == 0 {
			return
		}

		var retryC <-chan time.Time
		var retryTimer *time.Timer
		if next, ok := s.retries.NextDue(); ok && !s.shutdown {
			retryTimer = time.NewTimer(time.Until(next))
			retryC = retryTimer.C
		}
		triggered := s.ctrl.Triggered()
		if s.shutdown {
			triggered = nil
		}

		select {
		case c := <-s.completions:
			s.inflight--
			s.sem.Release(1)
			s.complete(c)
		case <-retryC:
		case <-triggered:
			graceC = s.beginShutdown()
		case <-graceC:
			s.forceCancel()
			return
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}
}

// dispatchReady starts ready tasks in declaration order while slots are free.
func (s *Scheduler) dispatchReady() {
	for len(s.ready) > 0 && !s.halted && !s.shutdown {
		if !s.sem.TryAcquire(1) {
			return
		}
		i := s.ready[0]
		s.ready = s.ready[1:]
		if !s.dispatch(i) {
			s.sem.Release(1)
		}
	}
}

// dispatch resolves the task and starts an attempt. It returns false when the
// task failed before any attempt started.
func (s *Scheduler) dispatch(i int) bool {
	t, st := s.g.Task(i), s.tasks[i]
	lookup := interp.MapLookup(s.opts.Vars, s.outputs())
	cmd, err := interp.Resolve(t.Command, lookup)
	if err != nil {
		s.fail(i, fmt.Errorf("resolve command: %w", err))
		return false
	}
	env := make(map[string]string, len(t.Env))
	for k, v := range t.Env {
		if env[k], err = interp.Resolve(v, lookup); err != nil {
			s.fail(i, fmt.Errorf("resolve env %s: %w", k, err))
			return false
		}
	}
	ex, err := s.factory.New(t.Backend)
	if err != nil {
		s.fail(i, fmt.Errorf("create executor: %w", err))
		return false
	}

	st.attempts++
	st.status = api.TaskRunning
	st.exec = ex
	st.started = time.Now()
	st.command = cmd
	s.inflight++
	s.log.Info().Str("task", t.ID).Int("attempt", st.attempts).Str("backend", string(backendKind(t))).Msg("dispatch")

	a := attempt{
		index:   i,
		req:     backend.Request{TaskID: t.ID, Attempt: st.attempts, Command: cmd, Env: env},
		backend: backendKind(t),
		timeout: st.timeout,
		grace:   s.ctrl.Grace(),
		runID:   s.opts.RunID,
	}
	go a.run(s.execCtx, ex, s.completions, s.done)
	return true
}

func (s *Scheduler) complete(c completion) {
	i := c.index
	t, st := s.g.Task(i), s.tasks[i]
	st.exec = nil
	s.record(c.record)
	logger := s.log.With().Str("task", t.ID).Int("attempt", c.record.Attempt).Logger()

	if c.err == nil {
		outputs, err := interp.Capture(t.Outputs, c.result.Stdout)
		if err != nil {
			s.fail(i, fmt.Errorf("capture outputs: %w", err))
			return
		}
		st.status = api.TaskSucceeded
		st.outputs = outputs
		st.err = nil
		logger.Info().Dur("duration", c.record.Duration).Msg("task succeeded")
		for _, d := range s.g.Dependents(i) {
			if s.depsSucceeded(d) {
				s.makeReady(d)
			}
		}
		return
	}

	if s.shutdown {
		st.status = api.TaskCancelled
		st.err = c.err
		logger.Warn().Err(c.err).Msg("task cancelled")
		return
	}
	if backend.KindOf(c.err) == backend.Cancelled {
		s.fail(i, c.err)
		return
	}
	if !s.halted && st.policy.ShouldRetry(st.attempts) {
		delay := st.policy.Backoff(st.attempts)
		st.status = api.TaskPending
		st.err = c.err
		s.retries.Push(i, time.Now().Add(delay))
		logger.Warn().Err(c.err).Dur("backoff", delay).Msg("attempt failed, retry scheduled")
		return
	}
	s.fail(i, c.err)
}

func (s *Scheduler) makeReady(i int) {
	st := s.tasks[i]
	switch {
	case s.shutdown:
		st.status = api.TaskCancelled
	case s.halted:
		st.status = api.TaskSkipped
		st.err = errHalted
	default:
		st.status = api.TaskReady
		s.ready = insertSorted(s.ready, i)
	}
}

var errHalted = errors.New("skipped: run halted after a failure")

// fail marks i Failed and skips everything downstream of it.
func (s *Scheduler) fail(i int, err error) {
	t, st := s.g.Task(i), s.tasks[i]
	st.status = api.TaskFailed
	st.err = err
	s.log.Error().Str("task", t.ID).Int("attempts", st.attempts).Err(err).Msg("task failed")
	s.opts.Telemetry.Count("trellis_task_failures_total", 1, map[string]string{"task": t.ID})

	for _, d := range s.g.Descendants(i) {
		ds := s.tasks[d]
		if ds.status.Terminal() {
			continue
		}
		if refs := refsTo(s.g.Task(d), t.ID); len(refs) > 0 {
			ds.status = api.TaskFailed
			ds.err = &interp.UnresolvedError{Refs: refs}
			s.log.Error().Str("task", s.g.Task(d).ID).Err(ds.err).Msg("task failed")
			continue
		}
		ds.status = api.TaskSkipped
		ds.err = fmt.Errorf("skipped: dependency %s failed", t.ID)
	}
	if s.opts.FailurePolicy != HaltAll || s.halted {
		return
	}
	s.halted = true
	s.log.Warn().Str("task", t.ID).Msg("halting run: no new tasks will be dispatched")
	for _, j := range s.retries.Drain() {
		s.tasks[j].status = api.TaskFailed
	}
	s.ready = nil
	for _, ts := range s.tasks {
		if ts.status == api.TaskPending || ts.status == api.TaskReady {
			ts.status = api.TaskSkipped
			ts.err = errHalted
		}
	}
}

// beginShutdown cancels everything not yet finished and returns the grace
// timer for in-flight attempts, or nil when nothing is running.
func (s *Scheduler) beginShutdown() <-chan time.Time {
	s.shutdown = true
	s.log.Warn().Int("in_flight", s.inflight).Dur("grace", s.ctrl.Grace()).Msg("cancelling run")
	s.retries.Drain()
	s.ready = nil
	for _, st := range s.tasks {
		switch st.status {
		case api.TaskRunning:
			st.exec.Cancel()
		case api.TaskPending, api.TaskReady:
			st.status = api.TaskCancelled
			st.err = context.Canceled
		}
	}
	if s.inflight == 0 {
		return nil
	}
	return time.After(s.ctrl.Grace())
}

// forceCancel settles attempts that did not acknowledge cancellation within
// the grace period.
func (s *Scheduler) forceCancel() {
	for i, st := range s.tasks {
		if st.status != api.TaskRunning {
			continue
		}
		t := s.g.Task(i)
		err := fmt.Errorf("no acknowledgement within grace period %s", s.ctrl.Grace())
		st.status = api.TaskCancelled
		st.err = err
		st.exec = nil
		s.record(AttemptRecord{
			RunID:     s.opts.RunID,
			TaskID:    t.ID,
			Attempt:   st.attempts,
			Backend:   backendKind(t),
			Command:   st.command,
			ExitCode:  -1,
			StartedAt: st.started,
			Duration:  time.Since(st.started),
			Outcome:   OutcomeCancelled,
			ErrorKind: backend.Cancelled,
			Error:     err.Error(),
		})
		s.log.Warn().Str("task", t.ID).Msg("attempt forced to cancelled")
	}
	s.inflight = 0
}

func (s *Scheduler) record(rec AttemptRecord) {
	s.records = append(s.records, rec)
	s.opts.Telemetry.Count("trellis_attempts_total", 1, map[string]string{"outcome": string(rec.Outcome), "backend": string(rec.Backend)})
	s.opts.Telemetry.Time("trellis_attempt_duration", rec.Duration, map[string]string{"task": rec.TaskID})
	if s.opts.Sink == nil {
		return
	}
	if err := s.opts.Sink.Record(s.execCtx, rec); err != nil {
		s.log.Warn().Err(err).Str("task", rec.TaskID).Int("attempt", rec.Attempt).Msg("sink record")
	}
}

func (s *Scheduler) depsSucceeded(i int) bool {
	if s.tasks[i].status != api.TaskPending {
		return false
	}
	for _, d := range s.g.Deps(i) {
		if s.tasks[d].status != api.TaskSucceeded {
			return false
		}
	}
	return true
}

func (s *Scheduler) outputs() map[string]map[string]string {
	out := make(map[string]map[string]string)
	for i, st := range s.tasks {
		if st.status == api.TaskSucceeded {
			out[s.g.Task(i).ID] = st.outputs
		}
	}
	return out
}

func (s *Scheduler) result(started time.Time) *RunResult {
	res := &RunResult{
		RunID:      s.opts.RunID,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Tasks:      make([]TaskResult, len(s.tasks)),
		Records:    s.records,
		Status:     api.RunSucceeded,
	}
	for i, st := range s.tasks {
		res.Tasks[i] = TaskResult{ID: s.g.Task(i).ID, Status: st.status, Attempts: st.attempts, Outputs: st.outputs, Err: st.err}
		s.opts.Telemetry.Count("trellis_tasks_total", 1, map[string]string{"status": string(st.status)})
		if st.status == api.TaskFailed || st.status == api.TaskCancelled {
			res.Status = api.RunFailed
		}
	}
	if s.ctrl.Cancelled() {
		res.Status = api.RunCancelled
	}
	return res
}

// refsTo returns the output references t makes to task id. They can no
// longer resolve once id has failed.
func refsTo(t api.TaskSpec, id string) []interp.Ref {
	var out []interp.Ref
	for _, ref := range graph.References(t) {
		if ref.Task == id {
			out = append(out, ref)
		}
	}
	return out
}

func backendKind(t api.TaskSpec) api.BackendKind {
	if t.Backend.Kind == "" {
		return api.BackendLocal
	}
	return t.Backend.Kind
}

func insertSorted(s []int, v int) []int {
	k := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[k+1:], s[k:])
	s[k] = v
	return s
}

// RunGraph runs g once with a fresh scheduler: concurrency bounds the number of
// running attempts and failFast selects HaltAll over SkipDependents.
func RunGraph(ctx context.Context, factory ExecutorFactory, g *graph.Graph, concurrency int, failFast bool) *RunResult {
	return NewScheduler(factory, Options{Concurrency: concurrency, FailurePolicy: PolicyFor(failFast)}).Run(ctx, g)
}
