package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/3cpo-dev/trellis/internal/backend"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// script is the behaviour of one task in the fake backend.
type script func(ctx context.Context, req backend.Request, cancelled <-chan struct{}) (backend.Result, error)

func ok(stdout string) script {
	return func(context.Context, backend.Request, <-chan struct{}) (backend.Result, error) {
		return backend.Result{Stdout: stdout}, nil
	}
}

func exit(code int) script {
	return func(context.Context, backend.Request, <-chan struct{}) (backend.Result, error) {
		return backend.Result{ExitCode: code, Stderr: "boom"}, nil
	}
}

func sleep(d time.Duration) script {
	return func(context.Context, backend.Request, <-chan struct{}) (backend.Result, error) {
		time.Sleep(d)
		return backend.Result{}, nil
	}
}

// after waits d, then runs next.
func after(d time.Duration, next script) script {
	return func(ctx context.Context, req backend.Request, c <-chan struct{}) (backend.Result, error) {
		time.Sleep(d)
		return next(ctx, req, c)
	}
}

// failFirst fails the first n attempts with exit 1, then runs next.
func failFirst(n int, next script) script {
	return func(ctx context.Context, req backend.Request, c <-chan struct{}) (backend.Result, error) {
		if req.Attempt <= n {
			return backend.Result{ExitCode: 1}, nil
		}
		return next(ctx, req, c)
	}
}

// untilCancelled blocks until Cancel is called, then reports cancellation.
func untilCancelled() script {
	return func(_ context.Context, _ backend.Request, c <-chan struct{}) (backend.Result, error) {
		<-c
		return backend.Result{ExitCode: -1}, &backend.ExecutionError{Kind: backend.Cancelled, Err: context.Canceled}
	}
}

// unresponsive ignores Cancel entirely.
func unresponsive() script {
	return func(ctx context.Context, _ backend.Request, _ <-chan struct{}) (backend.Result, error) {
		<-ctx.Done()
		return backend.Result{}, ctx.Err()
	}
}

type fakeBackend struct {
	mu         sync.Mutex
	scripts    map[string]script
	newErr     map[string]error
	dispatched []string
	commands   map[string]string
	cancels    map[string]int
	running    map[string]bool
	maxRunning int
}

func newFakeBackend(scripts map[string]script) *fakeBackend {
	return &fakeBackend{
		scripts:  scripts,
		newErr:   map[string]error{},
		commands: map[string]string{},
		cancels:  map[string]int{},
		running:  map[string]bool{},
	}
}

// New identifies the task through the local working directory set by the test
// helpers, so dispatch order is observed synchronously from the loop.
func (b *fakeBackend) New(spec api.BackendSpec) (backend.Executor, error) {
	id := spec.Local.Dir
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.newErr[id]; err != nil {
		return nil, err
	}
	b.dispatched = append(b.dispatched, id)
	return &fakeExec{b: b, id: id, cancelled: make(chan struct{})}, nil
}

func (b *fakeBackend) Dispatched() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dispatched...)
}

func (b *fakeBackend) Running(ids ...string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		if !b.running[id] {
			return false
		}
	}
	return true
}

func (b *fakeBackend) Cancels(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels[id]
}

func (b *fakeBackend) Command(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands[id]
}

type fakeExec struct {
	b         *fakeBackend
	id        string
	once      sync.Once
	cancelled chan struct{}
}

func (e *fakeExec) Execute(ctx context.Context, req backend.Request) (backend.Result, error) {
	b := e.b
	b.mu.Lock()
	b.commands[e.id] = req.Command
	b.running[e.id] = true
	n := 0
	for _, r := range b.running {
		if r {
			n++
		}
	}
	if n > b.maxRunning {
		b.maxRunning = n
	}
	fn := b.scripts[e.id]
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running[e.id] = false
		b.mu.Unlock()
	}()
	if fn == nil {
		return backend.Result{}, nil
	}
	return fn(ctx, req, e.cancelled)
}

func (e *fakeExec) Cancel() {
	e.once.Do(func() { close(e.cancelled) })
	e.b.mu.Lock()
	e.b.cancels[e.id]++
	e.b.mu.Unlock()
}

type memorySink struct {
	mu       sync.Mutex
	records  []AttemptRecord
	begun    string
	finished *RunResult
	fail     bool
}

func (m *memorySink) Record(_ context.Context, rec AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if m.fail {
		return errors.New("disk full")
	}
	return nil
}

func (m *memorySink) BeginRun(_ context.Context, runID string, _ time.Time) error {
	m.begun = runID
	return nil
}

func (m *memorySink) FinishRun(_ context.Context, res *RunResult) error {
	m.finished = res
	return nil
}
