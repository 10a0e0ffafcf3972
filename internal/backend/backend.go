// Package backend runs a single task attempt in one of the supported
// execution environments: local process, remote shell, container or pod.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/3cpo-dev/trellis/pkg/api"
)

// Request is one attempt of one task with its command already resolved.
type Request struct {
	TaskID  string
	Attempt int
	Command string
	Env     map[string]string
}

// Result is what a finished command reported. A non-zero ExitCode is not an
// error at this layer.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs one attempt. Cancel may be called at any time, from any
// goroutine, any number of times; Execute must then return promptly.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
	Cancel()
}

type ErrorKind string

const (
	ConnectionFailure    ErrorKind = "connection failure"
	AuthFailure          ErrorKind = "authentication failure"
	ImagePullFailure     ErrorKind = "image pull failure"
	RuntimeFailure       ErrorKind = "runtime failure"
	PodSchedulingFailure ErrorKind = "pod scheduling failure"
	PodFailure           ErrorKind = "pod failure"
	NonZeroExit          ErrorKind = "non-zero exit"
	Timeout              ErrorKind = "timeout"
	Cancelled            ErrorKind = "cancelled"
)

// ExecutionError is a per-attempt failure. All kinds except Cancelled are
// retryable.
type ExecutionError struct {
	Kind     ErrorKind
	Backend  api.BackendKind
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := string(e.Kind)
	if e.Backend != "" {
		msg = string(e.Backend) + ": " + msg
	}
	if e.Kind == NonZeroExit {
		msg = fmt.Sprintf("%s (exit %d)", msg, e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, backend api.BackendKind, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Backend: backend, Err: err}
}

// KindOf returns the ErrorKind carried by err, or "" when err is not an ExecutionError.
func KindOf(err error) ErrorKind {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Factory creates a fresh Executor for one attempt.
type Factory func(spec api.BackendSpec) (Executor, error)

// Registry maps backend kinds to factories.
type Registry struct {
	factories map[api.BackendKind]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[api.BackendKind]Factory{}}
}

func (r *Registry) Register(kind api.BackendKind, f Factory) {
	r.factories[kind] = f
}

// New builds an executor for spec. An empty kind means local.
func (r *Registry) New(spec api.BackendSpec) (Executor, error) {
	kind := spec.Kind
	if kind == "" {
		kind = api.BackendLocal
	}
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("backend not registered: %s", kind)
	}
	return f(spec)
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []api.BackendKind {
	out := make([]api.BackendKind, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
