package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/trellis/pkg/api"
)

// LocalOptions configures the host-process backend.
type LocalOptions struct {
	// Shell is the interpreter prefix; the command is appended as last argument.
	Shell []string
	Dir   string
	// KillDelay is how long a cancelled process group gets between SIGTERM and SIGKILL.
	KillDelay time.Duration
}

// Local runs the command as a host process in its own process group.
type Local struct {
	shell     []string
	dir       string
	killDelay time.Duration

	mu        sync.Mutex
	cmd       *exec.Cmd
	exited    chan struct{}
	cancelled bool
}

// NewLocalFactory returns a Factory for api.BackendLocal.
func NewLocalFactory(opts LocalOptions) Factory {
	return func(spec api.BackendSpec) (Executor, error) {
		l := &Local{shell: opts.Shell, dir: opts.Dir, killDelay: opts.KillDelay}
		if spec.Local != nil {
			if len(spec.Local.Shell) > 0 {
				l.shell = spec.Local.Shell
			}
			if spec.Local.Dir != "" {
				l.dir = spec.Local.Dir
			}
		}
		if len(l.shell) == 0 {
			l.shell = defaultShell()
		}
		if l.killDelay <= 0 {
			l.killDelay = 5 * time.Second
		}
		return l, nil
	}
}

func (l *Local) Execute(ctx context.Context, req Request) (Result, error) {
	args := append(append([]string(nil), l.shell[1:]...), req.Command)
	cmd := exec.Command(l.shell[0], args...)
	cmd.Dir = l.dir
	cmd.Env = append(os.Environ(), envList(req.Env)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = l.killDelay
	setProcessGroup(cmd)

	l.mu.Lock()
	if l.cancelled {
		l.mu.Unlock()
		return Result{}, newError(Cancelled, api.BackendLocal, context.Canceled)
	}
	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return Result{}, newError(RuntimeFailure, api.BackendLocal, fmt.Errorf("start process: %w", err))
	}
	exited := make(chan struct{})
	l.cmd = cmd
	l.exited = exited
	l.mu.Unlock()

	log.Debug().Str("task", req.TaskID).Int("pid", cmd.Process.Pid).Msg("local process started")

	waitc := make(chan error, 1)
	go func() {
		waitc <- cmd.Wait()
		close(exited)
	}()

	var err error
	select {
	case err = <-waitc:
	case <-ctx.Done():
		l.Cancel()
		err = <-waitc
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return res, newError(RuntimeFailure, api.BackendLocal, fmt.Errorf("wait process: %w", err))
	}
	res.ExitCode = exitErr.ExitCode()

	l.mu.Lock()
	cancelled := l.cancelled
	l.mu.Unlock()
	if cancelled {
		return res, newError(Cancelled, api.BackendLocal, context.Canceled)
	}
	return res, nil
}

// Cancel terminates the process group, escalating to SIGKILL after the kill delay.
func (l *Local) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return
	}
	l.cancelled = true
	if l.cmd == nil {
		return
	}
	proc, exited := l.cmd.Process, l.exited
	if err := terminate(proc); err != nil {
		log.Debug().Err(err).Int("pid", proc.Pid).Msg("terminate process group")
	}
	time.AfterFunc(l.killDelay, func() {
		select {
		case <-exited:
		default:
			_ = kill(proc)
		}
	})
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
