package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	sshx "github.com/3cpo-dev/trellis/internal/ssh"
	"github.com/3cpo-dev/trellis/pkg/api"
)

// RemoteHost is one entry of the host inventory.
type RemoteHost struct {
	Addr string `yaml:"addr"`
	User string `yaml:"user"`
	Port int    `yaml:"port"`
}

// RemoteOptions configures the remote-shell backend.
type RemoteOptions struct {
	User           string
	Port           int
	Hosts          map[string]RemoteHost
	Signer         xssh.Signer
	KnownHosts     xssh.HostKeyCallback
	ConnectTimeout time.Duration
	// KillDelay is how long a signalled command gets before the connection is dropped.
	KillDelay time.Duration
	// FetchDir is the base for relative fetch destinations.
	FetchDir string
}

// Remote runs the command over an SSH session.
type Remote struct {
	opts  RemoteOptions
	addr  string
	user  string
	dir   string
	fetch []api.FetchSpec

	mu        sync.Mutex
	cancelled bool
	stop      context.CancelFunc
	client    *xssh.Client
	session   *xssh.Session
	exited    chan struct{}
}

// NewRemoteFactory returns a Factory for api.BackendRemote.
func NewRemoteFactory(opts RemoteOptions) Factory {
	return func(spec api.BackendSpec) (Executor, error) {
		if spec.Remote == nil || spec.Remote.Host == "" {
			return nil, errors.New("remote backend requires a host")
		}
		if opts.Signer == nil || opts.KnownHosts == nil {
			return nil, errors.New("remote backend requires an ssh key and known_hosts")
		}
		if opts.KillDelay <= 0 {
			opts.KillDelay = 5 * time.Second
		}
		if opts.ConnectTimeout <= 0 {
			opts.ConnectTimeout = 10 * time.Second
		}
		addr, user := opts.Resolve(spec.Remote)
		return &Remote{opts: opts, addr: addr, user: user, dir: spec.Remote.Dir, fetch: spec.Remote.Fetch}, nil
	}
}

// Resolve maps a remote spec to the dial address and login user, consulting
// the host inventory first.
func (o RemoteOptions) Resolve(spec *api.RemoteSpec) (addr, user string) {
	host, user, port := spec.Host, spec.User, spec.Port
	if h, ok := o.Hosts[spec.Host]; ok {
		host = h.Addr
		if user == "" {
			user = h.User
		}
		if port == 0 {
			port = h.Port
		}
	}
	if user == "" {
		user = o.User
	}
	if user == "" {
		user = "root"
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, user
	}
	if port == 0 {
		port = o.Port
	}
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), user
}

func (r *Remote) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return Result{}, newError(Cancelled, api.BackendRemote, context.Canceled)
	}
	r.stop = stop
	r.mu.Unlock()

	cli, err := sshx.Dial(ctx, &sshx.Client{
		Addr:       r.addr,
		User:       r.user,
		Signer:     r.opts.Signer,
		KnownHosts: r.opts.KnownHosts,
		Timeout:    r.opts.ConnectTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			r.Cancel()
			return Result{}, newError(Cancelled, api.BackendRemote, ctx.Err())
		}
		return Result{}, classifyDial(err)
	}
	defer cli.Close()

	sess, err := cli.NewSession()
	if err != nil {
		return Result{}, newError(ConnectionFailure, api.BackendRemote, fmt.Errorf("open session: %w", err))
	}
	defer sess.Close()
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return Result{}, newError(Cancelled, api.BackendRemote, context.Canceled)
	}
	if err := sess.Start(remoteScript(r.dir, req)); err != nil {
		r.mu.Unlock()
		return Result{}, newError(ConnectionFailure, api.BackendRemote, fmt.Errorf("start command: %w", err))
	}
	exited := make(chan struct{})
	r.client, r.session, r.exited = cli, sess, exited
	r.mu.Unlock()

	log.Debug().Str("task", req.TaskID).Str("host", r.addr).Msg("remote command started")

	waitc := make(chan error, 1)
	go func() {
		waitc <- sess.Wait()
		close(exited)
	}()
	select {
	case err = <-waitc:
	case <-ctx.Done():
		r.Cancel()
		err = <-waitc
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if r.isCancelled() {
		return res, newError(Cancelled, api.BackendRemote, context.Canceled)
	}
	var exitErr *xssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		if exitErr.Signal() != "" {
			res.ExitCode = -1
		}
		return res, nil
	default:
		return res, newError(ConnectionFailure, api.BackendRemote, fmt.Errorf("session lost: %w", err))
	}

	for _, f := range r.fetch {
		local := f.Local
		if local == "" {
			local = filepath.Base(f.Remote)
		}
		if !filepath.IsAbs(local) && r.opts.FetchDir != "" {
			local = filepath.Join(r.opts.FetchDir, local)
		}
		if err := sshx.PullFile(ctx, cli, f.Remote, local); err != nil {
			return res, newError(RuntimeFailure, api.BackendRemote, fmt.Errorf("fetch %s: %w", f.Remote, err))
		}
	}
	return res, nil
}

// Cancel signals the remote command and drops the connection after the kill delay.
func (r *Remote) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	if r.stop != nil {
		r.stop()
	}
	if r.session == nil {
		return
	}
	if err := r.session.Signal(xssh.SIGTERM); err != nil {
		log.Debug().Err(err).Str("host", r.addr).Msg("signal remote command")
	}
	cli, exited := r.client, r.exited
	time.AfterFunc(r.opts.KillDelay, func() {
		select {
		case <-exited:
		default:
			_ = cli.Close()
		}
	})
}

func (r *Remote) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func classifyDial(err error) *ExecutionError {
	var hs *sshx.HandshakeError
	if errors.As(err, &hs) && (sshx.IsHostKeyError(err) || strings.Contains(err.Error(), "unable to authenticate")) {
		return newError(AuthFailure, api.BackendRemote, err)
	}
	return newError(ConnectionFailure, api.BackendRemote, err)
}

// remoteScript builds the shell text sent to the server: optional cd, exported
// environment in sorted order, then the command.
func remoteScript(dir string, req Request) string {
	var b strings.Builder
	if dir != "" {
		fmt.Fprintf(&b, "cd %s || exit 1\n", shellQuote(dir))
	}
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(req.Env[k]))
	}
	b.WriteString(req.Command)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
