//go:build !windows

package backend

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/trellis/internal/ssh/sshtest"
	"github.com/3cpo-dev/trellis/pkg/api"
)

func newRemote(t *testing.T, srv *sshtest.Server, spec *api.RemoteSpec, fetchDir string) Executor {
	t.Helper()
	ex, err := NewRemoteFactory(RemoteOptions{
		Hosts:          map[string]RemoteHost{"builder": {Addr: srv.Addr, User: "ci"}},
		Signer:         srv.ClientKey,
		KnownHosts:     srv.HostKeyCallback(),
		ConnectTimeout: 5 * time.Second,
		KillDelay:      500 * time.Millisecond,
		FetchDir:       fetchDir,
	})(api.BackendSpec{Kind: api.BackendRemote, Remote: spec})
	require.NoError(t, err)
	return ex
}

func TestRemoteRunsCommand(t *testing.T) {
	srv := sshtest.New(t)
	res, err := newRemote(t, srv, &api.RemoteSpec{Host: "builder"}, "").Execute(context.Background(), Request{
		TaskID:  "remote",
		Command: `echo "v=$VERSION"; echo warn >&2; exit 4`,
		Env:     map[string]string{"VERSION": "it's 1.2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)
	assert.Equal(t, "v=it's 1.2\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
}

func TestRemoteFetchesFilesAfterSuccess(t *testing.T) {
	srv := sshtest.New(t)
	work := t.TempDir()
	fetchDir := t.TempDir()
	ex := newRemote(t, srv, &api.RemoteSpec{
		Host:  "builder",
		Dir:   work,
		Fetch: []api.FetchSpec{{Remote: filepath.Join(work, "out.txt"), Local: "artifacts/out.txt"}},
	}, fetchDir)

	res, err := ex.Execute(context.Background(), Request{Command: "printf done > out.txt"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	b, err := os.ReadFile(filepath.Join(fetchDir, "artifacts", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "done", string(b))
}

func TestRemoteAuthFailure(t *testing.T) {
	srv := sshtest.New(t)
	other := sshtest.New(t)
	ex, err := NewRemoteFactory(RemoteOptions{
		Signer:     other.ClientKey,
		KnownHosts: srv.HostKeyCallback(),
	})(api.BackendSpec{Kind: api.BackendRemote, Remote: &api.RemoteSpec{Host: srv.Addr}})
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), Request{Command: "true"})
	assert.Equal(t, AuthFailure, KindOf(err))
}

func TestRemoteConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := sshtest.New(t)
	ex, err := NewRemoteFactory(RemoteOptions{
		Signer:     srv.ClientKey,
		KnownHosts: srv.HostKeyCallback(),
	})(api.BackendSpec{Kind: api.BackendRemote, Remote: &api.RemoteSpec{Host: addr}})
	require.NoError(t, err)
	_, err = ex.Execute(context.Background(), Request{Command: "true"})
	assert.Equal(t, ConnectionFailure, KindOf(err))
}

func TestRemoteCancel(t *testing.T) {
	srv := sshtest.New(t)
	ex := newRemote(t, srv, &api.RemoteSpec{Host: "builder"}, "")
	done := make(chan error, 1)
	go func() {
		_, err := ex.Execute(context.Background(), Request{Command: "sleep 30"})
		done <- err
	}()
	time.Sleep(300 * time.Millisecond)
	ex.Cancel()

	select {
	case err := <-done:
		assert.Equal(t, Cancelled, KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
}

func TestRemoteFactoryValidation(t *testing.T) {
	_, err := NewRemoteFactory(RemoteOptions{})(api.BackendSpec{Kind: api.BackendRemote, Remote: &api.RemoteSpec{}})
	assert.ErrorContains(t, err, "requires a host")
}

func TestRemoteResolve(t *testing.T) {
	opts := RemoteOptions{User: "deploy", Port: 2200, Hosts: map[string]RemoteHost{
		"db": {Addr: "10.0.0.5", User: "pg"},
	}}
	cases := []struct {
		spec       api.RemoteSpec
		addr, user string
	}{
		{api.RemoteSpec{Host: "db"}, "10.0.0.5:2200", "pg"},
		{api.RemoteSpec{Host: "db", User: "admin", Port: 22}, "10.0.0.5:22", "admin"},
		{api.RemoteSpec{Host: "example.org:2022"}, "example.org:2022", "deploy"},
		{api.RemoteSpec{Host: "example.org"}, "example.org:2200", "deploy"},
	}
	for _, tc := range cases {
		addr, user := opts.Resolve(&tc.spec)
		assert.Equal(t, tc.addr, addr, tc.spec.Host)
		assert.Equal(t, tc.user, user, tc.spec.Host)
	}
}
