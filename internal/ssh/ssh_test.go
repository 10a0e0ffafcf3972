//go:build !windows

package ssh

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/trellis/internal/ssh/sshtest"
)

func TestDialAndRun(t *testing.T) {
	srv := sshtest.New(t)
	cli, err := Dial(context.Background(), &Client{
		Addr: srv.Addr, User: "ci", Signer: srv.ClientKey, KnownHosts: srv.HostKeyCallback(), Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer cli.Close()

	sess, err := cli.NewSession()
	require.NoError(t, err)
	var out bytes.Buffer
	sess.Stdout = &out
	require.NoError(t, sess.Run("echo remote"))
	assert.Equal(t, "remote\n", out.String())
}

func TestDialRejectsUnknownKey(t *testing.T) {
	srv := sshtest.New(t)
	other := sshtest.New(t)
	_, err := Dial(context.Background(), &Client{
		Addr: srv.Addr, User: "ci", Signer: other.ClientKey, KnownHosts: srv.HostKeyCallback(), Timeout: 5 * time.Second,
	})
	var hs *HandshakeError
	require.True(t, errors.As(err, &hs), "got %v", err)
	assert.Contains(t, err.Error(), "unable to authenticate")
}

func TestDialRequiresSigner(t *testing.T) {
	_, err := Dial(context.Background(), &Client{Addr: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "signer required")
}

func TestPullFile(t *testing.T) {
	srv := sshtest.New(t)
	cli, err := Dial(context.Background(), &Client{
		Addr: srv.Addr, User: "ci", Signer: srv.ClientKey, KnownHosts: srv.HostKeyCallback(), Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer cli.Close()

	dir := t.TempDir()
	remote := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(remote, []byte("42"), 0600))
	local := filepath.Join(dir, "out", "report.txt")
	require.NoError(t, PullFile(context.Background(), cli, remote, local))

	b, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "42", string(b))
}

func TestScanHostKeyThenTrust(t *testing.T) {
	srv := sshtest.New(t)
	key, err := ScanHostKey(context.Background(), srv.Addr, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, srv.HostKey.PublicKey().Marshal(), key.Marshal())

	kh := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, AppendKnownHost(kh, srv.Addr, string(xssh.MarshalAuthorizedKey(key))))
	cb, err := LoadKnownHostsCallback(kh)
	require.NoError(t, err)

	cli, err := Dial(context.Background(), &Client{Addr: srv.Addr, User: "ci", Signer: srv.ClientKey, KnownHosts: cb, Timeout: 5 * time.Second})
	require.NoError(t, err)
	cli.Close()
}
