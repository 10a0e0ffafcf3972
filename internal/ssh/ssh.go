package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client holds everything needed to open an authenticated connection to one host.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Dialer     Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// HandshakeError wraps failures after the TCP connection was established:
// key exchange, host key verification or authentication.
type HandshakeError struct{ Err error }

func (e *HandshakeError) Error() string { return "ssh handshake: " + e.Err.Error() }
func (e *HandshakeError) Unwrap() error { return e.Err }

// Dial establishes an SSH connection. Cancelling ctx aborts both the TCP dial
// and the handshake. The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	d := c.Dialer
	if d == nil {
		d = &net.Dialer{Timeout: c.Timeout}
	}
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.Addr, err)
	}

	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
		if err != nil {
			ch <- res{err: &HandshakeError{Err: err}}
			return
		}
		ch <- res{cli: xssh.NewClient(sc, chans, reqs)}
	}()
	select {
	case <-ctx.Done():
		_ = conn.Close()
		if r := <-ch; r.cli != nil {
			_ = r.cli.Close()
		}
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			_ = conn.Close()
		}
		return r.cli, r.err
	}
}
