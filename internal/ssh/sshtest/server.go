//go:build !windows

// Package sshtest provides an in-process SSH server for tests. It executes
// "exec" requests with the local shell and serves the sftp subsystem.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// Server accepts a single client key and a fixed host key.
type Server struct {
	Addr    string
	HostKey xssh.Signer
	// ClientKey is the only key accepted for authentication.
	ClientKey xssh.Signer

	ln net.Listener
	wg sync.WaitGroup
}

// New starts a server on 127.0.0.1 and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{HostKey: newSigner(t), ClientKey: newSigner(t)}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.ln = ln
	s.Addr = ln.Addr().String()

	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), s.ClientKey.PublicKey().Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(s.HostKey)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn, cfg)
			}()
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// HostKeyCallback accepts only this server's host key.
func (s *Server) HostKeyCallback() xssh.HostKeyCallback {
	return xssh.FixedHostKey(s.HostKey.PublicKey())
}

func (s *Server) Close() {
	_ = s.ln.Close()
}

func newSigner(t testing.TB) xssh.Signer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

func (s *Server) serve(conn net.Conn, cfg *xssh.ServerConfig) {
	sc, chans, reqs, err := xssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sc.Close()
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(xssh.UnknownChannelType, "session only")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go handleSession(ch, creqs)
	}
}

func handleSession(ch xssh.Channel, reqs <-chan *xssh.Request) {
	var (
		mu  sync.Mutex
		env []string
		cmd *exec.Cmd
	)
	for req := range reqs {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if xssh.Unmarshal(req.Payload, &kv) == nil {
				env = append(env, kv.Name+"="+kv.Value)
			}
			_ = req.Reply(true, nil)
		case "exec":
			var p struct{ Command string }
			if err := xssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			c := exec.Command("sh", "-c", p.Command)
			c.Env = append(os.Environ(), env...)
			c.Stdout = ch
			c.Stderr = ch.Stderr()
			c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
			if err := c.Start(); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			mu.Lock()
			cmd = c
			mu.Unlock()
			_ = req.Reply(true, nil)
			go func() {
				err := c.Wait()
				sendExit(ch, c, err)
				_ = ch.Close()
			}()
		case "signal":
			mu.Lock()
			c := cmd
			mu.Unlock()
			if c != nil {
				_ = syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "subsystem":
			var p struct{ Name string }
			if xssh.Unmarshal(req.Payload, &p) != nil || p.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err == nil {
					_ = srv.Serve()
					_ = srv.Close()
				}
				_ = ch.Close()
			}()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func sendExit(ch xssh.Channel, c *exec.Cmd, err error) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			_, _ = ch.SendRequest("exit-signal", false, xssh.Marshal(struct {
				Signal     string
				CoreDumped bool
				Error      string
				Lang       string
			}{Signal: "TERM"}))
			return
		}
	}
	code := 0
	if c.ProcessState != nil {
		code = c.ProcessState.ExitCode()
	}
	_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}
