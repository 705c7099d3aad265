// Package sshtest runs an in-process SSH server for tests. It supports PTY
// shells that echo input, exec requests and the SFTP subsystem backed by the
// local filesystem.
package sshtest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/opsgate/internal/sshkeys"
)

// ExecFunc handles one exec request and returns its exit status.
type ExecFunc func(cmd string, stdout, stderr io.Writer) int

// ShellExec runs cmd with /bin/sh on the test host.
func ShellExec(cmd string, stdout, stderr io.Writer) int {
	c := exec.Command("/bin/sh", "-c", cmd)
	c.Stdout = stdout
	c.Stderr = stderr
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintln(stderr, err)
		return 127
	}
	return 0
}

// PTYRequest is a recorded pty-req.
type PTYRequest struct {
	Term       string
	Cols, Rows uint32
}

// WindowChange is a recorded window-change request.
type WindowChange struct {
	Cols, Rows, Width, Height uint32
}

// Server is a running test server.
type Server struct {
	Addr     string
	Host     string
	Port     int
	User     string
	KeyPEM   string // authorized client private key
	exec     ExecFunc
	listener net.Listener

	mu       sync.Mutex
	commands []string
	ptys     []PTYRequest
	resizes  []WindowChange
	stdin    bytes.Buffer
	conns    int
}

// Option configures a Server.
type Option func(*Server)

// WithExec replaces the default FSExec handler.
func WithExec(fn ExecFunc) Option {
	return func(s *Server) { s.exec = fn }
}

// Start launches a server on 127.0.0.1 that accepts the generated client key
// for user "tester". It is stopped by t.Cleanup.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	_, hostPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.Signer(hostPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}
	_, clientPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSigner, err := sshkeys.Signer(clientPEM)
	if err != nil {
		t.Fatalf("parse client key: %v", err)
	}
	authorized := ssh.FingerprintSHA256(clientSigner.PublicKey())

	s := &Server{User: "tester", KeyPEM: string(clientPEM), exec: FSExec}
	for _, opt := range opts {
		opt(s)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == s.User && ssh.FingerprintSHA256(key) == authorized {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", conn.User())
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	host, port, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handleConn(nc, config)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
	})
	return s
}

// Commands returns the exec commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// PTYRequests returns the pty-req requests received so far.
func (s *Server) PTYRequests() []PTYRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PTYRequest(nil), s.ptys...)
}

// WindowChanges returns the window-change requests received so far.
func (s *Server) WindowChanges() []WindowChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WindowChange(nil), s.resizes...)
}

// Stdin returns every byte written to shell sessions.
func (s *Server) Stdin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.String()
}

// Connections returns the number of authenticated connections accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *Server) handleConn(nc net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, config)
	if err != nil {
		nc.Close()
		return
	}
	defer sshConn.Close()
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()

	go replyGlobalRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

// replyGlobalRequests answers keepalive probes.
func replyGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(req.Type == "keepalive@openssh.com", nil)
		}
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p struct {
				Term          string
				Cols, Rows    uint32
				Width, Height uint32
				Modes         string
			}
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.mu.Lock()
				s.ptys = append(s.ptys, PTYRequest{Term: p.Term, Cols: p.Cols, Rows: p.Rows})
				s.mu.Unlock()
			}
			req.Reply(true, nil)

		case "window-change":
			if len(req.Payload) >= 16 {
				wc := WindowChange{
					Cols:   binary.BigEndian.Uint32(req.Payload[0:4]),
					Rows:   binary.BigEndian.Uint32(req.Payload[4:8]),
					Width:  binary.BigEndian.Uint32(req.Payload[8:12]),
					Height: binary.BigEndian.Uint32(req.Payload[12:16]),
				}
				s.mu.Lock()
				s.resizes = append(s.resizes, wc)
				s.mu.Unlock()
				fmt.Fprintf(ch, "resize:%dx%d\n", wc.Cols, wc.Rows)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			req.Reply(true, nil)
			go s.echo(ch)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			code := s.exec(payload.Command, ch, ch.Stderr())
			sendExitStatus(ch, code)
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			srv.Serve()
			srv.Close()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// echo writes the shell banner, then echoes stdin back. Lines beginning with
// "stderr:" are echoed to stderr instead, and "exit" ends the shell.
func (s *Server) echo(ch ssh.Channel) {
	io.WriteString(ch, "ready$ ")
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			data := buf[:n]
			s.mu.Lock()
			s.stdin.Write(data)
			s.mu.Unlock()
			switch {
			case bytes.HasPrefix(data, []byte("exit\n")):
				sendExitStatus(ch, 0)
				ch.Close()
				return
			case bytes.HasPrefix(data, []byte("stderr:")):
				ch.Stderr().Write(data)
			default:
				ch.Write(data)
			}
		}
		if err != nil {
			return
		}
	}
}

func sendExitStatus(ch ssh.Channel, code int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}
