package sshterminal

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/opsgate/internal/sshconn"
)

// TermType is the terminal type requested for every PTY.
const TermType = "xterm-256color"

// Shell is a PTY-backed login shell on a remote host.
type Shell struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Stderr  io.Reader
	session *ssh.Session
}

// windowChange is the RFC 4254 section 6.7 payload.
type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// Resize sends a window-change with pixel hints derived from the fixed cell
// size.
func (s *Shell) Resize(cols, rows int) error {
	payload := ssh.Marshal(windowChange{
		Columns: uint32(cols),
		Rows:    uint32(rows),
		Width:   uint32(cols * CellWidth),
		Height:  uint32(rows * CellHeight),
	})
	_, err := s.session.SendRequest("window-change", false, payload)
	return err
}

// Wait blocks until the remote shell exits.
func (s *Shell) Wait() error { return s.session.Wait() }

// Close terminates the shell session.
func (s *Shell) Close() error { return s.session.Close() }

// StartShell opens a session on conn, requests a PTY of the given size with
// echo on, and starts the login shell.
func StartShell(conn *sshconn.Conn, cols, rows int) (*Shell, error) {
	session, err := conn.NewSession()
	if err != nil {
		return nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(TermType, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &Shell{Stdin: stdin, Stdout: stdout, Stderr: stderr, session: session}, nil
}
