// Package sshexec runs single non-interactive commands over an established
// SSH connection and collects their output.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/opsgate/internal/sshconn"
)

// DefaultTimeout bounds a command when Command.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// SessionOpener opens exec channels. Both *ssh.Client and *sshconn.Conn
// satisfy it.
type SessionOpener interface {
	NewSession() (*ssh.Session, error)
}

// Matcher decides whether a finished command achieved what the caller wanted.
// Remote shells do not report exit codes reliably through every layer, so
// callers usually match sentinels in stdout.
type Matcher func(stdout, stderr string, exitCode int) bool

// Command is one remote command.
type Command struct {
	Cmd     string
	Timeout time.Duration
	Match   Matcher
}

// Result separates "the command ran" (ExitCode) from "the operation
// succeeded" (Outcome).
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int // -1 when the remote reported no exit status
	Outcome  bool
	Duration time.Duration
}

// ExitZero is a Matcher that succeeds on exit status 0.
func ExitZero(_, _ string, exitCode int) bool { return exitCode == 0 }

// Run executes cmd on a fresh exec channel. It resolves when the channel
// closes, not when stdout reaches EOF. A non-zero exit status is reported in
// Result, not as an error; channel failures and timeouts are KindExecError.
func Run(ctx context.Context, s SessionOpener, cmd Command) (*Result, error) {
	host := hostOf(s)
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	match := cmd.Match
	if match == nil {
		match = ExitZero
	}

	start := time.Now()
	session, err := s.NewSession()
	if err != nil {
		return nil, &sshconn.Error{Kind: sshconn.KindExecError, Op: "exec", Host: host, Err: fmt.Errorf("open exec channel: %w", err)}
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	if err := session.Start(cmd.Cmd); err != nil {
		return nil, &sshconn.Error{Kind: sshconn.KindExecError, Op: "exec", Host: host, Err: fmt.Errorf("start command: %w", err)}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-timer.C:
		session.Close()
		return nil, &sshconn.Error{Kind: sshconn.KindExecError, Op: "exec", Host: host,
			Err: fmt.Errorf("command timed out after %s: %w", timeout, context.DeadlineExceeded)}
	case <-ctx.Done():
		session.Close()
		return nil, &sshconn.Error{Kind: sshconn.KindExecError, Op: "exec", Host: host, Err: fmt.Errorf("command aborted: %w", ctx.Err())}
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitStatus()
		case errors.As(runErr, &missing):
			exitCode = -1
		default:
			return nil, &sshconn.Error{Kind: sshconn.KindExecError, Op: "exec", Host: host, Err: runErr}
		}
	}

	res := &Result{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		ExitCode: exitCode,
		Duration: time.Since(start),
	}
	res.Outcome = match(res.Stdout, res.Stderr, res.ExitCode)

	if res.Duration > 500*time.Millisecond {
		log.Debug().Str("component", "sshexec").Str("host", host).Str("cmd", truncate(cmd.Cmd, 80)).
			Dur("elapsed", res.Duration).Msg("slow command")
	}
	return res, nil
}

// ShellQuote wraps s in single quotes for POSIX shells.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func hostOf(s SessionOpener) string {
	if t, ok := s.(interface{ Target() sshconn.Target }); ok {
		return t.Target().Addr()
	}
	if c, ok := s.(*ssh.Client); ok {
		return c.RemoteAddr().String()
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
