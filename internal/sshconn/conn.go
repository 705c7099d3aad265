package sshconn

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// Conn is a ready SSH connection owned by a single operation.
type Conn struct {
	client *ssh.Client
	target Target
	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newConn(client *ssh.Client, target Target, logger zerolog.Logger) *Conn {
	c := &Conn{
		client: client,
		target: target,
		logger: logger.With().Str("target", target.String()).Logger(),
		done:   make(chan struct{}),
	}
	go func() {
		err := client.Wait()
		select {
		case <-c.done:
		default:
			c.logger.Debug().Err(err).Msg("connection closed by remote")
		}
		c.Close()
	}()
	return c
}

// Client exposes the underlying client for SFTP and exec sessions.
func (c *Conn) Client() *ssh.Client { return c.client }

// Target returns the target without key material.
func (c *Conn) Target() Target { return c.target }

// Done is closed once the connection is closed, locally or by the remote.
func (c *Conn) Done() <-chan struct{} { return c.done }

// NewSession opens an SSH session channel.
func (c *Conn) NewSession() (*ssh.Session, error) {
	s, err := c.client.NewSession()
	if err != nil {
		return nil, &Error{Kind: KindNetworkError, Op: "session", Host: c.target.Addr(), Err: err}
	}
	return s, nil
}

// Close releases the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}

// keepalive probes the server every interval. A probe that errors or gets no
// reply within the interval counts as missed; after maxMissed consecutive
// misses the connection is closed.
func (c *Conn) keepalive(interval time.Duration, maxMissed int) {
	if maxMissed <= 0 {
		maxMissed = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		if c.probe(interval) {
			missed = 0
			continue
		}
		missed++
		c.logger.Warn().Int("missed", missed).Int("max", maxMissed).Msg("keepalive probe missed")
		if missed >= maxMissed {
			c.logger.Warn().Msg("keepalive limit reached, closing connection")
			c.Close()
			return
		}
	}
}

func (c *Conn) probe(wait time.Duration) bool {
	reply := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest(keepaliveRequest, true, nil)
		reply <- err
	}()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err == nil
	case <-timer.C:
		return false
	case <-c.done:
		return false
	}
}
