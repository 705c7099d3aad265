// Package sshconn opens authenticated SSH connections to operator-supplied
// hosts. Each Conn is owned by exactly one operation (a terminal session, a
// transfer, a listing) and is never shared or pooled.
//
// Open resolves exactly once: either the connection becomes ready or a typed
// *Error is returned (AuthFailure, NetworkError, Timeout). On timeout the
// partially opened transport is closed exactly once before Open returns.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/opsgate/internal/logutil"
)

// keepaliveRequest is the global request used as a liveness probe. Servers
// that do not know it still reply (with false), which counts as alive.
const keepaliveRequest = "keepalive@openssh.com"

// Options bounds one Open call and, optionally, keeps the resulting
// connection alive during long transfers.
type Options struct {
	// ReadyTimeout bounds dial + SSH handshake + authentication.
	ReadyTimeout time.Duration
	// KeepaliveInterval enables periodic probes when > 0.
	KeepaliveInterval time.Duration
	// KeepaliveMaxMissed is how many consecutive probes may go unanswered
	// before the connection is closed.
	KeepaliveMaxMissed int
}

// Timeout classes used across the gateway.
type Profile struct {
	Validate      Options
	Transfer      Options
	LargeTransfer Options
}

// DefaultProfile mirrors the documented defaults: 30s for validation and
// listing, 60s for transfers, 10m with keepalive for large uploads.
func DefaultProfile() Profile {
	return Profile{
		Validate:      Options{ReadyTimeout: 30 * time.Second},
		Transfer:      Options{ReadyTimeout: 60 * time.Second},
		LargeTransfer: Options{ReadyTimeout: 10 * time.Minute, KeepaliveInterval: 15 * time.Second, KeepaliveMaxMissed: 3},
	}
}

// Dialer opens the raw transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Broker opens Conns. It holds no per-connection state and is safe for
// concurrent use.
type Broker struct {
	dialer          Dialer
	hostKeyCallback ssh.HostKeyCallback
	limiter         *RateLimiter
	logger          zerolog.Logger
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) BrokerOption {
	return func(b *Broker) { b.dialer = d }
}

// WithHostKeyCallback sets host key verification.
func WithHostKeyCallback(cb ssh.HostKeyCallback) BrokerOption {
	return func(b *Broker) { b.hostKeyCallback = cb }
}

// WithRateLimiter gates Open through rl.
func WithRateLimiter(rl *RateLimiter) BrokerOption {
	return func(b *Broker) { b.limiter = rl }
}

// NewBroker creates a Broker. Without WithHostKeyCallback any host key is
// accepted.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		dialer:          &net.Dialer{},
		hostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // operators pick targets explicitly; see KnownHostsCallback
		logger:          log.With().Str("component", "sshconn").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// KnownHostsCallback loads an OpenSSH known_hosts file for host key checks.
func KnownHostsCallback(path string) (ssh.HostKeyCallback, error) {
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return cb, nil
}

// Open validates target, then dials and authenticates within
// opts.ReadyTimeout. The returned Conn must be closed by the caller.
func (b *Broker) Open(ctx context.Context, target Target, opts Options) (*Conn, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey([]byte(target.KeyMaterial))
	if err != nil {
		b.logger.Warn().Str("target", target.String()).Str("key", logutil.RedactKey(target.KeyMaterial)).
			Err(err).Msg("private key rejected")
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, Errorf(KindInvalidKeyFormat, "open", "", "private key is passphrase protected")
		}
		return nil, Errorf(KindInvalidKeyFormat, "open", "", "invalid SSH key format: %v", err)
	}

	addr := target.Addr()
	limiterKey := target.String()
	if b.limiter != nil {
		if err := b.limiter.Allow(limiterKey); err != nil {
			return nil, &Error{Kind: KindRateLimited, Op: "open", Host: addr, Err: err}
		}
	}

	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultProfile().Validate.ReadyTimeout
	}
	cfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: b.hostKeyCallback,
		Timeout:         timeout,
	}

	start := time.Now()
	client, err := b.connect(ctx, addr, cfg, timeout)
	if err != nil {
		if b.limiter != nil && !IsKind(err, KindTimeout) {
			b.limiter.RecordFailure(limiterKey)
		}
		b.logger.Warn().Str("target", target.String()).Err(err).Dur("elapsed", time.Since(start)).Msg("connection failed")
		return nil, err
	}
	if b.limiter != nil {
		b.limiter.RecordSuccess(limiterKey)
	}

	conn := newConn(client, target.Redacted(), b.logger)
	if opts.KeepaliveInterval > 0 {
		go conn.keepalive(opts.KeepaliveInterval, opts.KeepaliveMaxMissed)
	}
	b.logger.Info().Str("target", target.String()).Dur("elapsed", time.Since(start)).Msg("connection ready")
	return conn, nil
}

// connect runs dial + handshake in a goroutine and races it against the
// ready timeout through a single-resolution openAttempt.
func (b *Broker) connect(parent context.Context, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	att := newOpenAttempt()
	go func() {
		raw, err := b.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			att.resolve(nil, classifyDialError(addr, err))
			return
		}
		tc := att.attach(raw)
		if tc == nil {
			return // already resolved; attach closed the transport
		}
		sshConn, chans, reqs, err := ssh.NewClientConn(tc, addr, cfg)
		if err != nil {
			att.resolve(nil, classifyHandshakeError(addr, err))
			return
		}
		att.resolve(ssh.NewClient(sshConn, chans, reqs), nil)
	}()

	select {
	case <-att.done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			att.resolve(nil, Errorf(KindTimeout, "open", addr, "connection not ready after %s", timeout))
		} else {
			att.resolve(nil, Errorf(KindNetworkError, "open", addr, "connection cancelled"))
		}
	}
	return att.result()
}

// openAttempt guards the single resolution of one Open. Whichever of the
// handshake goroutine or the timeout resolves first wins; a loser that holds
// a live client closes it. The transport is closed at most once.
type openAttempt struct {
	once   sync.Once
	done   chan struct{}
	client *ssh.Client
	err    error

	mu        sync.Mutex
	transport *transportConn
}

func newOpenAttempt() *openAttempt {
	return &openAttempt{done: make(chan struct{})}
}

// attach registers the raw transport. If the attempt is already resolved the
// transport is closed and nil is returned.
func (a *openAttempt) attach(raw net.Conn) *transportConn {
	tc := &transportConn{Conn: raw}
	a.mu.Lock()
	a.transport = tc
	a.mu.Unlock()
	select {
	case <-a.done:
		tc.Close()
		return nil
	default:
		return tc
	}
}

// resolve records the outcome. It returns false if the attempt was already
// resolved, in which case a non-nil client is closed.
func (a *openAttempt) resolve(client *ssh.Client, err error) bool {
	won := false
	a.once.Do(func() {
		won = true
		a.client, a.err = client, err
		if err != nil {
			a.closeTransport()
		}
		close(a.done)
	})
	if !won && client != nil {
		client.Close()
	}
	return won
}

func (a *openAttempt) closeTransport() {
	a.mu.Lock()
	tc := a.transport
	a.mu.Unlock()
	if tc != nil {
		tc.Close()
	}
}

func (a *openAttempt) result() (*ssh.Client, error) {
	<-a.done
	return a.client, a.err
}

// transportConn makes Close idempotent so the underlying connection sees
// exactly one Close no matter how many layers (handshake failure, timeout,
// client shutdown) try to close it.
type transportConn struct {
	net.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *transportConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.Conn.Close() })
	return c.closeErr
}

func classifyDialError(addr string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Op: "open", Host: addr, Err: err}
	}
	return &Error{Kind: KindNetworkError, Op: "open", Host: addr, Err: err}
}

func classifyHandshakeError(addr string, err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return Errorf(KindAuthFailure, "open", addr, "host key verification failed: %v", err)
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return Errorf(KindAuthFailure, "open", addr, "authentication failed: %v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Op: "open", Host: addr, Err: err}
	}
	return &Error{Kind: KindNetworkError, Op: "open", Host: addr, Err: err}
}
