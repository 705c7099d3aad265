package sshterminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gluk-w/opsgate/internal/sshconn"
)

// Channel is the client side of a terminal: a message-oriented duplex
// channel such as a WebSocket.
type Channel interface {
	// Read returns the next inbound message.
	Read(ctx context.Context) ([]byte, error)
	// WriteBinary sends shell output.
	WriteBinary(ctx context.Context, p []byte) error
	// WriteText sends an error frame.
	WriteText(ctx context.Context, s string) error
	// Close closes the channel with a short reason.
	Close(reason string) error
}

// Opener opens SSH connections. *sshconn.Broker satisfies it.
type Opener interface {
	Open(ctx context.Context, target sshconn.Target, opts sshconn.Options) (*sshconn.Conn, error)
}

// KeyResolver turns a key reference into key material. Literal keys are
// returned unchanged.
type KeyResolver interface {
	Resolve(key string) (string, error)
}

// Observer is told when a session starts streaming and when it ends.
type Observer interface {
	SessionStarted(s *Session)
	SessionEnded(s *Session, duration time.Duration)
}

// Handshake is the first message on a channel.
type Handshake struct {
	IP        string `json:"ip"`
	Port      int    `json:"port,omitempty"`
	Username  string `json:"username"`
	SSHKey    string `json:"sshKey"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// resizeMessage is recognised in the input stream.
type resizeMessage struct {
	Resize bool `json:"resize"`
	Cols   int  `json:"cols"`
	Rows   int  `json:"rows"`
}

// ServeOptions carries per-channel request context.
type ServeOptions struct {
	// TicketID, when set, replaces the handshake message.
	TicketID   string
	Operator   string
	RemoteAddr string
}

// Bridge serves terminal channels. It is safe for concurrent use; each
// Serve call owns its own connection.
type Bridge struct {
	opener           Opener
	connOpts         sshconn.Options
	tickets          *TicketStore
	resolver         KeyResolver
	registry         *Registry
	observer         Observer
	handshakeTimeout time.Duration
	inputRate        rate.Limit
	inputBurst       int
	logger           zerolog.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithTickets enables handshake-free redemption of tickets from store.
func WithTickets(store *TicketStore) BridgeOption {
	return func(b *Bridge) { b.tickets = store }
}

// WithKeyResolver resolves key references in handshakes.
func WithKeyResolver(r KeyResolver) BridgeOption {
	return func(b *Bridge) { b.resolver = r }
}

// WithRegistry records live sessions in reg.
func WithRegistry(reg *Registry) BridgeOption {
	return func(b *Bridge) { b.registry = reg }
}

// WithObserver reports session start and end to o.
func WithObserver(o Observer) BridgeOption {
	return func(b *Bridge) { b.observer = o }
}

// WithHandshakeTimeout bounds the wait for the first message.
func WithHandshakeTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) { b.handshakeTimeout = d }
}

// WithInputRate throttles inbound messages to perSecond with the given burst.
func WithInputRate(perSecond float64, burst int) BridgeOption {
	return func(b *Bridge) {
		b.inputRate = rate.Limit(perSecond)
		b.inputBurst = burst
	}
}

// NewBridge creates a Bridge that opens connections through opener with
// connOpts.
func NewBridge(opener Opener, connOpts sshconn.Options, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		opener:           opener,
		connOpts:         connOpts,
		handshakeTimeout: DefaultHandshakeTimeout,
		inputRate:        DefaultInputRate,
		inputBurst:       DefaultInputBurst,
		logger:           log.With().Str("component", "terminal").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Serve runs one terminal session on ch until either side closes. It returns
// the error that prevented the session from streaming, or nil once a
// streaming session ends.
func (b *Bridge) Serve(ctx context.Context, ch Channel, opts ServeOptions) error {
	sess := newSession(opts.Operator, opts.RemoteAddr)
	logger := b.logger.With().Str("session", sess.ID).Logger()
	defer sess.setState(StateClosed)

	sess.setState(StateAwaitHandshake)
	target, cols, rows, err := b.handshake(ctx, ch, opts)
	if err != nil {
		logger.Info().Err(err).Msg("handshake rejected")
		b.reject(ctx, ch, err)
		return err
	}
	sess.setTarget(target)
	sess.setSize(cols, rows)
	logger = logger.With().Str("target", target.String()).Logger()

	sess.setState(StateConnecting)
	conn, err := b.opener.Open(ctx, target, b.connOpts)
	if err != nil {
		logger.Warn().Err(err).Msg("terminal connection failed")
		b.reject(ctx, ch, err)
		return err
	}
	defer conn.Close()

	shell, err := StartShell(conn, cols, rows)
	if err != nil {
		err = &sshconn.Error{Kind: sshconn.KindExecError, Op: "shell", Host: target.Addr(), Err: err}
		logger.Warn().Err(err).Msg("shell start failed")
		b.reject(ctx, ch, err)
		return err
	}
	defer shell.Close()
	sess.setState(StateShellReady)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.setCancel(cancel)

	if b.registry != nil {
		b.registry.add(sess)
		defer b.registry.remove(sess.ID)
	}
	if b.observer != nil {
		b.observer.SessionStarted(sess)
		defer func() { b.observer.SessionEnded(sess, time.Since(sess.CreatedAt)) }()
	}

	// Provoke a prompt.
	if _, err := shell.Stdin.Write([]byte("\n")); err != nil {
		ch.Close("shell closed")
		return nil
	}
	sess.setState(StateStreaming)
	logger.Info().Int("cols", cols).Int("rows", rows).Msg("terminal session started")

	b.stream(ctx, cancel, ch, sess, shell, conn, logger)

	ch.Close("session ended")
	logger.Info().Dur("duration", time.Since(sess.CreatedAt)).Msg("terminal session ended")
	return nil
}

// stream relays until the shell exits, the connection drops or the channel
// closes.
func (b *Bridge) stream(ctx context.Context, cancel context.CancelFunc, ch Channel, sess *Session, shell *Shell, conn *sshconn.Conn, logger zerolog.Logger) {
	out := &frameWriter{ch: ch, ctx: ctx}

	var relays sync.WaitGroup
	relays.Add(2)
	go relay(&relays, shell.Stdout, out)
	go relay(&relays, shell.Stderr, out)

	shellDone := make(chan struct{})
	go func() {
		shell.Wait()
		close(shellDone)
	}()
	go func() {
		select {
		case <-shellDone:
			// Deliver everything the shell wrote before it exited.
			relays.Wait()
			cancel()
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	limiter := rate.NewLimiter(b.inputRate, b.inputBurst)
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			break
		}
		if len(data) > MaxInputMessageSize {
			logger.Warn().Int("size", len(data)).Int("limit", MaxInputMessageSize).Msg("terminal input message too large")
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if cols, rows, ok := parseResize(data); ok {
			if err := shell.Resize(cols, rows); err != nil {
				logger.Debug().Err(err).Msg("window change failed")
				continue
			}
			sess.setSize(cols, rows)
			continue
		}
		if _, err := shell.Stdin.Write(data); err != nil {
			break
		}
	}

	cancel()
	conn.Close()
	relays.Wait()
}

// parseResize reports whether data is a resize request and returns the
// clamped dimensions.
func parseResize(data []byte) (cols, rows int, ok bool) {
	var msg resizeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, 0, false
	}
	if !msg.Resize || msg.Cols <= 0 || msg.Rows <= 0 {
		return 0, 0, false
	}
	cols, rows = clampSize(msg.Cols, msg.Rows)
	return cols, rows, true
}

func (b *Bridge) handshake(ctx context.Context, ch Channel, opts ServeOptions) (sshconn.Target, int, int, error) {
	if opts.TicketID != "" {
		return b.redeem(opts.TicketID, opts.Operator)
	}

	hctx, cancel := context.WithTimeout(ctx, b.handshakeTimeout)
	defer cancel()
	data, err := ch.Read(hctx)
	if err != nil {
		return sshconn.Target{}, 0, 0, &sshconn.Error{Kind: sshconn.KindHandshakeMalformed, Op: "handshake", Err: fmt.Errorf("no handshake received: %w", err)}
	}

	var hs Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return sshconn.Target{}, 0, 0, sshconn.Errorf(sshconn.KindHandshakeMalformed, "handshake", "", "invalid handshake: expected a JSON object")
	}
	if hs.SessionID != "" {
		return b.redeem(hs.SessionID, opts.Operator)
	}

	target := sshconn.Target{
		Host:        strings.TrimSpace(hs.IP),
		Port:        hs.Port,
		Username:    strings.TrimSpace(hs.Username),
		KeyMaterial: hs.SSHKey,
	}
	target, err = b.resolve(target)
	if err != nil {
		return sshconn.Target{}, 0, 0, err
	}
	cols, rows := clampSize(hs.Cols, hs.Rows)
	return target, cols, rows, nil
}

// resolve replaces a stored-key reference with its key material and
// validates the result. Tickets hold the reference, so every redemption
// resolves again and a deleted key stops working.
func (b *Bridge) resolve(target sshconn.Target) (sshconn.Target, error) {
	if b.resolver != nil && strings.TrimSpace(target.KeyMaterial) != "" {
		key, err := b.resolver.Resolve(target.KeyMaterial)
		if err != nil {
			return sshconn.Target{}, err
		}
		target.KeyMaterial = key
	}
	if err := target.Validate(); err != nil {
		return sshconn.Target{}, err
	}
	return target, nil
}

func (b *Bridge) redeem(id, operator string) (sshconn.Target, int, int, error) {
	if b.tickets == nil {
		return sshconn.Target{}, 0, 0, sshconn.Errorf(sshconn.KindHandshakeMalformed, "handshake", "", "session tickets are not enabled")
	}
	t, ok := b.tickets.Redeem(id)
	if !ok || (t.Operator != "" && t.Operator != operator) {
		return sshconn.Target{}, 0, 0, sshconn.Errorf(sshconn.KindHandshakeMalformed, "handshake", "", "unknown or expired session %s", id)
	}
	target, err := b.resolve(t.Target)
	if err != nil {
		return sshconn.Target{}, 0, 0, err
	}
	cols, rows := clampSize(t.Cols, t.Rows)
	return target, cols, rows, nil
}

// reject sends a single text error frame and closes the channel.
func (b *Bridge) reject(ctx context.Context, ch Channel, err error) {
	msg := err.Error()
	var gwErr *sshconn.Error
	if errors.As(err, &gwErr) {
		msg = gwErr.Message()
		if !gwErr.Kind.Local() {
			msg = "SSH connection failed: " + msg
		}
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if werr := ch.WriteText(wctx, "Error: "+msg); werr != nil {
		b.logger.Debug().Err(werr).Msg("failed to send error frame")
	}
	ch.Close(string(sshconn.KindOf(err)))
}

// frameWriter serialises binary frames from the stdout and stderr relays.
type frameWriter struct {
	mu  sync.Mutex
	ch  Channel
	ctx context.Context
}

func (w *frameWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ch.WriteBinary(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func relay(wg *sync.WaitGroup, r io.Reader, w io.Writer) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Keep draining so the SSH channel is not blocked.
				io.Copy(io.Discard, r)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
