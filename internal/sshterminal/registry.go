package sshterminal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/opsgate/internal/sshconn"
)

// State is a terminal session lifecycle state.
type State string

const (
	StateInit           State = "INIT"
	StateAwaitHandshake State = "AWAIT_HANDSHAKE"
	StateConnecting     State = "CONNECTING"
	StateShellReady     State = "SHELL_READY"
	StateStreaming      State = "STREAMING"
	StateClosed         State = "CLOSED"
)

// Session is one bridged terminal. It is created when a channel is served,
// resized in place, and closed with its channel.
type Session struct {
	ID         string
	Operator   string
	RemoteAddr string
	CreatedAt  time.Time

	mu      sync.Mutex
	target  sshconn.Target
	cols    int
	rows    int
	state   State
	history []State
	cancel  context.CancelFunc
}

func newSession(operator, remoteAddr string) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Operator:   operator,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		state:      StateInit,
		history:    []State{StateInit},
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transitions returns every state the session has passed through.
func (s *Session) Transitions() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

// Target returns the connected target without key material.
func (s *Session) Target() sshconn.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Size returns the current PTY dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st || s.state == StateClosed {
		return
	}
	s.state = st
	s.history = append(s.history, st)
}

func (s *Session) setTarget(t sshconn.Target) {
	s.mu.Lock()
	s.target = t.Redacted()
	s.mu.Unlock()
}

func (s *Session) setSize(cols, rows int) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Close ends a streaming session from outside the bridge.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SessionInfo is a snapshot of a live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Username  string    `json:"username"`
	Operator  string    `json:"operator,omitempty"`
	State     State     `json:"state"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry tracks live sessions so operators can list and terminate them.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// List returns live sessions, oldest first.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		t := s.Target()
		cols, rows := s.Size()
		infos = append(infos, SessionInfo{
			ID:        s.ID,
			Host:      t.Addr(),
			Username:  t.Username,
			Operator:  s.Operator,
			State:     s.State(),
			Cols:      cols,
			Rows:      rows,
			CreatedAt: s.CreatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

// Terminate closes the session with the given id and reports whether it was
// live.
func (r *Registry) Terminate(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
