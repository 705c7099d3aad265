package sshterminal

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/opsgate/internal/sshconn"
)

// ErrTicketStoreFull is returned by Issue when the store holds its capacity
// of unexpired tickets.
var ErrTicketStoreFull = errors.New("terminal ticket store is full")

// Ticket lets a channel open a terminal without sending key material in its
// handshake. A ticket stays redeemable until it expires or is revoked, so a
// dropped channel can reconnect with the same id. Target.KeyMaterial holds
// what the client sent, usually a stored-key reference, and is resolved
// again on every redemption.
type Ticket struct {
	ID        string
	Target    sshconn.Target
	Cols      int
	Rows      int
	Operator  string
	ExpiresAt time.Time
}

// TicketStore is an in-memory ticket registry with TTL eviction and a
// capacity bound.
type TicketStore struct {
	mu       sync.Mutex
	tickets  map[string]Ticket
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewTicketStore creates a store. ttl and capacity must be positive.
func NewTicketStore(ttl time.Duration, capacity int) *TicketStore {
	return &TicketStore{
		tickets:  make(map[string]Ticket),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Issue stores a ticket for target. When the store is full, expired tickets
// are evicted first; if none were, ErrTicketStoreFull is returned.
func (s *TicketStore) Issue(target sshconn.Target, cols, rows int, operator string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if len(s.tickets) >= s.capacity {
		s.evictLocked(now)
		if len(s.tickets) >= s.capacity {
			return Ticket{}, ErrTicketStoreFull
		}
	}
	t := Ticket{
		ID:        uuid.NewString(),
		Target:    target,
		Cols:      cols,
		Rows:      rows,
		Operator:  operator,
		ExpiresAt: now.Add(s.ttl),
	}
	s.tickets[t.ID] = t
	return t, nil
}

// Redeem returns the ticket for id if it exists and has not expired. An
// expired ticket is removed.
func (s *TicketStore) Redeem(id string) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[id]
	if !ok {
		return Ticket{}, false
	}
	if !s.now().Before(t.ExpiresAt) {
		delete(s.tickets, id)
		return Ticket{}, false
	}
	return t, true
}

// Revoke removes a ticket and reports whether it existed.
func (s *TicketStore) Revoke(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tickets[id]
	delete(s.tickets, id)
	return ok
}

// Evict removes expired tickets and returns how many were removed.
func (s *TicketStore) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(s.now())
}

func (s *TicketStore) evictLocked(now time.Time) int {
	n := 0
	for id, t := range s.tickets {
		if !now.Before(t.ExpiresAt) {
			delete(s.tickets, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored tickets, expired or not.
func (s *TicketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}
