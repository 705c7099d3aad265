package sshconn

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Connection attempts are limited per target (user@host:port) in two ways:
// an optional sliding window of attempts, and an escalating block after
// consecutive failures. A successful connection resets the failure state.
// Failure counts are forgotten after rateLimitMaxBlock without a failure.
const (
	rateLimitWindow           = 1 * time.Minute
	rateLimitFailureThreshold = 5
	rateLimitInitialBlock     = 30 * time.Second
	rateLimitMaxBlock         = 5 * time.Minute
)

// ErrRateLimited is returned by Allow when a target is over its limit.
type ErrRateLimited struct {
	Target     string
	Reason     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited for %s: %s (retry after %s)", e.Target, e.Reason, e.RetryAfter.Round(time.Second))
}

type targetRateState struct {
	attempts []time.Time

	consecutiveFailures int
	lastFailure         time.Time
	blockedUntil        time.Time
	blockDuration       time.Duration
}

// RateLimiter tracks connection attempts in memory, keyed by target.
type RateLimiter struct {
	mu          sync.Mutex
	states      map[string]*targetRateState
	maxAttempts int

	nowFunc func() time.Time
}

// NewRateLimiter creates a RateLimiter allowing maxAttempts per minute per
// target. maxAttempts <= 0 leaves attempts uncapped; failure blocking still
// applies.
func NewRateLimiter(maxAttempts int) *RateLimiter {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &RateLimiter{
		states:      make(map[string]*targetRateState),
		maxAttempts: maxAttempts,
		nowFunc:     time.Now,
	}
}

// Caller must hold rl.mu.
func (rl *RateLimiter) getOrCreate(target string) *targetRateState {
	state, ok := rl.states[target]
	if !ok {
		state = &targetRateState{}
		rl.states[target] = state
	}
	return state
}

// Allow records an attempt for target, or returns *ErrRateLimited.
func (rl *RateLimiter) Allow(target string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(target)

	if !state.blockedUntil.IsZero() && now.Before(state.blockedUntil) {
		retryAfter := state.blockedUntil.Sub(now)
		log.Warn().Str("target", target).Dur("retry_after", retryAfter).
			Int("failures", state.consecutiveFailures).Msg("connection attempt blocked")
		return &ErrRateLimited{
			Target:     target,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", state.consecutiveFailures),
			RetryAfter: retryAfter,
		}
	}

	state.attempts = pruneAttempts(state.attempts, now.Add(-rateLimitWindow))
	if rl.maxAttempts > 0 && len(state.attempts) >= rl.maxAttempts {
		retryAfter := state.attempts[0].Add(rateLimitWindow).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		log.Warn().Str("target", target).Int("max_attempts", rl.maxAttempts).Msg("connection attempt window exceeded")
		return &ErrRateLimited{
			Target:     target,
			Reason:     fmt.Sprintf("exceeded %d attempts in %s", rl.maxAttempts, rateLimitWindow),
			RetryAfter: retryAfter,
		}
	}

	state.attempts = append(state.attempts, now)
	return nil
}

// RecordSuccess clears the failure counter and any block for target.
func (rl *RateLimiter) RecordSuccess(target string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[target]
	if !ok {
		return
	}
	state.consecutiveFailures = 0
	state.blockedUntil = time.Time{}
	state.blockDuration = 0
}

// RecordFailure counts a failed connection; at the threshold the target is
// blocked, and each further block doubles up to rateLimitMaxBlock.
func (rl *RateLimiter) RecordFailure(target string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(target)
	state.consecutiveFailures++
	state.lastFailure = now

	if state.consecutiveFailures < rateLimitFailureThreshold {
		return
	}
	if state.blockDuration == 0 {
		state.blockDuration = rateLimitInitialBlock
	} else {
		state.blockDuration = min(state.blockDuration*2, rateLimitMaxBlock)
	}
	state.blockedUntil = now.Add(state.blockDuration)
	log.Warn().Str("target", target).Dur("block", state.blockDuration).
		Int("failures", state.consecutiveFailures).Msg("target blocked")
}

// Prune drops state for targets with no recent attempts, no active block and
// no failure within rateLimitMaxBlock. It returns the number of entries
// removed.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	cutoff := now.Add(-rateLimitWindow)
	removed := 0
	for target, state := range rl.states {
		state.attempts = pruneAttempts(state.attempts, cutoff)
		quiet := state.consecutiveFailures == 0 || now.Sub(state.lastFailure) >= rateLimitMaxBlock
		if len(state.attempts) == 0 && now.After(state.blockedUntil) && quiet {
			delete(rl.states, target)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked targets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.states)
}

func pruneAttempts(attempts []time.Time, cutoff time.Time) []time.Time {
	recent := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}
