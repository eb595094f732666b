// Package circuitbreaker stops hand-offs to a destination after repeated
// failures and lets a single probe through once the cooldown elapses.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type keyState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
	probeAt             time.Time
}

// CircuitBreaker tracks failures per key (the dispatcher uses the recipient's
// mail domain). Safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*keyState
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		states:    make(map[string]*keyState),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// Allow returns ErrCircuitOpen while key is open, and while a half-open
// probe is outstanding. A probe that never reports back is replaced after
// another cooldown.
func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	now := cb.clock()
	switch s.state {
	case stateOpen:
		if now.Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			s.probeAt = now
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		if now.Sub(s.probeAt) >= cb.cooldown {
			s.probeAt = now
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Closed with no failures is the default; drop the entry.
	delete(cb.states, key)
}

func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &keyState{}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.clock()
	}
}

// State reports "closed", "open" or "half_open" for key.
func (cb *CircuitBreaker) State(key string) string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return stateClosed.String()
	}
	return s.state.String()
}
