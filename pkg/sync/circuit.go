package sync

import (
	"sync"
	"time"
)

type breakerState int

const (
	circuitClosed breakerState = iota
	circuitOpen
	circuitHalfOpen
)

// breaker is a per-key circuit breaker, matching the threshold/reset style
// of cuemby-warren/pkg/health's consecutive-failure tracking, generalized
// from a liveness probe to a write short-circuit per spec.md §4.3.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openedAt  time.Time
	threshold int
	reset     time.Duration
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	return &breaker{threshold: threshold, reset: reset}
}

// allow reports whether a write may proceed, transitioning OPEN to
// HALF-OPEN once the reset window has elapsed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitClosed:
		return true
	case circuitHalfOpen:
		return true
	default: // circuitOpen
		if time.Since(b.openedAt) >= b.reset {
			b.state = circuitHalfOpen
			return true
		}
		return false
	}
}

// recordSuccess transitions HALF-OPEN to CLOSED. reports whether the state
// changed to CLOSED as a result (so the caller can emit circuit-closed).
func (b *breaker) recordSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpenOrHalf := b.state != circuitClosed
	b.state = circuitClosed
	b.failures = 0
	return wasOpenOrHalf
}

// recordFailure increments the failure count and opens the breaker once
// the threshold is reached (or immediately, from HALF-OPEN). Reports
// whether the breaker transitioned to OPEN as a result.
func (b *breaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == circuitHalfOpen {
		b.state = circuitOpen
		b.openedAt = time.Now()
		return true
	}

	b.failures++
	if b.failures >= b.threshold && b.state == circuitClosed {
		b.state = circuitOpen
		b.openedAt = time.Now()
		return true
	}
	return false
}

// breakerSet owns one breaker per key, created lazily.
type breakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	reset     time.Duration
}

func newBreakerSet(threshold int, reset time.Duration) breakerSet {
	return breakerSet{breakers: make(map[string]*breaker), threshold: threshold, reset: reset}
}

func (bs *breakerSet) get(key string) *breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.breakers[key]
	if !ok {
		b = newBreaker(bs.threshold, bs.reset)
		bs.breakers[key] = b
	}
	return b
}

// guard runs fn if key's breaker allows it, recording the outcome and
// emitting circuit-open/circuit-closed transitions through s.
func (s *Synchronizer) guard(key string, fn func() error) error {
	b := s.breakers.get(key)
	if !b.allow() {
		return errCircuitOpen(key)
	}

	err := fn()
	if err != nil {
		if b.recordFailure() {
			s.logger.Warn().Str("key", key).Err(err).Msg("circuit open")
			s.emit(Event{Type: EventCircuitOpen, Key: key, Err: err})
		}
		return err
	}

	if b.recordSuccess() {
		s.logger.Info().Str("key", key).Msg("circuit closed")
		s.emit(Event{Type: EventCircuitClosed, Key: key})
	}
	return nil
}
