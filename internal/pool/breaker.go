package pool

import (
	"sync"
	"time"
)

// BreakerState mirrors the closed/open/half-open machine spec.md §4.I
// requires per backend (primary and each replica get their own).
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker is a single-lock state machine: closed -> open at
// failureThreshold consecutive failures, open -> half-open after
// openWindow elapses, half-open -> closed after successThreshold
// consecutive probe successes, half-open -> open on any probe failure.
type breaker struct {
	mu sync.Mutex

	state               BreakerState
	failureThreshold    int
	successThreshold    int
	openWindow          time.Duration
	consecutiveFailures int
	consecutiveSuccess  int
	openedAt            time.Time
	halfOpenProbeInUse  bool
}

func newBreaker(failureThreshold, successThreshold int, openWindow time.Duration) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 3
	}
	return &breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openWindow:       openWindow,
	}
}

// allow reports whether a request may proceed, transitioning open ->
// half-open (admitting exactly one probe at a time) once the open
// window has elapsed.
func (b *breaker) allow() (ok bool, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if time.Since(b.openedAt) < b.openWindow {
			return false, false
		}
		b.state = BreakerHalfOpen
		b.consecutiveSuccess = 0
		b.halfOpenProbeInUse = true
		return true, true
	case BreakerHalfOpen:
		if b.halfOpenProbeInUse {
			return false, false
		}
		b.halfOpenProbeInUse = true
		return true, true
	default:
		return true, false
	}
}

// recordSuccess clears failure tracking; in half-open it counts toward
// successThreshold consecutive successes before closing the breaker.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	switch b.state {
	case BreakerHalfOpen:
		b.halfOpenProbeInUse = false
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.successThreshold {
			b.state = BreakerClosed
			b.consecutiveSuccess = 0
		}
	case BreakerClosed:
		// nothing further to track
	}
}

// recordFailure increments the consecutive-failure counter, opening the
// breaker at threshold (from closed) or immediately (from half-open,
// where a single probe failure reopens it).
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.halfOpenProbeInUse = false
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.consecutiveSuccess = 0
	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	}
}

func (b *breaker) currentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// forceClose unconditionally resets the breaker to closed, clearing all
// failure/success tracking. Unlike recordSuccess, this transitions out of
// Open directly, for callers (recovery after a full rebuild) that have
// already verified the backend is healthy by means the breaker itself
// didn't observe.
func (b *breaker) forceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccess = 0
	b.halfOpenProbeInUse = false
}
