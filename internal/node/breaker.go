package node

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when a service's breaker rejects a dispatch.
var ErrBreakerOpen = errors.New("agent service breaker is open")

// breakerState is the tri-state of a Breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker trips after a run of consecutive failures, rejects dispatches for a
// cool-down period, then lets probe requests through until enough succeed to
// close again. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	successes int
	openedAt  time.Time

	tripAfter  int
	closeAfter int
	coolDown   time.Duration
}

// NewBreaker creates a Breaker. Zero or negative arguments fall back to
// trip-after-5, close-after-2, 30s cool-down.
func NewBreaker(tripAfter, closeAfter int, coolDown time.Duration) *Breaker {
	if tripAfter < 1 {
		tripAfter = 5
	}
	if closeAfter < 1 {
		closeAfter = 2
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		tripAfter:  tripAfter,
		closeAfter: closeAfter,
		coolDown:   coolDown,
	}
}

// Allow reports whether a dispatch may proceed. An open breaker past its
// cool-down moves to half-open and admits the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen {
		if time.Since(b.openedAt) <= b.coolDown {
			return ErrBreakerOpen
		}
		b.state = breakerHalfOpen
		b.successes = 0
	}
	return nil
}

// Record feeds an invocation outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case breakerClosed:
			b.failures = 0
		case breakerHalfOpen:
			b.successes++
			if b.successes >= b.closeAfter {
				b.state = breakerClosed
				b.failures = 0
				b.successes = 0
			}
		}
		return
	}

	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.tripAfter {
			b.state = breakerOpen
			b.openedAt = time.Now()
		}
	case breakerHalfOpen:
		// A failed probe reopens immediately.
		b.state = breakerOpen
		b.openedAt = time.Now()
		b.successes = 0
	}
}

// State returns the breaker state as a string for diagnostics.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerOpen && time.Since(b.openedAt) > b.coolDown {
		b.state = breakerHalfOpen
		b.successes = 0
	}
	return b.state.String()
}
