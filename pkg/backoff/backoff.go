// Package backoff provides a small exponential backoff state machine used by
// the reconnect loops of long-lived network clients.
//
// Unlike pkg/retry, which runs a bounded operation to completion, Backoff is
// owned by a loop that never gives up: the loop asks for the current delay,
// sleeps, and reports the outcome of each attempt. The delay doubles on every
// failure up to a cap and snaps back to the floor on success.
package backoff

import (
	"sync"
	"time"
)

// Backoff tracks the current reconnect delay for a client. Safe for
// concurrent use, though a single loop is the expected owner.
type Backoff struct {
	mu      sync.Mutex
	current time.Duration
	floor   time.Duration
	cap     time.Duration
}

// New creates a Backoff starting at floor. A non-positive floor defaults to
// one second; a cap below the floor is raised to the floor.
func New(floor, cap time.Duration) *Backoff {
	if floor <= 0 {
		floor = time.Second
	}
	if cap < floor {
		cap = floor
	}
	return &Backoff{
		current: floor,
		floor:   floor,
		cap:     cap,
	}
}

// Delay returns the delay the owning loop should wait before the next
// connection attempt.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// OnFailure doubles the delay, capped at the configured maximum.
func (b *Backoff) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.current * 2
	if next > b.cap {
		next = b.cap
	}
	b.current = next
}

// OnSuccess resets the delay to the configured floor.
func (b *Backoff) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.floor
}

// Floor returns the configured minimum delay.
func (b *Backoff) Floor() time.Duration {
	return b.floor
}

// Cap returns the configured maximum delay.
func (b *Backoff) Cap() time.Duration {
	return b.cap
}
