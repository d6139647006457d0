// Package circuitbreaker guards slow or flapping downstreams, chiefly
// the durable audit sink. The in-memory audit chain is always the
// source of truth; the breaker only decides whether the durable flush
// is attempted at all.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/admo/meshkernel/internal/clock"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without invoking the call while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

const (
	// DefaultFailureThreshold trips the breaker after this many
	// consecutive failures.
	DefaultFailureThreshold = 5
	// DefaultCooldown is how long the breaker stays open before
	// probing with a half-open call.
	DefaultCooldown = 30 * time.Second
)

// Breaker is a consecutive-failure circuit breaker. Time comes from the
// injected clock so tests can drive the cooldown deterministically.
type Breaker struct {
	mu        sync.Mutex
	clk       clock.Clock
	threshold int
	cooldown  time.Duration

	state    State
	failures int
	openedAt time.Time
}

func New(clk clock.Clock, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{clk: clk, threshold: threshold, cooldown: cooldown}
}

// State returns the current position, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position()
}

// Do runs fn unless the breaker is open. A failure in half-open state
// reopens immediately; a success closes the breaker.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.position() {
	case Open:
		b.mu.Unlock()
		return ErrOpen
	case HalfOpen:
		// One probe at a time; keep the breaker half-open for it.
		b.state = HalfOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.state == HalfOpen || b.failures >= b.threshold {
			b.state = Open
			b.openedAt = b.clk.Now()
		}
		return err
	}
	b.failures = 0
	b.state = Closed
	return nil
}

// position resolves open-state cooldown expiry. Caller holds the lock.
func (b *Breaker) position() State {
	if b.state == Open && b.clk.Now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}
