// Package clock provides the injected time source for the kernel.
// Every timestamp the kernel produces flows through a Clock; nothing
// else reads the wall clock directly, which keeps state transitions
// replayable from an audit transcript.
package clock

import (
	"sync"
	"time"
)

// Clock is the kernel's only time source. Now always returns UTC.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock. Used by cmd/server.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock pinned at start (normalized to UTC).
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock at t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
