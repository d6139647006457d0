package store

import (
	"sort"
	"sync"
	"time"

	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
)

// AppliedStore owns applied and reverted containment records, keyed by
// subject_id:provider:scope_type. An applied record with no reverted
// counterpart is an active containment window.
type AppliedStore struct {
	mu       sync.RWMutex
	clk      clock.Clock
	applied  map[string]*core.AppliedRecord
	reverted map[string]*core.RevertedRecord
}

func NewAppliedStore(clk clock.Clock) *AppliedStore {
	return &AppliedStore{
		clk:      clk,
		applied:  make(map[string]*core.AppliedRecord),
		reverted: make(map[string]*core.RevertedRecord),
	}
}

// PutApplied records a containment application. Re-applying over an
// active record for the same key fails; the caller must revert first.
func (s *AppliedStore) PutApplied(rec *core.AppliedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.applied[rec.Key]; ok {
		if _, undone := s.reverted[rec.Key]; !undone && !s.clk.Now().After(existing.ExpiresAtUTC) {
			return ErrDuplicateID
		}
	}
	s.applied[rec.Key] = rec
	delete(s.reverted, rec.Key)
	return nil
}

// PutReverted records a containment revert.
func (s *AppliedStore) PutReverted(rec *core.RevertedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted[rec.Key] = rec
}

// Active returns the active applied record for a key, if any.
func (s *AppliedStore) Active(key string) (*core.AppliedRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.applied[key]
	if !ok {
		return nil, false
	}
	if _, undone := s.reverted[key]; undone {
		return nil, false
	}
	return rec, true
}

// Reverted returns the reverted record for a key, if any.
func (s *AppliedStore) Reverted(key string) (*core.RevertedRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.reverted[key]
	return rec, ok
}

// Expired returns active records whose expiry has passed, sorted by
// (expires_at, key) so ticker sweeps are deterministic.
func (s *AppliedStore) Expired(now time.Time) []*core.AppliedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.AppliedRecord
	for key, rec := range s.applied {
		if _, undone := s.reverted[key]; undone {
			continue
		}
		if !rec.ExpiresAtUTC.After(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAtUTC.Equal(out[j].ExpiresAtUTC) {
			return out[i].ExpiresAtUTC.Before(out[j].ExpiresAtUTC)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ListActive returns all active records sorted by (applied_at, key).
func (s *AppliedStore) ListActive() []*core.AppliedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.AppliedRecord
	for key, rec := range s.applied {
		if _, undone := s.reverted[key]; undone {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AppliedAtUTC.Equal(out[j].AppliedAtUTC) {
			return out[i].AppliedAtUTC.Before(out[j].AppliedAtUTC)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// CleanupExpired drops reverted pairs older than maxAge. Idempotent.
func (s *AppliedStore) CleanupExpired(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clk.Now().Add(-maxAge)
	removed := 0
	for key, rev := range s.reverted {
		if rev.RevertedAtUTC.Before(cutoff) {
			delete(s.reverted, key)
			delete(s.applied, key)
			removed++
		}
	}
	return removed
}
