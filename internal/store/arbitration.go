package store

import (
	"sort"
	"sync"
	"time"

	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
)

// ArbitrationStore owns arbitration records, indexed by status and
// conflict key.
type ArbitrationStore struct {
	mu            sync.RWMutex
	clk           clock.Clock
	arbitrations  map[string]*core.Arbitration
	byConflictKey map[string][]string
	byStatus      map[core.ArbitrationStatus]map[string]bool
}

func NewArbitrationStore(clk clock.Clock) *ArbitrationStore {
	return &ArbitrationStore{
		clk:           clk,
		arbitrations:  make(map[string]*core.Arbitration),
		byConflictKey: make(map[string][]string),
		byStatus:      make(map[core.ArbitrationStatus]map[string]bool),
	}
}

// Put inserts a new arbitration.
func (s *ArbitrationStore) Put(a *core.Arbitration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.arbitrations[a.ArbitrationID]; exists {
		return ErrDuplicateID
	}
	s.arbitrations[a.ArbitrationID] = a
	s.byConflictKey[a.ConflictKey] = append(s.byConflictKey[a.ConflictKey], a.ArbitrationID)
	s.indexStatus(a.ArbitrationID, "", a.Status)
	return nil
}

// Update replaces the record and moves status indexes atomically.
func (s *ArbitrationStore) Update(a *core.Arbitration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.arbitrations[a.ArbitrationID]
	if !exists {
		return ErrNotFound
	}
	s.arbitrations[a.ArbitrationID] = a
	s.indexStatus(a.ArbitrationID, old.Status, a.Status)
	return nil
}

// Get returns one arbitration.
func (s *ArbitrationStore) Get(id string) (*core.Arbitration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.arbitrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// OpenByConflictKey returns the open arbitration for a conflict key,
// if one exists. At most one is open per key.
func (s *ArbitrationStore) OpenByConflictKey(key string) (*core.Arbitration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.byConflictKey[key] {
		if a := s.arbitrations[id]; a != nil && a.Status == core.ArbitrationOpen {
			return a, true
		}
	}
	return nil, false
}

// ArbitrationFilter narrows List results.
type ArbitrationFilter struct {
	Status        core.ArbitrationStatus
	ConflictType  core.ConflictType
	CorrelationID string
	Limit         int
}

// List returns arbitrations sorted by (created_at, id), filtered.
func (s *ArbitrationStore) List(f ArbitrationFilter) []*core.Arbitration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Arbitration, 0, len(s.arbitrations))
	for _, a := range s.arbitrations {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.ConflictType != "" && a.ConflictType != f.ConflictType {
			continue
		}
		if f.CorrelationID != "" && a.CorrelationID != f.CorrelationID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAtUTC.Equal(out[j].CreatedAtUTC) {
			return out[i].CreatedAtUTC.Before(out[j].CreatedAtUTC)
		}
		return out[i].ArbitrationID < out[j].ArbitrationID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// CountByStatus returns counters for the statistics endpoint.
func (s *ArbitrationStore) CountByStatus() map[core.ArbitrationStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[core.ArbitrationStatus]int, len(s.byStatus))
	for status, set := range s.byStatus {
		counts[status] = len(set)
	}
	return counts
}

// CleanupExpired expires open arbitrations older than maxAge. The
// status transition (not deletion) preserves the audit trail.
func (s *ArbitrationStore) CleanupExpired(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clk.Now().Add(-maxAge)
	expired := 0
	for id, a := range s.arbitrations {
		if a.Status == core.ArbitrationOpen && a.CreatedAtUTC.Before(cutoff) {
			updated := *a
			updated.Status = core.ArbitrationExpired
			s.arbitrations[id] = &updated
			s.indexStatus(id, core.ArbitrationOpen, core.ArbitrationExpired)
			expired++
		}
	}
	return expired
}

// indexStatus moves an ID between status sets. Caller holds the lock.
func (s *ArbitrationStore) indexStatus(id string, from, to core.ArbitrationStatus) {
	if from != "" {
		if set := s.byStatus[from]; set != nil {
			delete(set, id)
		}
	}
	if s.byStatus[to] == nil {
		s.byStatus[to] = make(map[string]bool)
	}
	s.byStatus[to][id] = true
}
