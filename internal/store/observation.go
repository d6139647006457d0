package store

import (
	"sort"
	"sync"
	"time"

	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
)

// ObservationStore owns observations and the belief index derived from
// them. Listings are total orders keyed by (timestamp, id).
type ObservationStore struct {
	mu           sync.RWMutex
	clk          clock.Clock
	observations map[string]*core.Observation
	byFederate   map[string][]string
	byCorr       map[string][]string
	beliefs      map[string]*core.Belief
	beliefByCorr map[string][]string
}

func NewObservationStore(clk clock.Clock) *ObservationStore {
	return &ObservationStore{
		clk:          clk,
		observations: make(map[string]*core.Observation),
		byFederate:   make(map[string][]string),
		byCorr:       make(map[string][]string),
		beliefs:      make(map[string]*core.Belief),
		beliefByCorr: make(map[string][]string),
	}
}

// Put inserts an observation; duplicate IDs fail.
func (s *ObservationStore) Put(obs *core.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.observations[obs.ObservationID]; exists {
		return ErrDuplicateID
	}
	s.observations[obs.ObservationID] = obs
	s.byFederate[obs.SourceFederateID] = append(s.byFederate[obs.SourceFederateID], obs.ObservationID)
	if obs.CorrelationID != "" {
		s.byCorr[obs.CorrelationID] = append(s.byCorr[obs.CorrelationID], obs.ObservationID)
	}
	return nil
}

// Get returns one observation.
func (s *ObservationStore) Get(id string) (*core.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obs, ok := s.observations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return obs, nil
}

// Has reports whether an observation ID is already stored.
func (s *ObservationStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.observations[id]
	return ok
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	FederateID      string
	CorrelationID   string
	ObservationType core.ObservationType
	Since           time.Time
	Limit           int
}

// List returns observations sorted by (timestamp, id), filtered.
func (s *ObservationStore) List(f ListFilter) []*core.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Observation, 0, len(s.observations))
	for _, obs := range s.observations {
		if f.FederateID != "" && obs.SourceFederateID != f.FederateID {
			continue
		}
		if f.CorrelationID != "" && obs.CorrelationID != f.CorrelationID {
			continue
		}
		if f.ObservationType != "" && obs.ObservationType != f.ObservationType {
			continue
		}
		if !f.Since.IsZero() && obs.TimestampUTC.Before(f.Since) {
			continue
		}
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TimestampUTC.Equal(out[j].TimestampUTC) {
			return out[i].TimestampUTC.Before(out[j].TimestampUTC)
		}
		return out[i].ObservationID < out[j].ObservationID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// PutBelief stores or replaces a belief in the belief index. Replacing
// under the same BeliefID is the arbitration overlay path; the initial
// insert rejects duplicates.
func (s *ObservationStore) PutBelief(b *core.Belief, overlay bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.beliefs[b.BeliefID]
	if exists && !overlay {
		return ErrDuplicateID
	}
	if !exists {
		if b.CorrelationID != "" {
			s.beliefByCorr[b.CorrelationID] = append(s.beliefByCorr[b.CorrelationID], b.BeliefID)
		}
	}
	s.beliefs[b.BeliefID] = b
	return nil
}

// GetBelief returns one belief.
func (s *ObservationStore) GetBelief(id string) (*core.Belief, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.beliefs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// BeliefFilter narrows ListBeliefs results.
type BeliefFilter struct {
	CorrelationID string
	BeliefType    string
	Since         time.Time
	Limit         int
}

// ListBeliefs returns beliefs sorted by (derived_at, id), filtered.
func (s *ObservationStore) ListBeliefs(f BeliefFilter) []*core.Belief {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Belief, 0, len(s.beliefs))
	for _, b := range s.beliefs {
		if f.CorrelationID != "" && b.CorrelationID != f.CorrelationID {
			continue
		}
		if f.BeliefType != "" && b.BeliefType != f.BeliefType {
			continue
		}
		if !f.Since.IsZero() && b.DerivedAt.Before(f.Since) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DerivedAt.Equal(out[j].DerivedAt) {
			return out[i].DerivedAt.Before(out[j].DerivedAt)
		}
		return out[i].BeliefID < out[j].BeliefID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Counts returns store sizes for the statistics endpoint.
func (s *ObservationStore) Counts() (observations, beliefs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observations), len(s.beliefs)
}

// CleanupExpired drops observations older than maxAge. Idempotent.
func (s *ObservationStore) CleanupExpired(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clk.Now().Add(-maxAge)
	removed := 0
	for id, obs := range s.observations {
		if obs.TimestampUTC.Before(cutoff) {
			delete(s.observations, id)
			removed++
		}
	}
	if removed > 0 {
		s.reindex()
	}
	return removed
}

// reindex rebuilds secondary indexes after bulk removal. Caller holds
// the write lock.
func (s *ObservationStore) reindex() {
	s.byFederate = make(map[string][]string)
	s.byCorr = make(map[string][]string)
	for id, obs := range s.observations {
		s.byFederate[obs.SourceFederateID] = append(s.byFederate[obs.SourceFederateID], id)
		if obs.CorrelationID != "" {
			s.byCorr[obs.CorrelationID] = append(s.byCorr[obs.CorrelationID], id)
		}
	}
}
