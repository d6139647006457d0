package store

import (
	"sort"
	"sync"
	"time"

	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
)

// IdentityStore owns FederateIdentity records. Identity records are
// immutable; updates replace the whole record. LastSeen lives in a
// separate mutable index so the identity value object stays stable
// across replays.
type IdentityStore struct {
	mu         sync.RWMutex
	clk        clock.Clock
	identities map[string]*core.FederateIdentity
	lastSeen   map[string]time.Time
	confirmed  map[string]bool
}

func NewIdentityStore(clk clock.Clock) *IdentityStore {
	return &IdentityStore{
		clk:        clk,
		identities: make(map[string]*core.FederateIdentity),
		lastSeen:   make(map[string]time.Time),
		confirmed:  make(map[string]bool),
	}
}

// Put inserts a new identity. Fails with ErrDuplicateID on collision.
func (s *IdentityStore) Put(id *core.FederateIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[id.FederateID]; exists {
		return ErrDuplicateID
	}
	s.identities[id.FederateID] = id
	return nil
}

// Replace swaps the record for an existing federate wholesale.
func (s *IdentityStore) Replace(id *core.FederateIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[id.FederateID]; !exists {
		return ErrNotFound
	}
	s.identities[id.FederateID] = id
	return nil
}

// Get returns the identity for federateID.
func (s *IdentityStore) Get(federateID string) (*core.FederateIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[federateID]
	if !ok {
		return nil, ErrNotFound
	}
	return id, nil
}

// Remove deletes an identity. The only destruction path.
func (s *IdentityStore) Remove(federateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[federateID]; !ok {
		return ErrNotFound
	}
	delete(s.identities, federateID)
	delete(s.lastSeen, federateID)
	delete(s.confirmed, federateID)
	return nil
}

// Touch records peer activity without mutating the identity record.
func (s *IdentityStore) Touch(federateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[federateID] = s.clk.Now()
}

// LastSeen returns the last activity time, if any.
func (s *IdentityStore) LastSeen(federateID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSeen[federateID]
	return t, ok
}

// SetConfirmed marks a federate as handshake-confirmed.
func (s *IdentityStore) SetConfirmed(federateID string, confirmed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed[federateID] = confirmed
}

// IsConfirmed reports whether the federate completed a handshake.
func (s *IdentityStore) IsConfirmed(federateID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed[federateID]
}

// List returns identities sorted by (created_at, federate_id).
func (s *IdentityStore) List() []*core.FederateIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.FederateIdentity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].FederateID < out[j].FederateID
	})
	return out
}
