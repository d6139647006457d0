package store

import (
	"sync"

	"github.com/admo/meshkernel/internal/core"
)

// IntentStore records frozen containment intents keyed by approval ID,
// with secondary indexes by intent ID, intent hash and idempotency key.
// Intents never mutate after freezing; the hash binding depends on it.
type IntentStore struct {
	mu            sync.RWMutex
	byApproval    map[string]*core.ContainmentIntent
	byIntentID    map[string]string // intent_id -> approval_id
	byIntentHash  map[string]string // intent_hash -> approval_id
	byIdempotency map[string]string // idempotency_key -> approval_id
}

func NewIntentStore() *IntentStore {
	return &IntentStore{
		byApproval:    make(map[string]*core.ContainmentIntent),
		byIntentID:    make(map[string]string),
		byIntentHash:  make(map[string]string),
		byIdempotency: make(map[string]string),
	}
}

// Put freezes an intent under its approval ID.
func (s *IntentStore) Put(approvalID string, intent *core.ContainmentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byApproval[approvalID]; exists {
		return ErrDuplicateID
	}
	s.byApproval[approvalID] = intent
	s.byIntentID[intent.IntentID] = approvalID
	s.byIntentHash[intent.IntentHash] = approvalID
	if intent.IdempotencyKey != "" {
		s.byIdempotency[intent.IdempotencyKey] = approvalID
	}
	return nil
}

// GetByApproval returns the frozen intent bound to an approval.
func (s *IntentStore) GetByApproval(approvalID string) (*core.ContainmentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.byApproval[approvalID]
	if !ok {
		return nil, ErrNotFound
	}
	return intent, nil
}

// GetByIntentID resolves an intent by its own ID.
func (s *IntentStore) GetByIntentID(intentID string) (*core.ContainmentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approvalID, ok := s.byIntentID[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byApproval[approvalID], nil
}

// GetByIdempotencyKey resolves a previously frozen intent, letting
// callers re-submit without double-freezing.
func (s *IntentStore) GetByIdempotencyKey(key string) (*core.ContainmentIntent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	approvalID, ok := s.byIdempotency[key]
	if !ok {
		return nil, false
	}
	return s.byApproval[approvalID], true
}

// FrozenHash returns the intent hash bound to an approval.
func (s *IntentStore) FrozenHash(approvalID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.byApproval[approvalID]
	if !ok {
		return "", false
	}
	return intent.IntentHash, true
}
