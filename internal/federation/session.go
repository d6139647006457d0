package federation

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/admo/meshkernel/internal/clock"
)

// DefaultHandshakeTimeout is the absolute session expiry window.
const DefaultHandshakeTimeout = 10 * time.Minute

// DefaultCorrelationTTL locks a correlation ID against reuse after
// session creation.
const DefaultCorrelationTTL = 24 * time.Hour

// ErrCorrelationLocked is returned when a correlation ID is reused
// within its lock window.
var ErrCorrelationLocked = errors.New("correlation id locked")

// ErrSessionNotFound is returned on lookups for unknown sessions.
var ErrSessionNotFound = errors.New("handshake session not found")

// Session is the mutable lifecycle record of one handshake. Only the
// lifecycle fields change after creation; everything else is frozen.
type Session struct {
	CorrelationID string    `json:"correlation_id"`
	FederateID    string    `json:"federate_id"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	RetryCount    int       `json:"retry_count"`
	FailureReason string    `json:"failure_reason,omitempty"`
	SessionKey    []byte    `json:"-"` // derived on CONFIRMED; never serialized
}

// SessionStore owns handshake sessions and the correlation-ID locks.
// One active session per correlation ID; locks outlive the session.
type SessionStore struct {
	mu       sync.RWMutex
	clk      clock.Clock
	timeout  time.Duration
	corrTTL  time.Duration
	sessions map[string]*Session
	locks    map[string]time.Time // correlation_id -> lock expiry
}

func NewSessionStore(clk clock.Clock, timeout, corrTTL time.Duration) *SessionStore {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if corrTTL <= 0 {
		corrTTL = DefaultCorrelationTTL
	}
	return &SessionStore{
		clk:      clk,
		timeout:  timeout,
		corrTTL:  corrTTL,
		sessions: make(map[string]*Session),
		locks:    make(map[string]time.Time),
	}
}

// Create opens a new session and locks its correlation ID.
func (s *SessionStore) Create(correlationID, federateID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	if expiry, locked := s.locks[correlationID]; locked && now.Before(expiry) {
		return nil, ErrCorrelationLocked
	}

	sess := &Session{
		CorrelationID: correlationID,
		FederateID:    federateID,
		State:         StateUninitialized,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(s.timeout),
	}
	s.sessions[correlationID] = sess
	s.locks[correlationID] = now.Add(s.corrTTL)
	return sess, nil
}

// Get returns the session for a correlation ID.
func (s *SessionStore) Get(correlationID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[correlationID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Update replaces the session record.
func (s *SessionStore) Update(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.CorrelationID]; !ok {
		return ErrSessionNotFound
	}
	sess.UpdatedAt = s.clk.Now()
	s.sessions[sess.CorrelationID] = sess
	return nil
}

// List returns sessions sorted by (created_at, correlation_id).
func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out
}

// CleanupExpired drops terminal sessions older than maxAge and expired
// correlation locks. Idempotent; returns the count removed.
func (s *SessionStore) CleanupExpired(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	removed := 0
	for id, sess := range s.sessions {
		if sess.State.IsTerminal() && now.Sub(sess.UpdatedAt) > maxAge {
			delete(s.sessions, id)
			removed++
		}
	}
	for id, expiry := range s.locks {
		if now.After(expiry) {
			delete(s.locks, id)
			removed++
		}
	}
	return removed
}
