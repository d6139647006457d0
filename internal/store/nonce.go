package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/admo/meshkernel/internal/clock"
	"github.com/admo/meshkernel/internal/core"
)

// DefaultNonceTTL is how long a nonce stays reserved once seen.
const DefaultNonceTTL = 300 * time.Second

// NonceStore tracks nonce usage per federate. A nonce is available iff
// it is absent, or expired, or belongs to the federate and is not yet
// used. Marking a nonce used is irreversible until it expires.
type NonceStore interface {
	// Available reports whether the federate may still consume nonce.
	Available(federateID, nonce string) bool
	// MarkUsed atomically reserves the nonce for the federate.
	// Returns false when the nonce was already consumed (replay).
	MarkUsed(federateID, nonce string) bool
	// CleanupExpired drops expired records; idempotent, returns count.
	CleanupExpired() int
}

// InMemoryNonceStore partitions nonce records by federate so sweeps
// are independent per peer.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	clk    clock.Clock
	ttl    time.Duration
	nonces map[string]map[string]*core.NonceRecord // federate -> nonce -> record
}

func NewInMemoryNonceStore(clk clock.Clock, ttl time.Duration) *InMemoryNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &InMemoryNonceStore{
		clk:    clk,
		ttl:    ttl,
		nonces: make(map[string]map[string]*core.NonceRecord),
	}
}

func (s *InMemoryNonceStore) Available(federateID, nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.lookup(federateID, nonce)
	if rec == nil {
		return true
	}
	if s.clk.Now().After(rec.ExpiresAt) {
		delete(s.nonces[federateID], nonce)
		return true
	}
	return !rec.Used
}

func (s *InMemoryNonceStore) MarkUsed(federateID, nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	rec := s.lookup(federateID, nonce)
	if rec != nil && !now.After(rec.ExpiresAt) && rec.Used {
		return false // replay
	}
	if s.nonces[federateID] == nil {
		s.nonces[federateID] = make(map[string]*core.NonceRecord)
	}
	s.nonces[federateID][nonce] = &core.NonceRecord{
		Nonce:      nonce,
		FederateID: federateID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		Used:       true,
	}
	return true
}

func (s *InMemoryNonceStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	removed := 0
	for fed, recs := range s.nonces {
		for nonce, rec := range recs {
			if now.After(rec.ExpiresAt) {
				delete(recs, nonce)
				removed++
			}
		}
		if len(recs) == 0 {
			delete(s.nonces, fed)
		}
	}
	return removed
}

func (s *InMemoryNonceStore) lookup(federateID, nonce string) *core.NonceRecord {
	recs := s.nonces[federateID]
	if recs == nil {
		return nil
	}
	return recs[nonce]
}

// RedisNonceStore is the multi-process variant of the nonce store.
// Redis key expiry supplies the TTL; SETNX supplies the single-use
// commit. Same contract as InMemoryNonceStore.
type RedisNonceStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisNonceStore(client *redis.Client, ttl time.Duration) *RedisNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &RedisNonceStore{client: client, ttl: ttl, prefix: "admo:nonce"}
}

func (s *RedisNonceStore) key(federateID, nonce string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, federateID, nonce)
}

func (s *RedisNonceStore) Available(federateID, nonce string) bool {
	n, err := s.client.Exists(context.Background(), s.key(federateID, nonce)).Result()
	if err != nil {
		return false // fail closed on backend errors
	}
	return n == 0
}

func (s *RedisNonceStore) MarkUsed(federateID, nonce string) bool {
	ok, err := s.client.SetNX(context.Background(), s.key(federateID, nonce), "1", s.ttl).Result()
	if err != nil {
		return false
	}
	return ok
}

// CleanupExpired is a no-op for Redis; key expiry handles it.
func (s *RedisNonceStore) CleanupExpired() int { return 0 }
