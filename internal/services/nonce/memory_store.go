package nonce

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store backed by a mutex-guarded map.
// Entries are lost on restart, so it is only suitable for single-instance
// and development deployments; multi-instance setups need the Redis variant.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory nonce store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
	}
}

// TryRemember atomically records nonce until expiresAt. Expired entries are
// evicted inline on every call; webhook volumes are modest enough that the
// linear scan under the lock is cheaper than running a sweeper goroutine.
func (s *MemoryStore) TryRemember(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	if strings.TrimSpace(nonce) == "" {
		return false, ErrBlankNonce
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for value, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, value)
		}
	}

	if expiry, seen := s.entries[nonce]; seen && now.Before(expiry) {
		return false, nil
	}

	s.entries[nonce] = expiresAt
	return true, nil
}

// Close is a no-op; the store owns no external resources.
func (s *MemoryStore) Close() error {
	return nil
}

// Len reports the number of currently remembered nonces, including entries
// that have expired but not yet been evicted.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
