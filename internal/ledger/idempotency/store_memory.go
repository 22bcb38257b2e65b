// Package idempotency caches responses to mutating requests so a retried
// network call returns the original result instead of re-applying its effect.
package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	response []byte
	storedAt time.Time
}

// MemoryStore is the in-process replay cache. Entries older than the
// retention window are evicted lazily on read and in bulk on write.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	retention time.Duration
	now       func() time.Time
}

// NewMemory constructs a replay cache with the given retention window.
func NewMemory(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]memoryEntry),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Remember(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.now().Sub(entry.storedAt) > s.retention {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return entry.response, true, nil
}

func (s *MemoryStore) Record(_ context.Context, key string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// Opportunistic sweep keeps the map bounded without a janitor goroutine.
	if len(s.entries) > 0 && len(s.entries)%4096 == 0 {
		for k, e := range s.entries {
			if now.Sub(e.storedAt) > s.retention {
				delete(s.entries, k)
			}
		}
	}
	s.entries[key] = memoryEntry{response: append([]byte(nil), response...), storedAt: now}
	return nil
}
