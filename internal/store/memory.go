package store

import (
	"context"
	"sync"
	"time"

	"github.com/agentauth/backend/internal/core"
)

// MemoryStore is the in-process backend used for development and tests.
// Expiry is enforced on read; a sweep runs at most once per sweepInterval to
// keep the map from accumulating dead entries under write-heavy load.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	lastSweep time.Time

	// now is swappable for tests.
	now func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

const sweepInterval = 30 * time.Second

// NewMemoryStore creates an empty in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Set(_ context.Context, id string, record *core.ChallengeRecord, ttlSeconds int) error {
	data, err := marshalRecord(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[id] = memoryEntry{data: data, expiresAt: now.Add(time.Duration(ttlSeconds) * time.Second)}
	s.sweepLocked(now)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*core.ChallengeRecord, error) {
	s.mu.RLock()
	entry, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		return nil, nil
	}
	return unmarshalRecord(entry.data)
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Len reports the number of live entries. Expired but unswept entries count.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for id, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, id)
		}
	}
}
