package infra

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore é o CounterStore de processo único (sem redis.addr).
// Chaves expiradas valem 0 na leitura e são removidas pelo janitor.
type MemoryCounterStore struct {
	mu           sync.Mutex
	entries      map[string]*counterEntry
	cleanupEvery time.Duration
	now          func() time.Time
}

type counterEntry struct {
	n         int64
	expiresAt time.Time
}

type MemoryCounterOption func(*MemoryCounterStore)

func WithCounterCleanupEvery(d time.Duration) MemoryCounterOption {
	return func(s *MemoryCounterStore) { s.cleanupEvery = d }
}

func WithCounterClock(now func() time.Time) MemoryCounterOption {
	return func(s *MemoryCounterStore) { s.now = now }
}

func NewMemoryCounterStore(opts ...MemoryCounterOption) *MemoryCounterStore {
	s := &MemoryCounterStore{
		entries:      make(map[string]*counterEntry),
		cleanupEvery: time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.expiresAt) {
		return 0, nil
	}
	return ent.n, nil
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.expiresAt) {
		ent = &counterEntry{expiresAt: now.Add(ttl)}
		s.entries[key] = ent
	}
	ent.n++
	return ent.n, nil
}

func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryCounterStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if !now.Before(ent.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor remove contadores expirados periodicamente. Pare cancelando o contexto.
func (s *MemoryCounterStore) StartJanitor(ctx context.Context) {
	startJanitor(ctx, s.cleanupEvery, s.Cleanup)
}
