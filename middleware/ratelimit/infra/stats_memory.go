package infra

import (
	"context"
	"maps"
	"sync"

	"transfer-saga/middleware/ratelimit/domain"
)

type Counters struct {
	Allowed    int64 `json:"allowed"`
	Denied     int64 `json:"denied"`
	FailedOpen int64 `json:"failedOpen"`
}

func (c *Counters) add(ev domain.StatsEvent) {
	switch {
	case !ev.Allowed:
		c.Denied++
	case ev.FailedOpen:
		c.Allowed++
		c.FailedOpen++
	default:
		c.Allowed++
	}
}

// MemoryStatsStore guarda as estatísticas em memória, sem expiração.
// É o backend de stats.enabled quando não há redis.addr.
type MemoryStatsStore struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
	byKey   map[string]Counters

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute: make(map[string]Counters),
		byKey:   make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := ev.Method + " " + ev.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev)

	c := s.byRoute[route]
	c.add(ev)
	s.byRoute[route] = c

	if s.trackKeys {
		k := s.byKey[string(ev.Key)]
		k.add(ev)
		s.byKey[string(ev.Key)] = k
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Totals tem a mesma forma de RedisStatsStore.Totals.
func (s *MemoryStatsStore) Totals(context.Context) (Counters, error) {
	return s.Total(), nil
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byRoute)
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.byKey)
}
