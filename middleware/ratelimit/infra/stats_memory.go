package infra

import (
	"context"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes, desenvolvimento e instância única.
//
// Não faz expiração: com trackKeys ligado a cardinalidade cresce sem limite.
type MemoryStatsStore struct {
	mu         sync.Mutex
	total      domain.Counters
	byClass    map[string]domain.Counters
	byStrategy map[string]domain.Counters
	byKey      map[string]domain.Counters

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byClass:    make(map[string]domain.Counters),
		byStrategy: make(map[string]domain.Counters),
		byKey:      make(map[string]domain.Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func bump(m map[string]domain.Counters, k string, allowed bool) {
	c := m[k]
	if allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
	m[k] = c
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Allowed {
		s.total.Allowed++
	} else {
		s.total.Denied++
	}
	bump(s.byClass, ev.EndpointClass, ev.Allowed)
	bump(s.byStrategy, string(ev.Strategy), ev.Allowed)
	if s.trackKeys {
		bump(s.byKey, string(ev.Key), ev.Allowed)
	}
	return nil
}

func (s *MemoryStatsStore) Snapshot(_ context.Context) (domain.StatsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.StatsSnapshot{
		Total:      s.total,
		ByClass:    copyCounters(s.byClass),
		ByStrategy: copyCounters(s.byStrategy),
	}, nil
}

func (s *MemoryStatsStore) Total() domain.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByKey() map[string]domain.Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byKey)
}

func copyCounters(in map[string]domain.Counters) map[string]domain.Counters {
	out := make(map[string]domain.Counters, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
