package infra

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"admission-gateway/middleware/ratelimit/domain"
)

const memoryShards = 32

var (
	_ domain.CounterStore  = (*MemoryStore)(nil)
	_ domain.AtomicUpdater = (*MemoryStore)(nil)
)

// MemoryStore é um CounterStore em memória, com TTL por chave e limpeza periódica.
//
// As chaves são distribuídas em shards (xxhash), cada um com seu mutex, então
// chaves diferentes raramente disputam o mesmo lock. O estado é local ao
// processo: para vários processos/hosts use RedisStore.
type MemoryStore struct {
	shards       [memoryShards]memoryShard
	now          func() time.Time
	cleanupEvery time.Duration
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]*storeEntry
}

type storeEntry struct {
	value     string
	expiresAt time.Time // zero = sem expiração
}

func (e *storeEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type StoreOption func(*MemoryStore)

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

// WithStoreClock troca o relógio usado para TTL.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		now:          time.Now,
		cleanupEvery: 2 * time.Minute,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*storeEntry)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) CleanupEvery() time.Duration { return s.cleanupEvery }

func (s *MemoryStore) shard(key string) *memoryShard {
	return &s.shards[xxhash.Sum64String(key)%memoryShards]
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// live devolve a entrada não expirada; a expirada é removida. Chamar com lock.
func (sh *memoryShard) live(key string, now time.Time) (*storeEntry, bool) {
	ent, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	if ent.expired(now) {
		delete(sh.entries, key)
		return nil, false
	}
	return ent, true
}

func (s *MemoryStore) IncrementAndGet(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.live(key, now)
	if !ok {
		sh.entries[key] = &storeEntry{value: "1", expiresAt: expiry(now, ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(ent.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %q is not an integer", key)
	}
	n++
	ent.value = strconv.FormatInt(n, 10)
	if ent.expiresAt.IsZero() {
		ent.expiresAt = expiry(now, ttl)
	}
	return n, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.live(key, s.now())
	if !ok {
		return "", false, nil
	}
	return ent.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	now := s.now()
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.entries[key] = &storeEntry{value: value, expiresAt: expiry(now, ttl)}
	return nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	now := s.now()
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	ent, ok := sh.live(key, now)
	switch {
	case old == "" && ok:
		return false, nil
	case old != "" && (!ok || ent.value != old):
		return false, nil
	}
	sh.entries[key] = &storeEntry{value: value, expiresAt: expiry(now, ttl)}
	return true, nil
}

// Update executa fn com o shard travado: leitura e escrita da chave são uma
// operação só, sem retentativas.
func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn domain.UpdateFunc) error {
	now := s.now()
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var cur string
	ent, ok := sh.live(key, now)
	if ok {
		cur = ent.value
	}
	next, write := fn(cur, ok)
	if write {
		sh.entries[key] = &storeEntry{value: next, expiresAt: expiry(now, ttl)}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) (int64, error) {
	now := s.now()
	var n int64
	for _, key := range keys {
		sh := s.shard(key)
		sh.mu.Lock()
		if _, ok := sh.live(key, now); ok {
			delete(sh.entries, key)
			n++
		}
		sh.mu.Unlock()
	}
	return n, nil
}

// ApproxKeys conta as entradas (inclui expiradas ainda não limpas).
func (s *MemoryStore) ApproxKeys(_ context.Context) (int64, error) {
	var n int64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += int64(len(sh.entries))
		sh.mu.Unlock()
	}
	return n, nil
}

// Cleanup remove entradas expiradas, um shard por vez.
func (s *MemoryStore) Cleanup() {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, ent := range sh.entries {
			if ent.expired(now) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

// StartJanitor inicia uma goroutine que limpa chaves expiradas periodicamente.
// Pare cancelando o contexto.
func (s *MemoryStore) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context no janitor.
type DoneContext interface {
	Done() <-chan struct{}
}
