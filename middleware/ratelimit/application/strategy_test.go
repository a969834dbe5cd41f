package application

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// alinhado em minuto para a janela fixa começar no início.
	return &fakeClock{now: time.Unix(1_700_000_040, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClockedStore(c *fakeClock) *infra.MemoryStore {
	return infra.NewMemoryStore(infra.WithStoreClock(c.Now))
}

func TestSlidingWindow_AdmitsUpToLimit(t *testing.T) {
	clock := newFakeClock()
	eng := &SlidingWindowEngine{Store: newClockedStore(clock)}
	cfg := domain.Config{RequestsPerMinute: 10, BurstLimit: 10, WindowSize: 60, Strategy: domain.SlidingWindow}
	key := domain.NewKey("ip:1.1.1.1", "api")
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		dec, err := eng.Check(ctx, key, cfg, clock.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
		if dec.Remaining != 10-i {
			t.Fatalf("expected remaining %d, got %d", 10-i, dec.Remaining)
		}
	}

	clock.Advance(10 * time.Second)
	dec, err := eng.Check(ctx, key, cfg, clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected 11th request to be denied")
	}
	if dec.CurrentRequests != 10 || dec.MaxRequests != 10 {
		t.Fatalf("unexpected counters: %+v", dec)
	}
	if dec.RetryAfter != 50 {
		t.Fatalf("expected retry after 50s, got %d", dec.RetryAfter)
	}
}

func TestSlidingWindow_DenialDoesNotCount(t *testing.T) {
	clock := newFakeClock()
	eng := &SlidingWindowEngine{Store: newClockedStore(clock)}
	cfg := domain.Config{RequestsPerMinute: 2, BurstLimit: 2, WindowSize: 60, Strategy: domain.SlidingWindow}
	key := domain.NewKey("ip:1.1.1.1", "api")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = eng.Check(ctx, key, cfg, clock.Now())
	}
	dec, _ := eng.Check(ctx, key, cfg, clock.Now())
	if dec.CurrentRequests != 2 {
		t.Fatalf("expected count to stay at 2, got %d", dec.CurrentRequests)
	}
}

func TestSlidingWindow_ResetsAfterWindow(t *testing.T) {
	clock := newFakeClock()
	eng := &SlidingWindowEngine{Store: newClockedStore(clock)}
	cfg := domain.Config{RequestsPerMinute: 3, BurstLimit: 3, WindowSize: 60, Strategy: domain.SlidingWindow}
	key := domain.NewKey("ip:1.1.1.1", "api")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = eng.Check(ctx, key, cfg, clock.Now())
	}
	if dec, _ := eng.Check(ctx, key, cfg, clock.Now()); dec.Allowed {
		t.Fatalf("expected denial at limit")
	}

	clock.Advance(60 * time.Second)
	dec, err := eng.Check(ctx, key, cfg, clock.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed || dec.CurrentRequests != 1 {
		t.Fatalf("expected fresh window, got %+v", dec)
	}
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clock := newFakeClock()
	eng := &TokenBucketEngine{Store: newClockedStore(clock)}
	// 60 rpm = 1 token/s
	cfg := domain.Config{RequestsPerMinute: 60, BurstLimit: 5, WindowSize: 60, Strategy: domain.TokenBucket}
	key := domain.NewKey("user:1:1.1.1.1", "upload")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		dec, err := eng.Check(ctx, key, cfg, clock.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("expected burst request %d to be allowed", i)
		}
		if dec.MaxRequests != 5 || dec.Remaining != 5-i {
			t.Fatalf("unexpected counters at %d: %+v", i, dec)
		}
	}

	dec, _ := eng.Check(ctx, key, cfg, clock.Now())
	if dec.Allowed {
		t.Fatalf("expected empty bucket to deny")
	}
	if dec.RetryAfter != 1 {
		t.Fatalf("expected retry after 1s, got %d", dec.RetryAfter)
	}

	clock.Advance(time.Second)
	if dec, _ := eng.Check(ctx, key, cfg, clock.Now()); !dec.Allowed {
		t.Fatalf("expected one token after 1s")
	}
	if dec, _ := eng.Check(ctx, key, cfg, clock.Now()); dec.Allowed {
		t.Fatalf("expected bucket empty again")
	}
}

func TestTokenBucket_RefillCapsAtBurst(t *testing.T) {
	clock := newFakeClock()
	eng := &TokenBucketEngine{Store: newClockedStore(clock)}
	cfg := domain.Config{RequestsPerMinute: 60, BurstLimit: 3, WindowSize: 60, Strategy: domain.TokenBucket}
	key := domain.NewKey("ip:2.2.2.2", "upload")
	ctx := context.Background()

	_, _ = eng.Check(ctx, key, cfg, clock.Now())
	clock.Advance(10 * time.Minute)

	allowed := 0
	for i := 0; i < 10; i++ {
		if dec, _ := eng.Check(ctx, key, cfg, clock.Now()); dec.Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("expected refill capped at burst 3, got %d", allowed)
	}
}

func TestFixedWindow_CountsPerWindow(t *testing.T) {
	clock := newFakeClock()
	eng := &FixedWindowEngine{Store: newClockedStore(clock)}
	cfg := domain.Config{RequestsPerMinute: 5, BurstLimit: 10, WindowSize: 60, Strategy: domain.FixedWindow}
	key := domain.NewKey("ip:3.3.3.3", "auth")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		dec, err := eng.Check(ctx, key, cfg, clock.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !dec.Allowed || dec.CurrentRequests != i {
			t.Fatalf("unexpected decision at %d: %+v", i, dec)
		}
	}

	clock.Advance(15 * time.Second)
	dec, _ := eng.Check(ctx, key, cfg, clock.Now())
	if dec.Allowed {
		t.Fatalf("expected denial at limit")
	}
	if dec.CurrentRequests != 5 {
		t.Fatalf("expected reported count clamped to 5, got %d", dec.CurrentRequests)
	}
	if dec.RetryAfter != 45 {
		t.Fatalf("expected retry after 45s, got %d", dec.RetryAfter)
	}
	if want := time.Unix(1_700_000_100, 0); !dec.ResetAt.Equal(want) {
		t.Fatalf("expected reset at %v, got %v", want, dec.ResetAt)
	}

	clock.Advance(45 * time.Second)
	if dec, _ := eng.Check(ctx, key, cfg, clock.Now()); !dec.Allowed || dec.CurrentRequests != 1 {
		t.Fatalf("expected new window, got %+v", dec)
	}
}

func TestSlidingWindow_LimitScalesWithWindow(t *testing.T) {
	cases := []struct {
		rpm, window, want int
	}{
		{rpm: 60, window: 10, want: 10},
		{rpm: 100, window: 60, want: 100},
		{rpm: 30, window: 120, want: 60},
		{rpm: 3, window: 10, want: 1},
	}
	for _, tc := range cases {
		clock := newFakeClock()
		eng := &SlidingWindowEngine{Store: newClockedStore(clock)}
		cfg := domain.Config{RequestsPerMinute: tc.rpm, BurstLimit: tc.rpm, WindowSize: tc.window, Strategy: domain.SlidingWindow}
		key := domain.NewKey("ip:1.1.1.1", "api")

		admitted := 0
		for i := 0; i < tc.want+5; i++ {
			dec, err := eng.Check(context.Background(), key, cfg, clock.Now())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if dec.MaxRequests != tc.want {
				t.Fatalf("rpm=%d window=%d: expected max %d, got %d", tc.rpm, tc.window, tc.want, dec.MaxRequests)
			}
			if dec.Allowed {
				admitted++
			}
		}
		if admitted != tc.want {
			t.Fatalf("rpm=%d window=%d: expected %d admissions, got %d", tc.rpm, tc.window, tc.want, admitted)
		}
	}
}

func TestEngines_KeysShareHashTag(t *testing.T) {
	key := domain.NewKey("ip:1.1.1.1", "api")
	cfg := domain.Config{RequestsPerMinute: 10, BurstLimit: 10, WindowSize: 60}
	tag := "{" + string(key) + "}"

	for _, eng := range NewEngines(infra.NewMemoryStore()) {
		for _, k := range eng.Keys(key, cfg, time.Now()) {
			if !strings.Contains(k, tag) {
				t.Fatalf("%s: expected %q to contain %q", eng.Name(), k, tag)
			}
		}
	}
}

// slowStore soma uma latência fixa a cada ida ao store, como numa rede.
type slowStore struct {
	*infra.MemoryStore
	delay time.Duration
}

func (s *slowStore) IncrementAndGet(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.IncrementAndGet(ctx, key, ttl)
}

func (s *slowStore) Get(ctx context.Context, key string) (string, bool, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.Get(ctx, key)
}

func (s *slowStore) CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.CompareAndSwap(ctx, key, old, value, ttl)
}

func (s *slowStore) Update(ctx context.Context, key string, ttl time.Duration, fn domain.UpdateFunc) error {
	time.Sleep(s.delay)
	return s.MemoryStore.Update(ctx, key, ttl, fn)
}

// casOnly esconde Update, forçando o laço de CompareAndSwap.
type casOnly struct {
	domain.CounterStore
}

// hammer dispara callers checagens simultâneas na mesma chave.
func hammer(ctx context.Context, eng Engine, cfg domain.Config, callers int) (allowed, failed int64) {
	key := domain.NewKey("ip:9.9.9.9", "api")
	now := time.Now()

	var a, f atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := eng.Check(ctx, key, cfg, now)
			switch {
			case err != nil:
				f.Add(1)
			case dec.Allowed:
				a.Add(1)
			}
		}()
	}
	wg.Wait()
	return a.Load(), f.Load()
}

func TestStrategies_ConcurrentCallersGetExactlyTheLimit(t *testing.T) {
	cases := []struct {
		name           string
		callers, limit int
	}{
		{name: "under limit", callers: 100, limit: 1000},
		{name: "over limit", callers: 200, limit: 50},
	}
	for _, tc := range cases {
		store := &slowStore{MemoryStore: infra.NewMemoryStore(), delay: 200 * time.Microsecond}
		for _, eng := range NewEngines(store) {
			t.Run(tc.name+"/"+string(eng.Name()), func(t *testing.T) {
				cfg := domain.Config{RequestsPerMinute: tc.limit, BurstLimit: tc.limit, WindowSize: 60, Strategy: eng.Name()}

				allowed, failed := hammer(context.Background(), eng, cfg, tc.callers)
				if failed != 0 {
					t.Fatalf("expected no errors, got %d", failed)
				}
				if want := int64(min(tc.callers, tc.limit)); allowed != want {
					t.Fatalf("expected %d admissions, got %d", want, allowed)
				}
			})
		}
	}
}

func TestCASUpdate_ContendedCallersAllGetADecision(t *testing.T) {
	store := casOnly{CounterStore: &slowStore{MemoryStore: infra.NewMemoryStore(), delay: 100 * time.Microsecond}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	engines := []Engine{&SlidingWindowEngine{Store: store}, &TokenBucketEngine{Store: store}}
	for _, eng := range engines {
		t.Run(string(eng.Name()), func(t *testing.T) {
			cfg := domain.Config{RequestsPerMinute: 1000, BurstLimit: 1000, WindowSize: 60, Strategy: eng.Name()}

			allowed, failed := hammer(ctx, eng, cfg, 50)
			if failed != 0 {
				t.Fatalf("expected no errors, got %d", failed)
			}
			if allowed != 50 {
				t.Fatalf("expected 50 admissions, got %d", allowed)
			}
		})
	}
}

// casLoser perde toda corrida de CompareAndSwap.
type casLoser struct {
	domain.CounterStore
}

func (casLoser) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestCASUpdate_GivesUpWhenContextEnds(t *testing.T) {
	eng := &SlidingWindowEngine{Store: casLoser{CounterStore: infra.NewMemoryStore()}}
	cfg := domain.Config{RequestsPerMinute: 5, BurstLimit: 5, WindowSize: 60, Strategy: domain.SlidingWindow}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := eng.Check(ctx, domain.NewKey("ip:1.1.1.1", "api"), cfg, time.Now())
	if !domain.IsStoreUnavailable(err) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if !errors.Is(err, errContention) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected contention cause bounded by the deadline, got %v", err)
	}
}

func TestJitter_StaysWithinBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := jitter(casBackoffMax)
		if d < casBackoffMax/2 || d > casBackoffMax {
			t.Fatalf("expected jitter in [%v, %v], got %v", casBackoffMax/2, casBackoffMax, d)
		}
	}
}
