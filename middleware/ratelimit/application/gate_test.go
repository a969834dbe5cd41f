package application

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestGate(t *testing.T, opts ...GateOption) (*Gate, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := newClockedStore(clock)
	opts = append([]GateOption{WithClock(clock.Now), WithLogger(quietLogger())}, opts...)
	return NewGate(store, opts...), clock
}

func TestGate_AdmitsAndDeniesWithEffectiveConfig(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	req := domain.Request{UserID: "1", Role: "member", IP: "10.0.0.1"}

	_ = g.Provider().UpdateConfig("reports", domain.Config{RequestsPerMinute: 3, BurstLimit: 3, WindowSize: 60, Strategy: domain.SlidingWindow})

	for i := 0; i < 3; i++ {
		dec, err := g.Check(ctx, req, "reports")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("expected request %d allowed", i+1)
		}
		if dec.Key != "reports:user:1:10.0.0.1" || dec.EndpointClass != "reports" {
			t.Fatalf("unexpected key/class: %q %q", dec.Key, dec.EndpointClass)
		}
	}
	dec, err := g.Check(ctx, req, "reports")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected 4th request denied")
	}
	if dec.RetryAfter < 1 {
		t.Fatalf("expected retry after >= 1, got %d", dec.RetryAfter)
	}
}

func TestGate_RoleAndLoadScaleLimit(t *testing.T) {
	g, _ := newTestGate(t, WithLoadSampler(domain.StaticLoad(2)))
	ctx := context.Background()

	admin, _ := g.Check(ctx, domain.Request{UserID: "a", Role: "admin", IP: "1.1.1.1"}, "api")
	guest, _ := g.Check(ctx, domain.Request{IP: "1.1.1.1"}, "api")

	// api: 100 rpm; admin x2 / carga 2 = 100; guest x0.5 / 2 = 25
	if admin.MaxRequests != 100 {
		t.Fatalf("expected admin max 100, got %d", admin.MaxRequests)
	}
	if guest.MaxRequests != 25 {
		t.Fatalf("expected guest max 25, got %d", guest.MaxRequests)
	}

	dec, _ := g.CheckWithLoad(ctx, domain.Request{IP: "1.1.1.1"}, "api", 0.5)
	if dec.MaxRequests != 100 {
		t.Fatalf("expected explicit low load to raise guest max to 100, got %d", dec.MaxRequests)
	}
}

func TestGate_UnknownStrategyFailsClosed(t *testing.T) {
	g, _ := newTestGate(t)
	g.Provider().Store.PutEndpoint("legacy", domain.Config{RequestsPerMinute: 10, BurstLimit: 10, WindowSize: 60, Strategy: "leaky_bucket"})

	dec, err := g.Check(context.Background(), domain.Request{IP: "1.1.1.1"}, "legacy")
	if !domain.IsUnknownStrategy(err) {
		t.Fatalf("expected unknown strategy error, got %v", err)
	}
	if dec.Allowed {
		t.Fatalf("expected denial for unknown strategy")
	}
	if dec.RetryAfter != 1 {
		t.Fatalf("expected retry after 1, got %d", dec.RetryAfter)
	}
}

type brokenStore struct{}

var errBroken = errors.New("connection refused")

func (brokenStore) IncrementAndGet(context.Context, string, time.Duration) (int64, error) {
	return 0, errBroken
}
func (brokenStore) Get(context.Context, string) (string, bool, error) { return "", false, errBroken }
func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errBroken
}
func (brokenStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errBroken
}
func (brokenStore) Delete(context.Context, ...string) (int64, error) { return 0, errBroken }

func TestGate_StoreFailureIsReported(t *testing.T) {
	g := NewGate(brokenStore{}, WithLogger(quietLogger()))
	ctx := context.Background()

	for _, class := range []string{"api", "auth", "upload"} {
		dec, err := g.Check(ctx, domain.Request{IP: "1.1.1.1"}, class)
		if !domain.IsStoreUnavailable(err) {
			t.Fatalf("expected store unavailable for %s, got %v", class, err)
		}
		if !errors.Is(err, errBroken) {
			t.Fatalf("expected cause to be preserved, got %v", err)
		}
		if dec.Allowed {
			t.Fatalf("expected denial for %s", class)
		}
	}

	if _, err := g.Clear(ctx, "ip:1.1.1.1", "api"); !domain.IsStoreUnavailable(err) {
		t.Fatalf("expected store unavailable on clear, got %v", err)
	}
}

func TestGate_ClearIsIdempotent(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	req := domain.Request{IP: "5.5.5.5"}

	// auth: fixed window, 5 rpm, guest x0.5 -> 3
	for {
		dec, err := g.Check(ctx, req, "auth")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !dec.Allowed {
			break
		}
	}

	for i := 0; i < 2; i++ {
		ok, err := g.Clear(ctx, "ip:5.5.5.5", "auth")
		if err != nil || !ok {
			t.Fatalf("expected clear to succeed, got ok=%v err=%v", ok, err)
		}
	}

	dec, err := g.Check(ctx, req, "auth")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed || dec.CurrentRequests != 1 {
		t.Fatalf("expected fresh counter after clear, got %+v", dec)
	}

	if ok, err := g.Clear(ctx, "ip:never-seen", "search"); err != nil || !ok {
		t.Fatalf("expected clear on unknown key to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestGate_ClearCoversEveryStrategy(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	req := domain.Request{UserID: "u", Role: "member", IP: "1.1.1.1"}

	// a mesma classe passa por todas as estratégias antes do clear
	for _, s := range domain.Strategies() {
		_ = g.Provider().UpdateConfig("mixed", domain.Config{RequestsPerMinute: 1, BurstLimit: 1, WindowSize: 60, Strategy: s})
		if dec, _ := g.Check(ctx, req, "mixed"); !dec.Allowed {
			t.Fatalf("expected first %s request allowed", s)
		}
	}

	if _, err := g.Clear(ctx, "user:u:1.1.1.1", "mixed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, s := range domain.Strategies() {
		_ = g.Provider().UpdateConfig("mixed", domain.Config{RequestsPerMinute: 1, BurstLimit: 1, WindowSize: 60, Strategy: s})
		if dec, _ := g.Check(ctx, req, "mixed"); !dec.Allowed {
			t.Fatalf("expected %s state cleared", s)
		}
	}
}

type failingStats struct{ calls int }

func (f *failingStats) Record(context.Context, domain.StatsEvent) error {
	f.calls++
	return errors.New("stats backend down")
}

func TestGate_StatsFailureDoesNotAffectDecision(t *testing.T) {
	stats := &failingStats{}
	g, _ := newTestGate(t, WithStats(stats))

	dec, err := g.Check(context.Background(), domain.Request{IP: "1.1.1.1"}, "api")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allowed")
	}
	if stats.calls != 1 {
		t.Fatalf("expected stats to be called once, got %d", stats.calls)
	}
}

func TestGate_Stats(t *testing.T) {
	stats := infra.NewMemoryStatsStore()
	g, _ := newTestGate(t, WithStats(stats), WithLoadSampler(domain.StaticLoad(1.5)))
	ctx := context.Background()

	_, _ = g.Check(ctx, domain.Request{IP: "1.1.1.1"}, "api")
	_, _ = g.Check(ctx, domain.Request{IP: "2.2.2.2"}, "upload")

	out := g.Stats(ctx)
	for _, k := range []string{"config", "system_load", "engines", "requests", "tracked_keys"} {
		if _, ok := out[k]; !ok {
			t.Fatalf("expected %q in stats, got %v", k, out)
		}
	}
	if out["system_load"].(float64) != 1.5 {
		t.Fatalf("expected system load 1.5, got %v", out["system_load"])
	}
	snap := out["requests"].(domain.StatsSnapshot)
	if snap.Total.Allowed != 2 {
		t.Fatalf("expected 2 allowed, got %d", snap.Total.Allowed)
	}
	if snap.ByStrategy[string(domain.TokenBucket)].Allowed != 1 {
		t.Fatalf("expected token bucket counted, got %v", snap.ByStrategy)
	}
	if n := out["tracked_keys"].(int64); n != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", n)
	}
}
