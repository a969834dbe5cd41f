package application

import (
	"errors"
	"strings"
	"testing"

	"admission-gateway/middleware/ratelimit/domain"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p := NewProvider(nil)
	err := p.UpdateConfig("reports", domain.Config{
		RequestsPerMinute: 100,
		BurstLimit:        150,
		WindowSize:        60,
		Strategy:          domain.SlidingWindow,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func TestProvider_RoleMultiplierOrdering(t *testing.T) {
	p := newTestProvider(t)

	member := p.GetConfig("reports", ConfigContext{Role: "member", SystemLoad: 1})
	admin := p.GetConfig("reports", ConfigContext{Role: "admin", SystemLoad: 1})

	if member.RequestsPerMinute != 100 {
		t.Fatalf("expected member rpm 100, got %d", member.RequestsPerMinute)
	}
	if admin.RequestsPerMinute != 200 {
		t.Fatalf("expected admin rpm 200, got %d", admin.RequestsPerMinute)
	}
	if admin.BurstLimit != 300 {
		t.Fatalf("expected admin burst 300, got %d", admin.BurstLimit)
	}
}

func TestProvider_UnknownRoleUsesOne(t *testing.T) {
	p := newTestProvider(t)
	cfg := p.GetConfig("reports", ConfigContext{Role: "martian", SystemLoad: 1})
	if cfg.RequestsPerMinute != 100 {
		t.Fatalf("expected rpm 100 for unknown role, got %d", cfg.RequestsPerMinute)
	}
}

func TestProvider_LoadMonotonicity(t *testing.T) {
	p := newTestProvider(t)

	low := p.GetConfig("reports", ConfigContext{Role: "member", SystemLoad: 0.5}).RequestsPerMinute
	normal := p.GetConfig("reports", ConfigContext{Role: "member", SystemLoad: 1.0}).RequestsPerMinute
	high := p.GetConfig("reports", ConfigContext{Role: "member", SystemLoad: 1.5}).RequestsPerMinute

	if !(low > normal && normal > high) {
		t.Fatalf("expected %d > %d > %d", low, normal, high)
	}
	if low != 200 || high != 67 {
		t.Fatalf("expected 200 and 67, got %d and %d", low, high)
	}
}

func TestProvider_InvalidLoadTreatedAsOne(t *testing.T) {
	p := newTestProvider(t)
	for _, load := range []float64{0, -2} {
		if got := p.GetConfig("reports", ConfigContext{Role: "member", SystemLoad: load}).RequestsPerMinute; got != 100 {
			t.Fatalf("expected rpm 100 for load %v, got %d", load, got)
		}
	}
}

func TestProvider_RoundsAndFloorsAtOne(t *testing.T) {
	p := NewProvider(nil)
	_ = p.UpdateConfig("tiny", domain.Config{RequestsPerMinute: 1, BurstLimit: 1, WindowSize: 60, Strategy: domain.FixedWindow})

	cfg := p.GetConfig("tiny", ConfigContext{Role: "guest", SystemLoad: 4})
	if cfg.RequestsPerMinute != 1 || cfg.BurstLimit != 1 {
		t.Fatalf("expected floor of 1, got %+v", cfg)
	}
}

func TestProvider_FallsBackToDefault(t *testing.T) {
	p := NewProvider(nil)
	cfg := p.GetConfig("never-registered", ConfigContext{Role: "member", SystemLoad: 1})
	want := DefaultEndpointConfigs()[DefaultClass]
	if cfg != want {
		t.Fatalf("expected default %+v, got %+v", want, cfg)
	}
}

func TestProvider_EndpointMultiplierApplied(t *testing.T) {
	p := newTestProvider(t)
	if err := p.SetEndpointMultiplier("reports", 0.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := p.GetConfig("reports", ConfigContext{Role: "admin", SystemLoad: 1})
	if cfg.RequestsPerMinute != 100 {
		t.Fatalf("expected 100*0.5*2 = 100, got %d", cfg.RequestsPerMinute)
	}
}

func TestValidateConfig_ReportsEveryViolation(t *testing.T) {
	got := ValidateConfig(domain.Config{RequestsPerMinute: -1, BurstLimit: 50, WindowSize: 60, Strategy: "bogus"})

	joined := strings.Join(got, "\n")
	if !strings.Contains(joined, "requests_per_minute must be a positive integer") {
		t.Fatalf("expected requests_per_minute violation, got %v", got)
	}
	if !strings.Contains(joined, "strategy must be one of: sliding_window, token_bucket, fixed_window") {
		t.Fatalf("expected strategy violation, got %v", got)
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	for class, cfg := range DefaultEndpointConfigs() {
		if v := ValidateConfig(cfg); len(v) != 0 {
			t.Fatalf("expected default %s to be valid, got %v", class, v)
		}
	}
}

func TestValidateConfig_BurstBelowRate(t *testing.T) {
	got := ValidateConfig(domain.Config{RequestsPerMinute: 10, BurstLimit: 5, WindowSize: 60, Strategy: domain.TokenBucket})
	if len(got) != 1 || got[0] != "burst_limit must be greater than or equal to requests_per_minute" {
		t.Fatalf("unexpected violations: %v", got)
	}
}

func TestProvider_UpdateConfigInvalidLeavesPrevious(t *testing.T) {
	p := newTestProvider(t)
	before := p.BaseConfig("reports")

	err := p.UpdateConfig("reports", domain.Config{RequestsPerMinute: -1, BurstLimit: 50, WindowSize: 60, Strategy: "bogus"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var ce *domain.ConfigurationError
	if !errors.As(err, &ce) || len(ce.Violations) < 2 {
		t.Fatalf("expected ConfigurationError with violations, got %v", err)
	}
	if !domain.IsConfigurationError(err) {
		t.Fatalf("expected errors.Is(err, ErrConfiguration)")
	}
	if after := p.BaseConfig("reports"); after != before {
		t.Fatalf("expected config unchanged, got %+v", after)
	}
}

func TestProvider_RoleMultiplierValidation(t *testing.T) {
	p := NewProvider(nil)
	if err := p.SetRoleMultiplier("superuser", 3); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	if err := p.SetRoleMultiplier("admin", 0); err == nil {
		t.Fatalf("expected error for non-positive multiplier")
	}
	if err := p.SetRoleMultiplier("admin", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f, _ := p.Store.RoleMultiplier("admin"); f != 3 {
		t.Fatalf("expected admin multiplier 3, got %v", f)
	}
}

func TestProvider_ResetRestoresDefaults(t *testing.T) {
	p := newTestProvider(t)
	_ = p.SetRoleMultiplier("admin", 5)

	p.Reset()

	if _, ok := p.Store.Endpoint("reports"); ok {
		t.Fatalf("expected custom class removed after reset")
	}
	if f, _ := p.Store.RoleMultiplier("admin"); f != 2 {
		t.Fatalf("expected admin multiplier back to 2, got %v", f)
	}
}

func TestProvider_RemoveConfigKeepsDefault(t *testing.T) {
	p := newTestProvider(t)
	if err := p.RemoveConfig(DefaultClass); err == nil {
		t.Fatalf("expected error removing default")
	}
	if err := p.RemoveConfig("reports"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.Store.Endpoint("reports"); ok {
		t.Fatalf("expected reports removed")
	}
}

func TestProvider_GetStats(t *testing.T) {
	p := newTestProvider(t)
	st := p.GetStats()

	if st.TotalEndpoints != len(DefaultEndpointConfigs())+1 {
		t.Fatalf("unexpected total endpoints: %d", st.TotalEndpoints)
	}
	if st.TotalStrategies != 3 {
		t.Fatalf("expected 3 strategies in use, got %d", st.TotalStrategies)
	}
	if st.RoleMultipliers["admin"] != 2 {
		t.Fatalf("expected admin multiplier in stats, got %v", st.RoleMultipliers)
	}
	if _, ok := st.Configurations["reports"]; !ok {
		t.Fatalf("expected reports in configurations")
	}

	// snapshot é cópia
	st.Configurations["reports"] = domain.Config{}
	if p.BaseConfig("reports").RequestsPerMinute != 100 {
		t.Fatalf("expected stats snapshot to be detached from the store")
	}
}
