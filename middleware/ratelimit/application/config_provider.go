package application

import (
	"errors"
	"math"
	"sort"
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

var errDefaultRequired = errors.New("the default endpoint class cannot be removed")

// ConfigContext carrega o que influencia a config efetiva além da classe.
type ConfigContext struct {
	Role string
	// SystemLoad normalizado em torno de 1.0; <= 0 é tratado como 1.0.
	SystemLoad float64
}

// Provider resolve a config efetiva de (classe, papel, carga).
//
// Ordem fixa: config da classe (ou default global) -> multiplicador da classe
// -> multiplicador do papel -> divisão pela carga -> arredondamento (mínimo 1).
type Provider struct {
	Store ConfigurationStore
}

// NewProvider usa um MemoryConfigStore com defaults quando store é nil.
func NewProvider(store ConfigurationStore) *Provider {
	if store == nil {
		store = NewMemoryConfigStore()
	}
	return &Provider{Store: store}
}

// BaseConfig devolve a config sem ajustes de papel/carga.
func (p *Provider) BaseConfig(class string) domain.Config {
	if cfg, ok := p.Store.Endpoint(class); ok {
		return cfg
	}
	if cfg, ok := p.Store.Endpoint(DefaultClass); ok {
		return cfg
	}
	return DefaultEndpointConfigs()[DefaultClass]
}

func (p *Provider) GetConfig(class string, cctx ConfigContext) domain.Config {
	cfg := p.BaseConfig(class)

	factor := 1.0
	if f, ok := p.Store.EndpointMultiplier(class); ok {
		factor *= f
	}
	if f, ok := p.Store.RoleMultiplier(cctx.Role); ok {
		factor *= f
	}

	load := cctx.SystemLoad
	if load <= 0 || math.IsNaN(load) || math.IsInf(load, 0) {
		load = 1.0
	}

	cfg.RequestsPerMinute = scale(cfg.RequestsPerMinute, factor, load)
	cfg.BurstLimit = scale(cfg.BurstLimit, factor, load)
	return cfg
}

func scale(v int, factor, load float64) int {
	n := int(math.Round(float64(v) * factor / load))
	if n < 1 {
		return 1
	}
	return n
}

// ValidateConfig é pura: lista vazia se e somente se cfg é válida.
func ValidateConfig(cfg domain.Config) []string {
	var out []string
	if cfg.RequestsPerMinute <= 0 {
		out = append(out, "requests_per_minute must be a positive integer")
	}
	if cfg.BurstLimit <= 0 {
		out = append(out, "burst_limit must be a positive integer")
	} else if cfg.RequestsPerMinute > 0 && cfg.BurstLimit < cfg.RequestsPerMinute {
		out = append(out, "burst_limit must be greater than or equal to requests_per_minute")
	}
	if cfg.WindowSize <= 0 {
		out = append(out, "window_size must be a positive integer")
	}
	if !cfg.Strategy.Valid() {
		out = append(out, "strategy must be one of: "+strategyList())
	}
	return out
}

func strategyList() string {
	names := make([]string, 0, len(domain.Strategies()))
	for _, s := range domain.Strategies() {
		names = append(names, string(s))
	}
	return strings.Join(names, ", ")
}

// UpdateConfig valida e grava. Em caso de erro nada muda e o erro é um
// *domain.ConfigurationError.
func (p *Provider) UpdateConfig(class string, cfg domain.Config) error {
	violations := ValidateConfig(cfg)
	if strings.TrimSpace(class) == "" {
		violations = append([]string{"endpoint_class must not be empty"}, violations...)
	}
	if len(violations) > 0 {
		return &domain.ConfigurationError{Violations: violations}
	}
	p.Store.PutEndpoint(class, cfg)
	return nil
}

// RemoveConfig faz a classe voltar a usar o default global.
func (p *Provider) RemoveConfig(class string) error {
	if class == DefaultClass {
		return &domain.ConfigurationError{Violations: []string{errDefaultRequired.Error()}}
	}
	p.Store.DeleteEndpoint(class)
	return nil
}

func (p *Provider) SetRoleMultiplier(role string, factor float64) error {
	var violations []string
	if !domain.KnownRole(role) {
		violations = append(violations, "role must be one of: "+roleList())
	}
	if !(factor > 0) || math.IsInf(factor, 0) {
		violations = append(violations, "multiplier must be a positive number")
	}
	if len(violations) > 0 {
		return &domain.ConfigurationError{Violations: violations}
	}
	p.Store.PutRoleMultiplier(role, factor)
	return nil
}

func roleList() string {
	names := make([]string, 0, len(domain.Roles()))
	for _, r := range domain.Roles() {
		names = append(names, string(r))
	}
	return strings.Join(names, ", ")
}

func (p *Provider) SetEndpointMultiplier(class string, factor float64) error {
	var violations []string
	if strings.TrimSpace(class) == "" {
		violations = append(violations, "endpoint_class must not be empty")
	}
	if !(factor > 0) || math.IsInf(factor, 0) {
		violations = append(violations, "multiplier must be a positive number")
	}
	if len(violations) > 0 {
		return &domain.ConfigurationError{Violations: violations}
	}
	p.Store.PutEndpointMultiplier(class, factor)
	return nil
}

// Reset é o "clear" explícito: volta tudo aos defaults estáticos.
func (p *Provider) Reset() { p.Store.Reset() }

type ConfigStats struct {
	TotalEndpoints      int                      `json:"total_endpoints"`
	TotalStrategies     int                      `json:"total_strategies"`
	Strategies          []string                 `json:"strategies"`
	RoleMultipliers     map[string]float64       `json:"role_multipliers"`
	EndpointMultipliers map[string]float64       `json:"endpoint_multipliers"`
	Configurations      map[string]domain.Config `json:"configurations"`
}

func (p *Provider) GetStats() ConfigStats {
	snap := p.Store.Snapshot()

	used := make(map[string]struct{})
	for _, cfg := range snap.Endpoints {
		used[string(cfg.Strategy)] = struct{}{}
	}
	strategies := make([]string, 0, len(used))
	for s := range used {
		strategies = append(strategies, s)
	}
	sort.Strings(strategies)

	return ConfigStats{
		TotalEndpoints:      len(snap.Endpoints),
		TotalStrategies:     len(strategies),
		Strategies:          strategies,
		RoleMultipliers:     snap.RoleMultipliers,
		EndpointMultipliers: snap.EndpointMultipliers,
		Configurations:      snap.Endpoints,
	}
}
