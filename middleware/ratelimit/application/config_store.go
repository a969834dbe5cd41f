package application

import (
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

// DefaultClass é a classe global usada quando a classe pedida não tem config.
const DefaultClass = "default"

// ConfigurationStore guarda o estado mutável de configuração (configs por
// classe e multiplicadores). Leituras acontecem no caminho da requisição;
// escritas vêm da administração e são raras.
type ConfigurationStore interface {
	Endpoint(class string) (domain.Config, bool)
	PutEndpoint(class string, cfg domain.Config)
	DeleteEndpoint(class string)

	RoleMultiplier(role string) (float64, bool)
	PutRoleMultiplier(role string, factor float64)

	EndpointMultiplier(class string) (float64, bool)
	PutEndpointMultiplier(class string, factor float64)

	Snapshot() ConfigSnapshot
	// Reset volta aos defaults estáticos.
	Reset()
}

// ConfigSnapshot é uma cópia independente do estado do store.
type ConfigSnapshot struct {
	Endpoints           map[string]domain.Config
	RoleMultipliers     map[string]float64
	EndpointMultipliers map[string]float64
}

// DefaultEndpointConfigs devolve as configs carregadas na inicialização.
func DefaultEndpointConfigs() map[string]domain.Config {
	return map[string]domain.Config{
		DefaultClass: {RequestsPerMinute: 60, BurstLimit: 100, WindowSize: 60, Strategy: domain.SlidingWindow},
		"api":        {RequestsPerMinute: 100, BurstLimit: 150, WindowSize: 60, Strategy: domain.SlidingWindow},
		"auth":       {RequestsPerMinute: 5, BurstLimit: 10, WindowSize: 60, Strategy: domain.FixedWindow},
		"upload":     {RequestsPerMinute: 10, BurstLimit: 20, WindowSize: 60, Strategy: domain.TokenBucket},
		"search":     {RequestsPerMinute: 30, BurstLimit: 50, WindowSize: 60, Strategy: domain.SlidingWindow},
	}
}

func DefaultRoleMultipliers() map[string]float64 {
	return map[string]float64{
		string(domain.RoleGuest):   0.5,
		string(domain.RoleMember):  1.0,
		string(domain.RolePremium): 1.5,
		string(domain.RoleAdmin):   2.0,
	}
}

func DefaultEndpointMultipliers() map[string]float64 {
	return map[string]float64{
		"api":    1.0,
		"auth":   1.0,
		"upload": 1.0,
		"search": 1.0,
	}
}

// MemoryConfigStore é o ConfigurationStore do processo, protegido por RWMutex.
type MemoryConfigStore struct {
	mu        sync.RWMutex
	endpoints map[string]domain.Config
	roles     map[string]float64
	classes   map[string]float64
}

func NewMemoryConfigStore() *MemoryConfigStore {
	s := &MemoryConfigStore{}
	s.Reset()
	return s
}

func (s *MemoryConfigStore) Endpoint(class string) (domain.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.endpoints[class]
	return cfg, ok
}

func (s *MemoryConfigStore) PutEndpoint(class string, cfg domain.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[class] = cfg
}

func (s *MemoryConfigStore) DeleteEndpoint(class string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, class)
}

func (s *MemoryConfigStore) RoleMultiplier(role string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.roles[role]
	return f, ok
}

func (s *MemoryConfigStore) PutRoleMultiplier(role string, factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role] = factor
}

func (s *MemoryConfigStore) EndpointMultiplier(class string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.classes[class]
	return f, ok
}

func (s *MemoryConfigStore) PutEndpointMultiplier(class string, factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[class] = factor
}

func (s *MemoryConfigStore) Snapshot() ConfigSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := ConfigSnapshot{
		Endpoints:           make(map[string]domain.Config, len(s.endpoints)),
		RoleMultipliers:     make(map[string]float64, len(s.roles)),
		EndpointMultipliers: make(map[string]float64, len(s.classes)),
	}
	for k, v := range s.endpoints {
		out.Endpoints[k] = v
	}
	for k, v := range s.roles {
		out.RoleMultipliers[k] = v
	}
	for k, v := range s.classes {
		out.EndpointMultipliers[k] = v
	}
	return out
}

func (s *MemoryConfigStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = DefaultEndpointConfigs()
	s.roles = DefaultRoleMultipliers()
	s.classes = DefaultEndpointMultipliers()
}
