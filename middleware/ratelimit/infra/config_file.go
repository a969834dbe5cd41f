package infra

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"admission-gateway/middleware/ratelimit/domain"
)

// ConfigUpdater é o lado de escrita do provedor de configuração
// (implementado por *application.Provider).
type ConfigUpdater interface {
	UpdateConfig(class string, cfg domain.Config) error
	RemoveConfig(class string) error
	SetRoleMultiplier(role string, factor float64) error
	SetEndpointMultiplier(class string, factor float64) error
}

// FileConfig é o formato do arquivo YAML de quotas:
//
//	endpoints:
//	  api: {requests_per_minute: 100, burst_limit: 150, window_size: 60, strategy: sliding_window}
//	role_multipliers:
//	  admin: 2.0
//	endpoint_multipliers:
//	  upload: 0.5
type FileConfig struct {
	Endpoints           map[string]domain.Config `yaml:"endpoints"`
	RoleMultipliers     map[string]float64       `yaml:"role_multipliers"`
	EndpointMultipliers map[string]float64       `yaml:"endpoint_multipliers"`
}

func LoadFileConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read rate limit config: %w", err)
	}
	return ParseFileConfig(data)
}

// ParseFileConfig rejeita chaves desconhecidas (erro de digitação no arquivo
// não pode virar quota default silenciosamente).
func ParseFileConfig(data []byte) (FileConfig, error) {
	var fc FileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse rate limit config: %w", err)
	}
	return fc, nil
}

// Apply grava cada entrada de forma independente: uma entrada inválida não
// impede as outras e não altera o valor anterior dela. As violações voltam
// juntas num *domain.ConfigurationError, prefixadas pelo nome da entrada.
func (fc FileConfig) Apply(dst ConfigUpdater) error {
	var violations []string
	collect := func(name string, err error) {
		if err == nil {
			return
		}
		var ce *domain.ConfigurationError
		if errors.As(err, &ce) {
			for _, v := range ce.Violations {
				violations = append(violations, name+": "+v)
			}
			return
		}
		violations = append(violations, name+": "+err.Error())
	}

	for _, class := range sortedKeys(fc.Endpoints) {
		collect("endpoints."+class, dst.UpdateConfig(class, fc.Endpoints[class]))
	}
	for _, role := range sortedKeys(fc.RoleMultipliers) {
		collect("role_multipliers."+role, dst.SetRoleMultiplier(role, fc.RoleMultipliers[role]))
	}
	for _, class := range sortedKeys(fc.EndpointMultipliers) {
		collect("endpoint_multipliers."+class, dst.SetEndpointMultiplier(class, fc.EndpointMultipliers[class]))
	}

	if len(violations) > 0 {
		return &domain.ConfigurationError{Violations: violations}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
