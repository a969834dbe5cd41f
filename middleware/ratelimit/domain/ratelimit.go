package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"strings"
	"time"
)

// Key identifica um par (chamador, classe de endpoint) para contagem.
// Depois de construída não muda.
type Key string

// NewKey monta a chave no formato "<classe>:<identificador>".
func NewKey(identifier, endpointClass string) Key {
	return Key(strings.TrimSpace(endpointClass) + ":" + strings.TrimSpace(identifier))
}

func (k Key) String() string { return string(k) }

// Strategy é o algoritmo de admissão configurado por classe de endpoint.
type Strategy string

const (
	SlidingWindow Strategy = "sliding_window"
	TokenBucket   Strategy = "token_bucket"
	FixedWindow   Strategy = "fixed_window"
)

// Strategies devolve o conjunto enumerado, em ordem estável.
func Strategies() []Strategy {
	return []Strategy{SlidingWindow, TokenBucket, FixedWindow}
}

func (s Strategy) Valid() bool {
	for _, v := range Strategies() {
		if s == v {
			return true
		}
	}
	return false
}

// Config é a configuração de uma classe de endpoint (RateLimitConfig).
//
// Invariantes: todos os campos numéricos > 0, BurstLimit >= RequestsPerMinute
// e Strategy pertence a Strategies().
type Config struct {
	RequestsPerMinute int      `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstLimit        int      `json:"burst_limit" yaml:"burst_limit"`
	WindowSize        int      `json:"window_size" yaml:"window_size"`
	Strategy          Strategy `json:"strategy" yaml:"strategy"`
}

// Window devolve WindowSize como duração.
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowSize) * time.Second
}

// Request é o contexto bruto de uma requisição, como chega do pipeline.
// UserID vazio significa chamador anônimo.
type Request struct {
	UserID string
	Role   string
	IP     string
}

// Identity é a saída do resolvedor de identidade.
type Identity struct {
	Identifier string
	Role       string
}

type Decision struct {
	Allowed         bool
	Strategy        Strategy
	CurrentRequests int
	MaxRequests     int
	Remaining       int
	// RetryAfter em segundos inteiros; 0 quando permitido.
	RetryAfter int
	// ResetAt é zero quando a estratégia não sabe informar.
	ResetAt time.Time

	Key           Key
	EndpointClass string
}

// RetryAfterDuration converte RetryAfter para time.Duration.
func (d Decision) RetryAfterDuration() time.Duration {
	return time.Duration(d.RetryAfter) * time.Second
}

// LoadSampler devolve a carga atual do sistema, normalizada em torno de 1.0.
type LoadSampler interface {
	Load() float64
}

// StaticLoad é um LoadSampler de valor fixo.
type StaticLoad float64

func (l StaticLoad) Load() float64 { return float64(l) }
