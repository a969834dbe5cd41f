package application

import (
	"context"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// ConcurrencyService concentra a regra de aquisição/liberação de vagas com timeout,
// sem saber nada sobre HTTP.
type ConcurrencyService struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire tenta adquirir uma vaga.
// - Se `AcquireTimeout <= 0`, espera indefinidamente (até ctx cancelar).
// - Se `AcquireTimeout > 0`, espera até o timeout.
// Retorna (release, ok). Se ok=false, nenhuma vaga foi adquirida.
func (s ConcurrencyService) Acquire(ctx context.Context) (func(), bool) {
	if s.Pool == nil {
		return func() {}, true
	}

	if s.AcquireTimeout <= 0 {
		return s.Pool.Acquire(ctx)
	}

	acqCtx, cancel := context.WithTimeout(ctx, s.AcquireTimeout)
	defer cancel()
	return s.Pool.Acquire(acqCtx)
}

const (
	defaultMinPoolLoad = 1.0
	maxPoolLoad        = 4.0
)

// PoolLoad é um LoadSampler baseado nas vagas ocupadas do pool de concorrência:
// carga = em_uso / Nominal, limitada a [Min, 4].
//
// Nominal é o número de requisições simultâneas considerado "carga 1.0";
// se <= 0, usa metade da capacidade do pool. Min <= 0 vale 1.0: pool ocioso
// não amplia as cotas, a menos que o operador baixe o piso.
type PoolLoad struct {
	Pool    domain.SlotPool
	Nominal int
	Min     float64
}

func (p PoolLoad) Load() float64 {
	if p.Pool == nil {
		return 1.0
	}
	nominal := p.Nominal
	if nominal <= 0 {
		nominal = p.Pool.Capacity() / 2
	}
	if nominal <= 0 {
		return 1.0
	}

	floor := p.Min
	if floor <= 0 {
		floor = defaultMinPoolLoad
	}
	load := float64(p.Pool.InFlight()) / float64(nominal)
	switch {
	case load < floor:
		return floor
	case load > maxPoolLoad:
		return maxPoolLoad
	}
	return load
}
