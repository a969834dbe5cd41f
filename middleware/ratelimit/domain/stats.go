package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão do rate limit.
//
// Ele é propositalmente "agnóstico de HTTP": não carrega método nem rota, só a
// classe de endpoint e a estratégia que decidiu.
//
// Observação: cuidado com cardinalidade (ex.: salvar Key sem controle pode
// explodir o número de chaves em uma base como Redis).
type StatsEvent struct {
	Key           Key
	EndpointClass string
	Strategy      Strategy
	Allowed       bool

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas do rate limit.
//
// Implementações podem armazenar em Redis, memória, etc.
// O gate trata erro como best-effort (não derruba request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// StatsSnapshot é uma foto agregada, sem garantia de consistência entre campos.
type StatsSnapshot struct {
	Total      Counters            `json:"total"`
	ByClass    map[string]Counters `json:"by_class"`
	ByStrategy map[string]Counters `json:"by_strategy"`
}

// StatsReader é implementado pelos stores que conseguem devolver agregados.
type StatsReader interface {
	Snapshot(ctx context.Context) (StatsSnapshot, error)
}
