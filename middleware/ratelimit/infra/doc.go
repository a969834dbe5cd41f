// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - MemoryStore / RedisStore: CounterStore com TTL e operações atômicas
//   - MemoryStatsStore / RedisStatsStore / AsyncStats: estatísticas de decisão
//   - ChanPool: semáforo simples para limite de concorrência
//   - FileConfig / EtcdConfigSource: fontes de configuração do motor
package infra
