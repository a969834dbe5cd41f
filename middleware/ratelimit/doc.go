// Package ratelimit fornece adapters HTTP (net/http) para o motor de admissão
// e para o limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: identidade, config efetiva, estratégias e o Gate
//   - infra: implementações concretas (Redis, memória, etcd, YAML, semáforo)
//   - ratelimit (este pacote): middlewares HTTP, API de administração e
//     tradução de Decision para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai o principal (se autenticado) e o IP do cliente
//  2. Chama Gate.Check com a classe de endpoint da rota
//  3. Sempre escreve X-RateLimit-Limit/Remaining/Strategy
//  4. Se negado, responde 429 com Retry-After; se o motor falhar, 503
//     (ou deixa passar com FailOpen)
//  5. Se permitido, chama o próximo handler (ex: reverse proxy)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o comportamento,
// como STORE, REDIS_ADDR, RATE_CONFIG_FILE, ETCD_ENDPOINTS e CONCURRENCY_MAX.
package ratelimit
