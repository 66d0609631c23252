// Package ratelimit fornece os adapters HTTP (net/http) do rate limit por tier
// e do limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos (ClientID, Tier, BucketStore, Decision), sem net/http
//   - application: casos de uso (TierResolver, Service.Check/Stats, ConcurrencyService)
//   - infra: stores de balde (Redis com script Lua, memória), stats (Redis,
//     Prometheus, memória), semáforo e leitura do arquivo de tiers
//   - ratelimit (este pacote): middlewares, endpoints de introspecção e
//     tradução de decisões para status/headers/JSON
//
// Fluxo no gateway:
//
//  1. Lê o ClientID do header X-Client-ID (400 se ausente)
//  2. Chama Service.Check, que resolve o tier e admite no balde compartilhado
//  3. Se rejeitado, responde 429 com Retry-After (503 se o store caiu e a
//     política é fail-closed)
//  4. Se permitido, escreve X-RateLimit-* e chama o próximo handler (reverse proxy)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o
// comportamento, como REDIS_ADDR, FAIL_OPEN, BASIC_RPM/PRO_RPM/VIP_RPM e
// CONCURRENCY_MAX.
package ratelimit
