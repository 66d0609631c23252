// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisBucketStore: leaky bucket atômico via script Lua (EVALSHA, com
//     recarga em NOSCRIPT), compartilhado entre instâncias
//   - MemoryBucketStore: o mesmo contrato em memória, para instância única e testes
//   - RedisStatsStore / MemoryStatsStore / PrometheusStats: estatísticas das decisões
//   - ChanPool: semáforo simples para limite de concorrência
//   - LoadTierFile: tiers a partir de YAML
package infra
