// Package domain define contratos e tipos de domínio do rate limiter por tier.
//
// Aqui ficam o estado do balde (BucketState), a aritmética do leaky bucket
// (Admit), a configuração de tiers (TierConfig), a decisão (Decision) e os
// erros sentinela. O pacote não depende de net/http, Redis nem de
// implementações concretas, o que permite testes de unidade puros.
package domain
