package domain

import "math"

// admitTolerance absorve ruído de ponto flutuante no cálculo do vazamento
// (ex: (10/60)*6 pode dar 0.9999999999999999).
const admitTolerance = 1e-9

// Admit aplica um passo do leaky bucket sobre o estado anterior.
//
// É a aritmética que todo BucketStore precisa executar de forma atômica:
//
//  1. estado ausente equivale a {0, now}
//  2. vaza leakRate*(now-last) tokens (tempo negativo não vaza nada)
//  3. tenta somar 1 token (esta requisição)
//  4. se passar da capacidade, rejeita e o estado NÃO muda
//  5. senão grava {candidate, max(now, last)}
//
// O script Lua do store Redis espelha exatamente estes passos.
func Admit(prev BucketState, found bool, capacity, leakRate, now float64) (BucketState, AdmitResult) {
	if !found {
		prev = BucketState{Tokens: 0, LastTimestamp: now}
	}

	elapsed := math.Max(0, now-prev.LastTimestamp)
	tokens := math.Max(0, prev.Tokens-leakRate*elapsed)
	candidate := tokens + 1

	if candidate > capacity+admitTolerance*math.Max(1, capacity) {
		return prev, AdmitResult{Admitted: false, TokensAfter: tokens, Capacity: capacity}
	}

	candidate = math.Min(candidate, capacity)
	next := BucketState{Tokens: candidate, LastTimestamp: math.Max(now, prev.LastTimestamp)}
	return next, AdmitResult{Admitted: true, TokensAfter: candidate, Capacity: capacity}
}

// Leaked projeta o nível do balde em `now` sem admitir nada.
func Leaked(state BucketState, leakRate, now float64) float64 {
	elapsed := math.Max(0, now-state.LastTimestamp)
	return math.Max(0, state.Tokens-leakRate*elapsed)
}
