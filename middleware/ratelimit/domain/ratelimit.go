package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http nem de Redis.

import (
	"context"
	"time"
)

// ClientID é o identificador opaco do cliente (ex: "vip-42").
// É confiável como recebido; autenticação não é responsabilidade deste pacote.
type ClientID string

// BucketState é o registro persistido por cliente no store compartilhado.
//
// Tokens é o nível atual do balde (nunca negativo, nunca acima da capacidade).
// LastTimestamp é o instante (segundos desde a época Unix) da última admissão.
type BucketState struct {
	Tokens        float64 `json:"tokens"`
	LastTimestamp float64 `json:"last_timestamp"`
}

// AdmitResult é a resposta da operação atômica de admissão.
type AdmitResult struct {
	Admitted    bool
	TokensAfter float64
	Capacity    float64
}

// BucketStore abstrai o store chave-valor compartilhado entre as instâncias.
//
// AtomicAdmit deve executar como uma transação indivisível em relação a todas
// as outras chamadas na mesma chave. Falhas de infraestrutura (store fora do ar,
// timeout) devem ser retornadas envolvendo ErrStoreUnavailable.
//
// Read é uma leitura não atômica, só para introspecção. Nunca deve ser usada
// para decidir admissão.
type BucketStore interface {
	AtomicAdmit(ctx context.Context, key string, capacity, leakRate, now float64, ttl time.Duration) (AdmitResult, error)
	Read(ctx context.Context, key string) (state BucketState, found bool, err error)
}

// Decision é o resultado efêmero de uma checagem.
//
// Nunca é persistido; o middleware o anexa ao contexto da requisição para
// formatar headers e corpo da resposta.
type Decision struct {
	Allowed        bool     `json:"allowed"`
	ClientID       ClientID `json:"client_id"`
	Tier           Tier     `json:"tier"`
	LimitRPM       int      `json:"limit_rpm"`
	Remaining      int      `json:"remaining"`
	ResetTimestamp int64    `json:"reset_timestamp"`
	// RetryAfter em segundos. 0 quando permitido.
	RetryAfter  int     `json:"retry_after"`
	TokensAfter float64 `json:"tokens_after"`

	// Degraded indica que o store estava indisponível e a decisão veio da
	// política fail-open/fail-closed, não do algoritmo.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// BucketSnapshot é a visão de depuração do balde de um cliente.
type BucketSnapshot struct {
	ClientID ClientID `json:"client_id"`
	Tier     Tier     `json:"tier"`
	LimitRPM int      `json:"limit_rpm"`
	Found    bool     `json:"found"`

	Tokens        float64 `json:"current_tokens"`
	LastTimestamp float64 `json:"last_update,omitempty"`
	// EstimatedTokens aplica o vazamento até agora, só para exibição.
	EstimatedTokens float64 `json:"estimated_tokens"`
}

// Err traduz uma rejeição em sentinela: ErrRateLimited quando o algoritmo
// recusou, ErrStoreUnavailable quando foi a política fail-closed. nil se permitido.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Degraded:
		return ErrStoreUnavailable
	default:
		return ErrRateLimited
	}
}
