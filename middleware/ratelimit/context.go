package ratelimit

import (
	"context"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

type decisionKey struct{}

// WithDecision anexa a decisão ao contexto da requisição.
func WithDecision(ctx context.Context, dec domain.Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, dec)
}

// DecisionFromContext recupera a decisão deixada pelo Middleware.
func DecisionFromContext(ctx context.Context) (domain.Decision, bool) {
	dec, ok := ctx.Value(decisionKey{}).(domain.Decision)
	return dec, ok
}
