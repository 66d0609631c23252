package infra

import (
	"context"
	"errors"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

type multiStats []domain.StatsStore

// MultiStats repassa cada evento para todos os stores (nil são ignorados).
// Um store com erro não impede os outros; os erros são agregados.
func MultiStats(stores ...domain.StatsStore) domain.StatsStore {
	out := make(multiStats, 0, len(stores))
	for _, s := range stores {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiStats) Record(ctx context.Context, ev domain.StatsEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
