package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
)

// Inspector é a parte do application.Service usada pelos endpoints de
// introspecção. Nenhum deles passa pelo limitador.
type Inspector interface {
	Tiers() application.TierResolver
	FailOpen() bool
	Stats(ctx context.Context, id domain.ClientID) (domain.BucketSnapshot, error)
}

// Pinger é implementado pelos BucketStores que sabem checar conectividade.
type Pinger interface {
	Ping(ctx context.Context) error
}

type configDocument struct {
	Algorithm    string                 `json:"algorithm"`
	Unit         string                 `json:"unit"`
	Tiers        map[domain.Tier]int    `json:"tiers"`
	TierPatterns map[domain.Tier]string `json:"tier_patterns"`
	DefaultTier  domain.Tier            `json:"default_tier"`
	FailOpen     bool                   `json:"fail_open"`
}

type statsDocument struct {
	domain.BucketSnapshot
	Message string `json:"message,omitempty"`
}

// IntrospectionRouter expõe GET /config e GET /stats/{client_id}. O gateway
// monta em /rate-limit.
func IntrospectionRouter(svc Inspector) chi.Router {
	r := chi.NewRouter()
	r.Get("/config", configHandler(svc))
	r.Get("/stats/{client_id}", statsHandler(svc))
	return r
}

func configHandler(svc Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := svc.Tiers().Config()
		doc := configDocument{
			Algorithm:    "leaky_bucket",
			Unit:         "requests_per_minute",
			Tiers:        make(map[domain.Tier]int, len(cfg.Tiers)),
			TierPatterns: make(map[domain.Tier]string, len(cfg.Tiers)),
			DefaultTier:  cfg.Default,
			FailOpen:     svc.FailOpen(),
		}
		for _, rule := range cfg.Tiers {
			doc.Tiers[rule.Name] = rule.RPM
			doc.TierPatterns[rule.Name] = rule.Prefix + "*"
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func statsHandler(svc Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := domain.ClientID(chi.URLParam(r, "client_id"))

		snap, err := svc.Stats(r.Context(), id)
		switch {
		case errors.Is(err, domain.ErrMissingClientID):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing_client_id", Message: "client_id is required"})
			return
		case errors.Is(err, domain.ErrStoreUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "rate_limiter_unavailable", Message: "bucket store is unavailable"})
			return
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Message: err.Error()})
			return
		}

		doc := statsDocument{BucketSnapshot: snap}
		if !snap.Found {
			doc.Message = "no recent activity"
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

type HealthOptions struct {
	Store       Pinger
	RateEnabled bool
	Pool        domain.SlotPool
	Timeout     time.Duration
}

type healthDocument struct {
	Status       string `json:"status"`
	Store        string `json:"store"`
	RateLimiting bool   `json:"rate_limiting"`
	InFlight     int    `json:"in_flight"`
}

// HealthHandler responde sempre 200: com o store fora o gateway continua
// servindo (fail-open), então o status vira "degraded".
func HealthHandler(opts HealthOptions) http.HandlerFunc {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		doc := healthDocument{Status: "healthy", Store: "ok"}

		switch {
		case opts.Store == nil:
			doc.Store = "none"
		default:
			ctx, cancel := context.WithTimeout(r.Context(), opts.Timeout)
			err := opts.Store.Ping(ctx)
			cancel()
			if err != nil {
				doc.Store = "unreachable"
			}
		}
		doc.RateLimiting = opts.RateEnabled && doc.Store == "ok"
		if opts.RateEnabled && !doc.RateLimiting {
			doc.Status = "degraded"
		}
		if opts.Pool != nil {
			doc.InFlight = opts.Pool.InUse()
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// StatsSummary é implementado por infra.MemoryStatsStore.
type StatsSummary interface {
	Total() infra.Counters
	ByTier() map[domain.Tier]infra.Counters
	ByRoute() map[string]infra.Counters
	ByKey() map[string]infra.Counters
}

type summaryDocument struct {
	Total   infra.Counters                 `json:"total"`
	ByTier  map[domain.Tier]infra.Counters `json:"by_tier"`
	ByRoute map[string]infra.Counters      `json:"by_route"`
	ByKey   map[string]infra.Counters      `json:"by_client,omitempty"`
}

// SummaryHandler expõe os contadores agregados do processo (GET /rate-limit/summary).
func SummaryHandler(stats StatsSummary) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, summaryDocument{
			Total:   stats.Total(),
			ByTier:  stats.ByTier(),
			ByRoute: stats.ByRoute(),
			ByKey:   stats.ByKey(),
		})
	}
}
