package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// DefaultKeyHeader é o header de onde sai o ClientID quando nada é configurado.
const DefaultKeyHeader = "X-Client-ID"

type KeyFunc func(r *http.Request) string

// Checker é o caso de uso consumido pelo middleware (application.Service).
type Checker interface {
	Check(ctx context.Context, id domain.ClientID) (domain.Decision, error)
}

type Options struct {
	Limiter   Checker
	Stats     domain.StatsStore
	KeyFn     KeyFunc
	KeyHeader string
	Logger    *slog.Logger
}

// DefaultKeyFunc lê o identificador do cliente do header. Não há fallback por
// IP: sem header a requisição é recusada com 400.
func DefaultKeyFunc(keyHeader string) KeyFunc {
	if keyHeader == "" {
		keyHeader = DefaultKeyHeader
	}
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(keyHeader))
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type rateLimitedBody struct {
	Error      string          `json:"error"`
	ClientID   domain.ClientID `json:"client_id"`
	LimitRPM   int             `json:"limit_rpm"`
	Tier       domain.Tier     `json:"tier"`
	Message    string          `json:"message"`
	RetryAfter int             `json:"retry_after"`
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.KeyHeader == "" {
		opts.KeyHeader = DefaultKeyHeader
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "ratelimit_middleware")
	missingMsg := opts.KeyHeader + " header is required"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := domain.ClientID(opts.KeyFn(r))
			if id == "" {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing_client_id", Message: missingMsg})
				return
			}

			start := time.Now()
			dec, err := opts.Limiter.Check(r.Context(), id)
			if errors.Is(err, domain.ErrMissingClientID) {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing_client_id", Message: missingMsg})
				return
			}
			if err != nil {
				logger.Error("rate limit check failed", "client_id", id, "error", err)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Message: "rate limit check failed"})
				return
			}

			if opts.Stats != nil {
				ev := domain.StatsEvent{
					Key:      id,
					Tier:     dec.Tier,
					Allowed:  dec.Allowed,
					Degraded: dec.Degraded,
					Method:   r.Method,
					Path:     r.URL.Path,
					At:       start,
					Duration: time.Since(start),
				}
				if err := opts.Stats.Record(r.Context(), ev); err != nil {
					logger.Debug("stats record failed", "error", err)
				}
			}

			setLimitHeaders(w.Header(), dec)

			switch err := dec.Err(); {
			case errors.Is(err, domain.ErrStoreUnavailable):
				w.Header().Set("Retry-After", formatInt(dec.RetryAfter))
				writeJSON(w, http.StatusServiceUnavailable, errorBody{
					Error:   "rate_limiter_unavailable",
					Message: "rate limiter is unavailable, try again later",
				})
				return
			case errors.Is(err, domain.ErrRateLimited):
				w.Header().Set("Retry-After", formatInt(dec.RetryAfter))
				writeJSON(w, http.StatusTooManyRequests, rateLimitedBody{
					Error:      "rate_limited",
					ClientID:   dec.ClientID,
					LimitRPM:   dec.LimitRPM,
					Tier:       dec.Tier,
					Message:    "Rate limit of " + formatInt(dec.LimitRPM) + " requests per minute exceeded",
					RetryAfter: dec.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), dec)))
		})
	}
}

func setLimitHeaders(h http.Header, dec domain.Decision) {
	h.Set("X-RateLimit-Limit", formatInt(dec.LimitRPM))
	h.Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
	h.Set("X-RateLimit-Reset", formatInt64(dec.ResetTimestamp))
	if dec.Degraded {
		h.Set("X-RateLimit-Degraded", "true")
	}
}
