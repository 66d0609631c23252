package infra

import (
	"context"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusStats exporta as decisões como métricas.
//
// Os labels são só tier e resultado; o ClientID fica de fora para não
// explodir a cardinalidade.
type PrometheusStats struct {
	checks   *prometheus.CounterVec
	degraded *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusStats registra os coletores em reg (nil usa o registry padrão).
func NewPrometheusStats(reg prometheus.Registerer) *PrometheusStats {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusStats{
		checks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_checks_total",
				Help: "Total number of rate limit checks by tier and result",
			},
			[]string{"tier", "result"},
		),
		degraded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_degraded_total",
				Help: "Checks decided by the fail-open/fail-closed policy because the bucket store was unavailable",
			},
			[]string{"tier"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_ratelimit_check_duration_seconds",
				Help:    "Duration of rate limit checks, bucket store round trip included",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs a ~1.6s
			},
			[]string{"tier"},
		),
	}
}

func (p *PrometheusStats) Record(_ context.Context, ev domain.StatsEvent) error {
	tier := string(ev.Tier)
	result := "allowed"
	if !ev.Allowed {
		result = "rejected"
	}

	p.checks.WithLabelValues(tier, result).Inc()
	if ev.Degraded {
		p.degraded.WithLabelValues(tier).Inc()
	}
	if ev.Duration > 0 {
		p.duration.WithLabelValues(tier).Observe(ev.Duration.Seconds())
	}
	return nil
}
