package infra

import (
	"context"
	"errors"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStatsStore_CountsByTierAndRoute(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true))
	ctx := context.Background()

	_ = s.Record(ctx, domain.StatsEvent{Key: "vip-1", Tier: domain.TierVIP, Allowed: true, Method: "GET", Path: "/tools"})
	_ = s.Record(ctx, domain.StatsEvent{Key: "vip-1", Tier: domain.TierVIP, Allowed: false, Method: "GET", Path: "/tools"})
	_ = s.Record(ctx, domain.StatsEvent{Key: "basic-1", Tier: domain.TierBasic, Allowed: true, Degraded: true, Method: "POST", Path: "/agent/query"})

	if got := s.Total(); got != (Counters{Allowed: 2, Denied: 1, Degraded: 1}) {
		t.Fatalf("unexpected total: %+v", got)
	}
	if got := s.ByTier()[domain.TierVIP]; got != (Counters{Allowed: 1, Denied: 1}) {
		t.Fatalf("unexpected vip counters: %+v", got)
	}
	if got := s.ByRoute()["GET /tools"]; got.Allowed != 1 || got.Denied != 1 {
		t.Fatalf("unexpected route counters: %+v", got)
	}
	if got := s.ByKey()["basic-1"]; got.Degraded != 1 {
		t.Fatalf("unexpected key counters: %+v", got)
	}
}

func TestRedisStatsStore_Record(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	s := NewRedisStatsStore(rdb, WithStatsPrefix("gw:stats:"), WithStatsTrackKeys(true))
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	err := s.Record(context.Background(), domain.StatsEvent{
		Key: "pro-1", Tier: domain.TierPro, Allowed: false, Method: "GET", Path: "/tools", At: at,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = s.Record(context.Background(), domain.StatsEvent{Key: "pro-1", Tier: domain.TierPro, Allowed: true, Degraded: true, At: at})

	checks := []struct{ key, field, want string }{
		{"gw:stats:total", "denied", "1"},
		{"gw:stats:total", "allowed", "1"},
		{"gw:stats:total", "degraded", "1"},
		{"gw:stats:tier", "pro:denied", "1"},
		{"gw:stats:minute:202601020304", "allowed", "1"},
		{"gw:stats:route", "GET /tools:denied", "1"},
		{"gw:stats:key:pro-1", "denied", "1"},
	}
	for _, c := range checks {
		if got := mr.HGet(c.key, c.field); got != c.want {
			t.Fatalf("HGET %s %s = %q, want %q", c.key, c.field, got, c.want)
		}
	}
	if ttl := mr.TTL("gw:stats:key:pro-1"); ttl != 24*time.Hour {
		t.Fatalf("expected per-key ttl 24h, got %s", ttl)
	}
}

func TestPrometheusStats_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusStats(reg)
	ctx := context.Background()

	_ = p.Record(ctx, domain.StatsEvent{Tier: domain.TierVIP, Allowed: true, Duration: time.Millisecond})
	_ = p.Record(ctx, domain.StatsEvent{Tier: domain.TierVIP, Allowed: false})
	_ = p.Record(ctx, domain.StatsEvent{Tier: domain.TierBasic, Allowed: true, Degraded: true})

	if got := testutil.ToFloat64(p.checks.WithLabelValues("vip", "allowed")); got != 1 {
		t.Fatalf("expected 1 vip allowed, got %v", got)
	}
	if got := testutil.ToFloat64(p.checks.WithLabelValues("vip", "rejected")); got != 1 {
		t.Fatalf("expected 1 vip rejected, got %v", got)
	}
	if got := testutil.ToFloat64(p.degraded.WithLabelValues("basic")); got != 1 {
		t.Fatalf("expected 1 degraded basic, got %v", got)
	}
	if n := testutil.CollectAndCount(p.duration); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
}

type failingStats struct{ calls int }

func (f *failingStats) Record(context.Context, domain.StatsEvent) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiStats_FansOutAndJoinsErrors(t *testing.T) {
	mem := NewMemoryStatsStore()
	bad := &failingStats{}
	s := MultiStats(bad, nil, mem)

	err := s.Record(context.Background(), domain.StatsEvent{Tier: domain.TierPro, Allowed: true})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if bad.calls != 1 || mem.Total().Allowed != 1 {
		t.Fatalf("expected every store to receive the event")
	}
}
