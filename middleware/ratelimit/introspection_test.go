package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
)

func newIntrospectionServer(svc Inspector) http.Handler {
	r := chi.NewRouter()
	r.Mount("/rate-limit", IntrospectionRouter(svc))
	return r
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example"+path, nil))
	return w
}

func TestIntrospection_Config(t *testing.T) {
	h := newIntrospectionServer(newTestLimiter(infra.NewMemoryBucketStore()))

	w := get(h, "/rate-limit/config")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var doc configDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if doc.Algorithm != "leaky_bucket" || doc.DefaultTier != domain.TierBasic || !doc.FailOpen {
		t.Fatalf("unexpected config document: %+v", doc)
	}
	if doc.Tiers[domain.TierBasic] != 10 || doc.Tiers[domain.TierPro] != 60 || doc.Tiers[domain.TierVIP] != 300 {
		t.Fatalf("unexpected tier table: %+v", doc.Tiers)
	}
	if doc.TierPatterns[domain.TierVIP] != "vip-*" {
		t.Fatalf("unexpected vip pattern: %q", doc.TierPatterns[domain.TierVIP])
	}
}

func TestIntrospection_StatsForUnseenClient(t *testing.T) {
	h := newIntrospectionServer(newTestLimiter(infra.NewMemoryBucketStore()))

	w := get(h, "/rate-limit/stats/pro-5")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var doc statsDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if doc.Found || doc.Tier != domain.TierPro || doc.LimitRPM != 60 || doc.Message != "no recent activity" {
		t.Fatalf("unexpected stats document: %+v", doc)
	}
}

func TestIntrospection_StatsAfterTraffic(t *testing.T) {
	svc := newTestLimiter(infra.NewMemoryBucketStore())
	for i := 0; i < 3; i++ {
		if _, err := svc.Check(context.Background(), "vip-9"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	w := get(newIntrospectionServer(svc), "/rate-limit/stats/vip-9")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var doc statsDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !doc.Found || doc.Tokens != 3 || doc.Message != "" {
		t.Fatalf("unexpected stats document: %+v", doc)
	}

	// leitura não consome capacidade
	dec, _ := svc.Check(context.Background(), "vip-9")
	if dec.TokensAfter != 4 {
		t.Fatalf("stats must not touch the bucket, tokens=%v", dec.TokensAfter)
	}
}

func TestIntrospection_StatsStoreDown(t *testing.T) {
	store := infra.NewMemoryBucketStore()
	store.SetUnavailable(true)

	w := get(newIntrospectionServer(newTestLimiter(store)), "/rate-limit/stats/basic-1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name         string
		opts         HealthOptions
		status       string
		store        string
		rateLimiting bool
	}{
		{name: "healthy", opts: HealthOptions{Store: stubPinger{}, RateEnabled: true}, status: "healthy", store: "ok", rateLimiting: true},
		{name: "store down", opts: HealthOptions{Store: stubPinger{err: errors.New("dial tcp")}, RateEnabled: true}, status: "degraded", store: "unreachable"},
		{name: "disabled", opts: HealthOptions{Store: stubPinger{}}, status: "healthy", store: "ok"},
		{name: "no store", opts: HealthOptions{RateEnabled: true}, status: "degraded", store: "none"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		HealthHandler(tc.opts)(w, httptest.NewRequest(http.MethodGet, "http://example/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", tc.name, w.Code)
		}
		var doc healthDocument
		if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
			t.Fatalf("%s: decode body: %v", tc.name, err)
		}
		if doc.Status != tc.status || doc.Store != tc.store || doc.RateLimiting != tc.rateLimiting {
			t.Fatalf("%s: unexpected health document: %+v", tc.name, doc)
		}
	}
}

func TestHealthHandler_ReportsInFlight(t *testing.T) {
	pool := infra.NewChanPool(4)
	release, ok := pool.Acquire(context.Background())
	if !ok {
		t.Fatalf("expected slot")
	}
	defer release()

	w := httptest.NewRecorder()
	HealthHandler(HealthOptions{Store: stubPinger{}, Pool: pool})(w, httptest.NewRequest(http.MethodGet, "http://example/health", nil))

	var doc healthDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if doc.InFlight != 1 {
		t.Fatalf("expected in_flight=1, got %d", doc.InFlight)
	}
}

func TestSummaryHandler(t *testing.T) {
	stats := infra.NewMemoryStatsStore()
	calls := 0
	h := Middleware(Options{
		Limiter: newTestLimiter(infra.NewMemoryBucketStore()),
		Stats:   stats,
		Logger:  quietLogger(),
	})(okHandler(&calls))
	for i := 0; i < 11; i++ {
		_ = doRequest(h, "basic-s")
	}

	w := httptest.NewRecorder()
	SummaryHandler(stats)(w, httptest.NewRequest(http.MethodGet, "http://example/rate-limit/summary", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var doc summaryDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if doc.Total.Allowed != 10 || doc.Total.Denied != 1 {
		t.Fatalf("unexpected totals: %+v", doc.Total)
	}
	if got := doc.ByRoute["GET /agent/query"]; got.Allowed != 10 {
		t.Fatalf("unexpected route counters: %+v", doc.ByRoute)
	}
	if len(doc.ByKey) != 0 {
		t.Fatalf("keys must not be tracked by default, got %v", doc.ByKey)
	}
}
