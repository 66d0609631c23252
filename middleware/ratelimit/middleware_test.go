package ratelimit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"
)

var testNow = time.Unix(1_700_000_000, 0)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLimiter(store domain.BucketStore, opts ...application.ServiceOption) *application.Service {
	base := []application.ServiceOption{
		application.WithClock(func() time.Time { return testNow }),
		application.WithLogger(quietLogger()),
	}
	return application.NewService(store, application.DefaultTierResolver(), append(base, opts...)...)
}

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func doRequest(h http.Handler, clientID string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "http://example/agent/query", nil)
	if clientID != "" {
		r.Header.Set(DefaultKeyHeader, clientID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMiddleware_AllowsThenRejectsSameClient(t *testing.T) {
	calls := 0
	h := Middleware(Options{
		Limiter: newTestLimiter(infra.NewMemoryBucketStore()),
		Logger:  quietLogger(),
	})(okHandler(&calls))

	for i := 1; i <= 10; i++ {
		w := doRequest(h, "basic-1")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Fatalf("expected X-RateLimit-Limit=10, got %q", got)
		}
		if got, want := w.Header().Get("X-RateLimit-Remaining"), formatInt(10-i); got != want {
			t.Fatalf("request %d: expected remaining %s, got %q", i, want, got)
		}
	}

	w := doRequest(h, "basic-1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "6" {
		t.Fatalf("expected Retry-After=6, got %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected JSON body, got %q", got)
	}

	var body rateLimitedBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate_limited" || body.ClientID != "basic-1" || body.Tier != domain.TierBasic ||
		body.LimitRPM != 10 || body.RetryAfter != 6 || body.Message == "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	if calls != 10 {
		t.Fatalf("expected next handler to be called 10 times, got %d", calls)
	}
}

func TestMiddleware_ClientsHaveIndependentBuckets(t *testing.T) {
	calls := 0
	h := Middleware(Options{
		Limiter: newTestLimiter(infra.NewMemoryBucketStore()),
		Logger:  quietLogger(),
	})(okHandler(&calls))

	for i := 0; i < 10; i++ {
		_ = doRequest(h, "basic-a")
	}
	if w := doRequest(h, "basic-a"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected basic-a to be limited, got %d", w.Code)
	}
	if w := doRequest(h, "basic-b"); w.Code != http.StatusOK {
		t.Fatalf("expected basic-b to pass, got %d", w.Code)
	}
}

func TestMiddleware_MissingClientID(t *testing.T) {
	calls := 0
	h := Middleware(Options{
		Limiter: newTestLimiter(infra.NewMemoryBucketStore()),
		Logger:  quietLogger(),
	})(okHandler(&calls))

	w := doRequest(h, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "missing_client_id" || body.Message != "X-Client-ID header is required" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if calls != 0 {
		t.Fatalf("next handler must not be called")
	}
}

type countingChecker struct{ calls int }

func (c *countingChecker) Check(_ context.Context, id domain.ClientID) (domain.Decision, error) {
	c.calls++
	return domain.Decision{Allowed: true, ClientID: id}, nil
}

func TestMiddleware_EmptyClientIDSkipsLimiter(t *testing.T) {
	checker := &countingChecker{}
	calls := 0
	h := Middleware(Options{Limiter: checker, Logger: quietLogger()})(okHandler(&calls))

	if w := doRequest(h, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if checker.calls != 0 || calls != 0 {
		t.Fatalf("limiter and next must not run, checker=%d next=%d", checker.calls, calls)
	}
}

func TestMiddleware_CustomKeyHeader(t *testing.T) {
	calls := 0
	h := Middleware(Options{
		Limiter:   newTestLimiter(infra.NewMemoryBucketStore()),
		KeyHeader: "X-Api-Key",
		Logger:    quietLogger(),
	})(okHandler(&calls))

	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.Header.Set("X-Api-Key", "vip-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "300" {
		t.Fatalf("expected vip limit, got %q", got)
	}

	// o header padrão é ignorado quando outro foi configurado
	if w := doRequest(h, "vip-1"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without X-Api-Key, got %d", w.Code)
	}
}

func TestMiddleware_ResetHeaderAndContextDecision(t *testing.T) {
	var got domain.Decision
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec, ok := DecisionFromContext(r.Context())
		if !ok {
			t.Errorf("expected decision in request context")
		}
		got = dec
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(Options{
		Limiter: newTestLimiter(infra.NewMemoryBucketStore()),
		Logger:  quietLogger(),
	})(next)

	w := doRequest(h, "vip-42")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	// 1 token a 5/s esvazia em 0.2s
	if reset := w.Header().Get("X-RateLimit-Reset"); reset != "1700000000" {
		t.Fatalf("expected reset 1700000000, got %q", reset)
	}
	if got.ClientID != "vip-42" || got.Remaining != 299 || !got.Allowed {
		t.Fatalf("unexpected decision in context: %+v", got)
	}
}

func TestMiddleware_FailOpenMarksDegraded(t *testing.T) {
	store := infra.NewMemoryBucketStore()
	store.SetUnavailable(true)

	calls := 0
	h := Middleware(Options{
		Limiter: newTestLimiter(store),
		Logger:  quietLogger(),
	})(okHandler(&calls))

	for i := 0; i < 20; i++ {
		w := doRequest(h, "basic-1")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 in fail-open, got %d", w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Degraded"); got != "true" {
			t.Fatalf("expected X-RateLimit-Degraded=true, got %q", got)
		}
	}
	if calls != 20 {
		t.Fatalf("expected all requests to pass, got %d", calls)
	}
}

func TestMiddleware_FailClosedAnswers503(t *testing.T) {
	store := infra.NewMemoryBucketStore()
	store.SetUnavailable(true)

	calls := 0
	h := Middleware(Options{
		Limiter: newTestLimiter(store, application.WithFailOpen(false)),
		Logger:  quietLogger(),
	})(okHandler(&calls))

	w := doRequest(h, "pro-1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate_limiter_unavailable" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if calls != 0 {
		t.Fatalf("next handler must not be called")
	}
}

func TestMiddleware_RecordsStats(t *testing.T) {
	stats := infra.NewMemoryStatsStore()
	calls := 0
	h := Middleware(Options{
		Limiter: newTestLimiter(infra.NewMemoryBucketStore()),
		Stats:   stats,
		Logger:  quietLogger(),
	})(okHandler(&calls))

	for i := 0; i < 12; i++ {
		_ = doRequest(h, "basic-9")
	}
	_ = doRequest(h, "")

	total := stats.Total()
	if total.Allowed != 10 || total.Denied != 2 {
		t.Fatalf("expected 10 allowed / 2 denied, got %+v", total)
	}
	if got := stats.ByTier()[domain.TierBasic]; got.Allowed != 10 {
		t.Fatalf("expected per-tier counters, got %+v", got)
	}
}

func TestDefaultKeyFunc(t *testing.T) {
	cases := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{name: "trims", header: "X-Client", value: " client-123 ", want: "client-123"},
		{name: "default header", header: "", value: "pro-7", want: "pro-7"},
		{name: "absent", header: "X-Client", value: "", want: ""},
	}
	for _, tc := range cases {
		fn := DefaultKeyFunc(tc.header)
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		if tc.value != "" {
			h := tc.header
			if h == "" {
				h = DefaultKeyHeader
			}
			r.Header.Set(h, tc.value)
		}
		if got := fn(r); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
