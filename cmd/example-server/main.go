package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
)

// Exemplo: API de agente falsa com o middleware embutido direto no webserver
// (sem proxy). Também serve de upstream local para o cmd/gateway.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := infra.NewMemoryBucketStore()
	store.StartJanitor(ctx)

	svc := application.NewService(store, application.DefaultTierResolver(), application.WithLogger(logger))

	r := chi.NewRouter()
	r.Get("/health", ratelimit.HealthHandler(ratelimit.HealthOptions{Store: store, RateEnabled: true}))
	r.Mount("/rate-limit", ratelimit.IntrospectionRouter(svc))
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50}))
		r.Use(ratelimit.Middleware(ratelimit.Options{Limiter: svc, Logger: logger}))
		r.Post("/agent/query", agentQuery)
		r.Get("/tools", listTools)
		r.Post("/rag/ingest", ragIngest)
	})

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func agentQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "query is required"})
		return
	}
	dec, _ := ratelimit.DecisionFromContext(r.Context())
	respond(w, http.StatusOK, map[string]any{
		"answer":    "echo: " + req.Query,
		"client_id": dec.ClientID,
		"tier":      dec.Tier,
	})
}

func listTools(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{"tools": []string{"search", "calculator", "summarize"}})
}

func ragIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Documents []string `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "invalid JSON body"})
		return
	}
	respond(w, http.StatusAccepted, map[string]int{"ingested": len(req.Documents)})
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
