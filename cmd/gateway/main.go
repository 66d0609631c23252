package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ratelimit-gateway/middleware/ratelimit"
	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/domain"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// .env.local tem precedência; variáveis já exportadas nunca são sobrescritas
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", f, err)
		}
	}

	cfg, err := readConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.logFormat, cfg.logLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}

	tiers, err := buildTierResolver(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error", "path", r.URL.Path, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	var (
		store  domain.BucketStore
		pinger ratelimit.Pinger
		rdb    redis.UniversalClient
	)
	switch cfg.storeBackend {
	case "memory":
		mem := infra.NewMemoryBucketStore()
		mem.StartJanitor(ctx)
		store, pinger = mem, mem
	default:
		rdb, err = newRedisClient(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()

		rs := infra.NewRedisBucketStore(rdb, infra.WithRedisBucketLogger(logger))
		loadCtx, loadCancel := context.WithTimeout(ctx, cfg.storeTimeout)
		if err := rs.LoadScript(loadCtx); err != nil {
			// sobe mesmo assim: o script é registrado na primeira admissão
			logger.Warn("redis not reachable at boot, starting degraded", "addr", cfg.redisAddr, "error", err)
		}
		loadCancel()
		store, pinger = rs, rs
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stats := []domain.StatsStore{infra.NewPrometheusStats(reg)}
	var memStats *infra.MemoryStatsStore
	switch {
	case !cfg.rateStatsEnabled:
	case cfg.rateStatsBackend == "memory":
		memStats = infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.rateStatsTrackKeys))
		stats = append(stats, memStats)
	default:
		statsRDB := rdb
		if statsRDB == nil || cfg.rateStatsRedisAddr != "" {
			statsRDB = redis.NewClient(&redis.Options{
				Addr:     cfg.rateStatsRedisAddr,
				Password: cfg.rateStatsRedisPassword,
				DB:       cfg.rateStatsRedisDB,
			})
			defer func() { _ = statsRDB.Close() }()
		}
		stats = append(stats, infra.NewRedisStatsStore(
			statsRDB,
			infra.WithStatsPrefix(cfg.rateStatsPrefix),
			infra.WithStatsTTL(cfg.rateStatsTTL),
			infra.WithStatsBucket(cfg.rateStatsBucket),
			infra.WithStatsTrackKeys(cfg.rateStatsTrackKeys),
		))
	}

	svc := application.NewService(store, tiers,
		application.WithFailOpen(cfg.failOpen),
		application.WithBucketTTL(cfg.bucketTTL),
		application.WithKeyPrefix(cfg.bucketKeyPrefix),
		application.WithStoreTimeout(cfg.storeTimeout),
		application.WithLogger(logger),
	)

	var pool domain.SlotPool
	if cfg.concurrencyMax > 0 {
		pool = infra.NewChanPool(cfg.concurrencyMax)
	}

	r := chi.NewRouter()
	r.Get("/", serviceInfo(cfg, target))
	r.Get("/health", ratelimit.HealthHandler(ratelimit.HealthOptions{
		Store:       pinger,
		RateEnabled: cfg.rateEnabled,
		Pool:        pool,
		Timeout:     cfg.storeTimeout,
	}))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	introspection := ratelimit.IntrospectionRouter(svc)
	if memStats != nil {
		introspection.Get("/summary", ratelimit.SummaryHandler(memStats))
	}
	r.Mount("/rate-limit", introspection)

	r.Group(func(r chi.Router) {
		if pool != nil {
			r.Use(ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{
				Pool:           pool,
				RejectStatus:   http.StatusServiceUnavailable,
				AcquireTimeout: cfg.concurrencyTimeout,
			}))
		}
		if cfg.rateEnabled {
			r.Use(ratelimit.Middleware(ratelimit.Options{
				Limiter:   svc,
				Stats:     infra.MultiStats(stats...),
				KeyHeader: cfg.rateKeyHeader,
				Logger:    logger,
			}))
		}
		r.Handle("/*", proxy)
	})

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	tierCfg := tiers.Config()
	logger.Info("gateway listening", "addr", cfg.listenAddr, "upstream", target.String())
	logger.Info("rate limit",
		"enabled", cfg.rateEnabled,
		"store", cfg.storeBackend,
		"fail_open", cfg.failOpen,
		"key_header", cfg.rateKeyHeader,
		"default_tier", tierCfg.Default,
		"tiers", len(tierCfg.Tiers),
	)
	logger.Info("rate stats", "enabled", cfg.rateStatsEnabled, "backend", cfg.rateStatsBackend, "bucket", cfg.rateStatsBucket, "ttl", cfg.rateStatsTTL, "track_keys", cfg.rateStatsTrackKeys)
	logger.Info("concurrency", "max", cfg.concurrencyMax, "acquire_timeout", cfg.concurrencyTimeout)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func buildTierResolver(cfg config) (application.TierResolver, error) {
	tierCfg := domain.DefaultTierConfig()
	if cfg.tierConfigFile != "" {
		fromFile, err := infra.LoadTierFile(cfg.tierConfigFile)
		if err != nil {
			return application.TierResolver{}, err
		}
		tierCfg = fromFile
	}
	for tier, rpm := range cfg.tierRPM {
		tierCfg = tierCfg.WithLimit(tier, rpm)
	}
	if cfg.defaultTier != "" {
		tierCfg.Default = domain.Tier(cfg.defaultTier)
	}
	return application.NewTierResolver(tierCfg)
}

func newRedisClient(cfg config) (redis.UniversalClient, error) {
	opts := &redis.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	}
	if cfg.redisURL != "" {
		parsed, err := redis.ParseURL(cfg.redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		opts = parsed
	}
	// timeouts curtos: com o Redis fora, a requisição cai no modo degradado rápido
	opts.DialTimeout = cfg.storeTimeout
	opts.ReadTimeout = cfg.storeTimeout
	opts.WriteTimeout = cfg.storeTimeout
	return redis.NewClient(opts), nil
}

func serviceInfo(cfg config, target *url.URL) http.HandlerFunc {
	info := map[string]any{
		"service":       "ratelimit-gateway",
		"upstream":      target.String(),
		"rate_limiting": cfg.rateEnabled,
		"store":         cfg.storeBackend,
		"endpoints":     []string{"/health", "/metrics", "/rate-limit/config", "/rate-limit/stats/{client_id}"},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	}
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

type config struct {
	listenAddr      string
	upstreamURL     string
	rateEnabled     bool
	rateKeyHeader   string
	failOpen        bool
	storeBackend    string
	redisAddr       string
	redisURL        string
	redisPassword   string
	redisDB         int
	storeTimeout    time.Duration
	bucketTTL       time.Duration
	bucketKeyPrefix string

	tierRPM        map[domain.Tier]int
	defaultTier    string
	tierConfigFile string

	concurrencyMax     int
	concurrencyTimeout time.Duration

	rateStatsEnabled       bool
	rateStatsBackend       string
	rateStatsRedisAddr     string
	rateStatsRedisPassword string
	rateStatsRedisDB       int
	rateStatsPrefix        string
	rateStatsTTL           time.Duration
	rateStatsBucket        string
	rateStatsTrackKeys     bool

	logLevel  string
	logFormat string
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = stringsRequired("UPSTREAM_URL")
	cfg.rateEnabled = getenvBoolDefault("RATE_ENABLED", true)
	cfg.rateKeyHeader = getenvDefault("RATE_KEY_HEADER", ratelimit.DefaultKeyHeader)
	cfg.failOpen = getenvBoolDefault("FAIL_OPEN", true)
	cfg.storeBackend = strings.ToLower(getenvDefault("STORE_BACKEND", "redis"))
	cfg.redisAddr = getenvDefault("REDIS_ADDR", "localhost:6379")
	cfg.redisURL = os.Getenv("REDIS_URL")
	cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.redisDB = getenvIntDefault("REDIS_DB", 0)
	cfg.storeTimeout = getenvDurationDefault("STORE_TIMEOUT", application.DefaultStoreTimeout)
	cfg.bucketTTL = getenvDurationDefault("BUCKET_TTL", application.DefaultBucketTTL)
	cfg.bucketKeyPrefix = getenvDefault("BUCKET_KEY_PREFIX", application.DefaultKeyPrefix)

	cfg.tierRPM = make(map[domain.Tier]int)
	for env, tier := range map[string]domain.Tier{
		"BASIC_RPM": domain.TierBasic,
		"PRO_RPM":   domain.TierPro,
		"VIP_RPM":   domain.TierVIP,
	} {
		if rpm, ok := getenvInt(env); ok {
			if rpm < 0 {
				return config{}, fmt.Errorf("%s must be >= 0", env)
			}
			cfg.tierRPM[tier] = rpm
		}
	}
	cfg.defaultTier = os.Getenv("DEFAULT_TIER")
	cfg.tierConfigFile = os.Getenv("TIER_CONFIG_FILE")

	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	cfg.rateStatsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	cfg.rateStatsBackend = strings.ToLower(getenvDefault("RATE_STATS_BACKEND", "redis"))
	cfg.rateStatsRedisAddr = getenvDefault("RATE_STATS_REDIS_ADDR", "")
	cfg.rateStatsRedisPassword = os.Getenv("RATE_STATS_REDIS_PASSWORD")
	cfg.rateStatsRedisDB = getenvIntDefault("RATE_STATS_REDIS_DB", 0)
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "ratelimit:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsBucket = getenvDefault("RATE_STATS_BUCKET", "minute")
	cfg.rateStatsTrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", false)

	cfg.logLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.logFormat = getenvDefault("LOG_FORMAT", "json")

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.storeBackend != "redis" && cfg.storeBackend != "memory" {
		return config{}, fmt.Errorf("STORE_BACKEND must be redis or memory, got %q", cfg.storeBackend)
	}
	if cfg.rateStatsBackend != "redis" && cfg.rateStatsBackend != "memory" {
		return config{}, fmt.Errorf("RATE_STATS_BACKEND must be redis or memory, got %q", cfg.rateStatsBackend)
	}
	// stats no Redis reaproveitam o cliente do store quando não há endereço próprio
	if cfg.rateStatsEnabled && cfg.rateStatsBackend == "redis" && cfg.storeBackend == "memory" && strings.TrimSpace(cfg.rateStatsRedisAddr) == "" {
		return config{}, errors.New("RATE_STATS_REDIS_ADDR is required when RATE_STATS_BACKEND=redis and STORE_BACKEND=memory")
	}
	if cfg.storeTimeout <= 0 {
		return config{}, errors.New("STORE_TIMEOUT must be > 0")
	}
	if cfg.bucketTTL < time.Second {
		return config{}, errors.New("BUCKET_TTL must be >= 1s")
	}
	if cfg.concurrencyMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX must be >= 0")
	}
	return cfg, nil
}

func stringsRequired(k string) string { return os.Getenv(k) }

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvInt(k string) (int, bool) {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
