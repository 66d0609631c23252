package application

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"golang.org/x/time/rate"
)

const (
	DefaultBucketTTL    = 2 * time.Minute
	DefaultKeyPrefix    = "rl:"
	DefaultStoreTimeout = 2 * time.Second
)

// Service concentra a regra de aplicação do rate limit por tier.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// Não guarda estado mutável por cliente: o BucketStore é a única fonte de
// verdade, então várias instâncias do gateway compartilham o mesmo limite.
type Service struct {
	store        domain.BucketStore
	tiers        TierResolver
	failOpen     bool
	ttl          time.Duration
	keyPrefix    string
	storeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	// degradedLog evita um log por requisição enquanto o store estiver fora.
	degradedLog *rate.Sometimes
}

type ServiceOption func(*Service)

// WithFailOpen define a política quando o store cai.
// true (padrão): libera tudo em modo degradado. false: rejeita tudo.
func WithFailOpen(failOpen bool) ServiceOption {
	return func(s *Service) { s.failOpen = failOpen }
}

func WithBucketTTL(d time.Duration) ServiceOption {
	return func(s *Service) { s.ttl = d }
}

func WithKeyPrefix(prefix string) ServiceOption {
	return func(s *Service) { s.keyPrefix = prefix }
}

// WithStoreTimeout limita cada ida ao store. <= 0 desliga o limite (fica só o
// timeout do próprio cliente do store).
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.storeTimeout = d }
}

// WithClock troca o relógio (testes com tempo simulado).
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithDegradedLogInterval controla de quanto em quanto tempo o aviso de modo
// degradado é repetido.
func WithDegradedLogInterval(d time.Duration) ServiceOption {
	return func(s *Service) { s.degradedLog = &rate.Sometimes{First: 1, Interval: d} }
}

func NewService(store domain.BucketStore, tiers TierResolver, opts ...ServiceOption) *Service {
	s := &Service{
		store:        store,
		tiers:        tiers,
		failOpen:     true,
		ttl:          DefaultBucketTTL,
		keyPrefix:    DefaultKeyPrefix,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
		degradedLog:  &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "ratelimit")
	return s
}

// Tiers expõe o resolver (para o endpoint de configuração).
func (s *Service) Tiers() TierResolver { return s.tiers }

// FailOpen informa a política configurada.
func (s *Service) FailOpen() bool { return s.failOpen }

// Key é a chave do balde de um cliente no store.
func (s *Service) Key(id domain.ClientID) string {
	return s.keyPrefix + string(id)
}

// Check decide se a requisição do cliente pode seguir.
//
// Só retorna erro para identificador vazio (ErrMissingClientID). Falhas do
// store viram uma decisão degradada, conforme a política fail-open.
func (s *Service) Check(ctx context.Context, id domain.ClientID) (domain.Decision, error) {
	if strings.TrimSpace(string(id)) == "" {
		return domain.Decision{}, domain.ErrMissingClientID
	}

	tier, limit := s.tiers.Resolve(id)
	bucket := NewLeakyBucket(limit)
	now := unixSeconds(s.now())

	dec := domain.Decision{ClientID: id, Tier: tier, LimitRPM: limit}
	if s.store == nil {
		return s.degrade(dec, bucket, now, errors.New("no bucket store configured")), nil
	}

	storeCtx, cancel := s.withStoreTimeout(ctx)
	defer cancel()

	res, err := s.store.AtomicAdmit(storeCtx, s.Key(id), bucket.Capacity, bucket.LeakRate(), now, s.ttl)
	if err != nil {
		return s.degrade(dec, bucket, now, err), nil
	}

	dec.Allowed = res.Admitted
	dec.TokensAfter = res.TokensAfter
	dec.Remaining = bucket.Remaining(res.TokensAfter)
	dec.ResetTimestamp = bucket.ResetTimestamp(now, res.TokensAfter)
	dec.RetryAfter = bucket.RetryAfter(res.Admitted)
	return dec, nil
}

func (s *Service) degrade(dec domain.Decision, bucket LeakyBucket, now float64, cause error) domain.Decision {
	dec.Degraded = true
	dec.DegradedReason = cause.Error()
	dec.Allowed = s.failOpen
	dec.ResetTimestamp = int64(now)
	if s.failOpen {
		dec.Remaining = dec.LimitRPM
	} else {
		dec.RetryAfter = bucket.RetryAfter(false)
	}

	s.degradedLog.Do(func() {
		s.logger.Warn("bucket store unavailable, rate limiting degraded",
			"client_id", dec.ClientID,
			"fail_open", s.failOpen,
			"error", cause,
		)
	})
	return dec
}

// Stats lê o estado atual do balde sem alterar nada e sem influenciar admissão.
func (s *Service) Stats(ctx context.Context, id domain.ClientID) (domain.BucketSnapshot, error) {
	if strings.TrimSpace(string(id)) == "" {
		return domain.BucketSnapshot{}, domain.ErrMissingClientID
	}

	tier, limit := s.tiers.Resolve(id)
	snap := domain.BucketSnapshot{ClientID: id, Tier: tier, LimitRPM: limit}
	if s.store == nil {
		return snap, domain.ErrStoreUnavailable
	}

	storeCtx, cancel := s.withStoreTimeout(ctx)
	defer cancel()

	state, found, err := s.store.Read(storeCtx, s.Key(id))
	if err != nil {
		return snap, err
	}
	if !found {
		return snap, nil
	}

	snap.Found = true
	snap.Tokens = state.Tokens
	snap.LastTimestamp = state.LastTimestamp
	snap.EstimatedTokens = domain.Leaked(state, NewLeakyBucket(limit).LeakRate(), unixSeconds(s.now()))
	return snap, nil
}

func (s *Service) withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
