package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// admitScript executa domain.Admit dentro do Redis, de forma atômica por chave.
//
// KEYS[1] = chave do balde
// ARGV    = capacity, leak_rate, now, ttl (segundos)
//
// Retorna {admitted(0|1), tokens, capacity}. Os números voltam como string:
// o Redis trunca números Lua para inteiro na resposta. Estado e resposta são
// formatados com %.17g; cjson.encode e tostring usam %.14g, o que arredonda um
// timestamp Unix para 4 casas e atrasa o início do vazamento.
const admitScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local leak_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = ARGV[4]

local tokens = 0
local last_ts = now

local raw = redis.call('GET', key)
if raw then
  local state = cjson.decode(raw)
  tokens = tonumber(state.tokens) or 0
  last_ts = tonumber(state.last_timestamp) or now
end

local elapsed = math.max(0, now - last_ts)
tokens = math.max(0, tokens - leak_rate * elapsed)

local candidate = tokens + 1
if candidate > capacity + 1e-9 * math.max(1, capacity) then
  return {0, string.format('%.17g', tokens), string.format('%.17g', capacity)}
end

candidate = math.min(candidate, capacity)
local state = string.format('{"tokens":%.17g,"last_timestamp":%.17g}', candidate, math.max(now, last_ts))
redis.call('SETEX', key, ttl, state)
return {1, string.format('%.17g', candidate), string.format('%.17g', capacity)}
`

// RedisBucketStore é o BucketStore compartilhado entre instâncias, baseado em
// um script Lua registrado com SCRIPT LOAD e executado via EVALSHA.
//
// Se o Redis responder NOSCRIPT (cache de scripts limpo, failover, restart),
// o script é registrado de novo e a chamada é repetida uma única vez.
type RedisBucketStore struct {
	rdb    redis.UniversalClient
	logger *slog.Logger

	mu      sync.RWMutex
	sha     string
	reloads int
}

type RedisBucketOption func(*RedisBucketStore)

func WithRedisBucketLogger(l *slog.Logger) RedisBucketOption {
	return func(s *RedisBucketStore) { s.logger = l }
}

func NewRedisBucketStore(rdb redis.UniversalClient, opts ...RedisBucketOption) *RedisBucketStore {
	s := &RedisBucketStore{rdb: rdb}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "redis_bucket_store")
	return s
}

// LoadScript registra o script no Redis. Chamado no boot; se falhar, o
// registro é tentado de novo na primeira admissão.
func (s *RedisBucketStore) LoadScript(ctx context.Context) error {
	_, err := s.load(ctx)
	return err
}

// AtomicAdmit implementa domain.BucketStore.
func (s *RedisBucketStore) AtomicAdmit(ctx context.Context, key string, capacity, leakRate, now float64, ttl time.Duration) (domain.AdmitResult, error) {
	sha, err := s.scriptSHA(ctx)
	if err != nil {
		return domain.AdmitResult{}, unavailable(err)
	}

	args := []any{
		formatFloat(capacity),
		formatFloat(leakRate),
		formatFloat(now),
		ttlSeconds(ttl),
	}

	raw, err := s.rdb.EvalSha(ctx, sha, []string{key}, args...).Result()
	if isNoScript(err) {
		if sha, err = s.reload(ctx, key); err != nil {
			return domain.AdmitResult{}, unavailable(err)
		}
		raw, err = s.rdb.EvalSha(ctx, sha, []string{key}, args...).Result()
		if isNoScript(err) {
			return domain.AdmitResult{}, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, domain.ErrScriptNotLoaded)
		}
	}
	if err != nil {
		return domain.AdmitResult{}, unavailable(err)
	}

	res, err := parseAdmitReply(raw)
	if err != nil {
		return domain.AdmitResult{}, unavailable(err)
	}
	return res, nil
}

// Read implementa domain.BucketStore com um GET simples (não atômico).
func (s *RedisBucketStore) Read(ctx context.Context, key string) (domain.BucketState, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BucketState{}, false, nil
	}
	if err != nil {
		return domain.BucketState{}, false, unavailable(err)
	}

	var st domain.BucketState
	if err := json.Unmarshal(raw, &st); err != nil {
		return domain.BucketState{}, false, fmt.Errorf("decode bucket state %q: %w", key, err)
	}
	return st, true, nil
}

// Ping verifica se o Redis responde (usado pelo /health).
func (s *RedisBucketStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *RedisBucketStore) scriptSHA(ctx context.Context) (string, error) {
	s.mu.RLock()
	sha := s.sha
	s.mu.RUnlock()
	if sha != "" {
		return sha, nil
	}
	return s.load(ctx)
}

func (s *RedisBucketStore) load(ctx context.Context) (string, error) {
	sha, err := s.rdb.ScriptLoad(ctx, admitScript).Result()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sha = sha
	s.mu.Unlock()
	return sha, nil
}

func (s *RedisBucketStore) reload(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	s.reloads++
	reloads := s.reloads
	s.mu.Unlock()

	s.logger.Info("admit script not loaded, registering again", "key", key, "reloads", reloads)
	return s.load(ctx)
}

func isNoScript(err error) bool {
	return err != nil && redis.HasErrorPrefix(err, "NOSCRIPT")
}

func unavailable(err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

func parseAdmitReply(raw any) (domain.AdmitResult, error) {
	vals, ok := raw.([]any)
	if !ok || len(vals) != 3 {
		return domain.AdmitResult{}, fmt.Errorf("unexpected admit reply %v", raw)
	}

	flag, ok := vals[0].(int64)
	if !ok {
		return domain.AdmitResult{}, fmt.Errorf("unexpected admit flag %v", vals[0])
	}
	tokens, err := replyFloat(vals[1])
	if err != nil {
		return domain.AdmitResult{}, err
	}
	capacity, err := replyFloat(vals[2])
	if err != nil {
		return domain.AdmitResult{}, err
	}
	return domain.AdmitResult{Admitted: flag == 1, TokensAfter: tokens, Capacity: capacity}, nil
}

func replyFloat(v any) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("unexpected numeric reply %v (%T)", v, v)
	}
}

func ttlSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// sem notação científica: o Lua faz tonumber() do argumento
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
