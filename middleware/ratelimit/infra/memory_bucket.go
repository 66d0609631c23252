package infra

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ratelimit-gateway/middleware/ratelimit/domain"
)

// MemoryBucketStore é um BucketStore em memória protegido por mutex,
// com expiração por chave e limpeza periódica.
//
// Serve para deploys de instância única e testes. Com várias instâncias o
// estado NÃO é compartilhado; use RedisBucketStore.
type MemoryBucketStore struct {
	mu           sync.Mutex
	entries      map[string]*bucketEntry
	clock        func() time.Time
	cleanupEvery time.Duration

	unavailable atomic.Bool
}

type bucketEntry struct {
	state     domain.BucketState
	expiresAt time.Time
}

type MemoryBucketOption func(*MemoryBucketStore)

func WithCleanupEvery(d time.Duration) MemoryBucketOption {
	return func(s *MemoryBucketStore) { s.cleanupEvery = d }
}

// WithMemoryClock troca o relógio usado para expiração (testes).
func WithMemoryClock(now func() time.Time) MemoryBucketOption {
	return func(s *MemoryBucketStore) { s.clock = now }
}

func NewMemoryBucketStore(opts ...MemoryBucketOption) *MemoryBucketStore {
	s := &MemoryBucketStore{
		entries:      make(map[string]*bucketEntry),
		clock:        time.Now,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUnavailable simula queda do store (todas as operações falham).
func (s *MemoryBucketStore) SetUnavailable(v bool) { s.unavailable.Store(v) }

// AtomicAdmit implementa domain.BucketStore.
func (s *MemoryBucketStore) AtomicAdmit(ctx context.Context, key string, capacity, leakRate, now float64, ttl time.Duration) (domain.AdmitResult, error) {
	if err := s.check(ctx); err != nil {
		return domain.AdmitResult{}, err
	}

	wall := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, found := s.lookupLocked(key, wall)
	next, res := domain.Admit(prev, found, capacity, leakRate, now)
	if res.Admitted {
		s.entries[key] = &bucketEntry{state: next, expiresAt: wall.Add(ttl)}
	}
	return res, nil
}

// Read implementa domain.BucketStore.
func (s *MemoryBucketStore) Read(ctx context.Context, key string) (domain.BucketState, bool, error) {
	if err := s.check(ctx); err != nil {
		return domain.BucketState{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.lookupLocked(key, s.clock())
	return st, ok, nil
}

// Ping falha quando o store está marcado como indisponível.
func (s *MemoryBucketStore) Ping(ctx context.Context) error {
	return s.check(ctx)
}

// Len retorna quantos baldes estão em memória (inclusive expirados ainda não limpos).
func (s *MemoryBucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryBucketStore) check(ctx context.Context) error {
	if s.unavailable.Load() {
		return fmt.Errorf("%w: memory store marked unavailable", domain.ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *MemoryBucketStore) lookupLocked(key string, wall time.Time) (domain.BucketState, bool) {
	ent, ok := s.entries[key]
	if !ok {
		return domain.BucketState{}, false
	}
	if !wall.Before(ent.expiresAt) {
		delete(s.entries, key)
		return domain.BucketState{}, false
	}
	return ent.state, true
}

// Cleanup remove baldes expirados.
func (s *MemoryBucketStore) Cleanup() {
	wall := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if !wall.Before(ent.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor inicia uma goroutine que limpa baldes expirados periodicamente.
// Pare cancelando o contexto.
func (s *MemoryBucketStore) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context no janitor.
type DoneContext interface {
	Done() <-chan struct{}
}
