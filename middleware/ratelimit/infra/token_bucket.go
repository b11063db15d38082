package infra

import (
	"context"
	"math"
	"sync"
	"time"

	"transfer-saga/middleware/ratelimit/domain"

	"golang.org/x/time/rate"
)

// TokenBucket é o limiter alternativo (ratelimit.algorithm=token-bucket):
// um rate.Limiter por chave, em memória, com limpeza periódica de chaves inativas.
type TokenBucket struct {
	mu           sync.Mutex
	entries      map[domain.Key]*bucketEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type TokenBucketOption func(*TokenBucket)

func WithIdleTTL(d time.Duration) TokenBucketOption {
	return func(b *TokenBucket) { b.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) TokenBucketOption {
	return func(b *TokenBucket) { b.cleanupEvery = d }
}

func WithBucketClock(now func() time.Time) TokenBucketOption {
	return func(b *TokenBucket) { b.now = now }
}

func NewTokenBucket(rps float64, burst int, opts ...TokenBucketOption) *TokenBucket {
	b := &TokenBucket{
		entries:      make(map[domain.Key]*bucketEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *TokenBucket) limiter(key domain.Key, now time.Time) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ent, ok := b.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(b.rps, b.burst)
	b.entries[key] = &bucketEntry{lim: lim, lastSeen: now}
	return lim
}

// Allow implementa domain.Limiter. Nunca falha.
func (b *TokenBucket) Allow(_ context.Context, key domain.Key) (domain.Decision, error) {
	now := b.now()
	lim := b.limiter(key, now)

	if lim.AllowN(now, 1) {
		return domain.Decision{
			Allowed:   true,
			Limit:     b.burst,
			Remaining: int(math.Max(0, math.Floor(lim.TokensAt(now)))),
		}, nil
	}

	// tempo até juntar o próximo token
	var retry time.Duration
	if b.rps > 0 {
		missing := 1 - lim.TokensAt(now)
		retry = time.Duration(math.Ceil(missing / float64(b.rps) * float64(time.Second)))
	}
	return domain.Decision{Allowed: false, Limit: b.burst, RetryAfter: retry}, nil
}

func (b *TokenBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *TokenBucket) Cleanup() {
	cutoff := b.now().Add(-b.idleTTL)

	b.mu.Lock()
	defer b.mu.Unlock()

	for k, ent := range b.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(b.entries, k)
		}
	}
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (b *TokenBucket) StartJanitor(ctx context.Context) {
	startJanitor(ctx, b.cleanupEvery, b.Cleanup)
}

func startJanitor(ctx context.Context, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
}
