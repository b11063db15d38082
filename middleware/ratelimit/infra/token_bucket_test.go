package infra

import (
	"context"
	"testing"
	"time"

	"transfer-saga/middleware/ratelimit/domain"
)

func TestTokenBucket_LowBurstRejectsSecondImmediateAllow(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewTokenBucket(0.5, 1, WithBucketClock(func() time.Time { return now }))

	dec, _ := b.Allow(context.Background(), "k")
	if !dec.Allowed {
		t.Fatalf("expected first Allow to be true")
	}
	dec, _ = b.Allow(context.Background(), "k")
	if dec.Allowed {
		t.Fatalf("expected second immediate Allow to be false (burst=1)")
	}
	if dec.RetryAfter != 2*time.Second {
		t.Fatalf("expected RetryAfter=2s at 0.5 rps, got %s", dec.RetryAfter)
	}

	now = now.Add(2 * time.Second)
	if dec, _ = b.Allow(context.Background(), "k"); !dec.Allowed {
		t.Fatalf("expected token to be refilled")
	}
}

func TestTokenBucket_KeysAreIndependent(t *testing.T) {
	b := NewTokenBucket(0.02, 1)

	for _, k := range []domain.Key{"a", "b", "c"} {
		if dec, _ := b.Allow(context.Background(), k); !dec.Allowed {
			t.Fatalf("expected first call for %s allowed", k)
		}
	}
	if b.Len() != 3 {
		t.Fatalf("expected 3 buckets, got %d", b.Len())
	}
}

func TestTokenBucket_CleanupRemovesIdleEntries(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewTokenBucket(10, 1, WithIdleTTL(time.Minute), WithCleanupEvery(0), WithBucketClock(func() time.Time { return now }))

	_, _ = b.Allow(context.Background(), "k")
	now = now.Add(2 * time.Minute)
	b.Cleanup()

	if b.Len() != 0 {
		t.Fatalf("expected idle bucket to be removed")
	}
}
