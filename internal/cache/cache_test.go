package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Aidin1998/sentinex/pkg/models"
)

func testDecision(key string, score float64) *models.Decision {
	return &models.Decision{
		ID:             uuid.New(),
		RequestID:      uuid.New(),
		IdempotencyKey: key,
		Status:         models.DecisionApproved,
		Score:          score,
		Reasons:        []string{"score below escalation threshold"},
		DecidedAt:      time.Now().UTC(),
	}
}

func TestMemoryCachePutGet(t *testing.T) {
	c := NewMemoryCache(10, nil)
	ctx := context.Background()

	if err := c.Put(ctx, "key-1", testDecision("key-1", 12), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := c.Get(ctx, "key-1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Score != 12 || got.IdempotencyKey != "key-1" {
		t.Fatalf("wrong decision returned: %+v", got)
	}

	if _, ok, _ := c.Get(ctx, "other-key"); ok {
		t.Fatal("exact-match lookup must not hit on a different key")
	}
}

func TestMemoryCacheReturnsCopy(t *testing.T) {
	c := NewMemoryCache(10, nil)
	ctx := context.Background()

	if err := c.Put(ctx, "key-1", testDecision("key-1", 12), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	first, _, _ := c.Get(ctx, "key-1")
	first.FromCache = true
	first.Score = 99

	second, ok, _ := c.Get(ctx, "key-1")
	if !ok {
		t.Fatal("expected hit")
	}
	if second.FromCache || second.Score != 12 {
		t.Fatalf("caller mutation leaked into cache: %+v", second)
	}
}

func TestMemoryCacheLazyExpiry(t *testing.T) {
	c := NewMemoryCache(10, nil)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Put(ctx, "key-1", testDecision("key-1", 12), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(30 * time.Second)
	if _, ok, _ := c.Get(ctx, "key-1"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	now = now.Add(31 * time.Second)
	if _, ok, _ := c.Get(ctx, "key-1"); ok {
		t.Fatal("entry survived past its TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not removed on read, len=%d", c.Len())
	}
}

func TestMemoryCacheEvictsClosestToExpiry(t *testing.T) {
	c := NewMemoryCache(3, nil)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ttls := []time.Duration{5 * time.Minute, time.Minute, 10 * time.Minute}
	for i, ttl := range ttls {
		key := fmt.Sprintf("key-%d", i)
		if err := c.Put(ctx, key, testDecision(key, float64(i)), ttl); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	if err := c.Put(ctx, "key-3", testDecision("key-3", 3), time.Hour); err != nil {
		t.Fatalf("put overflow: %v", err)
	}

	if c.Len() != 3 {
		t.Fatalf("cache exceeded its bound, len=%d", c.Len())
	}
	// key-1 carried the shortest remaining TTL and must be the victim.
	if _, ok, _ := c.Get(ctx, "key-1"); ok {
		t.Fatal("entry closest to expiry was not evicted")
	}
	for _, key := range []string{"key-0", "key-2", "key-3"} {
		if _, ok, _ := c.Get(ctx, key); !ok {
			t.Fatalf("unexpired entry %s was evicted", key)
		}
	}
}

func TestMemoryCacheOverwriteDoesNotEvict(t *testing.T) {
	c := NewMemoryCache(2, nil)
	ctx := context.Background()

	_ = c.Put(ctx, "key-0", testDecision("key-0", 0), time.Minute)
	_ = c.Put(ctx, "key-1", testDecision("key-1", 1), time.Minute)
	_ = c.Put(ctx, "key-1", testDecision("key-1", 2), time.Hour)

	if c.Len() != 2 {
		t.Fatalf("overwrite changed entry count, len=%d", c.Len())
	}
	got, ok, _ := c.Get(ctx, "key-1")
	if !ok || got.Score != 2 {
		t.Fatalf("overwrite did not keep the later write: %+v", got)
	}
	if _, ok, _ := c.Get(ctx, "key-0"); !ok {
		t.Fatal("overwrite evicted an unrelated entry")
	}
}

func TestMemoryCacheIgnoresNilAndZeroTTL(t *testing.T) {
	c := NewMemoryCache(10, nil)
	ctx := context.Background()

	if err := c.Put(ctx, "key-1", nil, time.Minute); err != nil {
		t.Fatalf("nil decision: %v", err)
	}
	if err := c.Put(ctx, "key-2", testDecision("key-2", 1), 0); err != nil {
		t.Fatalf("zero ttl: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("no-op puts stored entries, len=%d", c.Len())
	}
}
