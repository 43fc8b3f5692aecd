package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/cache"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

// countingStore wraps store.Memory and counts key lookups so tests can
// assert whether the cache or the store served a request.
type countingStore struct {
	*store.Memory
	lookups int
}

func (c *countingStore) GetByKeyHash(ctx context.Context, keyHash string) (*store.User, error) {
	c.lookups++
	return c.Memory.GetByKeyHash(ctx, keyHash)
}

func newTestKeyCache(t *testing.T) (*KeyCache, *countingStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	cs := &countingStore{Memory: store.NewMemory()}
	return NewKeyCache(cs, c, nil), cs, mr
}

func TestLookupHitCachesUser(t *testing.T) {
	kc, cs, _ := newTestKeyCache(t)
	ctx := context.Background()

	cs.PutUser(store.User{ID: "u1", KeyHash: HashKey("sk-live-abc"), Credits: decimal.NewFromInt(5)})

	u, err := kc.Lookup(ctx, "sk-live-abc")
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "u1" {
		t.Fatalf("user = %s, want u1", u.ID)
	}

	// Second lookup must be served from the cache.
	if _, err := kc.Lookup(ctx, "sk-live-abc"); err != nil {
		t.Fatal(err)
	}
	if cs.lookups != 1 {
		t.Fatalf("store lookups = %d, want 1", cs.lookups)
	}
}

func TestLookupUnknownKeyCachedNegatively(t *testing.T) {
	kc, cs, _ := newTestKeyCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := kc.Lookup(ctx, "sk-bogus"); !errors.Is(err, ErrUnknownKey) {
			t.Fatalf("err = %v, want ErrUnknownKey", err)
		}
	}
	if cs.lookups != 1 {
		t.Fatalf("store lookups = %d, want 1 (negative entry must absorb repeats)", cs.lookups)
	}
}

func TestNegativeTTLShorterThanPositive(t *testing.T) {
	kc, cs, mr := newTestKeyCache(t)
	kc.SetTTLs(5*time.Minute, 30*time.Second)
	ctx := context.Background()

	if _, err := kc.Lookup(ctx, "sk-new"); !errors.Is(err, ErrUnknownKey) {
		t.Fatal("expected unknown key")
	}

	// Key is issued while the negative entry is live.
	cs.PutUser(store.User{ID: "u2", KeyHash: HashKey("sk-new")})

	// Still negative inside the TTL.
	if _, err := kc.Lookup(ctx, "sk-new"); !errors.Is(err, ErrUnknownKey) {
		t.Fatal("negative entry should still be live")
	}

	mr.FastForward(31 * time.Second)

	u, err := kc.Lookup(ctx, "sk-new")
	if err != nil {
		t.Fatalf("key should resolve after negative TTL: %v", err)
	}
	if u.ID != "u2" {
		t.Fatalf("user = %s, want u2", u.ID)
	}
}

func TestInvalidateUserDropsEntry(t *testing.T) {
	kc, cs, _ := newTestKeyCache(t)
	ctx := context.Background()

	cs.PutUser(store.User{ID: "u1", KeyHash: HashKey("sk-live-abc"), Credits: decimal.NewFromInt(5)})

	if _, err := kc.Lookup(ctx, "sk-live-abc"); err != nil {
		t.Fatal(err)
	}

	// Balance changes out of band; invalidation must force a re-read.
	_ = cs.DeductCredits(ctx, "u1", decimal.NewFromInt(2))
	kc.InvalidateUser(ctx, "u1")

	u, err := kc.Lookup(ctx, "sk-live-abc")
	if err != nil {
		t.Fatal(err)
	}
	if !u.Credits.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("credits = %s, want 3", u.Credits)
	}
	if cs.lookups != 2 {
		t.Fatalf("store lookups = %d, want 2", cs.lookups)
	}
}

func TestLookupDegradesWithoutCache(t *testing.T) {
	cs := &countingStore{Memory: store.NewMemory()}
	cs.PutUser(store.User{ID: "u1", KeyHash: HashKey("sk-live-abc")})

	kc := NewKeyCache(cs, nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := kc.Lookup(context.Background(), "sk-live-abc"); err != nil {
			t.Fatal(err)
		}
	}
	if cs.lookups != 2 {
		t.Fatalf("store lookups = %d, want 2 (no cache configured)", cs.lookups)
	}
}

func TestHashKeyStable(t *testing.T) {
	if HashKey("a") == HashKey("b") {
		t.Fatal("different keys must hash differently")
	}
	if HashKey("a") != HashKey("a") {
		t.Fatal("hash must be deterministic")
	}
	if len(HashKey("a")) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(HashKey("a")))
	}
}
