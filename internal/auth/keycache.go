// Package auth resolves API keys to user records through a read-through
// cache, tracks the anonymous free tier, and owns the free-model whitelist.
//
// Keys are never stored or cached in plaintext: the SHA-256 hash is the only
// form that leaves the request handler.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/cache"
	"github.com/Alpaca-Network/gatewayz-backend-sub005/internal/store"
)

const (
	keyPrefix = "auth:key:"

	defaultPositiveTTL = 5 * time.Minute
	defaultNegativeTTL = 30 * time.Second
)

// ErrUnknownKey is returned when the API key does not resolve to a user.
var ErrUnknownKey = errors.New("auth: unknown api key")

// HashKey returns the hex SHA-256 of an API key.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// cachedEntry is the JSON shape stored in the cache. A negative entry
// (Miss=true) remembers that the key is unknown so repeated probes with a
// bad key do not hammer the user store.
type cachedEntry struct {
	Miss bool        `json:"miss,omitempty"`
	User *store.User `json:"user,omitempty"`
}

// KeyCache is a read-through cache in front of the user store.
//
// Positive entries live longer than negative ones so a newly issued key
// becomes usable within the negative TTL. Balance-changing writes call
// InvalidateUser so the next request observes the fresh record.
type KeyCache struct {
	users store.UserStore
	cache cache.Store
	log   *slog.Logger

	positiveTTL time.Duration
	negativeTTL time.Duration

	// userID → key hash, for invalidation by user id after a deduction.
	userKeys sync.Map
}

// NewKeyCache builds a KeyCache. The cache may be nil; lookups then always
// hit the user store.
func NewKeyCache(users store.UserStore, c cache.Store, log *slog.Logger) *KeyCache {
	if log == nil {
		log = slog.Default()
	}
	return &KeyCache{
		users:       users,
		cache:       c,
		log:         log,
		positiveTTL: defaultPositiveTTL,
		negativeTTL: defaultNegativeTTL,
	}
}

// SetTTLs overrides the positive and negative entry lifetimes.
func (k *KeyCache) SetTTLs(positive, negative time.Duration) {
	if positive > 0 {
		k.positiveTTL = positive
	}
	if negative > 0 {
		k.negativeTTL = negative
	}
}

// Lookup resolves an API key to its user record.
//
// Cache errors behave as misses and fall through to the user store, so a
// cache outage degrades to slower lookups rather than failed auth. A store
// miss is cached negatively and surfaces as ErrUnknownKey.
func (k *KeyCache) Lookup(ctx context.Context, apiKey string) (*store.User, error) {
	hash := HashKey(apiKey)
	cacheKey := keyPrefix + hash

	if k.cache != nil {
		if raw, ok := k.cache.Get(ctx, cacheKey); ok {
			var ent cachedEntry
			if err := json.Unmarshal(raw, &ent); err == nil {
				if ent.Miss {
					return nil, ErrUnknownKey
				}
				if ent.User != nil {
					k.userKeys.Store(ent.User.ID, hash)
					return ent.User, nil
				}
			}
			// Corrupt entry: drop it and fall through to the store.
			_ = k.cache.Delete(ctx, cacheKey)
		}
	}

	u, err := k.users.GetByKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			k.put(ctx, cacheKey, cachedEntry{Miss: true}, k.negativeTTL)
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("auth: lookup: %w", err)
	}

	k.put(ctx, cacheKey, cachedEntry{User: u}, k.positiveTTL)
	k.userKeys.Store(u.ID, hash)

	return u, nil
}

// Invalidate drops the cache entry for a specific API key.
func (k *KeyCache) Invalidate(ctx context.Context, apiKey string) {
	if k.cache == nil {
		return
	}
	if err := k.cache.Delete(ctx, keyPrefix+HashKey(apiKey)); err != nil {
		k.log.Warn("auth_invalidate_error", slog.String("error", err.Error()))
	}
}

// InvalidateUser drops the cache entry for whichever key the user last
// authenticated with. Called after credit deductions so the next request
// sees the updated balance.
func (k *KeyCache) InvalidateUser(ctx context.Context, userID string) {
	if k.cache == nil {
		return
	}
	if v, ok := k.userKeys.Load(userID); ok {
		if err := k.cache.Delete(ctx, keyPrefix+v.(string)); err != nil {
			k.log.Warn("auth_invalidate_error",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (k *KeyCache) put(ctx context.Context, cacheKey string, ent cachedEntry, ttl time.Duration) {
	if k.cache == nil {
		return
	}
	raw, err := json.Marshal(ent)
	if err != nil {
		return
	}
	_ = k.cache.Set(ctx, cacheKey, raw, ttl)
}
