package auth

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultGrantCacheSize = 4096
	defaultGrantCacheTTL  = 30 * time.Second
)

// CachedGrantStore is a read-through cache of UserGrants keyed by user id.
// Writes through the cache invalidate the affected user immediately; the TTL
// bounds staleness for writes made by other processes.
type CachedGrantStore struct {
	GrantStore
	cache *expirable.LRU[string, []UserGrant]

	// mu orders a read's cache fill against forget. writes is bumped after every
	// write so a read that raced a write is not cached.
	mu     sync.Mutex
	writes uint64
}

// NewCachedGrantStore wraps store. Non-positive size or ttl select defaults.
func NewCachedGrantStore(store GrantStore, size int, ttl time.Duration) *CachedGrantStore {
	if size <= 0 {
		size = defaultGrantCacheSize
	}
	if ttl <= 0 {
		ttl = defaultGrantCacheTTL
	}
	return &CachedGrantStore{
		GrantStore: store,
		cache:      expirable.NewLRU[string, []UserGrant](size, nil, ttl),
	}
}

// UserGrants serves from the cache when possible. Activity is re-checked by the caller.
func (c *CachedGrantStore) UserGrants(ctx context.Context, userID string) ([]UserGrant, error) {
	if grants, ok := c.cache.Get(userID); ok {
		return cloneGrants(grants), nil
	}
	c.mu.Lock()
	seen := c.writes
	c.mu.Unlock()
	grants, err := c.GrantStore.UserGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.writes == seen {
		c.cache.Add(userID, cloneGrants(grants))
	}
	c.mu.Unlock()
	return grants, nil
}

// UpsertGrant writes through and drops the user's cached grants.
func (c *CachedGrantStore) UpsertGrant(ctx context.Context, grant UserGrant) (UserGrant, error) {
	defer c.forget(grant.UserID)
	return c.GrantStore.UpsertGrant(ctx, grant)
}

// RevokeGrant writes through and drops the user's cached grants.
func (c *CachedGrantStore) RevokeGrant(ctx context.Context, key GrantKey, revokedBy string, at time.Time) (UserGrant, error) {
	defer c.forget(key.UserID)
	return c.GrantStore.RevokeGrant(ctx, key, revokedBy, at)
}

// Invalidate drops a single user's cached grants.
func (c *CachedGrantStore) Invalidate(userID string) {
	c.forget(userID)
}

func (c *CachedGrantStore) forget(userID string) {
	c.mu.Lock()
	c.writes++
	c.cache.Remove(userID)
	c.mu.Unlock()
}

// Purge drops every cached entry.
func (c *CachedGrantStore) Purge() {
	c.cache.Purge()
}

func cloneGrants(in []UserGrant) []UserGrant {
	if in == nil {
		return nil
	}
	out := make([]UserGrant, len(in))
	copy(out, in)
	return out
}
