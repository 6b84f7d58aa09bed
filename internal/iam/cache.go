package iam

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 4096
	defaultCacheTTL  = 30 * time.Second
)

// PermissionCache holds resolved permission sets keyed by (user, tenant)
// with a short TTL. Resolution is expensive; the TTL bounds staleness for
// changes the mutating path forgot to invalidate.
type PermissionCache struct {
	lru *expirable.LRU[string, *EffectivePermissionSet]
}

// NewPermissionCache constructs a cache. size <= 0 and ttl <= 0 fall back to
// defaults.
func NewPermissionCache(size int, ttl time.Duration) *PermissionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &PermissionCache{
		lru: expirable.NewLRU[string, *EffectivePermissionSet](size, nil, ttl),
	}
}

func cacheKey(userID, tenantID string) string {
	return userID + "|" + tenantID
}

// Get returns the cached set for the pair, if present and unexpired.
func (c *PermissionCache) Get(userID, tenantID string) (*EffectivePermissionSet, bool) {
	return c.lru.Get(cacheKey(userID, tenantID))
}

// Put stores the set for the pair.
func (c *PermissionCache) Put(userID, tenantID string, set *EffectivePermissionSet) {
	c.lru.Add(cacheKey(userID, tenantID), set)
}

// Remove drops the entry for the pair.
func (c *PermissionCache) Remove(userID, tenantID string) {
	c.lru.Remove(cacheKey(userID, tenantID))
}

// RemoveUser drops every entry belonging to the user, across tenants.
func (c *PermissionCache) RemoveUser(userID string) {
	prefix := userID + "|"
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

// Purge empties the cache.
func (c *PermissionCache) Purge() { c.lru.Purge() }

// Len returns the number of live entries.
func (c *PermissionCache) Len() int { return c.lru.Len() }
