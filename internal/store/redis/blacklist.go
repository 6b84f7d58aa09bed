// Package redis provides a Redis-backed revocation list. Entries expire with
// the token they revoke, so the set never needs a separate janitor.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"sentra.dev/internal/iam"
)

const keyPrefix = "iam:blacklist:"

// Blacklist implements iam.BlacklistStore on a Redis instance.
type Blacklist struct {
	client *goredis.Client
}

var _ iam.BlacklistStore = (*Blacklist)(nil)

// Open dials Redis and verifies connectivity.
func Open(ctx context.Context, addr string) (*Blacklist, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Blacklist{client: client}, nil
}

// New wraps an existing client (used by tests with miniredis).
func New(client *goredis.Client) *Blacklist { return &Blacklist{client: client} }

func (b *Blacklist) Close() error { return b.client.Close() }

// Add stores the entry keyed by jti with a TTL matching the token expiry.
// SetNX keeps the first revocation record when the same jti is revoked twice.
func (b *Blacklist) Add(ctx context.Context, e iam.BlacklistEntry) error {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode blacklist entry: %w", err)
	}
	return b.client.SetNX(ctx, keyPrefix+e.JTI, payload, ttl).Err()
}

func (b *Blacklist) IsBlacklisted(ctx context.Context, jti string, _ time.Time) (bool, error) {
	n, err := b.client.Exists(ctx, keyPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CleanupExpired is a no-op: Redis evicts entries via TTL.
func (b *Blacklist) CleanupExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
