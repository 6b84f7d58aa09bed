package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"sentra.dev/internal/iam"
)

func setupBlacklist(t *testing.T) (*miniredis.Miniredis, *Blacklist) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, New(client)
}

func TestAddAndIsBlacklisted(t *testing.T) {
	_, bl := setupBlacklist(t)
	ctx := context.Background()

	entry := iam.BlacklistEntry{
		JTI:       "jti-1",
		UserID:    "user-1",
		TokenType: iam.TokenTypeAccess,
		ExpiresAt: time.Now().Add(time.Hour),
		RevokedAt: time.Now(),
		RevokedBy: "admin",
		Reason:    "test",
	}
	require.NoError(t, bl.Add(ctx, entry))

	revoked, err := bl.IsBlacklisted(ctx, "jti-1", time.Now())
	require.NoError(t, err)
	require.True(t, revoked)

	revoked, err = bl.IsBlacklisted(ctx, "unknown", time.Now())
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestAddKeepsFirstRevocationRecord(t *testing.T) {
	_, bl := setupBlacklist(t)
	ctx := context.Background()

	first := iam.BlacklistEntry{JTI: "jti-1", Reason: "first", ExpiresAt: time.Now().Add(time.Hour)}
	second := iam.BlacklistEntry{JTI: "jti-1", Reason: "second", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, bl.Add(ctx, first))
	require.NoError(t, bl.Add(ctx, second))

	revoked, err := bl.IsBlacklisted(ctx, "jti-1", time.Now())
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestEntriesExpireWithToken(t *testing.T) {
	mr, bl := setupBlacklist(t)
	ctx := context.Background()

	entry := iam.BlacklistEntry{JTI: "jti-ttl", ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, bl.Add(ctx, entry))

	mr.FastForward(2 * time.Minute)

	revoked, err := bl.IsBlacklisted(ctx, "jti-ttl", time.Now())
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestAddSkipsAlreadyExpired(t *testing.T) {
	_, bl := setupBlacklist(t)
	ctx := context.Background()

	entry := iam.BlacklistEntry{JTI: "jti-old", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, bl.Add(ctx, entry))

	revoked, err := bl.IsBlacklisted(ctx, "jti-old", time.Now())
	require.NoError(t, err)
	require.False(t, revoked)
}
