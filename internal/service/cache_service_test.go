package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"votegroups/internal/domain"
	"votegroups/pkg/redis"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redis.NewClient("redis://"+mr.Addr(), "test", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestCacheService_GetVoters(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewCacheService(client, zap.NewNop(), time.Minute, 0)
	key := client.KeyBuilder.KeyMeetingVoters("m1")

	calls := 0
	fallback := func(context.Context) (domain.StringSet, error) {
		calls++
		return domain.NewStringSet("one", "two"), nil
	}

	voters, err := cache.GetVoters(ctx, "m1", fallback)
	require.NoError(t, err)
	assert.Equal(t, domain.NewStringSet("one", "two"), voters)
	assert.Eventually(t, func() bool { return mr.Exists(key) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, time.Minute, mr.TTL(key))

	voters, err = cache.GetVoters(ctx, "m1", fallback)
	require.NoError(t, err)
	assert.Equal(t, domain.NewStringSet("one", "two"), voters)
	assert.Equal(t, 1, calls)

	require.NoError(t, cache.InvalidateVoters(ctx, "m1"))
	assert.False(t, mr.Exists(key))
}

func TestCacheService_LateWriteBackExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewCacheService(client, zap.NewNop(), time.Minute, 0)
	key := client.KeyBuilder.KeyMeetingVoters("m1")

	require.NoError(t, cache.InvalidateVoters(ctx, "m1"))
	cache.cacheVotersAsync(key, domain.NewStringSet("stale"))
	require.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(time.Minute + time.Second)
	assert.False(t, mr.Exists(key))

	voters, err := cache.GetVoters(ctx, "m1", func(context.Context) (domain.StringSet, error) {
		return domain.NewStringSet("fresh"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.NewStringSet("fresh"), voters)
}

func TestCacheService_CorruptedEntry(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewCacheService(client, zap.NewNop(), 0, 0)
	require.NoError(t, mr.Set(client.KeyBuilder.KeyMeetingVoters("m1"), "not json"))

	voters, err := cache.GetVoters(ctx, "m1", func(context.Context) (domain.StringSet, error) {
		return domain.NewStringSet("one"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.NewStringSet("one"), voters)
}

func TestCacheService_FallbackError(t *testing.T) {
	ctx := context.Background()
	_, client := setupTestRedis(t)
	cache := NewCacheService(client, zap.NewNop(), 0, 0)

	_, err := cache.GetVoters(ctx, "m1", func(context.Context) (domain.StringSet, error) {
		return nil, domain.ErrMeetingNotFound
	})
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)
}

func TestCacheService_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewCacheService(client, zap.NewNop(), 0, 5*time.Second)

	ok, err := cache.ClaimIdempotencyKey(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.ClaimIdempotencyKey(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.False(t, ok, "duplicate within the window")

	ok, err = cache.ClaimIdempotencyKey(ctx, "u2", "k1")
	require.NoError(t, err)
	assert.True(t, ok, "keys are per user")

	cache.ReleaseIdempotencyKey(ctx, "u1", "k1")
	ok, err = cache.ClaimIdempotencyKey(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(6 * time.Second)
	ok, err = cache.ClaimIdempotencyKey(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.ClaimIdempotencyKey(ctx, "u1", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheService_PurgeVoters(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewCacheService(client, zap.NewNop(), 0, 0)

	kb := client.KeyBuilder
	require.NoError(t, mr.Set(kb.KeyMeetingVoters("m1"), "[]"))
	require.NoError(t, mr.Set(kb.KeyMeetingVoters("m2"), "[]"))
	_, err := mr.SAdd(kb.KeyMeetingPresent("m1"), "one")
	require.NoError(t, err)

	require.NoError(t, cache.PurgeVoters(ctx))
	assert.False(t, mr.Exists(kb.KeyMeetingVoters("m1")))
	assert.False(t, mr.Exists(kb.KeyMeetingVoters("m2")))
	assert.True(t, mr.Exists(kb.KeyMeetingPresent("m1")))
}

func TestCacheService_WithoutRedis(t *testing.T) {
	ctx := context.Background()
	cache := NewCacheService(nil, nil, 0, 0)

	calls := 0
	for i := 0; i < 2; i++ {
		_, err := cache.GetVoters(ctx, "m1", func(context.Context) (domain.StringSet, error) {
			calls++
			return domain.NewStringSet(), nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
	assert.NoError(t, cache.InvalidateVoters(ctx, "m1"))

	ok, err := cache.ClaimIdempotencyKey(ctx, "u1", "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheService_RedisDown(t *testing.T) {
	ctx := context.Background()
	mr, client := setupTestRedis(t)
	cache := NewCacheService(client, zap.NewNop(), 0, 0)
	mr.Close()

	voters, err := cache.GetVoters(ctx, "m1", func(context.Context) (domain.StringSet, error) {
		return domain.NewStringSet("one"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.NewStringSet("one"), voters)

	_, err = cache.ClaimIdempotencyKey(ctx, "u1", "k1")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, redis.Nil))
}
