package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	mr := miniredis.RunT(t)

	client, err := NewClient("redis://"+mr.Addr(), "test", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name        string
		url         string
		expectError bool
	}{
		{
			name: "Valid Redis URL",
			url:  "redis://" + mr.Addr(),
		},
		{
			name:        "Invalid URL",
			url:         "invalid://url",
			expectError: true,
		},
		{
			name:        "Empty URL",
			url:         "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.url, "test", nil)

			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client.KeyBuilder)
			assert.NoError(t, client.Close())
		})
	}
}

func TestClient_GetSet(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "test:key1", "value1", time.Minute))
	assert.Greater(t, mr.TTL("test:key1"), time.Duration(0))

	val, err := client.Get(ctx, "test:key1")
	require.NoError(t, err)
	assert.Equal(t, "value1", val)

	_, err = client.Get(ctx, "test:missing")
	assert.True(t, errors.Is(err, Nil))
}

func TestClient_SetNX(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "test:lock", "1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "test:lock", "1", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = client.SetNX(ctx, "test:lock", "1", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_DeleteExists(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("test:key1", "value1"))
	require.NoError(t, mr.Set("test:key2", "value2"))

	n, err := client.Exists(ctx, "test:key1", "test:key2", "test:missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, client.Delete(ctx, "test:key1", "test:missing"))
	assert.False(t, mr.Exists("test:key1"))
	assert.True(t, mr.Exists("test:key2"))
}

func TestClient_Sets(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	key := client.KeyBuilder.KeyMeetingPresent("m1")

	require.NoError(t, client.SAdd(ctx, key, time.Hour, "u1", "u2"))
	require.NoError(t, client.SAdd(ctx, key, time.Hour, "u2", "u3"))
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	members, err := client.SMembers(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, members)

	require.NoError(t, client.SRem(ctx, key, "u2"))
	members, err = client.SMembers(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u3"}, members)

	members, err = client.SMembers(ctx, "test:empty")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestClient_PublishSubscribe(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := client.KeyBuilder.Channel("votegroups:events")
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Publish(ctx, channel, `{"meeting_id":"m1"}`))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, channel, msg.Channel)
	assert.Equal(t, `{"meeting_id":"m1"}`, msg.Payload)
}

func TestClient_InvalidatePattern(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("prod:votegroups:meeting:m1:voters", "[]"))
	require.NoError(t, mr.Set("prod:votegroups:meeting:m2:voters", "[]"))
	require.NoError(t, mr.Set("prod:other", "x"))

	require.NoError(t, client.InvalidatePattern(ctx, "prod:votegroups:*"))
	assert.False(t, mr.Exists("prod:votegroups:meeting:m1:voters"))
	assert.False(t, mr.Exists("prod:votegroups:meeting:m2:voters"))
	assert.True(t, mr.Exists("prod:other"))
}

func TestClient_Health(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	assert.NoError(t, client.Health(ctx))

	mr.Close()
	assert.Error(t, client.Health(ctx))
}

func TestPrefixForLog(t *testing.T) {
	assert.Equal(t, "short", prefixForLog("short"))
	assert.Equal(t, "prod:votegroups:meeting:…", prefixForLog("prod:votegroups:meeting:m1:voters"))
}
