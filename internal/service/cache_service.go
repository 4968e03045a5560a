package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"votegroups/internal/domain"
	"votegroups/pkg/redis"
)

// CacheService provides cache-aside reads of derived vote group data and
// idempotency locks. A nil redis client turns every call into a pass-through.
type CacheService struct {
	redis          *redis.Client
	logger         *zap.Logger
	votersTTL      time.Duration
	idempotencyTTL time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redisClient *redis.Client, logger *zap.Logger, votersTTL, idempotencyTTL time.Duration) *CacheService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if votersTTL <= 0 {
		votersTTL = redis.TTLVoters
	}
	if idempotencyTTL <= 0 {
		idempotencyTTL = redis.TTLIdempotency
	}
	return &CacheService{
		redis:          redisClient,
		logger:         logger,
		votersTTL:      votersTTL,
		idempotencyTTL: idempotencyTTL,
	}
}

// GetVoters returns the effective voters of a meeting, reading through the cache.
func (c *CacheService) GetVoters(ctx context.Context, meetingID string, dbFallback func(ctx context.Context) (domain.StringSet, error)) (domain.StringSet, error) {
	if c.redis == nil {
		return dbFallback(ctx)
	}

	cacheKey := c.redis.KeyBuilder.KeyMeetingVoters(meetingID)

	cached, err := c.redis.Get(ctx, cacheKey)
	switch {
	case err == nil:
		var voters domain.StringSet
		if jsonErr := json.Unmarshal([]byte(cached), &voters); jsonErr == nil {
			c.logger.Debug("Voters cache hit", zap.String("meeting_id", meetingID))
			return voters, nil
		} else {
			c.logger.Warn("Voters cache corrupted, falling back to database",
				zap.String("meeting_id", meetingID),
				zap.Error(jsonErr))
		}
	case errors.Is(err, redis.Nil):
		c.logger.Debug("Voters cache miss", zap.String("meeting_id", meetingID))
	default:
		c.logger.Warn("Voters cache error, falling back to database",
			zap.String("meeting_id", meetingID),
			zap.Error(err))
	}

	voters, err := dbFallback(ctx)
	if err != nil {
		return nil, fmt.Errorf("database fallback failed: %w", err)
	}

	// A write-back landing after a concurrent InvalidateVoters restores a
	// stale set until votersTTL expires.
	go c.cacheVotersAsync(cacheKey, voters)

	return voters, nil
}

func (c *CacheService) cacheVotersAsync(key string, voters domain.StringSet) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(voters)
	if err != nil {
		c.logger.Error("Failed to marshal voters for cache", zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, key, data, c.votersTTL); err != nil {
		c.logger.Warn("Failed to cache voters", zap.Error(err))
	}
}

// InvalidateVoters drops the cached voters of a meeting.
func (c *CacheService) InvalidateVoters(ctx context.Context, meetingID string) error {
	if c.redis == nil {
		return nil
	}
	if err := c.redis.Delete(ctx, c.redis.KeyBuilder.KeyMeetingVoters(meetingID)); err != nil {
		c.logger.Warn("Failed to invalidate voters cache",
			zap.String("meeting_id", meetingID),
			zap.Error(err))
		return err
	}
	return nil
}

// PurgeVoters drops the cached voters of all meetings.
func (c *CacheService) PurgeVoters(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.InvalidatePattern(ctx, c.redis.KeyBuilder.VotersPattern())
}

// ClaimIdempotencyKey reports whether key is seen for the first time for
// userID within the idempotency window. Without redis every key is new.
func (c *CacheService) ClaimIdempotencyKey(ctx context.Context, userID, key string) (bool, error) {
	if c.redis == nil || key == "" {
		return true, nil
	}
	ok, err := c.redis.SetNX(ctx, c.redis.KeyBuilder.KeyIdempotency(userID, key), "1", c.idempotencyTTL)
	if err != nil {
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return ok, nil
}

// ReleaseIdempotencyKey frees key after a failed request so it can be retried.
func (c *CacheService) ReleaseIdempotencyKey(ctx context.Context, userID, key string) {
	if c.redis == nil || key == "" {
		return
	}
	if err := c.redis.Delete(ctx, c.redis.KeyBuilder.KeyIdempotency(userID, key)); err != nil {
		c.logger.Warn("Failed to release idempotency key", zap.Error(err))
	}
}
