package service

import (
	"context"
	"fmt"

	"votegroups/internal/domain"
	"votegroups/pkg/errors"
	"votegroups/pkg/logger"
	"votegroups/pkg/redis"
)

// presenceService keeps one redis set of checked-in users per meeting
type presenceService struct {
	redisClient *redis.Client
	logger      *logger.Logger
}

// NewPresenceService creates a presence service. Without redis every call
// fails with an external error.
func NewPresenceService(redisClient *redis.Client, logger *logger.Logger) PresenceService {
	return &presenceService{
		redisClient: redisClient,
		logger:      logger,
	}
}

func (s *presenceService) available() error {
	if s.redisClient == nil {
		return errors.NewExternalError("presence tracking is unavailable", fmt.Errorf("redis not configured"))
	}
	return nil
}

// CheckIn marks userID as present
func (s *presenceService) CheckIn(ctx context.Context, meetingID, userID string) error {
	if err := s.available(); err != nil {
		return err
	}
	key := s.redisClient.KeyBuilder.KeyMeetingPresent(meetingID)
	if err := s.redisClient.SAdd(ctx, key, redis.TTLPresence, userID); err != nil {
		return fmt.Errorf("failed to check in: %w", err)
	}

	s.logger.WithMeeting(meetingID).WithField("user_id", userID).Info("User checked in")
	return nil
}

// CheckOut removes userID from the present users
func (s *presenceService) CheckOut(ctx context.Context, meetingID, userID string) error {
	if err := s.available(); err != nil {
		return err
	}
	key := s.redisClient.KeyBuilder.KeyMeetingPresent(meetingID)
	if err := s.redisClient.SRem(ctx, key, userID); err != nil {
		return fmt.Errorf("failed to check out: %w", err)
	}

	s.logger.WithMeeting(meetingID).WithField("user_id", userID).Info("User checked out")
	return nil
}

// Present returns the checked-in users
func (s *presenceService) Present(ctx context.Context, meetingID string) (domain.StringSet, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	members, err := s.redisClient.SMembers(ctx, s.redisClient.KeyBuilder.KeyMeetingPresent(meetingID))
	if err != nil {
		return nil, fmt.Errorf("failed to list present users: %w", err)
	}
	return domain.NewStringSet(members...), nil
}
