package service

import (
	"context"

	"votegroups/internal/domain"
)

// AuthService defines the interface for authentication operations
type AuthService interface {
	// ValidateToken validates a bearer token and returns the user profile
	ValidateToken(ctx context.Context, token string) (*domain.UserProfile, error)

	// Authenticate validates the token and records the user
	Authenticate(ctx context.Context, token string) (*domain.UserProfile, error)
}

// PresenceService tracks which users are checked in to a meeting
type PresenceService interface {
	CheckIn(ctx context.Context, meetingID, userID string) error
	CheckOut(ctx context.Context, meetingID, userID string) error
	Present(ctx context.Context, meetingID string) (domain.StringSet, error)
}

// Services aggregates all service interfaces
type Services struct {
	Auth       AuthService
	VoteGroups *VoteGroupService
	Presence   PresenceService
	Cache      *CacheService
}
