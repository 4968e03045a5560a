package repository

import (
	"context"

	"votegroups/internal/domain"
)

// VoteGroupState is the stored vote group collection of one meeting.
type VoteGroupState struct {
	MeetingID string
	Groups    []domain.VoteGroupData
	Settings  domain.VoteGroupSettings
	// Version is compared on save to detect concurrent writers.
	Version int64
}

// VoteGroupRepository loads and stores whole vote group collections
type VoteGroupRepository interface {
	// Load reads the collection from the primary. Returns
	// domain.ErrMeetingNotFound for an unknown meeting.
	Load(ctx context.Context, meetingID string) (*VoteGroupState, error)

	// Read is Load against the read replica, for requests that do not write.
	Read(ctx context.Context, meetingID string) (*VoteGroupState, error)

	// Save replaces the stored collection when the stored version still
	// equals state.Version, and returns the new version. A mismatch returns
	// domain.ErrConflict.
	Save(ctx context.Context, state *VoteGroupState) (int64, error)
}

// MeetingRepository defines the interface for meeting data operations
type MeetingRepository interface {
	// GetByID returns nil, nil when the meeting does not exist
	GetByID(ctx context.Context, id string) (*domain.Meeting, error)

	// ListByStates returns the meetings in any of the given workflow states
	ListByStates(ctx context.Context, states ...string) ([]*domain.Meeting, error)

	// HasOngoingPoll reports whether a poll of the meeting is open
	HasOngoingPoll(ctx context.Context, meetingID string) (bool, error)
}

// UserRepository defines the interface for user data operations
type UserRepository interface {
	domain.UserDirectory

	// Upsert creates the user or refreshes name and e-mail
	Upsert(ctx context.Context, user *domain.User) error

	// MarkEmailValidated flags the user's address as validated
	MarkEmailValidated(ctx context.Context, id string) error
}

// MeetingRoleRepository stores meeting-wide permission roles
type MeetingRoleRepository interface {
	// HasRole reports whether userID holds role in the meeting
	HasRole(ctx context.Context, meetingID, userID, role string) (bool, error)

	// RolesFor returns the roles of userID in the meeting
	RolesFor(ctx context.Context, meetingID, userID string) (domain.StringSet, error)

	// Apply grants and revokes roles in one transaction
	Apply(ctx context.Context, meetingID string, grants, revokes map[string]domain.StringSet) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Meeting     MeetingRepository
	VoteGroup   VoteGroupRepository
	User        UserRepository
	MeetingRole MeetingRoleRepository
}
