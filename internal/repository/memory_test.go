package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"votegroups/internal/domain"
)

func TestMemoryStore_VoteGroupVersioning(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.AddMeeting(&domain.Meeting{ID: "m1", WorkflowState: domain.MeetingOngoing})
	repo := store.Repositories().VoteGroup

	_, err := repo.Load(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)

	first, err := repo.Load(ctx, "m1")
	require.NoError(t, err)
	second, err := repo.Load(ctx, "m1")
	require.NoError(t, err)

	first.Groups = append(first.Groups, domain.NewVoteGroup("g1", "Board", "").Data())
	version, err := repo.Save(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	_, err = repo.Save(ctx, second)
	assert.ErrorIs(t, err, domain.ErrConflict)

	// stored state is a copy
	first.Groups[0].Title = "changed"
	assert.Equal(t, "Board", store.Group("m1", "g1").Title)
}

func TestMemoryStore_Users(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryStore().Repositories().User

	require.NoError(t, users.Upsert(ctx, &domain.User{ID: "u1", Email: "a@example.com"}))
	found, err := users.FindValidatedByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, found)

	require.NoError(t, users.MarkEmailValidated(ctx, "u1"))
	found, err = users.FindValidatedByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "u1", found.ID)

	// same address keeps validation, a new one clears it
	require.NoError(t, users.Upsert(ctx, &domain.User{ID: "u1", Email: "a@example.com", Name: "Ann"}))
	u, err := users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.EmailValidated)

	require.NoError(t, users.Upsert(ctx, &domain.User{ID: "u1", Email: "b@example.com"}))
	u, err = users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.EmailValidated)

	assert.ErrorIs(t, users.MarkEmailValidated(ctx, "nobody"), domain.ErrUserNotFound)
	missing, err := users.GetByID(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStore_MeetingsAndRoles(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.AddMeeting(&domain.Meeting{ID: "b", WorkflowState: domain.MeetingOngoing})
	store.AddMeeting(&domain.Meeting{ID: "a", WorkflowState: domain.MeetingUpcoming})
	store.AddMeeting(&domain.Meeting{ID: "c", WorkflowState: domain.MeetingClosed})
	repos := store.Repositories()

	meetings, err := repos.Meeting.ListByStates(ctx, domain.MeetingUpcoming, domain.MeetingOngoing)
	require.NoError(t, err)
	require.Len(t, meetings, 2)
	assert.Equal(t, "a", meetings[0].ID)
	assert.Equal(t, "b", meetings[1].ID)

	store.SetPollOngoing("a", true)
	ongoing, err := repos.Meeting.HasOngoingPoll(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ongoing)
	store.SetPollOngoing("a", false)
	ongoing, err = repos.Meeting.HasOngoingPoll(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ongoing)

	store.Grant("a", "u1", domain.MeetingRoleVoter, "role:Discuss")
	require.NoError(t, repos.MeetingRole.Apply(ctx, "a",
		map[string]domain.StringSet{"u2": domain.NewStringSet(domain.MeetingRoleVoter)},
		map[string]domain.StringSet{"u1": domain.NewStringSet(domain.MeetingRoleVoter)},
	))
	roles, err := repos.MeetingRole.RolesFor(ctx, "a", "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.NewStringSet("role:Discuss"), roles)
	ok, err := repos.MeetingRole.HasRole(ctx, "a", "u2", domain.MeetingRoleVoter)
	require.NoError(t, err)
	assert.True(t, ok)
}
