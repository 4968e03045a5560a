package service

import (
	"context"
	"errors"
	"fmt"

	"votegroups/internal/domain"
	"votegroups/internal/events"
	"votegroups/internal/repository"
	apperrors "votegroups/pkg/errors"
	"votegroups/pkg/logger"
)

// VoteGroupService runs vote group operations as units of work: load the
// meeting's collection, apply the rules, save guarded by version, then
// dispatch the buffered change events. A version conflict reruns the unit.
type VoteGroupService struct {
	repos     *repository.Repositories
	bus       *events.Bus
	cache     *CacheService
	publisher *Publisher
	logger    *logger.Logger
	retries   int
}

// NewVoteGroupService creates the service. cache and publisher may be nil.
func NewVoteGroupService(repos *repository.Repositories, bus *events.Bus, cache *CacheService, publisher *Publisher, log *logger.Logger, retries int) *VoteGroupService {
	if log == nil {
		log = logger.NewNop()
	}
	if retries < 1 {
		retries = 1
	}
	if cache == nil {
		cache = NewCacheService(nil, nil, 0, 0)
	}
	if publisher == nil {
		publisher = NewPublisher(nil, "", log)
	}
	return &VoteGroupService{
		repos:     repos,
		bus:       bus,
		cache:     cache,
		publisher: publisher,
		logger:    log,
		retries:   retries,
	}
}

// RegisterSubscribers wires the post-commit reactions to vote group changes:
// meeting role synchronisation, voters cache invalidation and pub/sub fan-out.
func (s *VoteGroupService) RegisterSubscribers() {
	s.bus.Subscribe("adjust_meeting_roles", func(ctx context.Context, ev domain.AssignmentChanged) error {
		return domain.AdjustMeetingRoles(ctx, ev.Groups, ev.Group, s.RoleSession(ev.MeetingID))
	})
	s.bus.Subscribe("invalidate_voters", func(ctx context.Context, ev domain.AssignmentChanged) error {
		return s.cache.InvalidateVoters(ctx, ev.MeetingID)
	})
	s.bus.Subscribe("publish", s.publisher.AssignmentChanged)
}

// RoleSession returns a buffered meeting role store for meetingID.
func (s *VoteGroupService) RoleSession(meetingID string) domain.MeetingRoles {
	return repository.NewRoleSession(s.repos.MeetingRole, meetingID, s.publisher.RolesChanged)
}

// Actor resolves the acting user and whether they moderate the meeting.
func (s *VoteGroupService) Actor(ctx context.Context, meetingID, userID string) (domain.Actor, error) {
	moderator, err := s.repos.MeetingRole.HasRole(ctx, meetingID, userID, domain.MeetingRoleModerator)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("failed to resolve actor: %w", err)
	}
	return domain.Actor{UserID: userID, Moderator: moderator}, nil
}

func (s *VoteGroupService) requireModerator(ctx context.Context, meetingID, userID string) (domain.Actor, error) {
	actor, err := s.Actor(ctx, meetingID, userID)
	if err != nil {
		return actor, err
	}
	if !actor.Moderator {
		return actor, apperrors.NewAuthorizationError("moderator role required")
	}
	return actor, nil
}

func (s *VoteGroupService) refuseDuringPoll(ctx context.Context, meetingID string) error {
	ongoing, err := s.repos.Meeting.HasOngoingPoll(ctx, meetingID)
	if err != nil {
		return err
	}
	if ongoing {
		return domain.ErrPollOngoing
	}
	return nil
}

func restore(state *repository.VoteGroupState, opts ...domain.Option) *domain.VoteGroups {
	groups := make([]*domain.VoteGroup, 0, len(state.Groups))
	for _, d := range state.Groups {
		groups = append(groups, domain.RestoreVoteGroup(d))
	}
	opts = append(opts, domain.WithSettings(state.Settings), domain.WithGroups(groups...))
	return domain.NewVoteGroups(state.MeetingID, opts...)
}

func snapshot(groups *domain.VoteGroups, version int64) *repository.VoteGroupState {
	state := &repository.VoteGroupState{
		MeetingID: groups.MeetingID(),
		Settings:  groups.Settings(),
		Version:   version,
	}
	for _, g := range groups.Values() {
		state.Groups = append(state.Groups, g.Data())
	}
	return state
}

// mutate runs fn as one unit of work and dispatches its events after commit.
func (s *VoteGroupService) mutate(ctx context.Context, meetingID string, actor domain.Actor, fn func(*domain.VoteGroups) error) (*domain.VoteGroups, error) {
	log := s.logger.WithMeeting(meetingID)

	for attempt := 1; ; attempt++ {
		buffer := events.NewBuffer()

		state, err := s.repos.VoteGroup.Load(ctx, meetingID)
		if err != nil {
			return nil, err
		}
		groups := restore(state, domain.WithActor(actor), domain.WithNotifier(buffer))

		if err := fn(groups); err != nil {
			return nil, err
		}

		if _, err := s.repos.VoteGroup.Save(ctx, snapshot(groups, state.Version)); err != nil {
			if errors.Is(err, domain.ErrConflict) && attempt < s.retries {
				log.WithField("attempt", attempt).Debug("Vote groups changed concurrently, retrying")
				continue
			}
			return nil, err
		}

		if errs := buffer.Flush(ctx, s.bus); len(errs) > 0 {
			log.WithField("failures", len(errs)).Warn("Some change subscribers failed")
		}
		return groups, nil
	}
}

// mutateOutsidePolls is mutate refused with ErrPollOngoing while a poll of
// the meeting is open. Every attempt checks again.
func (s *VoteGroupService) mutateOutsidePolls(ctx context.Context, meetingID string, actor domain.Actor, fn func(*domain.VoteGroups) error) (*domain.VoteGroups, error) {
	return s.mutate(ctx, meetingID, actor, func(groups *domain.VoteGroups) error {
		if err := s.refuseDuringPoll(ctx, meetingID); err != nil {
			return err
		}
		return fn(groups)
	})
}

// load reads the collection for a request that does not write.
func (s *VoteGroupService) load(ctx context.Context, meetingID string, actor domain.Actor) (*domain.VoteGroups, error) {
	state, err := s.repos.VoteGroup.Read(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	return restore(state, domain.WithActor(actor)), nil
}

// List returns the collection of a meeting.
func (s *VoteGroupService) List(ctx context.Context, meetingID string) (*domain.VoteGroups, error) {
	return s.load(ctx, meetingID, domain.Actor{})
}

// Get returns one group along with its collection.
func (s *VoteGroupService) Get(ctx context.Context, meetingID, groupID string) (*domain.VoteGroup, *domain.VoteGroups, error) {
	groups, err := s.load(ctx, meetingID, domain.Actor{})
	if err != nil {
		return nil, nil, err
	}
	group, err := groups.Get(groupID)
	if err != nil {
		return nil, nil, err
	}
	return group, groups, nil
}

// ForUser returns the groups userID belongs to.
func (s *VoteGroupService) ForUser(ctx context.Context, meetingID, userID string) ([]*domain.VoteGroup, error) {
	groups, err := s.load(ctx, meetingID, domain.Actor{})
	if err != nil {
		return nil, err
	}
	return groups.VoteGroupsForUser(userID), nil
}

// Voters returns the effective voters of a meeting, cached.
func (s *VoteGroupService) Voters(ctx context.Context, meetingID string) (domain.StringSet, error) {
	return s.cache.GetVoters(ctx, meetingID, func(ctx context.Context) (domain.StringSet, error) {
		groups, err := s.load(ctx, meetingID, domain.Actor{})
		if err != nil {
			return nil, err
		}
		return groups.GetVoters(), nil
	})
}

// Create adds a group filled from the edit form.
func (s *VoteGroupService) Create(ctx context.Context, meetingID, userID string, data domain.Appstruct) (*domain.VoteGroup, error) {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return nil, err
	}
	var created *domain.VoteGroup
	_, err = s.mutateOutsidePolls(ctx, meetingID, actor, func(groups *domain.VoteGroups) error {
		group, err := groups.Get(groups.New())
		if err != nil {
			return err
		}
		created = group
		return group.UpdateFromAppstruct(ctx, data, s.repos.User)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithMeeting(meetingID).WithFields(map[string]interface{}{
		"group":   created.Name(),
		"user_id": userID,
	}).Info("Vote group created")
	return created, nil
}

// Update applies the edit form to a group.
func (s *VoteGroupService) Update(ctx context.Context, meetingID, userID, groupID string, data domain.Appstruct) (*domain.VoteGroup, error) {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return nil, err
	}
	var updated *domain.VoteGroup
	_, err = s.mutateOutsidePolls(ctx, meetingID, actor, func(groups *domain.VoteGroups) error {
		group, err := groups.Get(groupID)
		if err != nil {
			return err
		}
		if err := group.UpdateFromAppstruct(ctx, data, s.repos.User); err != nil {
			return err
		}
		updated = group
		return nil
	})
	if err != nil {
		return nil, err
	}
	// membership edits raise no change event
	_ = s.cache.InvalidateVoters(ctx, meetingID)

	s.logger.WithMeeting(meetingID).WithFields(map[string]interface{}{
		"group":   groupID,
		"user_id": userID,
	}).Info("Vote group updated")
	return updated, nil
}

// Delete removes a group.
func (s *VoteGroupService) Delete(ctx context.Context, meetingID, userID, groupID string) error {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	_, err = s.mutateOutsidePolls(ctx, meetingID, actor, func(groups *domain.VoteGroups) error {
		return groups.Delete(groupID)
	})
	if err != nil {
		return err
	}
	_ = s.cache.InvalidateVoters(ctx, meetingID)

	s.logger.WithMeeting(meetingID).WithFields(map[string]interface{}{
		"group":   groupID,
		"user_id": userID,
	}).Info("Vote group deleted")
	return nil
}

// SetRole changes the role of a member.
func (s *VoteGroupService) SetRole(ctx context.Context, meetingID, userID, groupID, memberID string, role domain.Role) error {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	_, err = s.mutateOutsidePolls(ctx, meetingID, actor, func(groups *domain.VoteGroups) error {
		group, err := groups.Get(groupID)
		if err != nil {
			return err
		}
		return groups.SetRole(memberID, role, group)
	})
	if err != nil {
		return err
	}

	s.logger.WithMeeting(meetingID).WithFields(map[string]interface{}{
		"group":   groupID,
		"user_id": userID,
		"member":  memberID,
		"role":    role.String(),
	}).Info("Vote group role changed")
	return nil
}

// AssignVote delegates the vote of primary from to stand-in to. Only the
// primary or a moderator may delegate.
func (s *VoteGroupService) AssignVote(ctx context.Context, meetingID, userID, groupID, from, to string) error {
	actor, err := s.Actor(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	if actor.UserID != from && !actor.Moderator {
		return apperrors.NewAuthorizationError("only the primary or a moderator may assign a vote")
	}

	_, err = s.mutate(ctx, meetingID, actor, func(groups *domain.VoteGroups) error {
		group, err := groups.Get(groupID)
		if err != nil {
			return err
		}
		return groups.AssignVote(from, to, group)
	})
	if err != nil {
		return err
	}

	s.logger.WithMeeting(meetingID).WithFields(map[string]interface{}{
		"group":   groupID,
		"user_id": userID,
		"from":    from,
		"to":      to,
	}).Info("Vote assigned")
	return nil
}

// ReleaseSubstitute ends the delegation voter takes part in.
func (s *VoteGroupService) ReleaseSubstitute(ctx context.Context, meetingID, userID, groupID, voter string) error {
	actor, err := s.Actor(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	_, err = s.mutateOutsidePolls(ctx, meetingID, actor, func(groups *domain.VoteGroups) error {
		group, err := groups.Get(groupID)
		if err != nil {
			return err
		}
		return groups.ReleaseSubstitute(voter, group)
	})
	if err != nil {
		return err
	}

	s.logger.WithMeeting(meetingID).WithFields(map[string]interface{}{
		"group":   groupID,
		"user_id": userID,
		"voter":   voter,
	}).Info("Stand-in released")
	return nil
}

// Settings returns the role synchronisation settings.
func (s *VoteGroupService) Settings(ctx context.Context, meetingID, userID string) (domain.VoteGroupSettings, error) {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return domain.VoteGroupSettings{}, err
	}
	groups, err := s.load(ctx, meetingID, actor)
	if err != nil {
		return domain.VoteGroupSettings{}, err
	}
	return groups.Settings(), nil
}

// UpdateSettings stores new role synchronisation settings.
func (s *VoteGroupService) UpdateSettings(ctx context.Context, meetingID, userID string, settings domain.VoteGroupSettings) error {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	if settings.AssignedVoterRoles == nil {
		settings.AssignedVoterRoles = domain.NewStringSet()
	}
	if settings.InactiveVoterRoles == nil {
		settings.InactiveVoterRoles = domain.NewStringSet()
	}

	_, err = s.mutate(ctx, meetingID, actor, func(groups *domain.VoteGroups) error {
		groups.SetSettings(settings)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WithMeeting(meetingID).WithField("user_id", userID).Info("Vote group settings updated")
	return nil
}

// CopyFromMeeting copies the groups of another meeting. Returns the number
// of groups copied.
func (s *VoteGroupService) CopyFromMeeting(ctx context.Context, meetingID, userID, sourceID string) (int, error) {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return 0, err
	}
	if sourceID == meetingID {
		return 0, apperrors.NewValidationError("cannot copy vote groups from the same meeting", nil)
	}
	source, err := s.load(ctx, sourceID, domain.Actor{})
	if err != nil {
		return 0, err
	}

	var copied int
	_, err = s.mutate(ctx, meetingID, actor, func(groups *domain.VoteGroups) error {
		copied = groups.CopyFromMeeting(source)
		return nil
	})
	if err != nil {
		return 0, err
	}
	_ = s.cache.InvalidateVoters(ctx, meetingID)

	s.logger.WithMeeting(meetingID).WithFields(map[string]interface{}{
		"user_id": userID,
		"source":  sourceID,
		"copied":  copied,
	}).Info("Vote groups copied")
	return copied, nil
}

// AdjustRoles synchronises meeting roles with every group of the meeting.
func (s *VoteGroupService) AdjustRoles(ctx context.Context, meetingID, userID string) error {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return err
	}
	state, err := s.repos.VoteGroup.Load(ctx, meetingID)
	if err != nil {
		return err
	}
	groups := restore(state, domain.WithActor(actor))
	if err := domain.AdjustMeetingRoles(ctx, groups, nil, s.RoleSession(meetingID)); err != nil {
		return fmt.Errorf("failed to adjust meeting roles: %w", err)
	}

	s.logger.WithMeeting(meetingID).WithField("user_id", userID).Info("Meeting roles adjusted")
	return nil
}

// ApplyPresentVoterRights gives the voter role to effective voters that are
// present and takes it from every other member. Returns the present voters.
func (s *VoteGroupService) ApplyPresentVoterRights(ctx context.Context, meetingID, userID string, present domain.StringSet) (domain.StringSet, error) {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return nil, err
	}
	groups, err := s.load(ctx, meetingID, actor)
	if err != nil {
		return nil, err
	}

	voters := groups.PresentVoters(present)
	roles := s.RoleSession(meetingID)
	for _, memberID := range groups.GetMembers().Sorted() {
		if voters.Has(memberID) {
			roles.AddRoles(memberID, domain.MeetingRoleVoter)
		} else {
			roles.RemoveRoles(memberID, domain.MeetingRoleVoter)
		}
	}
	if err := roles.SendEvent(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply voter rights: %w", err)
	}

	s.logger.WithMeeting(meetingID).WithFields(map[string]interface{}{
		"user_id": userID,
		"voters":  len(voters),
	}).Info("Present voter rights applied")
	return voters, nil
}

// Emails returns the invitation addresses of the named groups, or of all
// groups when none are named.
func (s *VoteGroupService) Emails(ctx context.Context, meetingID, userID string, groupNames []string, potential, validated bool) (domain.StringSet, error) {
	actor, err := s.requireModerator(ctx, meetingID, userID)
	if err != nil {
		return nil, err
	}
	groups, err := s.load(ctx, meetingID, actor)
	if err != nil {
		return nil, err
	}
	for _, name := range groupNames {
		if _, err := groups.Get(name); err != nil {
			return nil, err
		}
	}
	return groups.GetEmails(ctx, groupNames, potential, validated, s.repos.User)
}

// EmailValidated marks the user's address as validated and converts the
// matching invitations of every upcoming or ongoing meeting into stand-in
// memberships. Returns the number of groups joined.
func (s *VoteGroupService) EmailValidated(ctx context.Context, user *domain.User) (int, error) {
	if user.Email == "" {
		return 0, apperrors.NewValidationError("user has no e-mail address", nil)
	}
	if err := s.repos.User.MarkEmailValidated(ctx, user.ID); err != nil {
		return 0, err
	}

	meetings, err := s.repos.Meeting.ListByStates(ctx, domain.MeetingUpcoming, domain.MeetingOngoing)
	if err != nil {
		return 0, err
	}

	joined := 0
	for _, m := range meetings {
		var changed int
		_, err := s.mutate(ctx, m.ID, domain.Actor{UserID: user.ID}, func(groups *domain.VoteGroups) error {
			changed = groups.EmailValidated(user)
			return nil
		})
		if err != nil {
			return joined, fmt.Errorf("meeting %s: %w", m.ID, err)
		}
		if changed > 0 {
			_ = s.cache.InvalidateVoters(ctx, m.ID)
			s.logger.WithMeeting(m.ID).WithFields(map[string]interface{}{
				"user_id": user.ID,
				"groups":  changed,
			}).Info("Invitations accepted after e-mail validation")
		}
		joined += changed
	}
	return joined, nil
}
