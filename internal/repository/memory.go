package repository

import (
	"context"
	"sync"

	"votegroups/internal/domain"
)

// In-memory repositories back local development without PostgreSQL and the
// service and handler tests. They keep the same contracts as the pgx
// implementations, version checks included.

func copyState(s *VoteGroupState) *VoteGroupState {
	out := &VoteGroupState{
		MeetingID: s.MeetingID,
		Version:   s.Version,
		Settings: domain.VoteGroupSettings{
			AssignedVoterRoles: domain.NewStringSet(s.Settings.AssignedVoterRoles.Sorted()...),
			InactiveVoterRoles: domain.NewStringSet(s.Settings.InactiveVoterRoles.Sorted()...),
		},
	}
	for _, d := range s.Groups {
		out.Groups = append(out.Groups, domain.RestoreVoteGroup(d).Data())
	}
	return out
}

// MemoryStore holds meetings, users, roles and vote groups in process.
type MemoryStore struct {
	mu       sync.RWMutex
	meetings map[string]*domain.Meeting
	polls    domain.StringSet
	states   map[string]*VoteGroupState
	users    map[string]*domain.User
	roles    map[string]map[string]domain.StringSet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		meetings: make(map[string]*domain.Meeting),
		polls:    domain.NewStringSet(),
		states:   make(map[string]*VoteGroupState),
		users:    make(map[string]*domain.User),
		roles:    make(map[string]map[string]domain.StringSet),
	}
}

// Repositories exposes the store through the repository interfaces.
func (m *MemoryStore) Repositories() *Repositories {
	return &Repositories{
		Meeting:     memoryMeetings{m},
		VoteGroup:   memoryVoteGroups{m},
		User:        memoryUsers{m},
		MeetingRole: memoryRoles{m},
	}
}

// AddMeeting registers a meeting with an empty vote group collection.
func (m *MemoryStore) AddMeeting(meeting *domain.Meeting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meetings[meeting.ID] = meeting
	if _, ok := m.states[meeting.ID]; !ok {
		m.states[meeting.ID] = &VoteGroupState{
			MeetingID: meeting.ID,
			Settings: domain.VoteGroupSettings{
				AssignedVoterRoles: domain.NewStringSet(),
				InactiveVoterRoles: domain.NewStringSet(),
			},
		}
	}
}

// SetPollOngoing opens or closes a poll of the meeting.
func (m *MemoryStore) SetPollOngoing(meetingID string, ongoing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ongoing {
		m.polls.Add(meetingID)
	} else {
		m.polls.Remove(meetingID)
	}
}

// Grant gives userID roles in the meeting.
func (m *MemoryStore) Grant(meetingID, userID string, roles ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userRoles(meetingID, userID).Add(roles...)
}

// Group returns the stored data of one group, or the zero value.
func (m *MemoryStore) Group(meetingID, name string) domain.VoteGroupData {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[meetingID]; ok {
		for _, d := range s.Groups {
			if d.Name == name {
				return domain.RestoreVoteGroup(d).Data()
			}
		}
	}
	return domain.VoteGroupData{}
}

func (m *MemoryStore) userRoles(meetingID, userID string) domain.StringSet {
	users, ok := m.roles[meetingID]
	if !ok {
		users = make(map[string]domain.StringSet)
		m.roles[meetingID] = users
	}
	roles, ok := users[userID]
	if !ok {
		roles = domain.NewStringSet()
		users[userID] = roles
	}
	return roles
}

type memoryVoteGroups struct{ *MemoryStore }

func (m memoryVoteGroups) Load(_ context.Context, meetingID string) (*VoteGroupState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[meetingID]
	if !ok {
		return nil, domain.ErrMeetingNotFound
	}
	return copyState(s), nil
}

func (m memoryVoteGroups) Read(ctx context.Context, meetingID string) (*VoteGroupState, error) {
	return m.Load(ctx, meetingID)
}

func (m memoryVoteGroups) Save(_ context.Context, state *VoteGroupState) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.states[state.MeetingID]
	if !ok {
		return 0, domain.ErrMeetingNotFound
	}
	if current.Version != state.Version {
		return 0, domain.ErrConflict
	}
	stored := copyState(state)
	stored.Version = current.Version + 1
	m.states[state.MeetingID] = stored
	return stored.Version, nil
}

type memoryMeetings struct{ *MemoryStore }

func (m memoryMeetings) GetByID(_ context.Context, id string) (*domain.Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meetings[id], nil
}

func (m memoryMeetings) ListByStates(_ context.Context, states ...string) ([]*domain.Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := domain.NewStringSet(states...)
	var out []*domain.Meeting
	for _, id := range sortedKeys(m.meetings) {
		if mt := m.meetings[id]; wanted.Has(mt.WorkflowState) {
			out = append(out, mt)
		}
	}
	return out, nil
}

func (m memoryMeetings) HasOngoingPoll(_ context.Context, meetingID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.polls.Has(meetingID), nil
}

type memoryUsers struct{ *MemoryStore }

func (m memoryUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (m memoryUsers) FindValidatedByEmail(_ context.Context, email string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range sortedKeys(m.users) {
		u := m.users[id]
		if u.EmailValidated && domain.NormalizeEmail(u.Email) == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m memoryUsers) Upsert(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *user
	if existing, ok := m.users[user.ID]; ok && existing.Email == c.Email {
		c.EmailValidated = existing.EmailValidated || c.EmailValidated
	}
	m.users[user.ID] = &c
	return nil
}

func (m memoryUsers) MarkEmailValidated(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.EmailValidated = true
	return nil
}

type memoryRoles struct{ *MemoryStore }

func (m memoryRoles) HasRole(_ context.Context, meetingID, userID, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userRoles(meetingID, userID).Has(role), nil
}

func (m memoryRoles) RolesFor(_ context.Context, meetingID, userID string) (domain.StringSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.NewStringSet(m.userRoles(meetingID, userID).Sorted()...), nil
}

func (m memoryRoles) Apply(_ context.Context, meetingID string, grants, revokes map[string]domain.StringSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, roles := range revokes {
		current := m.userRoles(meetingID, userID)
		for role := range roles {
			current.Remove(role)
		}
	}
	for userID, roles := range grants {
		m.userRoles(meetingID, userID).Update(roles)
	}
	return nil
}
