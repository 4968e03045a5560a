package domain

import (
	"context"
	"sync"
)

// MeetingRoles is the meeting-wide permission role store. Grants and
// revocations are buffered until SendEvent flushes them as one change.
type MeetingRoles interface {
	AddRoles(userID string, roles ...string)
	RemoveRoles(userID string, roles ...string)
	SendEvent(ctx context.Context) error
}

// AdjustMeetingRoles grants the assigned voter roles to every effective
// voter and revokes them from members that do not vote, keeping the roles
// listed as inactive voter roles. With a non-nil group only members of that
// group are touched, and a member voting in another group keeps its roles.
// It does nothing while role synchronisation is disabled.
func AdjustMeetingRoles(ctx context.Context, groups *VoteGroups, group *VoteGroup, roles MeetingRoles) error {
	settings := groups.Settings()
	if !settings.Enabled() {
		return nil
	}

	var active, inactive StringSet
	if group == nil {
		active = groups.GetVoters()
		inactive = groups.GetMembers().Difference(active)
	} else {
		active = group.GetVoters()
		inactive = group.Members().Difference(groups.GetVoters())
	}

	grant := settings.AssignedVoterRoles.Sorted()
	revoke := settings.AssignedVoterRoles.Difference(settings.InactiveVoterRoles).Sorted()

	for _, userID := range active.Sorted() {
		roles.AddRoles(userID, grant...)
	}
	if len(revoke) > 0 {
		for _, userID := range inactive.Sorted() {
			roles.RemoveRoles(userID, revoke...)
		}
	}
	return roles.SendEvent(ctx)
}

// InMemoryRoles is a MeetingRoles backed by a map.
type InMemoryRoles struct {
	mu     sync.Mutex
	roles  map[string]StringSet
	events int
}

func NewInMemoryRoles() *InMemoryRoles {
	return &InMemoryRoles{roles: make(map[string]StringSet)}
}

func (m *InMemoryRoles) AddRoles(userID string, roles ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.roles[userID]
	if !ok {
		s = make(StringSet)
		m.roles[userID] = s
	}
	s.Add(roles...)
}

func (m *InMemoryRoles) RemoveRoles(userID string, roles ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.roles[userID]
	if !ok {
		return
	}
	for _, r := range roles {
		s.Remove(r)
	}
	if len(s) == 0 {
		delete(m.roles, userID)
	}
}

func (m *InMemoryRoles) SendEvent(context.Context) error {
	m.mu.Lock()
	m.events++
	m.mu.Unlock()
	return nil
}

// Roles returns the roles held by userID.
func (m *InMemoryRoles) Roles(userID string) StringSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(StringSet)
	out.Update(m.roles[userID])
	return out
}

// Events returns how often SendEvent was called.
func (m *InMemoryRoles) Events() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}
