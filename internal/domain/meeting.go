package domain

import "time"

// Meeting workflow states
const (
	MeetingUpcoming = "upcoming"
	MeetingOngoing  = "ongoing"
	MeetingClosed   = "closed"
)

// PollOngoing is the workflow state of an open poll
const PollOngoing = "ongoing"

// Meeting owns one vote group collection.
type Meeting struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	WorkflowState string    `json:"workflow_state"`
	CreatedAt     time.Time `json:"created_at"`
}

// VoteGroupSettings ties meeting permission roles to voting group state.
//
// AssignedVoterRoles are granted to every effective voter. Members that are
// not currently voting lose AssignedVoterRoles except those listed in
// InactiveVoterRoles, which they keep. An empty AssignedVoterRoles disables
// role synchronisation.
type VoteGroupSettings struct {
	AssignedVoterRoles StringSet `json:"assigned_voter_roles"`
	InactiveVoterRoles StringSet `json:"inactive_voter_roles"`
}

// Enabled reports whether role synchronisation is active.
func (s VoteGroupSettings) Enabled() bool {
	return len(s.AssignedVoterRoles) > 0
}

// Actor is the authenticated user a collection acts on behalf of.
type Actor struct {
	UserID    string
	Moderator bool
}
