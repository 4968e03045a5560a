package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strings"
)

// VoteGroup is one delegation group of a meeting.
//
// Members map user ids to their role, assignments map a primary to the
// stand-in currently voting in their place, and potential members are
// e-mail addresses of invited people without a validated account yet.
// Role and assignment changes go through VoteGroups, which enforces the
// rules spanning all groups of the meeting.
type VoteGroup struct {
	name        string
	title       string
	description string
	meetingID   string

	members          map[string]Role
	assignments      map[string]string
	potentialMembers StringSet
}

// VoteGroupData is the flat representation used for storage and JSON.
type VoteGroupData struct {
	Name             string            `json:"name"`
	MeetingID        string            `json:"meeting_id"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Members          map[string]Role   `json:"members"`
	Assignments      map[string]string `json:"assignments"`
	PotentialMembers StringSet         `json:"potential_members"`
}

// Appstruct is the edit form representation of a group.
type Appstruct struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
	// PotentialMembers holds one e-mail address per line.
	PotentialMembers string `json:"potential_members"`
}

// NewVoteGroup creates an empty group.
func NewVoteGroup(name, title, description string) *VoteGroup {
	return &VoteGroup{
		name:             name,
		title:            title,
		description:      description,
		members:          make(map[string]Role),
		assignments:      make(map[string]string),
		potentialMembers: make(StringSet),
	}
}

// RestoreVoteGroup rebuilds a group from stored data without validation.
func RestoreVoteGroup(d VoteGroupData) *VoteGroup {
	g := NewVoteGroup(d.Name, d.Title, d.Description)
	g.meetingID = d.MeetingID
	for userID, role := range d.Members {
		g.members[userID] = role
	}
	for primary, standin := range d.Assignments {
		g.assignments[primary] = standin
	}
	g.potentialMembers.Update(d.PotentialMembers)
	return g
}

// Data returns a deep copy of the group state.
func (g *VoteGroup) Data() VoteGroupData {
	d := VoteGroupData{
		Name:             g.name,
		MeetingID:        g.meetingID,
		Title:            g.title,
		Description:      g.description,
		Members:          make(map[string]Role, len(g.members)),
		Assignments:      make(map[string]string, len(g.assignments)),
		PotentialMembers: make(StringSet, len(g.potentialMembers)),
	}
	for k, v := range g.members {
		d.Members[k] = v
	}
	for k, v := range g.assignments {
		d.Assignments[k] = v
	}
	d.PotentialMembers.Update(g.potentialMembers)
	return d
}

func (g *VoteGroup) Name() string        { return g.name }
func (g *VoteGroup) Title() string       { return g.title }
func (g *VoteGroup) Description() string { return g.description }
func (g *VoteGroup) MeetingID() string   { return g.meetingID }

// Len returns the number of members.
func (g *VoteGroup) Len() int {
	return len(g.members)
}

// Has reports whether userID is a member.
func (g *VoteGroup) Has(userID string) bool {
	_, ok := g.members[userID]
	return ok
}

// Role returns the role of userID within the group.
func (g *VoteGroup) Role(userID string) (Role, bool) {
	r, ok := g.members[userID]
	return r, ok
}

// Members returns all member ids.
func (g *VoteGroup) Members() StringSet {
	s := make(StringSet, len(g.members))
	for userID := range g.members {
		s[userID] = struct{}{}
	}
	return s
}

// AddMember adds userID as a stand-in. Existing members keep their role.
func (g *VoteGroup) AddMember(userID string) {
	if _, ok := g.members[userID]; !ok {
		g.members[userID] = RoleStandin
	}
}

// PotentialMembers returns the pending e-mail invitations.
func (g *VoteGroup) PotentialMembers() StringSet {
	s := make(StringSet, len(g.potentialMembers))
	s.Update(g.potentialMembers)
	return s
}

// AddPotentialMember records an invited address.
func (g *VoteGroup) AddPotentialMember(email string) {
	if e := NormalizeEmail(email); e != "" {
		g.potentialMembers.Add(e)
	}
}

// Assignments returns a copy of the primary to stand-in delegations.
func (g *VoteGroup) Assignments() map[string]string {
	out := make(map[string]string, len(g.assignments))
	for k, v := range g.assignments {
		out[k] = v
	}
	return out
}

// Roles yields the ids of members holding role. The sequence is computed
// from the member map each time it is ranged over.
func (g *VoteGroup) Roles(role Role) iter.Seq[string] {
	return func(yield func(string) bool) {
		for userID, r := range g.members {
			if r != role {
				continue
			}
			if !yield(userID) {
				return
			}
		}
	}
}

func (g *VoteGroup) Primaries() iter.Seq[string] { return g.Roles(RolePrimary) }
func (g *VoteGroup) Standins() iter.Seq[string]  { return g.Roles(RoleStandin) }

// GetVoters returns the users casting a vote for this group: every stand-in
// with an assignment plus every primary that has not delegated.
func (g *VoteGroup) GetVoters() StringSet {
	voters := make(StringSet)
	for _, standin := range g.assignments {
		voters.Add(standin)
	}
	for primary := range g.Primaries() {
		if _, delegated := g.assignments[primary]; !delegated {
			voters.Add(primary)
		}
	}
	return voters
}

// GetPrimaryFor returns the primary that delegated its vote to userID.
func (g *VoteGroup) GetPrimaryFor(userID string) (string, bool) {
	for primary, standin := range g.assignments {
		if standin == userID {
			return primary, true
		}
	}
	return "", false
}

// GetSubstituteFor returns the stand-in userID delegated its vote to.
func (g *VoteGroup) GetSubstituteFor(userID string) (string, bool) {
	standin, ok := g.assignments[userID]
	return standin, ok
}

// HasAssignment reports whether userID is part of an active delegation,
// either as primary or as stand-in.
func (g *VoteGroup) HasAssignment(userID string) bool {
	if _, ok := g.assignments[userID]; ok {
		return true
	}
	_, ok := g.GetPrimaryFor(userID)
	return ok
}

// Appstruct returns the edit form representation.
func (g *VoteGroup) Appstruct() Appstruct {
	members := g.Members().Sorted()
	return Appstruct{
		Title:            g.title,
		Description:      g.description,
		Members:          members,
		PotentialMembers: strings.Join(g.potentialMembers.Sorted(), "\n"),
	}
}

// UpdateFromAppstruct applies an edit form. Addresses that belong to a
// validated account become stand-in members, the rest are kept as potential
// members. Removing a member with an active assignment is refused and leaves
// the group unchanged.
func (g *VoteGroup) UpdateFromAppstruct(ctx context.Context, data Appstruct, users UserDirectory) error {
	incoming := NewStringSet()
	for _, userID := range data.Members {
		if userID = strings.TrimSpace(userID); userID != "" {
			incoming.Add(userID)
		}
	}

	potential := make(StringSet)
	for _, line := range strings.Split(data.PotentialMembers, "\n") {
		email := NormalizeEmail(line)
		if email == "" {
			continue
		}
		if users == nil {
			potential.Add(email)
			continue
		}
		user, err := users.FindValidatedByEmail(ctx, email)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", email, err)
		}
		if user != nil {
			incoming.Add(user.ID)
		} else {
			potential.Add(email)
		}
	}

	removed := g.Members().Difference(incoming)
	var locked []string
	for userID := range removed {
		if g.HasAssignment(userID) {
			locked = append(locked, userID)
		}
	}
	if len(locked) > 0 {
		sort.Strings(locked)
		return ruleViolation("update group",
			"cannot remove users with transferred voter permission: "+strings.Join(locked, ", "))
	}

	g.title = data.Title
	g.description = data.Description
	for userID := range removed {
		delete(g.members, userID)
	}
	for userID := range incoming {
		g.AddMember(userID)
	}
	if !g.potentialMembers.Equal(potential) {
		g.potentialMembers = potential
	}
	return nil
}

// Clone returns a deep copy of the group.
func (g *VoteGroup) Clone() *VoteGroup {
	return RestoreVoteGroup(g.Data())
}

func (g *VoteGroup) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Data())
}
