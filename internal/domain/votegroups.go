package domain

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// VoteGroups is the vote group collection of one meeting. All role and
// assignment mutations go through it so that rules spanning several groups
// hold: a user is primary in at most one group, and members with an active
// delegation keep their role until it is released.
//
// A VoteGroups value is request scoped and not safe for concurrent use.
// Concurrent requests are serialised by the store's version check.
type VoteGroups struct {
	meetingID string
	actor     Actor
	notifier  Notifier
	newID     func() string

	groups   map[string]*VoteGroup
	settings VoteGroupSettings
}

// Option configures a VoteGroups collection.
type Option func(*VoteGroups)

// WithActor sets the user the collection acts for.
func WithActor(actor Actor) Option {
	return func(vg *VoteGroups) { vg.actor = actor }
}

// WithNotifier sets the receiver of AssignmentChanged events.
func WithNotifier(n Notifier) Option {
	return func(vg *VoteGroups) {
		if n != nil {
			vg.notifier = n
		}
	}
}

// WithIDGenerator replaces the uuid generator used by New.
func WithIDGenerator(fn func() string) Option {
	return func(vg *VoteGroups) { vg.newID = fn }
}

// WithSettings sets the role synchronisation settings.
func WithSettings(s VoteGroupSettings) Option {
	return func(vg *VoteGroups) { vg.settings = s }
}

// WithGroups registers existing groups.
func WithGroups(groups ...*VoteGroup) Option {
	return func(vg *VoteGroups) {
		for _, g := range groups {
			vg.Add(g)
		}
	}
}

// NewVoteGroups creates the collection for meetingID.
func NewVoteGroups(meetingID string, opts ...Option) *VoteGroups {
	vg := &VoteGroups{
		meetingID: meetingID,
		notifier:  discardNotifier{},
		newID:     uuid.NewString,
		groups:    make(map[string]*VoteGroup),
	}
	for _, opt := range opts {
		opt(vg)
	}
	return vg
}

func (vg *VoteGroups) MeetingID() string { return vg.meetingID }
func (vg *VoteGroups) Actor() Actor      { return vg.actor }

// Settings returns a copy of the role synchronisation settings.
func (vg *VoteGroups) Settings() VoteGroupSettings {
	return VoteGroupSettings{
		AssignedVoterRoles: NewStringSet(vg.settings.AssignedVoterRoles.Sorted()...),
		InactiveVoterRoles: NewStringSet(vg.settings.InactiveVoterRoles.Sorted()...),
	}
}

func (vg *VoteGroups) SetSettings(s VoteGroupSettings) {
	vg.settings = s
}

// New registers an empty group with a fresh id and returns the id.
func (vg *VoteGroups) New() string {
	name := vg.newID()
	vg.Add(NewVoteGroup(name, "", ""))
	return name
}

// Add registers g under its name, attaching it to this meeting.
func (vg *VoteGroups) Add(g *VoteGroup) {
	g.meetingID = vg.meetingID
	vg.groups[g.name] = g
}

// Get returns the group named name.
func (vg *VoteGroups) Get(name string) (*VoteGroup, error) {
	g, ok := vg.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	return g, nil
}

// Contains reports whether a group named name exists.
func (vg *VoteGroups) Contains(name string) bool {
	_, ok := vg.groups[name]
	return ok
}

// Delete removes the group named name.
func (vg *VoteGroups) Delete(name string) error {
	if _, ok := vg.groups[name]; !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	delete(vg.groups, name)
	return nil
}

func (vg *VoteGroups) Len() int {
	return len(vg.groups)
}

// Values returns the groups ordered by id.
func (vg *VoteGroups) Values() []*VoteGroup {
	out := make([]*VoteGroup, 0, len(vg.groups))
	for _, g := range vg.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Sorted returns the groups ordered by case-insensitive title.
func (vg *VoteGroups) Sorted() []*VoteGroup {
	out := vg.Values()
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].title) < strings.ToLower(out[j].title)
	})
	return out
}

// VoteGroupsForUser returns the groups userID belongs to, sorted by title.
func (vg *VoteGroups) VoteGroupsForUser(userID string) []*VoteGroup {
	var out []*VoteGroup
	for _, g := range vg.Sorted() {
		if g.Has(userID) {
			out = append(out, g)
		}
	}
	return out
}

// GetMembers returns the members of all groups.
func (vg *VoteGroups) GetMembers() StringSet {
	members := make(StringSet)
	for _, g := range vg.groups {
		members.Update(g.Members())
	}
	return members
}

// GetVoters returns every user with an effective vote in any group.
func (vg *VoteGroups) GetVoters() StringSet {
	voters := make(StringSet)
	for _, g := range vg.groups {
		voters.Update(g.GetVoters())
	}
	return voters
}

// GetPrimaries returns the primaries of all groups except exclude.
func (vg *VoteGroups) GetPrimaries(exclude *VoteGroup) StringSet {
	primaries := make(StringSet)
	for _, g := range vg.groups {
		if g == exclude {
			continue
		}
		for userID := range g.Primaries() {
			primaries.Add(userID)
		}
	}
	return primaries
}

// GetStandinFor returns the stand-in voting for primary userID.
func (vg *VoteGroups) GetStandinFor(userID string) (string, bool) {
	for _, g := range vg.Values() {
		if standin, ok := g.GetSubstituteFor(userID); ok {
			return standin, true
		}
	}
	return "", false
}

// GetPrimaryFor returns the primary userID votes for and the group holding
// the delegation, or "", nil.
func (vg *VoteGroups) GetPrimaryFor(userID string) (string, *VoteGroup) {
	for _, g := range vg.Values() {
		if primary, ok := g.GetPrimaryFor(userID); ok {
			return primary, g
		}
	}
	return "", nil
}

// GetVotingGroupFor returns the group in which userID currently votes.
func (vg *VoteGroups) GetVotingGroupFor(userID string) *VoteGroup {
	for _, g := range vg.Values() {
		if g.GetVoters().Has(userID) {
			return g
		}
	}
	return nil
}

// GetFreeStandins returns the stand-ins of group that do not vote anywhere.
func (vg *VoteGroups) GetFreeStandins(group *VoteGroup) StringSet {
	standins := make(StringSet)
	for userID := range group.Standins() {
		standins.Add(userID)
	}
	return standins.Difference(vg.GetVoters())
}

// CanAssign reports whether primary userID may delegate its vote in group.
func (vg *VoteGroups) CanAssign(userID string, group *VoteGroup) bool {
	if role, ok := group.Role(userID); !ok || role != RolePrimary {
		return false
	}
	if _, assigned := group.assignments[userID]; assigned {
		return false
	}
	return len(vg.GetFreeStandins(group)) > 0
}

// CanSubstitute reports whether userID can receive a delegation in group.
func (vg *VoteGroups) CanSubstitute(userID string, group *VoteGroup) bool {
	return vg.GetFreeStandins(group).Has(userID)
}

// AssignVote delegates the vote of primary from to stand-in to.
func (vg *VoteGroups) AssignVote(from, to string, group *VoteGroup) error {
	if !vg.CanAssign(from, group) || !vg.CanSubstitute(to, group) {
		return ruleViolation("assign vote", fmt.Sprintf("cannot assign vote from %s to %s", from, to))
	}
	group.assignments[from] = to
	vg.notifyChanged(group)
	return nil
}

// ReleaseSubstitute ends the delegation voter takes part in, voter being
// either the primary or the stand-in. Only the primary or a moderator may
// release.
func (vg *VoteGroups) ReleaseSubstitute(voter string, group *VoteGroup) error {
	primary, ok := group.GetPrimaryFor(voter)
	if !ok {
		if _, delegated := group.assignments[voter]; delegated {
			primary, ok = voter, true
		}
	}
	if !ok {
		return ruleViolation("release substitute", fmt.Sprintf("%s has no active assignment", voter))
	}
	if vg.actor.UserID != primary && !vg.actor.Moderator {
		return ruleViolation("release substitute", "only the primary or a moderator may release a stand-in")
	}
	delete(group.assignments, primary)
	vg.notifyChanged(group)
	return nil
}

// CanSetRole reports whether member userID of group may be given role.
// It panics on a role outside VoteGroupRoles.
func (vg *VoteGroups) CanSetRole(userID string, role Role, group *VoteGroup) bool {
	mustBeValidRole(role)
	current, ok := group.Role(userID)
	if !ok {
		return false
	}
	if current != role && group.HasAssignment(userID) {
		return false
	}
	if role == RolePrimary && vg.GetPrimaries(group).Has(userID) {
		return false
	}
	return true
}

// SetRole changes the role of member userID in group.
func (vg *VoteGroups) SetRole(userID string, role Role, group *VoteGroup) error {
	if !vg.CanSetRole(userID, role, group) {
		return ruleViolation("set role", fmt.Sprintf("cannot set role %s for %s", role, userID))
	}
	group.members[userID] = role
	vg.notifyChanged(group)
	return nil
}

// CopyFromMeeting copies the groups of source that are not present here.
// Copies keep members and potential members but no assignments. Returns the
// number of groups copied.
func (vg *VoteGroups) CopyFromMeeting(source *VoteGroups) int {
	copied := 0
	for _, g := range source.Values() {
		if vg.Contains(g.name) {
			continue
		}
		c := g.Clone()
		c.assignments = make(map[string]string)
		vg.Add(c)
		copied++
	}
	return copied
}

// EmailValidated turns potential memberships matching the user's address
// into stand-in memberships. Returns the number of groups changed.
func (vg *VoteGroups) EmailValidated(user *User) int {
	email := NormalizeEmail(user.Email)
	if email == "" {
		return 0
	}
	changed := 0
	for _, g := range vg.Values() {
		if !g.potentialMembers.Has(email) {
			continue
		}
		g.potentialMembers.Remove(email)
		g.AddMember(user.ID)
		changed++
	}
	return changed
}

// GetEmails collects invitation addresses for the named groups, or all
// groups when groupNames is empty. Potential member addresses are included
// when potential is set; member addresses are looked up in users and, with
// validated set, only included once validated.
func (vg *VoteGroups) GetEmails(ctx context.Context, groupNames []string, potential, validated bool, users UserDirectory) (StringSet, error) {
	wanted := NewStringSet(groupNames...)
	emails := make(StringSet)
	userIDs := make(StringSet)
	for _, g := range vg.groups {
		if len(wanted) > 0 && !wanted.Has(g.name) {
			continue
		}
		if potential {
			emails.Update(g.potentialMembers)
		}
		userIDs.Update(g.Members())
	}
	for _, userID := range userIDs.Sorted() {
		user, err := users.GetByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
		}
		if user == nil || user.Email == "" {
			continue
		}
		if validated && !user.EmailValidated {
			continue
		}
		emails.Add(NormalizeEmail(user.Email))
	}
	return emails, nil
}

// PresentVoters returns the effective voters that are also present.
func (vg *VoteGroups) PresentVoters(present StringSet) StringSet {
	return vg.GetVoters().Intersection(present)
}

func (vg *VoteGroups) notifyChanged(group *VoteGroup) {
	vg.notifier.Notify(AssignmentChanged{
		MeetingID: vg.meetingID,
		Group:     group,
		Groups:    vg,
	})
}
