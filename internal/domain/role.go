package domain

import "fmt"

// Role is the position a member holds inside a vote group.
type Role string

const (
	RolePrimary Role = "primary"
	RoleStandin Role = "standin"
)

// Meeting-wide permission roles.
const (
	MeetingRoleVoter     = "role:Voter"
	MeetingRoleModerator = "role:Moderator"
)

// VoteGroupRoles lists the recognized roles in display order.
var VoteGroupRoles = []Role{RolePrimary, RoleStandin}

func (r Role) Valid() bool {
	return r == RolePrimary || r == RoleStandin
}

func (r Role) String() string {
	return string(r)
}

// ParseRole validates user supplied input. Callers must parse before handing
// a role to VoteGroups, which treats unknown roles as a programming error.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown vote group role %q", s)
	}
	return r, nil
}

func mustBeValidRole(r Role) {
	if !r.Valid() {
		panic(fmt.Sprintf("vote group role %q does not exist", string(r)))
	}
}
