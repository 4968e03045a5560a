package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRuleViolation marks any refused vote group mutation. State is left untouched.
	ErrRuleViolation = errors.New("vote group rule violation")

	ErrGroupNotFound   = errors.New("vote group not found")
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrUserNotFound    = errors.New("user not found")

	// ErrPollOngoing is returned for changes refused while a poll of the meeting is open.
	ErrPollOngoing = errors.New("action not allowed during ongoing polls")

	// ErrConflict is returned by a save whose expected version no longer matches the store.
	ErrConflict = errors.New("vote groups were modified concurrently")
)

// RuleViolationError describes why a mutation was refused.
type RuleViolationError struct {
	Op     string
	Reason string
}

func (e *RuleViolationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *RuleViolationError) Is(target error) bool {
	return target == ErrRuleViolation
}

func ruleViolation(op, reason string) error {
	return &RuleViolationError{Op: op, Reason: reason}
}
