package domain

import (
	"context"
	"strings"
	"time"
)

// User represents a registered account
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	EmailValidated bool      `json:"email_validated"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UserProfile represents the identity extracted from a bearer token
type UserProfile struct {
	Sub           string `json:"sub"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// UserDirectory resolves accounts for vote group membership.
type UserDirectory interface {
	// GetByID returns nil, nil when the user does not exist.
	GetByID(ctx context.Context, id string) (*User, error)

	// FindValidatedByEmail returns nil, nil unless a user with a validated
	// address equal to email exists.
	FindValidatedByEmail(ctx context.Context, email string) (*User, error)
}

// NormalizeEmail is the canonical form used for potential member matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
