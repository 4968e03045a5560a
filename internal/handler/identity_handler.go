package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"votegroups/internal/domain"
	"votegroups/internal/service"
	"votegroups/pkg/errors"
	"votegroups/pkg/logger"
)

// IdentityHandler serves the caller's own identity
type IdentityHandler struct {
	votegroups *service.VoteGroupService
	logger     *logger.Logger
}

// NewIdentityHandler creates a new identity handler
func NewIdentityHandler(votegroups *service.VoteGroupService, logger *logger.Logger) *IdentityHandler {
	return &IdentityHandler{
		votegroups: votegroups,
		logger:     logger,
	}
}

// UserProfileResponse represents the user profile response
type UserProfileResponse struct {
	User    *domain.UserProfile `json:"user"`
	Success bool                `json:"success"`
	Message string              `json:"message"`
}

// RegisterRoutes registers identity routes
func (h *IdentityHandler) RegisterRoutes(r chi.Router) {
	r.Get("/user/profile", h.GetProfile)
	r.Post("/identity/email-validated", h.EmailValidated)
}

// GetProfile handles GET /api/user/profile
func (h *IdentityHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, UserProfileResponse{
		User:    user,
		Success: true,
		Message: "User profile retrieved successfully",
	})
}

// EmailValidated handles POST /api/identity/email-validated. The token must
// carry a verified address; matching invitations become memberships.
func (h *IdentityHandler) EmailValidated(w http.ResponseWriter, r *http.Request) {
	profile, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}
	if profile.Email == "" || !profile.EmailVerified {
		respondError(w, r, h.logger, errors.NewValidationError("e-mail address is not verified", nil))
		return
	}

	user := &domain.User{
		ID:    profile.Sub,
		Email: domain.NormalizeEmail(profile.Email),
		Name:  profile.Name,
	}
	joined, err := h.votegroups.EmailValidated(r.Context(), user)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"joined": joined})
}
