package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"votegroups/internal/service"
	"votegroups/pkg/errors"
	"votegroups/pkg/logger"
)

// PresenceHandler handles meeting check-in
type PresenceHandler struct {
	presence   service.PresenceService
	votegroups *service.VoteGroupService
	logger     *logger.Logger
}

func NewPresenceHandler(presence service.PresenceService, votegroups *service.VoteGroupService, logger *logger.Logger) *PresenceHandler {
	return &PresenceHandler{
		presence:   presence,
		votegroups: votegroups,
		logger:     logger,
	}
}

// RegisterRoutes registers presence routes below /meetings/{meetingID}
func (h *PresenceHandler) RegisterRoutes(r chi.Router) {
	r.Route("/presence", func(r chi.Router) {
		r.Post("/", h.CheckIn)
		r.Delete("/", h.CheckOut)
		r.Get("/", h.List)
	})
}

// CheckIn handles POST /api/meetings/{meetingID}/presence
func (h *PresenceHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.presence.CheckIn(r.Context(), chi.URLParam(r, "meetingID"), user.Sub); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckOut handles DELETE /api/meetings/{meetingID}/presence
func (h *PresenceHandler) CheckOut(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.presence.CheckOut(r.Context(), chi.URLParam(r, "meetingID"), user.Sub); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/meetings/{meetingID}/presence
func (h *PresenceHandler) List(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	ctx := r.Context()
	meetingID := chi.URLParam(r, "meetingID")
	actor, err := h.votegroups.Actor(ctx, meetingID, user.Sub)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if !actor.Moderator {
		respondError(w, r, h.logger, errors.NewAuthorizationError("moderator role required"))
		return
	}

	present, err := h.presence.Present(ctx, meetingID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"present": present})
}
