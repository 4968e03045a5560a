package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"votegroups/internal/domain"
	"votegroups/internal/service"
	"votegroups/pkg/errors"
	"votegroups/pkg/logger"
)

// IdempotencyKeyHeader deduplicates retried vote assignments.
const IdempotencyKeyHeader = "Idempotency-Key"

// VoteGroupHandler serves the vote group API of a meeting
type VoteGroupHandler struct {
	votegroups *service.VoteGroupService
	cache      *service.CacheService
	presence   service.PresenceService
	logger     *logger.Logger
}

// NewVoteGroupHandler creates a new vote group handler
func NewVoteGroupHandler(votegroups *service.VoteGroupService, cache *service.CacheService, presence service.PresenceService, logger *logger.Logger) *VoteGroupHandler {
	return &VoteGroupHandler{
		votegroups: votegroups,
		cache:      cache,
		presence:   presence,
		logger:     logger,
	}
}

// RegisterRoutes registers vote group routes below /meetings/{meetingID}
func (h *VoteGroupHandler) RegisterRoutes(r chi.Router) {
	r.Route("/vote-groups", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/mine", h.Mine)
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)
		r.Post("/copy", h.CopyFromMeeting)
		r.Post("/adjust-roles", h.AdjustRoles)
		r.Post("/apply-present", h.ApplyPresent)
		r.Get("/emails", h.Emails)

		r.Route("/{groupID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Put("/roles/{userID}", h.SetRole)
			r.Post("/assign", h.AssignVote)
			r.Post("/release", h.Release)
		})
	})
	r.Get("/voters", h.Voters)
}

// ListResponse is the vote group overview of a meeting
type ListResponse struct {
	Groups    []*domain.VoteGroup `json:"groups"`
	Voters    domain.StringSet    `json:"voters"`
	Primaries domain.StringSet    `json:"primaries"`
	Members   domain.StringSet    `json:"members"`
}

// GroupResponse describes one group from the caller's point of view
type GroupResponse struct {
	Group        *domain.VoteGroup `json:"group"`
	Appstruct    domain.Appstruct  `json:"appstruct"`
	Voters       domain.StringSet  `json:"voters"`
	FreeStandins domain.StringSet  `json:"free_standins"`
	CanAssign    bool              `json:"can_assign"`
	Standin      string            `json:"standin,omitempty"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

type assignRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type releaseRequest struct {
	Voter string `json:"voter"`
}

type copyRequest struct {
	FromMeeting string `json:"from_meeting"`
}

// List handles GET /api/meetings/{meetingID}/vote-groups
func (h *VoteGroupHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r, h.logger); !ok {
		return
	}

	groups, err := h.votegroups.List(r.Context(), chi.URLParam(r, "meetingID"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, ListResponse{
		Groups:    groups.Sorted(),
		Voters:    groups.GetVoters(),
		Primaries: groups.GetPrimaries(nil),
		Members:   groups.GetMembers(),
	})
}

// Mine handles GET /api/meetings/{meetingID}/vote-groups/mine
func (h *VoteGroupHandler) Mine(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	groups, err := h.votegroups.ForUser(r.Context(), chi.URLParam(r, "meetingID"), user.Sub)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if groups == nil {
		groups = []*domain.VoteGroup{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"groups": groups})
}

// Get handles GET /api/meetings/{meetingID}/vote-groups/{groupID}
func (h *VoteGroupHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	group, groups, err := h.votegroups.Get(r.Context(), chi.URLParam(r, "meetingID"), chi.URLParam(r, "groupID"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	resp := GroupResponse{
		Group:        group,
		Appstruct:    group.Appstruct(),
		Voters:       group.GetVoters(),
		FreeStandins: groups.GetFreeStandins(group),
		CanAssign:    groups.CanAssign(user.Sub, group),
	}
	if standin, ok := group.GetSubstituteFor(user.Sub); ok {
		resp.Standin = standin
	}
	respondJSON(w, http.StatusOK, resp)
}

// Create handles POST /api/meetings/{meetingID}/vote-groups
func (h *VoteGroupHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	var req domain.Appstruct
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := validateAppstruct(&req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	group, err := h.votegroups.Create(r.Context(), chi.URLParam(r, "meetingID"), user.Sub, req)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, group)
}

// Update handles PUT /api/meetings/{meetingID}/vote-groups/{groupID}
func (h *VoteGroupHandler) Update(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	var req domain.Appstruct
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := validateAppstruct(&req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	group, err := h.votegroups.Update(r.Context(), chi.URLParam(r, "meetingID"), user.Sub, chi.URLParam(r, "groupID"), req)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, group)
}

// Delete handles DELETE /api/meetings/{meetingID}/vote-groups/{groupID}
func (h *VoteGroupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.votegroups.Delete(r.Context(), chi.URLParam(r, "meetingID"), user.Sub, chi.URLParam(r, "groupID")); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetRole handles PUT /api/meetings/{meetingID}/vote-groups/{groupID}/roles/{userID}
func (h *VoteGroupHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		respondError(w, r, h.logger, errors.NewValidationError(err.Error(), map[string]interface{}{"role": req.Role}))
		return
	}

	err = h.votegroups.SetRole(r.Context(), chi.URLParam(r, "meetingID"), user.Sub,
		chi.URLParam(r, "groupID"), chi.URLParam(r, "userID"), role)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AssignVote handles POST /api/meetings/{meetingID}/vote-groups/{groupID}/assign
func (h *VoteGroupHandler) AssignVote(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if req.From == "" || req.To == "" {
		respondError(w, r, h.logger, errors.NewValidationError("from and to are required", nil))
		return
	}

	ctx := r.Context()
	key := r.Header.Get(IdempotencyKeyHeader)
	first, err := h.cache.ClaimIdempotencyKey(ctx, user.Sub, key)
	if err != nil {
		h.logger.WithError(err).Warn("Idempotency check unavailable, continuing")
		first, key = true, ""
	}
	if !first {
		respondError(w, r, h.logger, errors.NewConflictError("Duplicate request"))
		return
	}

	err = h.votegroups.AssignVote(ctx, chi.URLParam(r, "meetingID"), user.Sub, chi.URLParam(r, "groupID"), req.From, req.To)
	if err != nil {
		h.cache.ReleaseIdempotencyKey(ctx, user.Sub, key)
		respondError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Release handles POST /api/meetings/{meetingID}/vote-groups/{groupID}/release
func (h *VoteGroupHandler) Release(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	var req releaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if req.Voter == "" {
		req.Voter = user.Sub
	}

	err := h.votegroups.ReleaseSubstitute(r.Context(), chi.URLParam(r, "meetingID"), user.Sub, chi.URLParam(r, "groupID"), req.Voter)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetSettings handles GET /api/meetings/{meetingID}/vote-groups/settings
func (h *VoteGroupHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	settings, err := h.votegroups.Settings(r.Context(), chi.URLParam(r, "meetingID"), user.Sub)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, settings)
}

// UpdateSettings handles PUT /api/meetings/{meetingID}/vote-groups/settings
func (h *VoteGroupHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	var req domain.VoteGroupSettings
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	if err := h.votegroups.UpdateSettings(r.Context(), chi.URLParam(r, "meetingID"), user.Sub, req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CopyFromMeeting handles POST /api/meetings/{meetingID}/vote-groups/copy
func (h *VoteGroupHandler) CopyFromMeeting(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	var req copyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if req.FromMeeting == "" {
		respondError(w, r, h.logger, errors.NewValidationError("from_meeting is required", nil))
		return
	}

	copied, err := h.votegroups.CopyFromMeeting(r.Context(), chi.URLParam(r, "meetingID"), user.Sub, req.FromMeeting)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"copied": copied})
}

// AdjustRoles handles POST /api/meetings/{meetingID}/vote-groups/adjust-roles
func (h *VoteGroupHandler) AdjustRoles(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.votegroups.AdjustRoles(r.Context(), chi.URLParam(r, "meetingID"), user.Sub); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ApplyPresent handles POST /api/meetings/{meetingID}/vote-groups/apply-present
func (h *VoteGroupHandler) ApplyPresent(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	ctx := r.Context()
	meetingID := chi.URLParam(r, "meetingID")
	present, err := h.presence.Present(ctx, meetingID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	voters, err := h.votegroups.ApplyPresentVoterRights(ctx, meetingID, user.Sub, present)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"voters": voters})
}

// Emails handles GET /api/meetings/{meetingID}/vote-groups/emails
func (h *VoteGroupHandler) Emails(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r, h.logger)
	if !ok {
		return
	}

	query := r.URL.Query()
	potential, err := parseFlag(query.Get("potential"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	validated, err := parseFlag(query.Get("validated"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	emails, err := h.votegroups.Emails(r.Context(), chi.URLParam(r, "meetingID"), user.Sub, query["group"], potential, validated)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"emails": emails})
}

// Voters handles GET /api/meetings/{meetingID}/voters
func (h *VoteGroupHandler) Voters(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r, h.logger); !ok {
		return
	}

	voters, err := h.votegroups.Voters(r.Context(), chi.URLParam(r, "meetingID"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=5")
	respondJSON(w, http.StatusOK, map[string]interface{}{"voters": voters})
}

func validateAppstruct(req *domain.Appstruct) error {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return errors.NewValidationError("title is required", nil)
	}
	if len(req.Title) > 200 {
		return errors.NewValidationError("title is too long", map[string]interface{}{"max": 200})
	}
	for _, line := range strings.Split(req.PotentialMembers, "\n") {
		if email := strings.TrimSpace(line); email != "" && !strings.Contains(email, "@") {
			return errors.NewValidationError("invalid e-mail address", map[string]interface{}{"email": email})
		}
	}
	return nil
}

func parseFlag(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.NewValidationError("invalid boolean flag", map[string]interface{}{"value": v})
	}
	return b, nil
}
