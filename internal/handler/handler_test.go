package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"votegroups/internal/domain"
	"votegroups/internal/events"
	"votegroups/internal/repository"
	"votegroups/internal/service"
	apperrors "votegroups/pkg/errors"
	"votegroups/pkg/logger"
	"votegroups/pkg/redis"
)

// tokenAuth accepts the user id as bearer token.
type tokenAuth struct{}

func (tokenAuth) ValidateToken(_ context.Context, token string) (*domain.UserProfile, error) {
	if token == "invalid" {
		return nil, apperrors.NewAuthenticationError("Invalid JWT token")
	}
	return &domain.UserProfile{Sub: token, Email: token + "@example.com", EmailVerified: token != "unverified"}, nil
}

func (a tokenAuth) Authenticate(ctx context.Context, token string) (*domain.UserProfile, error) {
	return a.ValidateToken(ctx, token)
}

type failingCheck struct{}

func (failingCheck) Health(context.Context) error { return errors.New("down") }

type testServer struct {
	router *chi.Mux
	store  *repository.MemoryStore
	mr     *miniredis.Miniredis
}

type listBody struct {
	Groups    []domain.VoteGroupData `json:"groups"`
	Voters    []string               `json:"voters"`
	Primaries []string               `json:"primaries"`
	Members   []string               `json:"members"`
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client, err := redis.NewClient("redis://"+mr.Addr(), "test", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store := repository.NewMemoryStore()
	store.AddMeeting(&domain.Meeting{ID: "m1", WorkflowState: domain.MeetingOngoing})
	store.AddMeeting(&domain.Meeting{ID: "m2", WorkflowState: domain.MeetingUpcoming})
	store.Grant("m1", "mod", domain.MeetingRoleModerator)
	store.Grant("m2", "mod", domain.MeetingRoleModerator)

	repos := store.Repositories()
	for _, id := range []string{"one", "two", "three"} {
		require.NoError(t, repos.User.Upsert(ctx, &domain.User{ID: id, Email: id + "@example.com", EmailValidated: id != "two"}))
	}

	log := logger.NewNop()
	cache := service.NewCacheService(client, zap.NewNop(), 0, 0)
	publisher := service.NewPublisher(client, "votegroups:events", log)
	votegroups := service.NewVoteGroupService(repos, events.NewBus(log), cache, publisher, log, 3)
	votegroups.RegisterSubscribers()

	router := NewRouter(RouterConfig{
		Auth:       tokenAuth{},
		VoteGroups: votegroups,
		Cache:      cache,
		Presence:   service.NewPresenceService(client, log),
		Health:     NewHealthHandler("test", map[string]Checker{"redis": client}),
		Logger:     log,
	})
	return &testServer{router: router, store: store, mr: mr}
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) apperrors.ErrorType {
	t.Helper()
	return decode[apperrors.ErrorResponse](t, rec).Error.Type
}

// createBoard creates a group with members one, two and three, two being
// primary, and returns its id.
func (s *testServer) createBoard(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/meetings/m1/vote-groups", "mod", domain.Appstruct{
		Title:   "Board",
		Members: []string{"one", "two", "three"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	group := decode[domain.VoteGroupData](t, rec)

	rec = s.do(t, http.MethodPut, "/api/meetings/m1/vote-groups/"+group.Name+"/roles/two", "mod", map[string]string{"role": "primary"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	return group.Name
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Dependencies["redis"])

	h := NewHealthHandler("test", map[string]Checker{"database": failingCheck{}, "redis": nil})
	rec = httptest.NewRecorder()
	h.Check(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, map[string]string{"database": "unavailable"}, resp.Dependencies)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/meetings/m1/vote-groups", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/meetings/m1/vote-groups", "invalid", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.ErrorTypeAuthentication, errorType(t, rec))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestVoteGroupLifecycle(t *testing.T) {
	s := newTestServer(t)
	g := s.createBoard(t)
	base := "/api/meetings/m1/vote-groups/"

	rec := s.do(t, http.MethodGet, "/api/meetings/m1/vote-groups", "one", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[listBody](t, rec)
	require.Len(t, list.Groups, 1)
	assert.Equal(t, []string{"two"}, list.Voters)
	assert.Equal(t, []string{"two"}, list.Primaries)
	assert.Equal(t, []string{"one", "three", "two"}, list.Members)

	rec = s.do(t, http.MethodGet, base+g, "two", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[struct {
		CanAssign    bool     `json:"can_assign"`
		FreeStandins []string `json:"free_standins"`
	}](t, rec)
	assert.True(t, detail.CanAssign)
	assert.Equal(t, []string{"one", "three"}, detail.FreeStandins)

	rec = s.do(t, http.MethodPost, base+g+"/assign", "two", map[string]string{"from": "two", "to": "one"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]string{"two": "one"}, s.store.Group("m1", g).Assignments)

	rec = s.do(t, http.MethodGet, "/api/meetings/m1/voters", "three", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	voters := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"one"}, voters["voters"])

	rec = s.do(t, http.MethodPost, base+g+"/release", "two", map[string]string{})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	assert.Empty(t, s.store.Group("m1", g).Assignments)

	rec = s.do(t, http.MethodGet, "/api/meetings/m1/vote-groups/mine", "three", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[map[string][]domain.VoteGroupData](t, rec)
	require.Len(t, mine["groups"], 1)

	rec = s.do(t, http.MethodPut, base+g, "mod", domain.Appstruct{Title: "Council", Members: []string{"one", "two"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Council", decode[domain.VoteGroupData](t, rec).Title)

	rec = s.do(t, http.MethodDelete, base+g, "mod", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, base+g, "mod", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVoteGroupErrors(t *testing.T) {
	s := newTestServer(t)
	g := s.createBoard(t)
	base := "/api/meetings/m1/vote-groups/"

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       interface{}
		wantStatus int
		wantType   apperrors.ErrorType
	}{
		{"create needs moderator", http.MethodPost, "/api/meetings/m1/vote-groups", "one", domain.Appstruct{Title: "X"}, http.StatusForbidden, apperrors.ErrorTypeAuthorization},
		{"create needs title", http.MethodPost, "/api/meetings/m1/vote-groups", "mod", domain.Appstruct{}, http.StatusBadRequest, apperrors.ErrorTypeValidation},
		{"create bad email", http.MethodPost, "/api/meetings/m1/vote-groups", "mod", domain.Appstruct{Title: "X", PotentialMembers: "nope"}, http.StatusBadRequest, apperrors.ErrorTypeValidation},
		{"unknown body field", http.MethodPost, "/api/meetings/m1/vote-groups", "mod", map[string]string{"name": "X"}, http.StatusBadRequest, apperrors.ErrorTypeValidation},
		{"unknown role", http.MethodPut, base + g + "/roles/one", "mod", map[string]string{"role": "chair"}, http.StatusBadRequest, apperrors.ErrorTypeValidation},
		{"role for non-member", http.MethodPut, base + g + "/roles/stranger", "mod", map[string]string{"role": "primary"}, http.StatusForbidden, apperrors.ErrorTypeAuthorization},
		{"assign for someone else", http.MethodPost, base + g + "/assign", "three", map[string]string{"from": "two", "to": "one"}, http.StatusForbidden, apperrors.ErrorTypeAuthorization},
		{"assign from stand-in", http.MethodPost, base + g + "/assign", "mod", map[string]string{"from": "one", "to": "three"}, http.StatusForbidden, apperrors.ErrorTypeAuthorization},
		{"assign missing fields", http.MethodPost, base + g + "/assign", "two", map[string]string{"from": "two"}, http.StatusBadRequest, apperrors.ErrorTypeValidation},
		{"release without assignment", http.MethodPost, base + g + "/release", "two", map[string]string{"voter": "two"}, http.StatusForbidden, apperrors.ErrorTypeAuthorization},
		{"unknown group", http.MethodGet, base + "nope", "one", nil, http.StatusNotFound, apperrors.ErrorTypeNotFound},
		{"unknown meeting", http.MethodGet, "/api/meetings/zz/vote-groups", "one", nil, http.StatusNotFound, apperrors.ErrorTypeNotFound},
		{"settings need moderator", http.MethodGet, "/api/meetings/m1/vote-groups/settings", "one", nil, http.StatusForbidden, apperrors.ErrorTypeAuthorization},
		{"copy needs source", http.MethodPost, "/api/meetings/m1/vote-groups/copy", "mod", map[string]string{}, http.StatusBadRequest, apperrors.ErrorTypeValidation},
		{"bad flag", http.MethodGet, "/api/meetings/m1/vote-groups/emails?potential=maybe", "mod", nil, http.StatusBadRequest, apperrors.ErrorTypeValidation},
		{"unknown endpoint", http.MethodGet, "/nope", "", nil, http.StatusNotFound, apperrors.ErrorTypeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantType, errorType(t, rec))
		})
	}
}

func TestOngoingPollBlocksRoleChanges(t *testing.T) {
	s := newTestServer(t)
	g := s.createBoard(t)
	s.store.SetPollOngoing("m1", true)

	rec := s.do(t, http.MethodPut, "/api/meetings/m1/vote-groups/"+g+"/roles/one", "mod", map[string]string{"role": "primary"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "ongoing polls")

	rec = s.do(t, http.MethodPost, "/api/meetings/m1/vote-groups/"+g+"/assign", "two", map[string]string{"from": "two", "to": "one"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAssignIdempotency(t *testing.T) {
	s := newTestServer(t)
	g := s.createBoard(t)
	path := "/api/meetings/m1/vote-groups/" + g + "/assign"
	body := map[string]string{"from": "two", "to": "one"}

	// a failed attempt frees the key
	rec := s.do(t, http.MethodPost, path, "two", map[string]string{"from": "two", "to": "stranger"}, IdempotencyKeyHeader, "k1")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, path, "two", body, IdempotencyKeyHeader, "k1")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, path, "two", body, IdempotencyKeyHeader, "k1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.ErrorTypeConflict, errorType(t, rec))
}

func TestSettingsAndRoleSync(t *testing.T) {
	s := newTestServer(t)
	g := s.createBoard(t)
	s.store.Grant("m1", "three", domain.MeetingRoleVoter)

	rec := s.do(t, http.MethodPut, "/api/meetings/m1/vote-groups/settings", "mod", map[string][]string{
		"assigned_voter_roles": {domain.MeetingRoleVoter},
		"inactive_voter_roles": {},
	})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/meetings/m1/vote-groups/settings", "mod", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	settings := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{domain.MeetingRoleVoter}, settings["assigned_voter_roles"])

	rec = s.do(t, http.MethodPost, "/api/meetings/m1/vote-groups/adjust-roles", "mod", nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	roles := s.store.Repositories().MeetingRole
	ok, err := roles.HasRole(context.Background(), "m1", "two", domain.MeetingRoleVoter)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = roles.HasRole(context.Background(), "m1", "three", domain.MeetingRoleVoter)
	require.NoError(t, err)
	assert.False(t, ok)

	rec = s.do(t, http.MethodPost, "/api/meetings/m1/vote-groups/"+g+"/assign", "two", map[string]string{"from": "two", "to": "three"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	ok, err = roles.HasRole(context.Background(), "m1", "three", domain.MeetingRoleVoter)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCopyAndEmails(t *testing.T) {
	s := newTestServer(t)
	s.createBoard(t)

	rec := s.do(t, http.MethodPost, "/api/meetings/m2/vote-groups/copy", "mod", map[string]string{"from_meeting": "m1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]int{"copied": 1}, decode[map[string]int](t, rec))

	rec = s.do(t, http.MethodGet, "/api/meetings/m1/vote-groups/emails?validated=true", "mod", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	emails := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"one@example.com", "three@example.com"}, emails["emails"])

	rec = s.do(t, http.MethodGet, "/api/meetings/m1/vote-groups/emails?group=nope", "mod", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPresence(t *testing.T) {
	s := newTestServer(t)
	s.createBoard(t)

	for _, user := range []string{"one", "two"} {
		rec := s.do(t, http.MethodPost, "/api/meetings/m1/presence", user, nil)
		require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	}
	rec := s.do(t, http.MethodDelete, "/api/meetings/m1/presence", "one", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/meetings/m1/presence", "two", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/meetings/m1/presence", "mod", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"two"}, decode[map[string][]string](t, rec)["present"])

	rec = s.do(t, http.MethodPost, "/api/meetings/m1/vote-groups/apply-present", "mod", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"two"}, decode[map[string][]string](t, rec)["voters"])
}

func TestIdentity(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	users := s.store.Repositories().User

	rec := s.do(t, http.MethodPost, "/api/meetings/m1/vote-groups", "mod", domain.Appstruct{
		Title:            "Invited",
		PotentialMembers: "newbie@example.com\nunverified@example.com",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	group := decode[domain.VoteGroupData](t, rec)

	require.NoError(t, users.Upsert(ctx, &domain.User{ID: "newbie", Email: "newbie@example.com"}))
	require.NoError(t, users.Upsert(ctx, &domain.User{ID: "unverified", Email: "unverified@example.com"}))

	rec = s.do(t, http.MethodGet, "/api/user/profile", "newbie", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	profile := decode[UserProfileResponse](t, rec)
	assert.Equal(t, "newbie", profile.User.Sub)

	rec = s.do(t, http.MethodPost, "/api/identity/email-validated", "unverified", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/identity/email-validated", "newbie", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]int{"joined": 1}, decode[map[string]int](t, rec))

	stored := s.store.Group("m1", group.Name)
	assert.Equal(t, domain.RoleStandin, stored.Members["newbie"])
	assert.Equal(t, domain.NewStringSet("unverified@example.com"), stored.PotentialMembers)
}
