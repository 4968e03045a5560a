package handler

import (
	"encoding/json"
	"net/http"

	"votegroups/internal/domain"
	"votegroups/internal/middleware"
	"votegroups/pkg/errors"
	"votegroups/pkg/logger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes err in the error envelope. Server side failures are
// logged with their cause.
func respondError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	requestID := middleware.RequestIDFromContext(r.Context())
	appErr := errors.WriteError(w, err, requestID)
	if appErr.StatusCode >= http.StatusInternalServerError {
		log.WithError(err).WithFields(map[string]interface{}{
			"request_id": requestID,
			"path":       r.URL.Path,
		}).Error("Request failed")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.NewValidationError("Invalid request body", map[string]interface{}{"reason": err.Error()})
	}
	return nil
}

// currentUser returns the authenticated caller or writes a 401.
func currentUser(w http.ResponseWriter, r *http.Request, log *logger.Logger) (*domain.UserProfile, bool) {
	user := middleware.UserFromContext(r.Context())
	if user == nil || user.Sub == "" {
		respondError(w, r, log, errors.NewAuthenticationError("User not authenticated"))
		return nil, false
	}
	return user, true
}
