package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/common/models"
	"github.com/medrecnet/platform/pkg/consent"
	"github.com/medrecnet/platform/pkg/federation"
	"github.com/medrecnet/platform/pkg/gateway/middleware"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// callerOrReject fetches the authenticated caller; routes behind
// middleware.Authenticate always have one.
func callerOrReject(w http.ResponseWriter, r *http.Request) (models.Caller, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return caller, ok
}

// respondServiceError maps domain errors onto status codes.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, federation.ErrUnauthorized), errors.Is(err, consent.ErrForbidden):
		status, message = http.StatusForbidden, "forbidden"
	case errors.Is(err, federation.ErrInvalidReason):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, federation.ErrBreakGlassLimit):
		status, message = http.StatusTooManyRequests, err.Error()
	case errors.Is(err, federation.ErrAuditWrite):
		status, message = http.StatusServiceUnavailable, "audit trail unavailable"
	case errors.Is(err, federation.ErrIndexUnavailable):
		status, message = http.StatusServiceUnavailable, "patient index unavailable"
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		// client went away; nothing useful to send
		return
	}

	entry := logger.Log.WithError(err).WithFields(map[string]interface{}{
		"status":     status,
		"request_id": middleware.RequestIDFrom(r.Context()),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	http.Error(w, message, status)
}
