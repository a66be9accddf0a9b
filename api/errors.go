package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jmcleod/voicegate/authn"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// mapError translates service errors to HTTP responses. Anything not
// explicitly mapped becomes an opaque 500: internal failure detail never
// reaches the client.
func mapError(w http.ResponseWriter, err error) {
	var verr *authn.ValidationError
	var locked *authn.LockedError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Msg)
	case errors.As(err, &locked):
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error:       "account temporarily locked",
			LockedUntil: locked.Until.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, authn.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
