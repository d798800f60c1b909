package httpapi

import (
	"errors"
	"net/http"

	"beneficios.org/internal/auth"
)

// handleAuthError maps authorization failures onto status codes. Anything it
// does not recognise is treated as a store outage and never as an allow.
func (a *API) handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		denied *auth.DeniedError
		cfgErr *auth.ConfigurationError
	)
	switch {
	case errors.As(err, &denied):
		payload := map[string]any{"error": "forbidden", "permission": denied.Permission}
		if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.HasRole(auth.RoleAdministrator) {
			payload["reason"] = denied.Decision.Reason
		}
		writeForbidden(w, r, payload)
	case errors.As(err, &cfgErr):
		writeForbidden(w, r, map[string]any{"error": "forbidden", "permission": cfgErr.Permission})
	case errors.Is(err, auth.ErrInvalidCredential):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, r, http.StatusUnauthorized, "invalid or expired credential")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeForbidden(w, r, map[string]any{"error": "forbidden"})
	default:
		a.log.WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("authorization backend failure")
		writeError(w, r, http.StatusServiceUnavailable, "authorization unavailable")
	}
}

func writeForbidden(w http.ResponseWriter, r *http.Request, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusForbidden, payload)
}
