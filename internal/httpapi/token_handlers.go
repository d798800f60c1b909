package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"beneficios.org/internal/auth"
)

type blacklistRequest struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

type invalidateRequest struct {
	Reason    string `json:"reason,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

func (a *API) addBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := auth.ParseTokenKind(req.TokenType)
	if err != nil || kind == auth.TokenAll {
		writeError(w, r, http.StatusBadRequest, "token_type must be access or refresh")
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	entry := auth.BlacklistEntry{
		JTI:       req.JTI,
		UserID:    req.UserID,
		TokenType: kind,
		ExpiresAt: req.ExpiresAt,
		Reason:    req.Reason,
	}
	added, err := a.svc.Revocation.Add(r.Context(), actor, entry)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"added": added, "jti": entry.JTI})
}

func (a *API) listBlacklist(w http.ResponseWriter, r *http.Request) {
	filter := auth.BlacklistFilter{UserID: queryValue(r, "user_id")}
	if raw := queryValue(r, "token_type"); raw != "" {
		kind, err := auth.ParseTokenKind(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.TokenType = kind
	}
	if raw := queryValue(r, "limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	entries, err := a.svc.Revocation.List(r.Context(), filter)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	if entries == nil {
		entries = []auth.BlacklistEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) blacklistStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Revocation.Stats(r.Context())
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) cleanupBlacklist(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Revocation.CleanupExpired(r.Context())
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) getBlacklist(w http.ResponseWriter, r *http.Request) {
	entry, err := a.svc.Revocation.Get(r.Context(), mux.Vars(r)["jti"])
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) removeBlacklist(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.UserIDFromContext(r.Context())
	if err := a.svc.Revocation.Remove(r.Context(), actor, mux.Vars(r)["jti"]); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) invalidateUserTokens(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := auth.ParseTokenKind(req.TokenType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	res, err := a.svc.Revocation.InvalidateUser(r.Context(), actor, mux.Vars(r)["userID"], req.Reason, kind)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
