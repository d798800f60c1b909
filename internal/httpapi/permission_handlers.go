package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"beneficios.org/internal/auth"
)

type grantRequest struct {
	UserID     string     `json:"user_id"`
	Permission string     `json:"permission"`
	ScopeType  string     `json:"scope_type"`
	ScopeID    string     `json:"scope_id,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

type revokeRequest struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
	ScopeType  string `json:"scope_type"`
	ScopeID    string `json:"scope_id,omitempty"`
}

type grantList struct {
	Items []auth.UserGrant `json:"items"`
}

func (a *API) grantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := auth.ParseScopeType(req.ScopeType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	grant, err := a.svc.Grants.Grant(r.Context(), actor, auth.GrantInput{
		UserID:     req.UserID,
		Permission: req.Permission,
		ScopeType:  scope,
		ScopeID:    req.ScopeID,
		ValidUntil: req.ValidUntil,
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) revokePermission(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	scope, err := auth.ParseScopeType(req.ScopeType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	grant, err := a.svc.Grants.Revoke(r.Context(), actor, auth.GrantKey{
		UserID:     req.UserID,
		Permission: req.Permission,
		ScopeType:  scope,
		ScopeID:    req.ScopeID,
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) checkPermission(w http.ResponseWriter, r *http.Request) {
	scope, err := auth.ParseScopeType(queryValue(r, "scope_type"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := a.svc.Grants.Check(r.Context(), auth.CheckInput{
		UserID:     queryValue(r, "user_id"),
		Permission: queryValue(r, "permission"),
		ScopeType:  scope,
		ScopeID:    queryValue(r, "scope_id"),
		OwnerID:    queryValue(r, "owner_id"),
	})
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) permissionCatalog(w http.ResponseWriter, r *http.Request) {
	catalog := a.svc.Guard.Evaluator().Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"permissions":      catalog.Permissions(),
		"role_permissions": catalog.RolePermissions(),
	})
}

func (a *API) userGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := a.svc.Grants.ListForUser(r.Context(), mux.Vars(r)["userID"])
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantList{Items: nonNilGrants(grants)})
}

func (a *API) unitGrants(w http.ResponseWriter, r *http.Request) {
	unitID := mux.Vars(r)["unitID"]
	// The resolver prefers the caller's own unit; refuse to answer for a different one.
	if scope, ok := auth.ScopeFromContext(r.Context()); ok && scope.ID != unitID {
		writeForbidden(w, r, map[string]any{"error": "forbidden", "permission": scope.Permission})
		return
	}
	grants, err := a.svc.Grants.ListForUnit(r.Context(), unitID, queryValue(r, "permission"))
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grantList{Items: nonNilGrants(grants)})
}

func nonNilGrants(in []auth.UserGrant) []auth.UserGrant {
	if in == nil {
		return []auth.UserGrant{}
	}
	return in
}
