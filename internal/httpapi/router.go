package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"beneficios.org/internal/auth"
	"beneficios.org/internal/obs"
)

func (a *API) routes() error {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(mux.MiddlewareFunc(obs.Instrument))

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	r.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.login), a.rateBurst, a.rateRPS)).Methods(http.MethodPost)
	r.Handle("/v1/auth/refresh", RateLimit(http.HandlerFunc(a.refresh), a.rateBurst, a.rateRPS)).Methods(http.MethodPost)

	global := func(perm string) auth.PermissionRequirement { return auth.Require(perm, auth.ScopeGlobal) }
	manageTokens := global(auth.PermSystemTokenManage)

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
		reqs    []auth.PermissionRequirement
	}{
		{http.MethodPost, "/v1/auth/logout", a.logout, nil},
		{http.MethodPost, "/v1/auth/logout-all", a.logoutAll, nil},

		{http.MethodPost, "/v1/permissions/grants", a.grantPermission, reqs(global(auth.PermSystemPermissionGrant))},
		{http.MethodDelete, "/v1/permissions/grants", a.revokePermission, reqs(global(auth.PermSystemPermissionRevoke))},
		{http.MethodGet, "/v1/permissions/check", a.checkPermission, reqs(global(auth.PermSystemPermissionQuery))},
		{http.MethodGet, "/v1/permissions/catalog", a.permissionCatalog, nil},
		{http.MethodGet, "/v1/users/{userID}/grants", a.userGrants,
			reqs(auth.RequireScoped(auth.PermSystemPermissionQuery, auth.ScopeOwn, "path:userID"))},
		{http.MethodGet, "/v1/units/{unitID}/grants", a.unitGrants,
			reqs(auth.RequireScoped(auth.PermSystemPermissionQuery, auth.ScopeUnit, "path:unitID"))},

		{http.MethodPost, "/v1/token-blacklist", a.addBlacklist, reqs(manageTokens)},
		{http.MethodGet, "/v1/token-blacklist", a.listBlacklist, reqs(manageTokens)},
		{http.MethodGet, "/v1/token-blacklist/stats", a.blacklistStats, reqs(manageTokens)},
		{http.MethodPost, "/v1/token-blacklist/cleanup", a.cleanupBlacklist, reqs(manageTokens)},
		{http.MethodGet, "/v1/token-blacklist/{jti}", a.getBlacklist, reqs(manageTokens)},
		{http.MethodDelete, "/v1/token-blacklist/{jti}", a.removeBlacklist, reqs(manageTokens)},
		{http.MethodPost, "/v1/users/{userID}/invalidate-tokens", a.invalidateUserTokens, reqs(manageTokens)},
	}
	for _, rt := range routes {
		if err := a.protect(rt.method, rt.path, rt.handler, rt.reqs...); err != nil {
			return err
		}
	}
	return nil
}

func reqs(r ...auth.PermissionRequirement) []auth.PermissionRequirement { return r }

// protect registers an authenticated route guarded by requirements. An empty
// requirement list means "any authenticated principal".
func (a *API) protect(method, path string, h http.HandlerFunc, requirements ...auth.PermissionRequirement) error {
	catalog := a.svc.Guard.Evaluator().Catalog()
	for _, req := range requirements {
		if err := req.Validate(catalog); err != nil {
			return fmt.Errorf("route %s %s: %w", method, path, err)
		}
	}
	a.router.Handle(path, a.authenticate(a.authorize(requirements, h))).Methods(method)
	return nil
}

func (a *API) authorize(requirements []auth.PermissionRequirement, next http.HandlerFunc) http.Handler {
	if len(requirements) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx, err := a.svc.Guard.Check(r.Context(), principal, requirements, requestParams{r: r, vars: mux.Vars(r)})
		if err != nil {
			a.handleAuthError(w, r, err)
			return
		}
		next(w, r.WithContext(ctx))
	})
}

// requestParams exposes path variables, query values and headers to the scope resolver.
type requestParams struct {
	r    *http.Request
	vars map[string]string
}

func (p requestParams) Param(source, name string) string {
	switch source {
	case auth.SourcePath:
		return p.vars[name]
	case auth.SourceQuery:
		return p.r.URL.Query().Get(name)
	case auth.SourceHeader:
		return p.r.Header.Get(name)
	}
	return ""
}
