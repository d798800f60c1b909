package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"beneficios.org/internal/auth"
	"beneficios.org/internal/store/memory"
)

const testSecret = "httpapi-test-secret-0123456789abcdef"

// Directory fixtures: unit-a staff plus a global administrator.
const (
	adminID      = "u-admin"
	managerID    = "u-manager"
	technicianID = "u-tech"
	auditorID    = "u-auditor"
)

type testEnv struct {
	t       *testing.T
	store   *memory.Store
	audit   *memory.AuditRecorder
	issuer  *auth.TokenIssuer
	svc     Services
	baseURL string
	client  *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	store.AddUser(memory.User{ID: adminID, Email: "admin@example.org", Roles: []auth.Role{auth.RoleAdministrator}, Active: true})
	// No primary unit: the manager addresses units through the path.
	store.AddUser(memory.User{ID: managerID, Email: "manager@example.org", Roles: []auth.Role{auth.RoleUnitManager}, Units: []string{"unit-a"}, Active: true})
	store.AddUser(memory.User{ID: technicianID, Email: "tech@example.org", Roles: []auth.Role{auth.RoleUnitTechnician}, Units: []string{"unit-a"}, PrimaryUnit: "unit-a", Active: true})
	store.AddUser(memory.User{ID: auditorID, Email: "auditor@example.org", Roles: []auth.Role{auth.RoleAuditor}, Units: []string{"unit-a"}, PrimaryUnit: "unit-a", Active: true})

	issuer, err := auth.NewTokenIssuer(auth.WithHMACSecret(testSecret))
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	recorder := &memory.AuditRecorder{}
	evaluator := auth.NewEvaluator(auth.DefaultCatalog(), auth.DefaultBypassTable(), store)
	grants, err := auth.NewGrantService(store, evaluator, store, auth.WithGrantAudit(recorder))
	if err != nil {
		t.Fatalf("grant service: %v", err)
	}
	revocation := auth.NewRevocationService(store, auth.WithRevocationAudit(recorder))
	sessions, err := auth.NewSessionManager(store, issuer, revocation, auth.WithSessionAudit(recorder))
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	svc := Services{
		Sessions:   sessions,
		Grants:     grants,
		Revocation: revocation,
		Guard:      auth.NewGuard(evaluator, nil),
	}

	api, err := New(svc, ReadyProbe{}, "test")
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		t:       t,
		store:   store,
		audit:   recorder,
		issuer:  issuer,
		svc:     svc,
		baseURL: srv.URL,
		client:  srv.Client(),
	}
}

// token mints an access token for a directory user without going through login.
func (e *testEnv) token(userID string) string {
	e.t.Helper()
	p, err := e.store.Principal(context.Background(), userID)
	if err != nil {
		e.t.Fatalf("principal %s: %v", userID, err)
	}
	raw, _, err := e.issuer.Issue(p)
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return raw
}

func (e *testEnv) do(method, path, token string, body any) (*http.Response, map[string]any) {
	e.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.baseURL+path, payload)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			e.t.Fatalf("decode %s %s body %q: %v", method, path, raw, err)
		}
	}
	return resp, out
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if body["status"] != "ok" || body["service"] != serviceName {
		t.Fatalf("unexpected healthz body: %v", body)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("expected %s header", requestIDHeader)
	}

	resp, body = env.do(http.MethodGet, "/readyz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if body["status"] != "ready" {
		t.Fatalf("unexpected readyz body: %v", body)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadyProbeReportsCacheFailure(t *testing.T) {
	probe := ReadyProbe{
		DB:    pingFunc(func(context.Context) error { return nil }),
		Cache: pingFunc(func(context.Context) error { return errors.New("redis down") }),
	}
	err := probe.Check(context.Background())
	if err == nil || err.Error() != "cache: redis down" {
		t.Fatalf("unexpected probe error: %v", err)
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(http.MethodGet, "/v1/nope", "", nil)
	expectStatus(t, resp, http.StatusNotFound)
	if body["error"] != "not found" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(http.MethodGet, "/v1/permissions/catalog", "", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	if body["error"] != "missing bearer token" {
		t.Fatalf("unexpected body: %v", body)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}

	resp, _ = env.do(http.MethodGet, "/v1/permissions/catalog", "not-a-jwt", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestInactiveUserTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.token(technicianID)
	env.store.SetActive(technicianID, false)

	resp, _ := env.do(http.MethodGet, "/v1/permissions/catalog", token, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestNewRejectsMissingServices(t *testing.T) {
	if _, err := New(Services{}, nil, "test"); err == nil {
		t.Fatal("expected error for empty services")
	}
}
