package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                   "/",
		"/metrics":                           "/metrics",
		"/v1/users/u-1/grants":               "/v1/users/:id/grants",
		"/v1/users/u-1/invalidate-tokens":    "/v1/users/:id/invalidate-tokens",
		"/v1/users/u-1/extra":                "/v1/users/u-1/extra",
		"/v1/units/unit-a/grants":            "/v1/units/:id/grants",
		"/v1/token-blacklist/01J0":           "/v1/token-blacklist/:jti",
		"/v1/token-blacklist/stats":          "/v1/token-blacklist/stats",
		"/v1/permissions/check?permission=x": "/v1/permissions/check",
		"/v1/auth/login":                     "/v1/auth/login",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestRecordDecisionLabels(t *testing.T) {
	before := testutil.ToFloat64(decisionsTotal.WithLabelValues("relatorio.gerar", "deny", "scope_mismatch"))
	RecordDecision("relatorio.gerar", false, "scope_mismatch")
	after := testutil.ToFloat64(decisionsTotal.WithLabelValues("relatorio.gerar", "deny", "scope_mismatch"))
	if after-before != 1 {
		t.Fatalf("expected deny counter to grow by 1, got %v", after-before)
	}
}

func TestRecordCleanupIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(cleanupRemovedTotal.WithLabelValues("cutoff"))
	RecordCleanup("cutoff", 0)
	RecordCleanup("cutoff", 3)
	if got := testutil.ToFloat64(cleanupRemovedTotal.WithLabelValues("cutoff")) - before; got != 3 {
		t.Fatalf("expected 3 removed, got %v", got)
	}
}

func TestInstrumentUsesRouteTemplate(t *testing.T) {
	r := mux.NewRouter()
	r.Use(Instrument)
	r.HandleFunc("/v1/units/{unitID}/grants", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/units/{unitID}/grants", "418"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/units/unit-a/grants", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/units/{unitID}/grants", "418"))
	if after-before != 1 {
		t.Fatalf("expected templated label to be used")
	}
}

func TestConfigureStampsServiceFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stdout)
		Logger().ReplaceHooks(make(logrus.LevelHooks))
		Logger().SetLevel(logrus.InfoLevel)
	})

	Configure("debug", "authd", "v1.2.3")
	Logger().Debug("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if entry["service"] != "authd" || entry["version"] != "v1.2.3" {
		t.Fatalf("missing service fields: %v", entry)
	}
	if entry["msg"] != "hello" || entry["level"] != "debug" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestInitBuildInfo(t *testing.T) {
	InitBuildInfo("beneficios-authz", "1.2.3", "")
	InitBuildInfo("beneficios-authz", "1.2.3", "")

	got := testutil.ToFloat64(buildInfo.WithLabelValues("beneficios-authz", "1.2.3", "unknown", runtime.Version()))
	if got != 1 {
		t.Fatalf("authz_build_info = %v, want 1", got)
	}
}
