package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"beneficios.org/internal/auth"
	"beneficios.org/internal/obs"
)

const (
	serviceName     = "beneficios-authz"
	maxRequestBytes = 1 << 20
)

// Pinger is anything with a cheap liveness round trip.
type Pinger interface {
	Ping(ctx context.Context) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe checks the database and, when configured, the blacklist cache.
type ReadyProbe struct {
	DB    Pinger
	Cache Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if rp.Cache != nil {
		if err := rp.Cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	return nil
}

// Services are the authorization components the HTTP layer drives.
type Services struct {
	Sessions   *auth.SessionManager
	Grants     *auth.GrantService
	Revocation *auth.RevocationService
	Guard      *auth.Guard
}

func (s Services) validate() error {
	if s.Sessions == nil || s.Grants == nil || s.Revocation == nil || s.Guard == nil {
		return errors.New("httpapi: sessions, grants, revocation and guard are required")
	}
	return nil
}

// Option configures API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket on the login and refresh
// endpoints. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.rateRPS = perSecond
		a.rateBurst = burst
	}
}

// WithLogger overrides the logger used for handler errors.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// API is the HTTP layer.
type API struct {
	router     *mux.Router
	svc        Services
	readyProbe readinessChecker
	version    string
	rateRPS    float64
	rateBurst  int
	log        logrus.FieldLogger
}

// New builds the router. Every permission requirement is validated here, so a
// misdeclared route fails startup instead of a request.
func New(svc Services, rp readinessChecker, version string, opts ...Option) (*API, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if rp == nil {
		rp = ReadyProbe{}
	}
	a := &API{
		router:     mux.NewRouter(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
		log:        obs.Logger().WithField("component", "httpapi"),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.routes(); err != nil {
		return nil, err
	}
	return a, nil
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, maxRequestBytes)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(r, dst); err != nil && !errors.Is(err, errEmptyBody) {
		return err
	}
	return nil
}

func queryValue(r *http.Request, name string) string {
	return strings.TrimSpace(r.URL.Query().Get(name))
}

func clientInfo(r *http.Request) auth.ClientInfo {
	return auth.ClientInfo{IPAddress: clientIP(r), UserAgent: r.UserAgent()}
}
