// Command smoke-authz exercises a running authd end to end: login, a gRPC
// permission check, logout, and rejection of the logged-out token.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"beneficios.org/internal/auth"
	"beneficios.org/internal/authz/remote"
	"beneficios.org/internal/obs"
)

func main() {
	log := obs.Logger().WithField("component", "smoke")
	httpBase := envOr("BENEFICIOS_HTTP_URL", "http://localhost:8080")
	grpcAddr := envOr("BENEFICIOS_GRPC_TARGET", "localhost:9090")
	email := os.Getenv("BENEFICIOS_SMOKE_EMAIL")
	password := os.Getenv("BENEFICIOS_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("BENEFICIOS_SMOKE_EMAIL and BENEFICIOS_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpClient := &http.Client{Timeout: 5 * time.Second}

	var session struct {
		AccessToken string         `json:"access_token"`
		User        auth.Principal `json:"user"`
	}
	code, err := postJSON(ctx, httpClient, httpBase+"/v1/auth/login", "", map[string]string{"email": email, "password": password}, &session)
	if err != nil || code != http.StatusOK {
		log.Fatalf("login: status=%d err=%v", code, err)
	}

	client, err := remote.Dial(grpcAddr, session.AccessToken)
	if err != nil {
		log.WithError(err).Fatalf("dial authd at %s", grpcAddr)
	}
	defer client.Close()

	decision, err := client.Check(ctx, auth.PermUnitView, auth.ScopeOwn, session.User.UserID, "")
	if err != nil {
		log.WithError(err).Fatal("grpc check")
	}

	code, err = postJSON(ctx, httpClient, httpBase+"/v1/auth/logout", session.AccessToken, nil, nil)
	if err != nil || code != http.StatusNoContent {
		log.Fatalf("logout: status=%d err=%v", code, err)
	}
	code, err = postJSON(ctx, httpClient, httpBase+"/v1/auth/logout", session.AccessToken, nil, nil)
	if err != nil || code != http.StatusUnauthorized {
		log.Fatalf("logged-out token still accepted: status=%d err=%v", code, err)
	}

	fmt.Printf("authd smoke test passed: user=%s check=%s/%v\n", session.User.UserID, decision.Reason, decision.Allowed)
}

func postJSON(ctx context.Context, c *http.Client, url, token string, body, out any) (int, error) {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
