// Package remote is a client for the authorization gRPC service.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"beneficios.org/internal/auth"
	"beneficios.org/internal/authz"
)

// Client wraps the gRPC authorization service.
type Client struct {
	conn  *grpc.ClientConn
	svc   authz.AuthorizationClient
	token string
}

// Dial creates a client. Without options the transport is insecure.
func Dial(target, token string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, token), nil
}

// NewClient wraps an existing connection; Close then closes conn.
func NewClient(conn *grpc.ClientConn, token string) *Client {
	return &Client{conn: conn, svc: authz.NewAuthorizationClient(conn), token: strings.TrimSpace(token)}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Check asks whether the token holder may exercise permission in the given scope.
func (c *Client) Check(ctx context.Context, permission string, scope auth.ScopeType, scopeID, ownerID string) (auth.Decision, error) {
	resp, err := c.svc.Check(c.outgoing(ctx), &authz.CheckRequest{
		Permission: permission,
		ScopeType:  string(scope),
		ScopeID:    scopeID,
		OwnerID:    ownerID,
	})
	if err != nil {
		return auth.Decision{}, mapError(err)
	}
	return auth.Decision{
		Allowed:        resp.Allowed,
		Reason:         resp.Reason,
		Permission:     permission,
		ScopeType:      scope,
		ScopeID:        scopeID,
		MatchedRole:    auth.Role(resp.MatchedRole),
		MatchedGrantID: resp.GrantID,
		Bypassed:       resp.Reason == auth.ReasonBypassRole,
		CheckedAt:      time.Now().UTC(),
	}, nil
}

// IsRevoked reports whether jti is blacklisted.
func (c *Client) IsRevoked(ctx context.Context, jti string) (bool, error) {
	resp, err := c.svc.IsRevoked(c.outgoing(ctx), &authz.IsRevokedRequest{JTI: jti})
	if err != nil {
		return false, mapError(err)
	}
	return resp.Revoked, nil
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

// mapError turns status codes back into the auth sentinels.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", auth.ErrInvalidCredential, st.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", auth.ErrForbidden, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", auth.ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, st.Message())
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", auth.ErrConflict, st.Message())
	}
	return err
}

// WithTimeout returns a context with a default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
