package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"beneficios.org/internal/audit"
	"beneficios.org/internal/auth"
	"beneficios.org/internal/authz"
	"beneficios.org/internal/obs"
)

// GRPCServer implements authz.AuthorizationServer over the same services as the HTTP API.
type GRPCServer struct {
	svc          Services
	readiness    readinessChecker
	health       *health.Server
	requirements map[string][]auth.PermissionRequirement
	log          logrus.FieldLogger
}

var _ authz.AuthorizationServer = (*GRPCServer)(nil)

// NewGRPCServer validates the per-method requirements and builds the service.
func NewGRPCServer(svc Services, r readinessChecker) (*GRPCServer, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if r == nil {
		r = ReadyProbe{}
	}
	s := &GRPCServer{
		svc:       svc,
		readiness: r,
		health:    health.NewServer(),
		requirements: map[string][]auth.PermissionRequirement{
			authz.CheckMethod:     nil,
			authz.IsRevokedMethod: {auth.Require(auth.PermSystemTokenManage, auth.ScopeGlobal)},
		},
		log: obs.Logger().WithField("component", "grpc"),
	}
	catalog := svc.Guard.Evaluator().Catalog()
	for method, reqs := range s.requirements {
		for _, req := range reqs {
			if err := req.Validate(catalog); err != nil {
				return nil, fmt.Errorf("grpc method %s: %w", method, err)
			}
		}
	}
	return s, nil
}

// NewServer returns a grpc.Server with the authorization and health services registered.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary, s.authUnary))
	server := grpc.NewServer(opts...)
	authz.RegisterAuthorizationServer(server, s)
	healthpb.RegisterHealthServer(server, s.health)
	return server
}

// RefreshHealth sets the serving status from the readiness probe.
func (s *GRPCServer) RefreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		s.log.WithError(err).Warn("readiness check failed")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(authz.ServiceName, st)
}

// WatchReadiness refreshes the health status every interval until ctx ends.
func (s *GRPCServer) WatchReadiness(ctx context.Context, interval time.Duration) {
	s.RefreshHealth(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.RefreshHealth(ctx)
		}
	}
}

// Check answers whether the calling principal holds a permission in a scope.
// A malformed request scope is a deny, not an error.
func (s *GRPCServer) Check(ctx context.Context, req *authz.CheckRequest) (*authz.CheckResponse, error) {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	scope, err := auth.ParseScopeType(req.ScopeType)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	d, err := s.svc.Guard.Evaluator().Evaluate(ctx, p, auth.Request{
		Permission: req.Permission,
		ScopeType:  scope,
		ScopeID:    req.ScopeID,
		OwnerID:    req.OwnerID,
	})
	if err != nil {
		var cfgErr *auth.ConfigurationError
		if !errors.As(err, &cfgErr) {
			return nil, grpcError(err)
		}
	}
	return &authz.CheckResponse{
		Allowed:     d.Allowed,
		Reason:      d.Reason,
		MatchedRole: string(d.MatchedRole),
		GrantID:     d.MatchedGrantID,
	}, nil
}

// IsRevoked reports blacklist membership of a jti.
func (s *GRPCServer) IsRevoked(ctx context.Context, req *authz.IsRevokedRequest) (*authz.IsRevokedResponse, error) {
	if strings.TrimSpace(req.JTI) == "" {
		return nil, status.Error(codes.InvalidArgument, "jti is required")
	}
	revoked, err := s.svc.Revocation.IsBlacklisted(ctx, req.JTI)
	if err != nil {
		return nil, grpcError(err)
	}
	return &authz.IsRevokedResponse{Revoked: revoked}, nil
}

func (s *GRPCServer) authUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	reqs, guarded := s.requirements[info.FullMethod]
	if !guarded {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if values := md.Get("authorization"); len(values) > 0 {
		header = values[0]
	}
	token, err := extractBearerToken(header)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	principal, claims, err := s.svc.Sessions.Authenticate(ctx, token)
	if err != nil {
		return nil, grpcError(err)
	}
	ctx = auth.ContextWithPrincipal(ctx, principal)
	ctx = auth.ContextWithClaims(ctx, claims)
	ctx, err = s.svc.Guard.Check(ctx, principal, reqs, metadataParams(md))
	if err != nil {
		return nil, grpcError(err)
	}
	return handler(ctx, req)
}

func (s *GRPCServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	rid := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("x-request-id"); len(values) > 0 {
			rid = values[0]
		}
	}
	ctx = audit.WithRequestID(ctx, rid)
	resp, err := handler(ctx, req)
	s.log.WithFields(logrus.Fields{
		"request_id":  rid,
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("rpc_complete")
	return resp, err
}

// metadataParams exposes incoming metadata as the header source of the scope resolver.
type metadataParams metadata.MD

func (m metadataParams) Param(source, name string) string {
	if source != auth.SourceHeader {
		return ""
	}
	if values := metadata.MD(m).Get(name); len(values) > 0 {
		return values[0]
	}
	return ""
}

func grpcError(err error) error {
	var (
		denied *auth.DeniedError
		cfgErr *auth.ConfigurationError
	)
	switch {
	case errors.As(err, &denied):
		return status.Errorf(codes.PermissionDenied, "permission %s denied", denied.Permission)
	case errors.As(err, &cfgErr):
		return status.Errorf(codes.PermissionDenied, "permission %s denied", cfgErr.Permission)
	case errors.Is(err, auth.ErrInvalidCredential):
		return status.Error(codes.Unauthenticated, "invalid or expired credential")
	case errors.Is(err, auth.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Unavailable, "authorization unavailable")
}
