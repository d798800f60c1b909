// Package authz is the wire contract of the beneficios.authz.v1.Authorization gRPC
// service. Messages travel as JSON through a registered codec.
package authz

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "beneficios.authz.v1.Authorization"

	CheckMethod     = "/" + ServiceName + "/Check"
	IsRevokedMethod = "/" + ServiceName + "/IsRevoked"
)

// CheckRequest asks whether the calling principal holds permission in a scope.
type CheckRequest struct {
	Permission string `json:"permission"`
	ScopeType  string `json:"scope_type"`
	ScopeID    string `json:"scope_id,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
}

// CheckResponse carries the decision.
type CheckResponse struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	MatchedRole string `json:"matched_role,omitempty"`
	GrantID     string `json:"grant_id,omitempty"`
}

// IsRevokedRequest names a token identifier.
type IsRevokedRequest struct {
	JTI string `json:"jti"`
}

// IsRevokedResponse reports blacklist membership.
type IsRevokedResponse struct {
	Revoked bool `json:"revoked"`
}

// AuthorizationServer is the server API.
type AuthorizationServer interface {
	Check(context.Context, *CheckRequest) (*CheckResponse, error)
	IsRevoked(context.Context, *IsRevokedRequest) (*IsRevokedResponse, error)
}

// RegisterAuthorizationServer attaches srv to s.
func RegisterAuthorizationServer(s grpc.ServiceRegistrar, srv AuthorizationServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func checkHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CheckRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizationServer).Check(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizationServer).Check(ctx, req.(*CheckRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func isRevokedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(IsRevokedRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorizationServer).IsRevoked(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: IsRevokedMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AuthorizationServer).IsRevoked(ctx, req.(*IsRevokedRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorizationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: checkHandler},
		{MethodName: "IsRevoked", Handler: isRevokedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beneficios/authz/v1/authorization",
}

// AuthorizationClient is the client API.
type AuthorizationClient interface {
	Check(ctx context.Context, in *CheckRequest, opts ...grpc.CallOption) (*CheckResponse, error)
	IsRevoked(ctx context.Context, in *IsRevokedRequest, opts ...grpc.CallOption) (*IsRevokedResponse, error)
}

type authorizationClient struct {
	cc grpc.ClientConnInterface
}

// NewAuthorizationClient wraps cc. Calls always use the JSON codec.
func NewAuthorizationClient(cc grpc.ClientConnInterface) AuthorizationClient {
	return &authorizationClient{cc: cc}
}

func (c *authorizationClient) Check(ctx context.Context, in *CheckRequest, opts ...grpc.CallOption) (*CheckResponse, error) {
	out := new(CheckResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, CheckMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *authorizationClient) IsRevoked(ctx context.Context, in *IsRevokedRequest, opts ...grpc.CallOption) (*IsRevokedResponse, error) {
	out := new(IsRevokedResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, IsRevokedMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
