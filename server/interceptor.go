package server

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/INLOpen/walog/auth"
	"github.com/INLOpen/walog/replication"
)

// AuthInterceptor provides gRPC interceptors for authentication and authorization.
type AuthInterceptor struct {
	authenticator auth.Authenticator
	logger        *slog.Logger
}

// NewAuthInterceptor creates a new AuthInterceptor.
func NewAuthInterceptor(authenticator auth.Authenticator, logger *slog.Logger) *AuthInterceptor {
	return &AuthInterceptor{
		authenticator: authenticator,
		logger:        logger.With("component", "AuthInterceptor"),
	}
}

// Unary returns a gRPC unary server interceptor.
func (i *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		requiredRole, public := i.getRequiredRole(info.FullMethod)
		if public {
			return handler(ctx, req)
		}

		newCtx, err := i.authenticator.Authenticate(ctx)
		if err != nil {
			i.logger.Warn("Unary authentication failed", "method", info.FullMethod, "error", err)
			return nil, err
		}
		if err := i.authenticator.Authorize(newCtx, requiredRole); err != nil {
			i.logger.Warn("Unary authorization failed", "method", info.FullMethod, "error", err)
			return nil, err
		}
		return handler(newCtx, req)
	}
}

// Stream returns a gRPC stream server interceptor.
func (i *AuthInterceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		requiredRole, public := i.getRequiredRole(info.FullMethod)
		if public {
			return handler(srv, ss)
		}

		newCtx, err := i.authenticator.Authenticate(ss.Context())
		if err != nil {
			i.logger.Warn("Stream authentication failed", "method", info.FullMethod, "error", err)
			return err
		}
		if err := i.authenticator.Authorize(newCtx, requiredRole); err != nil {
			i.logger.Warn("Stream authorization failed", "method", info.FullMethod, "error", err)
			return err
		}

		wrappedStream := &wrappedServerStream{
			ServerStream: ss,
			ctx:          newCtx,
		}
		return handler(srv, wrappedStream)
	}
}

// getRequiredRole determines the role a gRPC method requires. Health checks
// are public.
func (i *AuthInterceptor) getRequiredRole(fullMethod string) (role string, public bool) {
	switch {
	case strings.HasPrefix(fullMethod, "/"+grpc_health_v1.Health_ServiceDesc.ServiceName+"/"):
		return "", true
	case strings.HasPrefix(fullMethod, "/"+replication.ReplicationServiceName+"/"):
		return auth.RoleReplica, false
	default:
		// Default to the most restrictive role if method is unknown
		return auth.RoleAdmin, false
	}
}

// wrappedServerStream is a helper struct to wrap a grpc.ServerStream
// and overwrite its Context() method.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
