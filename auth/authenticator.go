package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Roles a user file may grant. A replica may open replication streams; an
// admin passes every role check.
const (
	RoleReplica = "replica"
	RoleAdmin   = "admin"
)

// User is an account that passed authentication.
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

type contextKey string

// UserContextKey holds the authenticated User in a request context.
const UserContextKey = contextKey("user")

// Authenticator admits replication peers. Slaves using the TCP transport
// present their credentials in the connection handshake; gRPC clients send
// them as Basic authorization metadata on every call.
type Authenticator interface {
	// Authenticate checks the Basic credentials of an incoming gRPC call and
	// returns ctx with the User attached.
	Authenticate(ctx context.Context) (context.Context, error)
	// Authorize fails unless the User in ctx holds requiredRole or is an admin.
	Authorize(ctx context.Context, requiredRole string) error
	// AuthenticateUserPass checks the credentials of a TCP handshake.
	AuthenticateUserPass(username, password string) (User, error)
	UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)
	StreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error
}

// FileAuthenticator checks peers against the accounts of a user file,
// loaded once when it is created.
type FileAuthenticator struct {
	users    map[string]User
	hashType HashType
	logger   *slog.Logger
}

var _ Authenticator = (*FileAuthenticator)(nil)

var errBadCredentials = status.Error(codes.Unauthenticated, "invalid username or password")

// NewAuthenticator loads the user file at userFilePath.
func NewAuthenticator(userFilePath string, logger *slog.Logger) (Authenticator, error) {
	records, hashType, err := ReadUserFile(userFilePath)
	if err != nil {
		return nil, fmt.Errorf("could not load user database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &FileAuthenticator{
		users:    make(map[string]User, len(records)),
		hashType: hashType,
		logger:   logger.With("component", "Authenticator"),
	}
	for name, r := range records {
		a.users[name] = User(r)
	}
	a.logger.Debug("User database loaded.", "users", len(a.users), "hash_type", hashType)
	return a, nil
}

// AuthenticateUserPass looks the user up and verifies the password.
func (a *FileAuthenticator) AuthenticateUserPass(username, password string) (User, error) {
	user, ok := a.users[username]
	if !ok {
		a.logger.Warn("Rejected unknown user.", "username", username)
		return User{}, errBadCredentials
	}
	match, err := passwordMatches(a.hashType, user.PasswordHash, password)
	if errors.Is(err, errUnsupportedHash) {
		return User{}, status.Errorf(codes.Internal, "user database uses hash type %d: %v", a.hashType, err)
	}
	if !match {
		a.logger.Warn("Rejected wrong password.", "username", username)
		return User{}, errBadCredentials
	}
	return user, nil
}

// basicAuth extracts the username and password of an "authorization: Basic"
// header.
func basicAuth(ctx context.Context) (string, string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", "", status.Error(codes.Unauthenticated, "missing credentials")
	}
	token, ok := strings.CutPrefix(values[0], "Basic ")
	if !ok {
		return "", "", status.Error(codes.Unauthenticated, "invalid authorization header format")
	}
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", status.Error(codes.Unauthenticated, "invalid base64 in authorization header")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", status.Error(codes.Unauthenticated, "invalid basic auth format")
	}
	return username, password, nil
}

func (a *FileAuthenticator) Authenticate(ctx context.Context) (context.Context, error) {
	username, password, err := basicAuth(ctx)
	if err != nil {
		return nil, err
	}
	user, err := a.AuthenticateUserPass(username, password)
	if err != nil {
		return nil, err
	}
	return context.WithValue(ctx, UserContextKey, user), nil
}

func (a *FileAuthenticator) Authorize(ctx context.Context, requiredRole string) error {
	user, ok := ctx.Value(UserContextKey).(User)
	if !ok {
		return status.Error(codes.Internal, "no user information in context")
	}
	if user.Role != RoleAdmin && user.Role != requiredRole {
		return status.Errorf(codes.PermissionDenied, "user '%s' with role '%s' is not authorized for this operation (requires role '%s')", user.Username, user.Role, requiredRole)
	}
	return nil
}

func (a *FileAuthenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	ctx, err := a.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (a *FileAuthenticator) StreamInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := a.Authenticate(ss.Context())
	if err != nil {
		return err
	}
	return handler(srv, authenticatedStream{ServerStream: ss, ctx: ctx})
}

// authenticatedStream exposes the context carrying the User to handlers.
type authenticatedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s authenticatedStream) Context() context.Context { return s.ctx }
