package server

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/INLOpen/walog/auth"
)

const (
	streamMethod = "/walog.replication.v1.Replication/Stream"
	healthMethod = "/grpc.health.v1.Health/Check"
	adminMethod  = "/walog.admin.v1.Admin/Purge"
)

// mockUnaryHandler is a dummy handler for testing the interceptor.
func mockUnaryHandler(ctx context.Context, req interface{}) (interface{}, error) {
	return "handler called", nil
}

// writeTestUsers creates a user file with a replica, an admin and a reader.
func writeTestUsers(t *testing.T) string {
	t.Helper()
	userFilePath := filepath.Join(t.TempDir(), "test_users.db")

	replicaHash, _ := auth.HashPassword("replica_pass", auth.HashTypeBcrypt)
	adminHash, _ := auth.HashPassword("admin_pass", auth.HashTypeBcrypt)
	readerHash, _ := auth.HashPassword("reader_pass", auth.HashTypeBcrypt)

	users := map[string]auth.UserRecord{
		"replica": {Username: "replica", PasswordHash: replicaHash, Role: auth.RoleReplica},
		"admin":   {Username: "admin", PasswordHash: adminHash, Role: auth.RoleAdmin},
		"reader":  {Username: "reader", PasswordHash: readerHash, Role: "reader"},
	}
	if err := auth.WriteUserFile(userFilePath, users, auth.HashTypeBcrypt); err != nil {
		t.Fatalf("Failed to write user file for test: %v", err)
	}
	return userFilePath
}

// setupInterceptor creates an AuthInterceptor for testing.
func setupInterceptor(t *testing.T) *AuthInterceptor {
	t.Helper()
	authN, err := auth.NewAuthenticator(writeTestUsers(t), testLogger())
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}
	return NewAuthInterceptor(authN, testLogger())
}

func basicAuthContext(username, password string) context.Context {
	if username == "" && password == "" {
		return context.Background()
	}
	authHeader := "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", authHeader))
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeServerStream) Context() context.Context { return s.ctx }

func TestAuthInterceptor_Stream(t *testing.T) {
	interceptor := setupInterceptor(t)
	streamInterceptor := interceptor.Stream()

	testCases := []struct {
		name         string
		method       string
		username     string
		password     string
		expectedCode codes.Code
	}{
		{"replica_can_stream", streamMethod, "replica", "replica_pass", codes.OK},
		{"admin_can_stream", streamMethod, "admin", "admin_pass", codes.OK},
		{"reader_cannot_stream", streamMethod, "reader", "reader_pass", codes.PermissionDenied},
		{"wrong_password", streamMethod, "replica", "wrong_pass", codes.Unauthenticated},
		{"no_credentials", streamMethod, "", "", codes.Unauthenticated},
		{"replica_cannot_call_unknown_method", adminMethod, "replica", "replica_pass", codes.PermissionDenied},
		{"health_is_public", "/grpc.health.v1.Health/Watch", "", "", codes.OK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ss := &fakeServerStream{ctx: basicAuthContext(tc.username, tc.password)}
			var handlerUser interface{}
			err := streamInterceptor(nil, ss, &grpc.StreamServerInfo{FullMethod: tc.method}, func(srv interface{}, stream grpc.ServerStream) error {
				handlerUser = stream.Context().Value(auth.UserContextKey)
				return nil
			})

			st, _ := status.FromError(err)
			if st.Code() != tc.expectedCode {
				t.Errorf("Expected status code %v, got %v (err: %v)", tc.expectedCode, st.Code(), err)
			}
			if tc.expectedCode == codes.OK && tc.username != "" {
				user, ok := handlerUser.(auth.User)
				if !ok || user.Username != tc.username {
					t.Errorf("handler did not see the authenticated user, got %v", handlerUser)
				}
			}
		})
	}
}

func TestAuthInterceptor_Unary(t *testing.T) {
	interceptor := setupInterceptor(t)
	unaryInterceptor := interceptor.Unary()

	testCases := []struct {
		name         string
		method       string
		username     string
		password     string
		expectedCode codes.Code
	}{
		{"health_without_credentials", healthMethod, "", "", codes.OK},
		{"admin_method_as_admin", adminMethod, "admin", "admin_pass", codes.OK},
		{"admin_method_as_replica", adminMethod, "replica", "replica_pass", codes.PermissionDenied},
		{"admin_method_wrong_password", adminMethod, "admin", "wrong_pass", codes.Unauthenticated},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			info := &grpc.UnaryServerInfo{FullMethod: tc.method}
			_, err := unaryInterceptor(basicAuthContext(tc.username, tc.password), nil, info, mockUnaryHandler)

			st, _ := status.FromError(err)
			if st.Code() != tc.expectedCode {
				t.Errorf("Expected status code %v, got %v (err: %v)", tc.expectedCode, st.Code(), err)
			}
		})
	}
}
