package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/erdcollab/internal/auth"
	"github.com/MarcoPoloResearchLab/erdcollab/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubTokenValidator struct {
	validateErr error
	claims      auth.Claims
}

func (s stubTokenValidator) ValidateToken(string) (auth.Claims, error) {
	return s.claims, s.validateErr
}

type claimsProfiles struct{}

func (claimsProfiles) ResolveProfile(_ context.Context, claims auth.Claims) (users.Profile, error) {
	return users.Profile{UserID: claims.UserID, UserName: claims.UserDisplayName}, nil
}

func newAuthTestContext(header string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/projects/project-1/participants", http.NoBody)
	if header != "" {
		request.Header.Set("Authorization", header)
	}
	ctx.Request = request
	return ctx, recorder
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	ctx, recorder := newAuthTestContext("Bearer expired-token")
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens:   stubTokenValidator{validateErr: auth.ErrExpiredToken},
		profiles: claimsProfiles{},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	ctx, recorder := newAuthTestContext("Bearer invalid-token")
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens:   stubTokenValidator{validateErr: errors.New("signature mismatch")},
		profiles: claimsProfiles{},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}

func TestAuthorizeRequestRejectsMissingBearer(t *testing.T) {
	for _, header := range []string{"", "Basic abc", "Bearer   "} {
		ctx, recorder := newAuthTestContext(header)
		handler := &httpHandler{tokens: stubTokenValidator{}, profiles: claimsProfiles{}, logger: zap.NewNop()}

		handler.authorizeRequest(ctx)

		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, recorder.Code)
		}
	}
}

func TestAuthorizeRequestStoresProfile(t *testing.T) {
	ctx, _ := newAuthTestContext("Bearer good-token")
	handler := &httpHandler{
		tokens:   stubTokenValidator{claims: auth.Claims{UserID: "user-1", UserDisplayName: "Ada"}},
		profiles: claimsProfiles{},
		logger:   zap.NewNop(),
	}

	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("valid token must not abort the request")
	}
	if ctx.GetString(userIDContextKey) != "user-1" || ctx.GetString(userNameContextKey) != "Ada" {
		t.Fatalf("expected profile in context, got %q/%q", ctx.GetString(userIDContextKey), ctx.GetString(userNameContextKey))
	}
}
