package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testIssuer        = "erdcollab-test"
	testUserID        = "user-123"
)

var testClockNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time {
	return testClockNow
}

func newTestValidator(t *testing.T) *TokenValidator {
	t.Helper()
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Clock:         testClock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signClaims(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() Claims {
	return Claims{
		UserID:          testUserID,
		UserDisplayName: "Ada",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   testUserID,
			IssuedAt:  jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testClockNow.Add(time.Hour)),
		},
	}
}

func TestValidateTokenAcceptsIssuedToken(t *testing.T) {
	validator := newTestValidator(t)
	signed := signClaims(t, jwt.SigningMethodHS256, []byte(testSigningSecret), validClaims())

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testUserID || claims.UserDisplayName != "Ada" {
		t.Fatalf("unexpected claims %#v", claims)
	}
}

func TestValidateTokenRejections(t *testing.T) {
	validator := newTestValidator(t)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(testClockNow.Add(-time.Hour))

	foreignIssuer := validClaims()
	foreignIssuer.Issuer = "someone-else"

	anonymous := validClaims()
	anonymous.UserID = ""
	anonymous.Subject = ""

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "blank", token: "  ", want: ErrMissingToken},
		{name: "garbage", token: "not-a-jwt", want: ErrInvalidToken},
		{name: "expired", token: signClaims(t, jwt.SigningMethodHS256, []byte(testSigningSecret), expired), want: ErrExpiredToken},
		{name: "wrong secret", token: signClaims(t, jwt.SigningMethodHS256, []byte("other"), validClaims()), want: ErrInvalidToken},
		{name: "wrong algorithm", token: signClaims(t, jwt.SigningMethodHS512, []byte(testSigningSecret), validClaims()), want: ErrInvalidToken},
		{name: "foreign issuer", token: signClaims(t, jwt.SigningMethodHS256, []byte(testSigningSecret), foreignIssuer), want: ErrInvalidToken},
		{name: "no subject", token: signClaims(t, jwt.SigningMethodHS256, []byte(testSigningSecret), anonymous), want: ErrMissingSubject},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestValidateRequestReadsQueryThenBearerHeader(t *testing.T) {
	validator := newTestValidator(t)
	signed := signClaims(t, jwt.SigningMethodHS256, []byte(testSigningSecret), validClaims())

	fromQuery := httptest.NewRequest(http.MethodGet, "/ws/collaboration/project-1?token="+signed, http.NoBody)
	if _, err := validator.ValidateRequest(fromQuery); err != nil {
		t.Fatalf("query token rejected: %v", err)
	}

	fromHeader := httptest.NewRequest(http.MethodGet, "/projects/project-1/participants", http.NoBody)
	fromHeader.Header.Set("Authorization", "Bearer "+signed)
	if _, err := validator.ValidateRequest(fromHeader); err != nil {
		t.Fatalf("bearer token rejected: %v", err)
	}

	missing := httptest.NewRequest(http.MethodGet, "/ws/collaboration/project-1", http.NoBody)
	missing.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(missing); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestNewTokenValidatorRequiresSecretAndIssuer(t *testing.T) {
	if _, err := NewTokenValidator(TokenValidatorConfig{Issuer: testIssuer}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := NewTokenValidator(TokenValidatorConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}
