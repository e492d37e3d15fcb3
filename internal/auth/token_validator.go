// Package auth validates and issues the bearer tokens collaboration clients
// present when they connect.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenQueryParameter carries the token on websocket upgrades, where browsers
// cannot set headers.
const TokenQueryParameter = "token"

var (
	ErrMissingSigningSecret = errors.New("token validator: signing secret required")
	ErrMissingIssuer        = errors.New("token validator: issuer required")
	ErrMissingToken         = errors.New("token validator: token required")
	ErrInvalidToken         = errors.New("token validator: invalid token")
	ErrExpiredToken         = errors.New("token validator: token expired")
	ErrMissingSubject       = errors.New("token validator: subject required")
)

// Claims is the JWT payload of a collaboration token.
type Claims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email,omitempty"`
	UserDisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidatorConfig describes how to validate tokens.
type TokenValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenValidator validates HS256 tokens signed with the shared secret.
type TokenValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

func NewTokenValidator(cfg TokenValidatorConfig) (*TokenValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken parses tokenString and returns its claims.
func (v *TokenValidator) ValidateToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" && strings.TrimSpace(claims.UserID) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest reads the token from the query string, falling back to an
// Authorization bearer header.
func (v *TokenValidator) ValidateRequest(r *http.Request) (Claims, error) {
	return v.ValidateToken(TokenFromRequest(r))
}

// TokenFromRequest extracts the raw token or returns "".
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get(TokenQueryParameter)); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return ""
}
