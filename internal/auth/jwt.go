// Package auth issues and checks the bearer tokens that protect the runner's
// HTTP API.
//
// FLOW:
//  1. An operator runs `grader token --subject ci` with the server's
//     JWT_SECRET and hands the token to a client.
//  2. The client sends `Authorization: Bearer <token>` on every API call.
//  3. RequireAuth validates the signature, issuer and expiry and stores the
//     subject in the request context.
//
// Tokens are stateless: nothing is stored server side, so revoking access
// means rotating the secret.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "submission-runner"

// DefaultTTL is the lifetime of a token when none is given.
const DefaultTTL = 24 * time.Hour

// TokenService handles JWT creation and validation with one HMAC secret.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService with the given secret.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Generate signs an HS256 token for subject that expires after ttl
// (DefaultTTL when ttl is not positive).
func (s *TokenService) Generate(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("auth: token subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a JWT string and returns its subject.
//
// Only HS256 is accepted; without the method check a token signed with
// "none" could pass.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("auth: token expired")
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return "", fmt.Errorf("auth: token has no subject")
	}
	return c.Subject, nil
}
