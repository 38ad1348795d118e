// Package token implements the Token Service (spec §4.F): it issues and
// verifies HS256 JWTs scoping a bearer credential to one Environment, with an
// optional impersonated identity propagated opaquely to the fake service.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hubertpysklo/agent-diff/internal/apperrors"
)

// devSecret is used only outside production when no secret is configured, so
// local development and tests work without extra setup.
const devSecret = "agent-diff-development-only-secret-do-not-use-in-prod!!"

// Claims is the JWT payload scoping a token to one environment.
type Claims struct {
	EnvironmentID        string `json:"environment_id"`
	ImpersonatedIdentity string `json:"impersonated_identity,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies environment-scoped tokens.
type Service struct {
	secret []byte
	issuer string
}

// New builds a Service. If secret is empty and production is false, a fixed
// development secret is used; production requires secret to be configured.
func New(secret, issuer string, production bool) (*Service, error) {
	if secret == "" {
		if production {
			return nil, fmt.Errorf("token secret must be configured in production")
		}
		secret = devSecret
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("token secret must be at least 32 bytes")
	}
	if issuer == "" {
		issuer = "agentdiffd"
	}
	return &Service{secret: []byte(secret), issuer: issuer}, nil
}

// Issue mints a token for environmentID, valid until expiresAt, optionally
// carrying an impersonated identity the fake service can read back out.
func (s *Service) Issue(environmentID, impersonate string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		EnvironmentID:        environmentID,
		ImpersonatedIdentity: impersonate,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   environmentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", apperrors.New("token.service", "Issue", apperrors.Internal, err)
	}
	return signed, nil
}

// Decode verifies token and returns its Claims. Expired or malformed tokens
// return apperrors.AuthInvalid.
func (s *Service) Decode(raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, apperrors.New("token.service", "Decode", apperrors.AuthInvalid, err)
	}
	if !parsed.Valid {
		return nil, apperrors.New("token.service", "Decode", apperrors.AuthInvalid, fmt.Errorf("invalid token"))
	}
	return claims, nil
}
