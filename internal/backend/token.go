package backend

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider is the opaque auth capability injected by the host
// environment. The engine never stores or refreshes tokens itself.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for tests and the diagnostic CLI.
type StaticToken string

func (t StaticToken) Token(_ context.Context) (string, error) {
	return string(t), nil
}

// tokenExpired checks a JWT's exp claim locally, without verifying the
// signature: the backend remains the authority, this only lets an obviously
// expired token fail fast as an auth error instead of burning a round trip.
// Opaque non-JWT tokens pass through untouched.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
