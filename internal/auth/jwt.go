// Package auth handles JWT validation and scope-based authorization for the
// orchestrator API.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const devFallbackSecret = "dev-only-insecure-jwt-secret"

var (
	jwtSecret     []byte
	jwtSecretOnce sync.Once
)

// ErrInvalidToken is returned for tokens that fail validation for any reason.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the platform JWT claims the orchestrator cares about.
type Claims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func getJWTSecret() []byte {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			slog.Warn("JWT_SECRET not set, using insecure development fallback")
			secret = devFallbackSecret
		}
		jwtSecret = []byte(secret)
	})
	return jwtSecret
}

// ValidateJWTSecret fails startup when no real secret is configured outside
// development.
func ValidateJWTSecret(environment string) error {
	if os.Getenv("JWT_SECRET") == "" && environment != "development" {
		return errors.New("JWT_SECRET must be set outside development")
	}
	return nil
}

// ValidateToken parses and validates a signed token, returning its claims.
func ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return getJWTSecret(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateToken signs a token for the given identity. Used by tests and the
// local development tooling; production tokens come from the platform's
// identity service.
func GenerateToken(userID, email, role string, scopes []string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(getJWTSecret())
}
