// Package auth verifies bearer tokens and hashes passwords. The front door
// issues tokens; the core only verifies signatures when bootstrapping tenant
// context from a token in-process.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the verified fields the core consumes from an access token.
type Claims struct {
	UserID    uuid.UUID
	Email     string
	ExpiresAt time.Time
}

// Verifier validates HS256 access tokens against the shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token, returning the tenant claims.
func (v *Verifier) Verify(_ context.Context, token string) (Claims, error) {
	if len(v.secret) == 0 {
		return Claims{}, errors.New("jwt secret not configured")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token claims")
	}

	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Claims{}, fmt.Errorf("invalid subject claim: %w", err)
	}
	email, _ := claims["email"].(string)
	expValue, _ := claims["exp"].(float64)

	return Claims{
		UserID:    userID,
		Email:     email,
		ExpiresAt: time.Unix(int64(expValue), 0),
	}, nil
}

// Issue signs an access token for a user. Exposed for the in-process callers
// and tests; the production front door has its own issuer.
func (v *Verifier) Issue(userID uuid.UUID, email string, lifetime time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":   userID.String(),
		"email": email,
		"exp":   time.Now().Add(lifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
