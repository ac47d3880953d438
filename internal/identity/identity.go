// Package identity resolves the external auth collaborator's identity value
// into a stable user identity string. The server never mints identities; it
// only verifies what the collaborator hands it.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrEmpty is returned when no identity value was supplied.
	ErrEmpty = errors.New("identity: empty identity")

	// ErrInvalid is returned when the supplied value fails verification.
	ErrInvalid = errors.New("identity: invalid identity token")
)

// Resolver turns the raw identity value from the connection handshake into a
// stable identity string.
type Resolver interface {
	Resolve(raw string) (string, error)
}

// Static accepts pre-resolved identity strings as-is. This is the default:
// the auth provider in front of us already resolved the user.
type Static struct{}

func (Static) Resolve(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmpty
	}
	return raw, nil
}

// Claims are the verified token claims when a signing key is configured.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier requires the identity value to be an HS256-signed token and
// resolves to its subject. Used when IDENTITY_SIGNING_KEY is configured.
type Verifier struct {
	signingKey []byte
}

// NewVerifier creates a verifying resolver.
func NewVerifier(signingKey string) (*Verifier, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("identity: signing key must be at least 32 characters")
	}
	return &Verifier{signingKey: []byte(signingKey)}, nil
}

func (v *Verifier) Resolve(raw string) (string, error) {
	if raw == "" {
		return "", ErrEmpty
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalid
	}
	if claims.Subject == "" {
		return "", ErrInvalid
	}
	return claims.Subject, nil
}
