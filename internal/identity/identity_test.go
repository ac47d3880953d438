package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-signing-key-0123456789abcdef!!"

func signedToken(t *testing.T, key, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func TestStatic_PassesThrough(t *testing.T) {
	id, err := Static{}.Resolve("user-42")
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)
}

func TestStatic_RejectsEmpty(t *testing.T) {
	_, err := Static{}.Resolve("   ")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestNewVerifier_RejectsShortKey(t *testing.T) {
	_, err := NewVerifier("short")
	assert.Error(t, err)
}

func TestVerifier_ResolvesSubject(t *testing.T) {
	v, err := NewVerifier(testKey)
	require.NoError(t, err)

	id, err := v.Resolve(signedToken(t, testKey, "user-42", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "user-42", id)
}

func TestVerifier_RejectsBadToken(t *testing.T) {
	v, err := NewVerifier(testKey)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong key", signedToken(t, "another-signing-key-0123456789abcdef", "user-42", time.Hour)},
		{"expired", signedToken(t, testKey, "user-42", -time.Minute)},
		{"no subject", signedToken(t, testKey, "", time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Resolve(tt.raw)
			assert.Error(t, err)
		})
	}
}
