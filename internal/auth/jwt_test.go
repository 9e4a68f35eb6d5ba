package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfkey/server/internal/model"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestSignAndVerify(t *testing.T) {
	svc := NewJWTService(secret, time.Hour)
	userID := uuid.New()

	token, err := svc.SignAccessToken(userID, model.RoleAdmin)
	require.NoError(t, err)

	claims, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, model.RoleAdmin, claims.Role)
}

func TestVerifyToken_rejects(t *testing.T) {
	svc := NewJWTService(secret, time.Hour)
	good, err := svc.SignAccessToken(uuid.New(), model.RoleUser)
	require.NoError(t, err)

	expired := NewJWTService(secret, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.SignAccessToken(uuid.New(), model.RoleUser)
	require.NoError(t, err)

	otherKey, err := NewJWTService("another-secret-another-secret-xxxx", time.Hour).SignAccessToken(uuid.New(), model.RoleUser)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": uuid.NewString(), "iss": issuer, "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not-a-token",
		"tampered":     good + "A",
		"expired":      old,
		"wrong secret": otherKey,
		"alg none":     none,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.VerifyToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
