package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sefazor/cutout-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateRoundTripIdentity(t *testing.T) {
	m := NewManager("secret")
	identity := models.Identity{ExternalID: "user_1", Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"}

	token, err := m.GenerateToken(identity, time.Hour)
	require.NoError(t, err)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, identity, claims.Identity())
}

func TestValidateRejectsForeignAndExpiredTokens(t *testing.T) {
	m := NewManager("secret")
	identity := models.Identity{ExternalID: "user_1", Email: "ada@example.com"}

	foreign, err := NewManager("other").GenerateToken(identity, time.Hour)
	require.NoError(t, err)
	_, err = m.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: "ada@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user_1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsMissingSubject(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Email: "ada@example.com"})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewManager("secret").ValidateToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentitySplitsFullName(t *testing.T) {
	claims := Claims{Email: " Ada@Example.com ", Name: "Ada King Lovelace"}
	claims.Subject = "user_1"

	identity := claims.Identity()
	assert.Equal(t, "ada@example.com", identity.Email)
	assert.Equal(t, "Ada", identity.FirstName)
	assert.Equal(t, "King Lovelace", identity.LastName)
}
