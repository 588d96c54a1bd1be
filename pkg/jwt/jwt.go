package jwt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sefazor/cutout-backend/internal/models"
)

// Default lifetime of tokens minted by GenerateToken.
const TokenExpiry = 7 * 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

// Claims mirrors the identity provider's session token.
type Claims struct {
	Email      string `json:"email"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Name       string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity maps the claims onto an identity. When given and family names are
// absent, the full name is split on its first space.
func (c *Claims) Identity() models.Identity {
	first, last := c.GivenName, c.FamilyName
	if first == "" && last == "" && c.Name != "" {
		first, last, _ = strings.Cut(strings.TrimSpace(c.Name), " ")
	}
	return models.Identity{
		ExternalID: c.Subject,
		Email:      strings.ToLower(strings.TrimSpace(c.Email)),
		FirstName:  strings.TrimSpace(first),
		LastName:   strings.TrimSpace(last),
	}
}

type Manager struct {
	secret []byte
}

func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

func (m *Manager) GenerateToken(identity models.Identity, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = TokenExpiry
	}
	now := time.Now()
	claims := Claims{
		Email:      identity.Email,
		GivenName:  identity.FirstName,
		FamilyName: identity.LastName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ExternalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
