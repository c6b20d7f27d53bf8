// Package identity resolves the authenticated caller from a signed token.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Huddle/internal/domain"
)

// Claims carried in the access token issued by the account service.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIdentity implements core.Identity from a verified token.
type TokenIdentity struct {
	id   domain.ParticipantID
	name string
	role domain.Role
}

func (t *TokenIdentity) SelfID() domain.ParticipantID { return t.id }
func (t *TokenIdentity) DisplayName() string          { return t.name }
func (t *TokenIdentity) Role() domain.Role            { return t.role }

// FromToken verifies an HMAC-signed token and builds the caller identity.
func FromToken(tokenString, secret string) (*TokenIdentity, error) {
	claims, err := ParseClaims(tokenString, secret)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing subject: %w", domain.ErrUnauthorized)
	}
	role := domain.Role(claims.Role)
	switch role {
	case domain.RoleHost, domain.RoleModerator, domain.RoleMember:
	default:
		role = domain.RoleMember
	}
	return &TokenIdentity{
		id:   domain.ParticipantID(claims.Subject),
		name: claims.Name,
		role: role,
	}, nil
}

// ParseClaims verifies the signature and signing method, returning the claims.
func ParseClaims(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", domain.ErrUnauthorized)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid claims: %w", domain.ErrUnauthorized)
	}
	return claims, nil
}

// NewToken signs an access token for the given participant. Used by the
// coordination server's dev login and by tests.
func NewToken(id domain.ParticipantID, name string, role domain.Role, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
