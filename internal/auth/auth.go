package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"entity-engine/internal/metadata"
	"entity-engine/internal/store"
)

// TokenPair is the response returned after successful login or refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

// Claims represents the JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Email     string   `json:"email"`
	TenantID  string   `json:"tenant_id,omitempty"`
	Roles     []string `json:"roles"`
	SuperUser bool     `json:"super_user,omitempty"`
	Type      string   `json:"typ"`
}

// User turns the claims into the caller the engine authorizes.
func (c *Claims) User() *metadata.UserContext {
	return &metadata.UserContext{
		ID:        c.Subject,
		TenantID:  c.TenantID,
		Roles:     c.Roles,
		SuperUser: c.SuperUser,
	}
}

const (
	AccessTokenTTL  = 15 * time.Minute
	RefreshTokenTTL = 7 * 24 * time.Hour
)

func sign(u *store.User, typ string, ttl time.Duration, secret string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:     u.Email,
		TenantID:  u.TenantID,
		Roles:     u.Roles,
		SuperUser: u.SuperUser,
		Type:      typ,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

// GenerateAccessToken creates a signed JWT carrying the user's tenant and
// roles.
func GenerateAccessToken(u *store.User, secret string) (string, error) {
	return sign(u, tokenAccess, AccessTokenTTL, secret)
}

// GenerateRefreshToken creates a long lived JWT that can only be exchanged
// for a new pair.
func GenerateRefreshToken(u *store.User, secret string) (string, error) {
	return sign(u, tokenRefresh, RefreshTokenTTL, secret)
}

// GenerateTokenPair issues an access and a refresh token for u.
func GenerateTokenPair(u *store.User, secret string) (*TokenPair, error) {
	access, err := GenerateAccessToken(u, secret)
	if err != nil {
		return nil, err
	}
	refresh, err := GenerateRefreshToken(u, secret)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func parse(tokenStr, secret, typ string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("expected %s token, got %q", typ, claims.Type)
	}
	return claims, nil
}

// ParseAccessToken validates and parses an access JWT, returning the claims.
func ParseAccessToken(tokenStr string, secret string) (*Claims, error) {
	return parse(tokenStr, secret, tokenAccess)
}

// ParseRefreshToken validates a refresh JWT.
func ParseRefreshToken(tokenStr string, secret string) (*Claims, error) {
	return parse(tokenStr, secret, tokenRefresh)
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
