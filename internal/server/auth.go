package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the identity baked into a service token.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// TokenService signs and validates bearer tokens for the API. A nil
// service means authentication is disabled (development mode); every
// method tolerates the nil receiver.
type TokenService struct {
	secret []byte
}

// NewTokenService builds a token service, or nil when no secret is
// configured.
func NewTokenService(secret string) *TokenService {
	if secret == "" {
		return nil
	}
	return &TokenService{secret: []byte(secret)}
}

// Enabled reports whether the API requires authentication.
func (t *TokenService) Enabled() bool {
	return t != nil && len(t.secret) > 0
}

// Issue mints an HS256 service token for the named caller.
func (t *TokenService) Issue(name string, ttl time.Duration) (string, error) {
	if !t.Enabled() {
		return "", errors.New("token service disabled: no signing secret configured")
	}
	now := time.Now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Validate parses and checks a token string.
func (t *TokenService) Validate(tokenString string) (*Claims, error) {
	if !t.Enabled() {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
