// Package auth issues and verifies the bearer tokens riders and drivers
// present to the API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

var ErrInvalidToken = errors.New("auth: invalid token")

type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// UserID returns the subject the token was issued to.
func (c *Claims) UserID() string { return c.RegisteredClaims.Subject }

type Tokens struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

func NewTokens(secret string) *Tokens {
	return &Tokens{Secret: []byte(secret), Issuer: "ride-negotiation", TTL: 24 * time.Hour}
}

func (t *Tokens) Issue(userID string, role Role, now time.Time) (string, error) {
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.Secret)
}

func (t *Tokens) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		return t.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(t.Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.RegisteredClaims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleRider && claims.Role != RoleDriver {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return claims, nil
}
