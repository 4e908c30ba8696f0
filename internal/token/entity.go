package token

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload of the short-lived session token.
type Claims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Picture  string `json:"picture,omitempty"`
	Provider string `json:"provider"`
	// Version must match the account's current token version.
	Version int64 `json:"v"`
	jwt.RegisteredClaims
}

// SigningKey describes the key currently used for issuing tokens.
type SigningKey struct {
	Kid string
}
