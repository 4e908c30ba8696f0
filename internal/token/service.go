package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/entity"
)

type Config struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	// KeyFile is a PEM encoded RSA private key. When empty a key is generated
	// at startup, which only works for a single instance.
	KeyFile string
}

// ConfigFromEnv reads TOKEN_* variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Issuer:   os.Getenv("TOKEN_ISSUER"),
		Audience: os.Getenv("TOKEN_AUDIENCE"),
		TTL:      15 * time.Minute,
		KeyFile:  os.Getenv("TOKEN_SIGNING_KEY_FILE"),
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "http://localhost:8431"
	}
	if cfg.Audience == "" {
		cfg.Audience = "harvesta-web"
	}
	if v := os.Getenv("TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TTL = d
		}
	}
	return cfg
}

// Service manages the signing key and issues short-lived session tokens.
type Service struct {
	key      *rsa.PrivateKey
	signing  SigningKey
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	var (
		k   *rsa.PrivateKey
		err error
	)
	if cfg.KeyFile != "" {
		pemBytes, rerr := os.ReadFile(cfg.KeyFile)
		if rerr != nil {
			return nil, fmt.Errorf("token: read signing key: %w", rerr)
		}
		k, err = jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	} else {
		k, err = rsa.GenerateKey(rand.Reader, 2048)
	}
	if err != nil {
		return nil, fmt.Errorf("token: signing key: %w", err)
	}
	return newService(k, cfg), nil
}

func newService(k *rsa.PrivateKey, cfg Config) *Service {
	// kid is a short hash of the DER public key
	der, _ := x509.MarshalPKIXPublicKey(&k.PublicKey)
	h := sha256.Sum256(der)
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		key:      k,
		signing:  SigningKey{Kid: base64.RawURLEncoding.EncodeToString(h[:8])},
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Issue creates a session token for the principal and returns it with its expiry.
func (s *Service) Issue(p entity.Principal) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Email:    p.Email,
		Name:     p.DisplayName,
		Picture:  p.PhotoURL,
		Provider: p.Provider,
		Version:  p.Version,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.ID,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.signing.Kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies signature, issuer, audience and expiry.
func (s *Service) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !tok.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// JWKS returns a minimal JWKS containing the public key.
func (s *Service) JWKS() map[string]any {
	pub := s.key.PublicKey
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	// encode exponent using big.Int to get minimal big-endian bytes
	e := base64.RawURLEncoding.EncodeToString(new(big.Int).SetInt64(int64(pub.E)).Bytes())
	jwk := map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": s.signing.Kid,
		"n":   n,
		"e":   e,
	}
	return map[string]any{"keys": []any{jwk}}
}

// PrincipalFromClaims rebuilds the principal view carried by a token.
func PrincipalFromClaims(c *Claims) entity.Principal {
	return entity.Principal{
		ID:          c.Subject,
		DisplayName: c.Name,
		Email:       c.Email,
		PhotoURL:    c.Picture,
		Provider:    c.Provider,
		Version:     c.Version,
	}
}
