// Package auth signs the access tokens presented to the cloud service and
// verifies the dashboard credentials minted by the external issuer.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of signed cloud access tokens.
const DefaultTokenTTL = time.Hour

var (
	ErrMissingKey   = errors.New("signing key is empty")
	ErrInvalidToken = errors.New("invalid token")
)

// SignAccessToken returns an HS256 token whose audience is the URL being
// connected to, signed with the service access key.
func SignAccessToken(key []byte, audience string, ttl time.Duration, now time.Time) (string, error) {
	if len(key) == 0 {
		return "", ErrMissingKey
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

// AccessKeyCredential authenticates to the cloud service with tokens
// derived from the connection string's access key.
type AccessKeyCredential struct {
	Key string
	TTL time.Duration
	Now func() time.Time
}

// Token signs a fresh token for audience.
func (c *AccessKeyCredential) Token(audience string) (string, error) {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	return SignAccessToken([]byte(c.Key), audience, c.TTL, now)
}

// Kind describes the credential without revealing it.
func (c *AccessKeyCredential) Kind() string { return "access_key" }

// Verifier validates dashboard bearer tokens.
type Verifier struct {
	key    []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for HS256 tokens signed with key.
func NewVerifier(key []byte) (*Verifier, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	return &Verifier{
		key: key,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}, nil
}

// Verify parses token and returns its claims when the signature and
// expiry are valid.
func (v *Verifier) Verify(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
