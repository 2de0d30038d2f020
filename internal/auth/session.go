// Package auth issues and verifies the service's own session tokens.
// These are unrelated to the Google OAuth tokens managed by the token
// package: a session proves who the user is to us, the OAuth tokens
// prove it to Google.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionIssuer = "drive-learning"

// SessionClaims are the claims carried by a session JWT.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Sessions signs and verifies session JWTs with an Ed25519 key pair.
// Construct one at the composition root and inject it.
type Sessions struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
}

// NewSessions loads the Ed25519 private key from SESSION_PRIVATE_KEY
// (base64, 32-byte seed or 64-byte private key). The key is required:
// without it nobody can log in.
func NewSessions(ttl time.Duration) (*Sessions, error) {
	encoded := os.Getenv("SESSION_PRIVATE_KEY")
	if encoded == "" {
		return nil, fmt.Errorf("SESSION_PRIVATE_KEY is required")
	}

	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SESSION_PRIVATE_KEY: %w", err)
	}

	var privKey ed25519.PrivateKey
	switch len(seed) {
	case ed25519.SeedSize: // 32 bytes — seed only
		privKey = ed25519.NewKeyFromSeed(seed)
	case ed25519.PrivateKeySize: // 64 bytes — full private key
		privKey = ed25519.PrivateKey(seed)
	default:
		return nil, fmt.Errorf("invalid key size: %d (expected 32 or 64)", len(seed))
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{
		privateKey: privKey,
		publicKey:  privKey.Public().(ed25519.PublicKey),
		ttl:        ttl,
	}, nil
}

// Issue creates a signed session JWT for a user.
func (s *Sessions) Issue(userID, email string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Email: email,
	}

	token := jwt.NewWithClaims(&jwt.SigningMethodEd25519{}, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks a session JWT's signature, issuer, and expiry.
func (s *Sessions) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithLeeway(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("session verification failed: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("session token missing subject")
	}
	return claims, nil
}
