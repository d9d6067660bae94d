// Package auth issues the bearer token attached to telemetry ingest batches and keeps the last good token for
// paths that must not perform a live fetch (unload delivery, fetch failures).
package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when no signing key is configured.
	ErrNoToken = errors.New("auth: no token available")
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// refreshSkew re-issues a token this long before it expires.
const refreshSkew = 30 * time.Second

// IngestClaims are the claims of an ingest token.
type IngestClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	Email     string `json:"email,omitempty"`
}

// Subject identifies whose events a token covers.
type Subject struct {
	UserID    string
	Email     string
	SessionID string
}

// JWTSource issues short-lived RS256/ES256 ingest tokens for one subject. A token is reused until it is
// within refreshSkew of expiry.
type JWTSource struct {
	key      crypto.Signer
	method   jwt.SigningMethod
	issuer   string
	audience string
	ttl      time.Duration
	subject  Subject
	now      func() time.Time

	mu      sync.Mutex
	current string
	expires time.Time
}

// NewJWTSource returns a JWTSource. key may be nil, in which case Token returns ErrNoToken.
func NewJWTSource(key crypto.Signer, issuer, audience string, ttl time.Duration, subject Subject) (*JWTSource, error) {
	s := &JWTSource{
		key:      key,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		subject:  subject,
		now:      time.Now,
	}
	if ttl <= 0 {
		s.ttl = 15 * time.Minute
	}
	if key != nil {
		alg, err := signingMethod(key.Public())
		if err != nil {
			return nil, err
		}
		s.method = jwt.GetSigningMethod(alg)
	}
	return s, nil
}

// Token returns a valid ingest token, issuing a new one when the current one is near expiry.
func (s *JWTSource) Token(ctx context.Context) (string, error) {
	if s.key == nil {
		return "", ErrNoToken
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if s.current != "" && now.Add(refreshSkew).Before(s.expires) {
		return s.current, nil
	}
	jti, err := generateJTI()
	if err != nil {
		return "", err
	}
	expires := now.Add(s.ttl)
	claims := IngestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   s.subject.UserID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		SessionID: s.subject.SessionID,
		Email:     s.subject.Email,
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.key)
	if err != nil {
		return "", err
	}
	s.current, s.expires = signed, expires
	return signed, nil
}

// Validate parses tokenString and checks signature, expiry, issuer, and audience.
func (s *JWTSource) Validate(tokenString string) (*IngestClaims, error) {
	if s.key == nil {
		return nil, ErrNoToken
	}
	claims := &IngestClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != s.method.Alg() {
			return nil, ErrInvalidToken
		}
		return s.key.Public(), nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
