// Package auth issues and verifies console sessions. A session is a short
// lived HS256 JWT that names the API token it was exchanged for; the token
// itself is re-loaded on every request so revoking it ends the session.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/upb/artifact-registry/models"
)

const (
	sessionIssuer   = "artifact-registry"
	sessionAudience = "registry-console"
	minSecretLength = 32
)

var (
	// ErrInvalidSession is returned for malformed, forged or foreign session tokens
	ErrInvalidSession = errors.New("invalid session")

	// ErrSessionExpired is returned when the session JWT is past its expiry
	ErrSessionExpired = errors.New("session expired")
)

// SessionClaims are the claims carried by a console session
type SessionClaims struct {
	jwt.RegisteredClaims
	TokenName string `json:"token_name,omitempty"`
}

// Session is an issued console session
type Session struct {
	Token     string    `json:"token"`
	TokenID   uuid.UUID `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionIssuer signs and verifies session JWTs
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewSessionIssuer creates a SessionIssuer. An empty secret generates a random
// one, which invalidates every session on restart.
func NewSessionIssuer(secret string, ttl time.Duration) (*SessionIssuer, error) {
	key := []byte(secret)
	if secret == "" {
		key = make([]byte, minSecretLength)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
	}
	if len(key) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &SessionIssuer{
		secret: key,
		ttl:    ttl,
		nowFn:  time.Now,
	}, nil
}

// WithClock overrides the time source used for issuing and verifying
func (s *SessionIssuer) WithClock(nowFn func() time.Time) *SessionIssuer {
	s.nowFn = nowFn
	return s
}

// TTL returns the session lifetime
func (s *SessionIssuer) TTL() time.Duration {
	return s.ttl
}

// Issue signs a session for token. The session never outlives the token.
func (s *SessionIssuer) Issue(token *models.Token) (*Session, error) {
	now := s.nowFn()
	expiresAt := now.Add(s.ttl)
	if token.ExpiresAt != nil && token.ExpiresAt.Before(expiresAt) {
		expiresAt = *token.ExpiresAt
	}

	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    sessionIssuer,
			Subject:   token.ID.String(),
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		TokenName: token.Name,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session: %w", err)
	}
	return &Session{Token: signed, TokenID: token.ID, ExpiresAt: expiresAt}, nil
}

// Verify checks a session JWT and returns the id of the token it names
func (s *SessionIssuer) Verify(raw string) (uuid.UUID, error) {
	parsed, err := jwt.ParseWithClaims(raw, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithAudience(sessionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.nowFn),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrSessionExpired
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	claims, ok := parsed.Claims.(*SessionClaims)
	if !ok || !parsed.Valid {
		return uuid.Nil, ErrInvalidSession
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidSession)
	}
	return id, nil
}

// LooksLikeJWT reports whether a bearer credential has the three-segment JWT shape
func LooksLikeJWT(raw string) bool {
	return strings.Count(raw, ".") == 2
}
