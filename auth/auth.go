// Package auth defines the credential collaborator the sync engine and mode
// controller consume, plus a JWT-backed source suitable for wiring tests and
// applications whose authority issues short-lived HS256 tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrCredentialExpired is returned when no valid short-lived credential can
// be produced; the caller must surface a re-authentication requirement.
var ErrCredentialExpired = errors.New("auth: credential missing or expired")

// Auth is the consumed authentication collaborator. Implementations decide
// how tokens are minted and refreshed; the sync engine only asks whether
// syncing is currently possible and for a credential per request.
type Auth interface {
	IsAuthenticated() bool
	CanSync() bool
	Credential(ctx context.Context) (string, error)
	OnCredentialExpired(fn func())
}

// JWTSource holds one HS256 bearer token and validates its expiry locally.
type JWTSource struct {
	secret []byte
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiredCb []func()
}

// NewJWTSource creates a source verifying tokens against secret.
func NewJWTSource(secret []byte) *JWTSource {
	return &JWTSource{secret: secret, now: time.Now}
}

// SetToken installs a freshly issued token.
func (s *JWTSource) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// IsAuthenticated reports whether a currently valid token is held.
func (s *JWTSource) IsAuthenticated() bool {
	_, err := s.claims()
	return err == nil
}

// CanSync mirrors IsAuthenticated; offline-only sessions hold no token.
func (s *JWTSource) CanSync() bool { return s.IsAuthenticated() }

// Credential returns the current token, or ErrCredentialExpired after
// notifying expiry subscribers.
func (s *JWTSource) Credential(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if _, err := s.claims(); err != nil {
		s.fireExpired()
		return "", fmt.Errorf("%w: %v", ErrCredentialExpired, err)
	}
	return token, nil
}

// OnCredentialExpired registers fn to run whenever a credential request
// fails because the token is missing or expired.
func (s *JWTSource) OnCredentialExpired(fn func()) {
	s.mu.Lock()
	s.expiredCb = append(s.expiredCb, fn)
	s.mu.Unlock()
}

func (s *JWTSource) fireExpired() {
	s.mu.Lock()
	cbs := make([]func(), len(s.expiredCb))
	copy(cbs, s.expiredCb)
	s.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (s *JWTSource) claims() (*jwt.RegisteredClaims, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if token == "" {
		return nil, fmt.Errorf("no token set")
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// IssueToken mints a short-lived HS256 token; intended for tests and for
// development against a local authority.
func IssueToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	claims := &jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
