// Package auth turns session tokens into files.Principal values.
//
// Tokens are HS256 JWTs whose subject is the user id. They arrive either
// as "Authorization: Bearer <token>" or in the session cookie.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultCookieName = "sdr_session"
	defaultTTL        = 12 * time.Hour
	minSecretLen      = 32
)

// Config configures Sessions.
type Config struct {
	Secret     string
	TTL        time.Duration
	CookieName string
	Issuer     string
}

// Sessions issues and verifies session tokens.
type Sessions struct {
	secret     []byte
	ttl        time.Duration
	cookieName string
	issuer     string
	now        func() time.Time
}

func NewSessions(cfg Config) (*Sessions, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("session secret must be at least %d characters", minSecretLen)
	}
	s := &Sessions{
		secret:     []byte(cfg.Secret),
		ttl:        cfg.TTL,
		cookieName: cfg.CookieName,
		issuer:     cfg.Issuer,
		now:        time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = defaultTTL
	}
	if s.cookieName == "" {
		s.cookieName = defaultCookieName
	}
	return s, nil
}

// CookieName is the name of the session cookie.
func (s *Sessions) CookieName() string { return s.cookieName }

// Issue mints a token for userID.
func (s *Sessions) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("empty user id")
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return tok, exp, nil
}

// Verify checks a token and returns its subject.
func (s *Sessions) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}
