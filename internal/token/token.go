// Package token implements the Token Service (C5): short-lived signed
// access tokens binding a session id and expiry, verifiable offline.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/genropy/genro-wopi/internal/types"
)

// DefaultTTL is used when a caller does not specify one explicitly.
const DefaultTTL = 3600 * time.Second

// claims is the JWT payload: {session_id, exp}. Subject carries the
// session id so the token stays a plain jwt.RegisteredClaims rather than a
// bespoke struct, matching the minimal-claims shape the teacher's own JWT
// usage favors.
type claims struct {
	jwt.RegisteredClaims
}

// Service is a JWT-backed TokenService (C5), HMAC-SHA256 signed.
type Service struct {
	secret []byte
}

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// Issue signs a token binding sessionID with the given TTL.
func (s *Service) Issue(sessionID string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, types.Wrap(types.ErrInvalidToken, err, "sign access token")
	}
	return signed, expiresAt, nil
}

// Validate verifies the signature and pins the algorithm to HS256
// explicitly (never trust the token header's own alg claim), mirroring the
// defensive check the teacher's own callback-JWT verification performs.
// It returns the bound session id and expiry; callers must still check the
// expiry against the session row's own expires_at, since the row (not the
// token) is the authority per spec.md §4.4.
func (s *Service) Validate(tokenStr string) (string, time.Time, error) {
	var c claims
	// Expiry is checked manually below so an expired-but-well-signed token
	// is reported as ErrExpiredToken rather than folded into the generic
	// ErrInvalidToken the library's own built-in exp check would produce.
	parsed, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, types.NewError(types.ErrInvalidToken, "unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return "", time.Time{}, types.Wrap(types.ErrInvalidToken, err, "invalid access token")
	}
	if c.ExpiresAt == nil {
		return "", time.Time{}, types.NewError(types.ErrInvalidToken, "access token has no expiry")
	}
	if time.Now().After(c.ExpiresAt.Time) {
		return c.Subject, c.ExpiresAt.Time, types.NewError(types.ErrExpiredToken, "access token expired")
	}
	return c.Subject, c.ExpiresAt.Time, nil
}
