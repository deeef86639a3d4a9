// Package auth mints and verifies the device token a node presents to the
// remote authority: an HS256 JWT whose subject is the device id, signed
// with the device's shared secret.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Portunus/node/internal/clock"
)

const role = "node"

var (
	ErrTokenInvalid = errors.New("auth: invalid device token")
	ErrNoSecret     = errors.New("auth: device secret is empty")
)

// Claims are the device token's claims.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenSource mints device tokens and reuses one until it is close to
// expiry. Safe for concurrent use.
type TokenSource struct {
	deviceID string
	secret   []byte
	ttl      time.Duration
	clk      clock.Clock

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTokenSource(deviceID, secret string, ttl time.Duration, clk clock.Clock) (*TokenSource, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &TokenSource{deviceID: deviceID, secret: []byte(secret), ttl: ttl, clk: clk}, nil
}

// Token returns a valid token, minting a new one when the cached token
// has less than a tenth of its lifetime left.
func (s *TokenSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	if s.token != "" && now.Add(s.ttl/10).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing device token: %w", err)
	}

	s.token = signed
	s.expires = expires
	return signed, nil
}

// Verify checks a device token against secret at time now and returns the
// device id it was issued to.
func Verify(tokenString, secret string, now time.Time) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return "", ErrTokenInvalid
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Role != role {
		return "", fmt.Errorf("%w: role %q", ErrTokenInvalid, claims.Role)
	}
	return claims.Subject, nil
}
