// Package auth verifies the bearer tokens dashboard clients present when
// they open a websocket connection, and mints them for tooling.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"procodus.dev/iot-hub/pkg/clock"
)

var (
	// ErrMissingToken is returned when no credential was presented.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned for malformed, forged or expired tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID   string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Verifier turns a raw token into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// Claims are the JWT claims issued for dashboard users.
type Claims struct {
	UserID   string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig holds the configuration for the HMAC token verifier.
type JWTConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Clock  clock.Clock
}

// JWT issues and verifies HS256 tokens.
type JWT struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

// NewJWT creates a verifier. TTL defaults to 24h and Clock to the wall clock.
func NewJWT(cfg *JWTConfig) (*JWT, error) {
	if cfg == nil {
		return nil, errors.New("jwt config cannot be nil")
	}

	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret cannot be empty")
	}

	j := &JWT{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
	}
	if j.ttl <= 0 {
		j.ttl = 24 * time.Hour
	}
	if j.clock == nil {
		j.clock = clock.Real()
	}

	return j, nil
}

// Issue signs a token for id.
func (j *JWT) Issue(id Identity) (string, error) {
	if id.UserID == "" {
		return "", errors.New("identity user id cannot be empty")
	}

	now := j.clock.Now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		Email:    id.Email,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of token. Every failure wraps
// ErrInvalidToken except an empty token, which is ErrMissingToken.
func (j *JWT) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &Claims{}
	// Time based claims are checked below against the injected clock.
	parsed, err := jwt.ParseWithClaims(token, claims, j.keyFunc, jwt.WithoutClaimsValidation())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}

	now := j.clock.Now()
	if !claims.VerifyExpiresAt(now, true) {
		return Identity{}, fmt.Errorf("%w: token is expired", ErrInvalidToken)
	}
	if !claims.VerifyNotBefore(now, false) {
		return Identity{}, fmt.Errorf("%w: token is not valid yet", ErrInvalidToken)
	}
	if j.issuer != "" && !claims.VerifyIssuer(j.issuer, true) {
		return Identity{}, fmt.Errorf("%w: unexpected issuer", ErrInvalidToken)
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}

	return Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Email:    claims.Email,
		Role:     claims.Role,
	}, nil
}

func (j *JWT) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return j.secret, nil
}

var _ Verifier = (*JWT)(nil)
