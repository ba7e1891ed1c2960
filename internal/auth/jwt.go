package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/timeutil"
)

const (
	tokenIssuer   = "trafficd"
	tokenAudience = "traffic-dashboard"

	// ScopeLivestreamControl allows starting and stopping the camera pipeline
	ScopeLivestreamControl = "livestream:control"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims are the operator claims carried by a dashboard token
type Claims struct {
	jwt.RegisteredClaims
	Scope []string `json:"scope"`
}

// Username returns the authenticated operator
func (c *Claims) Username() string {
	return c.Subject
}

// CanControlStream reports whether the token may start and stop the livestream
func (c *Claims) CanControlStream() bool {
	return slices.Contains(c.Scope, ScopeLivestreamControl)
}

// Token is a signed access token and the moment it stops being accepted
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies the HS256 tokens of the operator account
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
	clock  timeutil.Clock
}

// NewTokenIssuer builds an issuer from the JWT settings of cfg. An empty
// secret is replaced by a random one, so tokens do not survive a restart.
func NewTokenIssuer(cfg Config, clock timeutil.Clock) (*TokenIssuer, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	expiry := cfg.JWTExpiry
	if expiry <= 0 {
		expiry = DefaultConfig().JWTExpiry
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &TokenIssuer{secret: secret, expiry: expiry, clock: clock}, nil
}

// Issue signs a livestream control token for username
func (i *TokenIssuer) Issue(username string) (Token, error) {
	now := i.clock.Now()
	expiresAt := now.Add(i.expiry)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			Audience:  jwt.ClaimStrings{tokenAudience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Scope: []string{ScopeLivestreamControl},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: expiresAt}, nil
}

// Verify checks signature, issuer, audience and expiry, and that the token
// grants livestream control
func (i *TokenIssuer) Verify(value string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	case claims.Subject == "" || !claims.CanControlStream():
		return nil, ErrInvalidToken
	}
	return claims, nil
}
