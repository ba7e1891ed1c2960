package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/timeutil"
)

func testAuthenticator(t *testing.T) (*Authenticator, *timeutil.MockClock) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	clock := timeutil.NewMockClock(time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Username = "operator"
	cfg.Password = string(hash)
	cfg.JWTSecret = "test-secret"

	a, err := NewAuthenticator(cfg, clock)
	require.NoError(t, err)
	return a, clock
}

func TestAuthenticateIssuesValidToken(t *testing.T) {
	t.Parallel()

	a, clock := testAuthenticator(t)

	token, expiresAt, err := a.Authenticate("operator", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(24*time.Hour).Unix(), expiresAt)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username())

	clock.Advance(25 * time.Hour)
	_, err = a.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateTokenRejectsForeignTokens(t *testing.T) {
	t.Parallel()

	a, _ := testAuthenticator(t)
	other, err := NewTokenIssuer(Config{JWTSecret: "another-secret", JWTExpiry: time.Hour}, nil)
	require.NoError(t, err)

	token, err := other.Issue("operator")
	require.NoError(t, err)

	_, err = a.ValidateToken(token.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticateBansAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	a, clock := testAuthenticator(t)

	_, _, err := a.Authenticate("operator", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("operator", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("operator", "wrong")
	assert.ErrorIs(t, err, ErrUserBanned)

	// Correct password is refused while banned
	_, _, err = a.Authenticate("operator", "s3cret")
	assert.ErrorIs(t, err, ErrUserBanned)

	clock.Advance(31 * time.Minute)
	_, _, err = a.Authenticate("operator", "s3cret")
	assert.NoError(t, err)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	a, _ := testAuthenticator(t)

	for i := 0; i < 2; i++ {
		_, _, err := a.Authenticate("operator", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, _, err := a.Authenticate("operator", "s3cret")
	require.NoError(t, err)

	_, _, err = a.Authenticate("operator", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDisabledAuthenticator(t *testing.T) {
	t.Parallel()

	a, err := NewAuthenticator(DefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, a.IsEnabled())

	_, _, err = a.Authenticate("admin", "")
	assert.ErrorIs(t, err, ErrAuthDisabled)

	cfg := DefaultConfig()
	cfg.Enabled = true
	_, err = NewAuthenticator(cfg, nil)
	assert.Error(t, err)
}

func TestTokenIssuerClaims(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC))
	issuer, err := NewTokenIssuer(Config{JWTSecret: "claims-secret", JWTExpiry: 2 * time.Hour}, clock)
	require.NoError(t, err)

	token, err := issuer.Issue("operator")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Hour), token.ExpiresAt)

	claims, err := issuer.Verify(token.Value)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username())
	assert.True(t, claims.CanControlStream())
	assert.Equal(t, jwt.ClaimStrings{"traffic-dashboard"}, claims.Audience)

	sign := func(t *testing.T, c *Claims) string {
		t.Helper()
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("claims-secret"))
		require.NoError(t, err)
		return signed
	}
	valid := func() *Claims {
		return &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "operator",
				Issuer:    "trafficd",
				Audience:  jwt.ClaimStrings{"traffic-dashboard"},
				ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
			},
			Scope: []string{ScopeLivestreamControl},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Claims)
	}{
		{"no scope", func(c *Claims) { c.Scope = nil }},
		{"other scope", func(c *Claims) { c.Scope = []string{"history:read"} }},
		{"wrong audience", func(c *Claims) { c.Audience = jwt.ClaimStrings{"grafana"} }},
		{"wrong issuer", func(c *Claims) { c.Issuer = "someone-else" }},
		{"no expiry", func(c *Claims) { c.ExpiresAt = nil }},
		{"no subject", func(c *Claims) { c.Subject = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			_, err := issuer.Verify(sign(t, c))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = issuer.Verify(sign(t, valid()))
	assert.NoError(t, err)
}

func TestTokenIssuerDefaults(t *testing.T) {
	t.Parallel()

	first, err := NewTokenIssuer(Config{}, nil)
	require.NoError(t, err)
	second, err := NewTokenIssuer(Config{}, nil)
	require.NoError(t, err)

	token, err := first.Issue("admin")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), token.ExpiresAt, time.Minute)

	_, err = second.Verify(token.Value)
	assert.ErrorIs(t, err, ErrInvalidToken, "random secrets differ between issuers")
}
