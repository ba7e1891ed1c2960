// Package auth authenticates dashboard operators and issues the JWTs that
// protect the livestream control endpoints.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/timeutil"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
	ErrUserBanned         = errors.New("user is temporarily banned")
)

// Config holds the operator account and token settings
type Config struct {
	Enabled           bool          `yaml:"enabled"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"` // Plaintext or a bcrypt hash
	JWTSecret         string        `yaml:"jwt_secret"`
	JWTExpiry         time.Duration `yaml:"jwt_expiry"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	BanDuration       time.Duration `yaml:"ban_duration"`
}

// DefaultConfig returns authentication disabled with a 24h token lifetime
func DefaultConfig() Config {
	return Config{
		Username:          "admin",
		JWTExpiry:         24 * time.Hour,
		MaxFailedAttempts: 3,
		BanDuration:       30 * time.Minute,
	}
}

type loginState struct {
	failures    int
	bannedUntil time.Time
}

// Authenticator handles user authentication. Repeated wrong passwords ban
// the username for BanDuration.
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	maxFailures  int
	banDuration  time.Duration
	tokens       *TokenIssuer
	clock        timeutil.Clock

	mu     sync.Mutex
	logins map[string]*loginState
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(cfg Config, clock timeutil.Clock) (*Authenticator, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Username == "" {
		cfg.Username = "admin"
	}

	var passwordHash []byte
	if cfg.Enabled {
		if cfg.Password == "" {
			return nil, errors.New("authentication enabled without a password")
		}
		// Accept an existing bcrypt hash as-is
		if len(cfg.Password) == 60 && cfg.Password[0] == '$' {
			passwordHash = []byte(cfg.Password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password: %w", err)
			}
			passwordHash = hash
		}
	}

	tokens, err := NewTokenIssuer(cfg, clock)
	if err != nil {
		return nil, err
	}

	return &Authenticator{
		enabled:      cfg.Enabled,
		username:     cfg.Username,
		passwordHash: passwordHash,
		maxFailures:  cfg.MaxFailedAttempts,
		banDuration:  cfg.BanDuration,
		tokens:       tokens,
		clock:        clock,
		logins:       make(map[string]*loginState),
	}, nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a JWT token and its expiry as a Unix time
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	a.mu.Lock()
	state := a.logins[username]
	if state == nil {
		state = &loginState{}
		a.logins[username] = state
	}
	now := a.clock.Now()
	if now.Before(state.bannedUntil) {
		until := state.bannedUntil
		a.mu.Unlock()
		return "", 0, fmt.Errorf("%w until %s", ErrUserBanned, until.Format(time.RFC3339))
	}
	a.mu.Unlock()

	valid := username == a.username &&
		bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil

	a.mu.Lock()
	if !valid {
		state.failures++
		if a.maxFailures > 0 && state.failures >= a.maxFailures {
			state.failures = 0
			state.bannedUntil = now.Add(a.banDuration)
			a.mu.Unlock()
			return "", 0, fmt.Errorf("%w for %s", ErrUserBanned, a.banDuration)
		}
		a.mu.Unlock()
		return "", 0, ErrInvalidCredentials
	}
	delete(a.logins, username)
	a.mu.Unlock()

	token, err := a.tokens.Issue(username)
	if err != nil {
		return "", 0, err
	}

	return token.Value, token.ExpiresAt.Unix(), nil
}

// ValidateToken verifies a bearer token issued by Authenticate
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.tokens.Verify(token)
}

// HashPassword creates a bcrypt hash of a password (utility function)
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
