// Package admission guards the service's entry points: tiered rate
// limiting and token issuance/revocation.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenRevoked = errors.New("token revoked")
)

// TokenType distinguishes short-lived access tokens from refresh tokens.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Claims are the JWT claims carried by both token types.
type Claims struct {
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is what a login or refresh returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // access token lifetime, seconds
}

// TokenConfig configures token lifetimes.
type TokenConfig struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// SweepInterval is how often expired revocations are dropped.
	SweepInterval time.Duration
}

// DefaultTokenConfig returns the production defaults.
func DefaultTokenConfig() TokenConfig {
	return TokenConfig{
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}
}

// TokenManager issues and verifies JWTs and tracks revoked token IDs until
// their natural expiry. Safe for concurrent use.
type TokenManager struct {
	config TokenConfig
	secret []byte

	mu      sync.RWMutex
	revoked map[string]time.Time // jti -> token expiry

	now func() time.Time // test hook
}

// NewTokenManager creates a manager. secret must be non-empty; the caller
// fails fast at startup if it is not.
func NewTokenManager(config TokenConfig, secret []byte) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret must not be empty")
	}
	if config.AccessTTL <= 0 {
		config.AccessTTL = DefaultTokenConfig().AccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = DefaultTokenConfig().RefreshTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultTokenConfig().SweepInterval
	}
	return &TokenManager{
		config:  config,
		secret:  secret,
		revoked: make(map[string]time.Time),
		now:     time.Now,
	}, nil
}

// IssuePair mints an access/refresh token pair for an identity.
func (tm *TokenManager) IssuePair(identity string) (TokenPair, error) {
	access, err := tm.sign(identity, TokenAccess, tm.config.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := tm.sign(identity, TokenRefresh, tm.config.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(tm.config.AccessTTL.Seconds()),
	}, nil
}

func (tm *TokenManager) sign(identity, tokenType string, ttl time.Duration) (string, error) {
	now := tm.now()
	claims := Claims{
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// Verify parses the token, checks the signature and expiry, and rejects
// revoked token IDs.
func (tm *TokenManager) Verify(tokenString, wantType string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return tm.secret, nil
		},
		jwt.WithTimeFunc(func() time.Time { return tm.now() }),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.TokenType != wantType {
		return nil, fmt.Errorf("%w: wrong token type", ErrTokenInvalid)
	}

	tm.mu.RLock()
	_, revoked := tm.revoked[claims.ID]
	tm.mu.RUnlock()
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Authenticate verifies an access token and returns its identity. Satisfies
// the streaming hub's Authenticator.
func (tm *TokenManager) Authenticate(tokenString string) (string, error) {
	claims, err := tm.Verify(tokenString, TokenAccess)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Refresh rotates a refresh token into a new pair, revoking the old one so
// it cannot be replayed.
func (tm *TokenManager) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := tm.Verify(refreshToken, TokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	tm.revokeClaims(claims)
	return tm.IssuePair(claims.Subject)
}

// Revoke invalidates a token (either type) for the rest of its lifetime.
func (tm *TokenManager) Revoke(tokenString string) error {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return tm.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return tm.now() }))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	tm.revokeClaims(claims)
	return nil
}

func (tm *TokenManager) revokeClaims(claims *Claims) {
	if claims.ID == "" || claims.ExpiresAt == nil {
		return
	}
	tm.mu.Lock()
	tm.revoked[claims.ID] = claims.ExpiresAt.Time
	tm.mu.Unlock()
}

// RevokedCount returns the number of tracked revocations.
func (tm *TokenManager) RevokedCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.revoked)
}

// Sweep drops revocation entries whose tokens have expired anyway.
func (tm *TokenManager) Sweep() int {
	now := tm.now()
	tm.mu.Lock()
	defer tm.mu.Unlock()

	dropped := 0
	for jti, exp := range tm.revoked {
		if exp.Before(now) {
			delete(tm.revoked, jti)
			dropped++
		}
	}
	return dropped
}

// StartSweeper sweeps periodically until the context is canceled.
func (tm *TokenManager) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(tm.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := tm.Sweep(); n > 0 {
					log.Printf("[AUTH] swept %d expired revocations", n)
				}
			}
		}
	}()
}
