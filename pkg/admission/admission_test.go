package admission

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-do-not-use-in-prod")

func newTestManager(t *testing.T) (*TokenManager, *time.Time) {
	t.Helper()
	tm, err := NewTokenManager(DefaultTokenConfig(), testSecret)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	tm.now = func() time.Time { return now }
	return tm, &now
}

func TestTokenRoundTrip(t *testing.T) {
	tm, _ := newTestManager(t)

	pair, err := tm.IssuePair("analyst-1")
	if err != nil {
		t.Fatal(err)
	}

	identity, err := tm.Authenticate(pair.AccessToken)
	if err != nil {
		t.Fatalf("access token rejected: %v", err)
	}
	if identity != "analyst-1" {
		t.Fatalf("identity = %q", identity)
	}

	// Refresh tokens are not valid for authentication.
	if _, err := tm.Authenticate(pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
}

func TestTokenRejectedAfterExpiry(t *testing.T) {
	tm, now := newTestManager(t)

	pair, err := tm.IssuePair("analyst-1")
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(tm.config.AccessTTL + time.Minute)
	if _, err := tm.Authenticate(pair.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	tm, _ := newTestManager(t)

	pair, err := tm.IssuePair("analyst-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := tm.Revoke(pair.AccessToken); err != nil {
		t.Fatal(err)
	}

	if _, err := tm.Authenticate(pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("revoked token accepted: %v", err)
	}
}

func TestRefreshRotatesAndRevokesOldToken(t *testing.T) {
	tm, _ := newTestManager(t)

	pair, err := tm.IssuePair("analyst-1")
	if err != nil {
		t.Fatal(err)
	}

	next, err := tm.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tm.Authenticate(next.AccessToken); err != nil {
		t.Fatalf("rotated access token rejected: %v", err)
	}

	// The consumed refresh token cannot be replayed.
	if _, err := tm.Refresh(pair.RefreshToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("replayed refresh token accepted: %v", err)
	}
}

func TestSweepDropsExpiredRevocations(t *testing.T) {
	tm, now := newTestManager(t)

	pair, _ := tm.IssuePair("analyst-1")
	tm.Revoke(pair.AccessToken)
	tm.Revoke(pair.RefreshToken)
	if tm.RevokedCount() != 2 {
		t.Fatalf("revoked count = %d", tm.RevokedCount())
	}

	*now = now.Add(tm.config.AccessTTL + time.Minute)
	if n := tm.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1 (only the access token has expired)", n)
	}

	*now = now.Add(tm.config.RefreshTTL + time.Minute)
	tm.Sweep()
	if tm.RevokedCount() != 0 {
		t.Fatalf("revoked count after full sweep = %d", tm.RevokedCount())
	}
}

func TestRateLimiterSixthLoginRejected(t *testing.T) {
	rl := NewRateLimiter(nil)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 1; i <= 5; i++ {
		if _, err := rl.Allow("10.0.0.1", ClassAuth); err != nil {
			t.Fatalf("attempt %d should pass: %v", i, err)
		}
	}

	retryAfter, err := rl.Allow("10.0.0.1", ClassAuth)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("6th attempt should be limited, got %v", err)
	}
	if retryAfter <= 0 || retryAfter > 15*time.Minute {
		t.Fatalf("retry-after = %s", retryAfter)
	}

	// Another client is unaffected.
	if _, err := rl.Allow("10.0.0.2", ClassAuth); err != nil {
		t.Fatalf("other client limited: %v", err)
	}
}

func TestRateLimiterWindowResets(t *testing.T) {
	rl := NewRateLimiter(nil)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		rl.Allow("10.0.0.1", ClassAuth)
	}
	if _, err := rl.Allow("10.0.0.1", ClassAuth); !errors.Is(err, ErrRateLimited) {
		t.Fatal("expected limit before window reset")
	}

	now = now.Add(15*time.Minute + time.Second)
	if _, err := rl.Allow("10.0.0.1", ClassAuth); err != nil {
		t.Fatalf("window should have reset: %v", err)
	}
}

func TestRateLimiterTiersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(nil)

	for i := 0; i < 5; i++ {
		rl.Allow("10.0.0.1", ClassAuth)
	}
	if _, err := rl.Allow("10.0.0.1", ClassAuth); !errors.Is(err, ErrRateLimited) {
		t.Fatal("auth tier should be exhausted")
	}
	if _, err := rl.Allow("10.0.0.1", ClassRead); err != nil {
		t.Fatalf("read tier should be unaffected: %v", err)
	}
}

func TestUserStoreVerifyCredentials(t *testing.T) {
	s := NewUserStore()
	if err := s.AddUser("analyst", "hunter2hunter2"); err != nil {
		t.Fatal(err)
	}

	if err := s.VerifyCredentials("analyst", "hunter2hunter2"); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	if err := s.VerifyCredentials("analyst", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if err := s.VerifyCredentials("ghost", "hunter2hunter2"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown user: %v", err)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(nil)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("10.0.0.1", ClassAuth)
	rl.Allow("10.0.0.1", ClassRead)
	if rl.BucketCount() != 2 {
		t.Fatalf("bucket count = %d", rl.BucketCount())
	}

	now = now.Add(16 * time.Minute)
	rl.Sweep()
	if rl.BucketCount() != 0 {
		t.Fatalf("bucket count after sweep = %d", rl.BucketCount())
	}
}
