package limiter

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func newTestService(t *testing.T) (*Service, clockwork.FakeClock) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.DB = db
	cfg.Clock = clock
	svc, err := NewService(context.Background(), cfg)
	require.NoError(t, err)
	return svc, clock
}

// TestExponentialBackoff verifies spec §8 Testable Property 3 exactly.
func TestExponentialBackoff(t *testing.T) {
	p := DefaultConfig().IP
	cases := []struct {
		n        int
		expected time.Duration
	}{
		{1, 1800 * time.Second},
		{2, 3600 * time.Second},
		{3, 7200 * time.Second},
		{5, 28800 * time.Second},
		{10, 86400 * time.Second},
	}
	for _, tc := range cases {
		require.Equal(t, tc.expected, CalculateBlockDuration(p, tc.n), "n=%d", tc.n)
	}
}

func TestRecordFailureBlocksAfterMaxAttempts(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordFailure(ctx, "alice", "1.2.3.4", "ssh", "password"))
	}

	block, err := svc.CheckIP(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Equal(t, 1, block.Count)
	require.Equal(t, clock.Now().Add(30*time.Minute), block.ExpiresAt)
}

func TestCooldownResetStartsOverAtBase(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordFailure(ctx, "", "5.6.7.8", "ssh", "password"))
	}
	block, err := svc.CheckIP(ctx, "5.6.7.8")
	require.NoError(t, err)
	require.Equal(t, 1, block.Count)

	clock.Advance(25 * time.Hour) // beyond CooldownResetAfter (24h)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordFailure(ctx, "", "5.6.7.8", "ssh", "password"))
	}

	block, err = svc.CheckIP(ctx, "5.6.7.8")
	require.NoError(t, err)
	require.Equal(t, 1, block.Count, "cooldown reset should restart the count at 1")
}

func TestUnblockIPClearsAttemptHistory(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordFailure(ctx, "", "9.9.9.9", "ssh", "password"))
	}
	require.NoError(t, svc.UnblockIP(ctx, "9.9.9.9"))

	block, err := svc.CheckIP(ctx, "9.9.9.9")
	require.NoError(t, err)
	require.Nil(t, block)

	var n int
	require.NoError(t, svc.cfg.DB.QueryRow(`SELECT COUNT(*) FROM failed_login_attempts WHERE remote_ip = ?`, "9.9.9.9").Scan(&n))
	require.Equal(t, 0, n)
}

func TestUserLockoutAutoUnlockExpiry(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RecordFailure(ctx, "bob", "10.0.0.1", "ssh", "password"))
	}
	lock, err := svc.CheckUser(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, lock)

	clock.Advance(31 * time.Minute)
	lock, err = svc.CheckUser(ctx, "bob")
	require.NoError(t, err)
	require.Nil(t, lock, "lockout should have auto-expired")
}
