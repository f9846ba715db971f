package limiter

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/gravitational/trace"

	"github.com/warp-tech/warpgate/internal/metrics"
)

// Service is the login-protection engine's public API (spec §4.2).
type Service struct {
	cfg   Config
	cache *cache
}

// NewService constructs a Service and initializes its schema.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{cfg: cfg, cache: newCache()}
	if err := s.initSchema(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

func (s *Service) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS failed_login_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT, username TEXT, remote_ip TEXT NOT NULL,
			protocol TEXT, credential_kind TEXT, attempted_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ip_blocks (
			ip TEXT PRIMARY KEY, first_blocked_at INTEGER NOT NULL, last_attempt_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL, block_count INTEGER NOT NULL, reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS user_lockouts (
			username TEXT PRIMARY KEY, locked_at INTEGER NOT NULL, expires_at INTEGER,
			reason TEXT, failed_count INTEGER NOT NULL
		)`,
	}
	for _, st := range stmts {
		if _, err := s.cfg.DB.ExecContext(ctx, st); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// CheckIP returns the active BlockInfo for ip, if any.
func (s *Service) CheckIP(ctx context.Context, ip string) (*BlockInfo, error) {
	if info, ok := s.cache.getIPBlock(ip); ok {
		if s.cfg.Clock.Now().After(info.ExpiresAt) {
			s.cache.removeIPBlock(ip)
			return nil, nil
		}
		return &info, nil
	}
	row := s.cfg.DB.QueryRowContext(ctx, `SELECT expires_at, block_count, reason FROM ip_blocks WHERE ip = ?`, ip)
	var expiresAt int64
	var count int
	var reason string
	if err := row.Scan(&expiresAt, &count, &reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	expiry := time.Unix(expiresAt, 0).UTC()
	if s.cfg.Clock.Now().After(expiry) {
		return nil, nil
	}
	info := BlockInfo{ExpiresAt: expiry, Count: count, Reason: reason, Message: blockMessage(expiry)}
	s.cache.setIPBlock(s.cfg.Clock.Now(), ip, info)
	return &info, nil
}

// CheckUser returns the active LockInfo for username, if any.
func (s *Service) CheckUser(ctx context.Context, username string) (*LockInfo, error) {
	if info, ok := s.cache.getUserLock(username); ok {
		if !info.ExpiresAt.IsZero() && s.cfg.Clock.Now().After(info.ExpiresAt) {
			s.cache.removeUserLock(username)
			return nil, nil
		}
		return &info, nil
	}
	row := s.cfg.DB.QueryRowContext(ctx, `SELECT expires_at, reason FROM user_lockouts WHERE username = ?`, username)
	var expiresAt sql.NullInt64
	var reason string
	if err := row.Scan(&expiresAt, &reason); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	info := LockInfo{Reason: reason}
	if expiresAt.Valid {
		expiry := time.Unix(expiresAt.Int64, 0).UTC()
		if s.cfg.Clock.Now().After(expiry) {
			return nil, nil
		}
		info.ExpiresAt = expiry
	}
	s.cache.setUserLock(s.cfg.Clock.Now(), username, info)
	return &info, nil
}

// CalculateBlockDuration implements Testable Property 3:
// min(base * multiplier^(count-1), max), with count==0 treated as count==1.
func CalculateBlockDuration(p IPPolicy, count int) time.Duration {
	if count <= 0 {
		count = 1
	}
	d := float64(p.BaseDuration) * math.Pow(p.Multiplier, float64(count-1))
	if d > float64(p.MaxDuration) {
		return p.MaxDuration
	}
	return time.Duration(d)
}

func blockMessage(expiresAt time.Time) string {
	return "too many failed attempts; blocked until " + expiresAt.Format(time.RFC3339)
}

// RecordFailure implements the five-step algorithm in spec §4.2, grounded on
// record_failed_attempt in login_protection/service.rs.
func (s *Service) RecordFailure(ctx context.Context, username, ip, protocol, credentialKind string) error {
	metrics.FailedLoginCount.Inc()
	now := s.cfg.Clock.Now()
	tx, err := s.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO failed_login_attempts
		(username, remote_ip, protocol, credential_kind, attempted_at) VALUES (?, ?, ?, ?, ?)`,
		username, ip, protocol, credentialKind, now.Unix()); err != nil {
		return trace.Wrap(err)
	}

	ipCount, err := s.countRecent(ctx, tx, "remote_ip", ip, s.cfg.IP.TimeWindow, now)
	if err != nil {
		return trace.Wrap(err)
	}
	var newBlock *BlockInfo
	if ipCount >= s.cfg.IP.MaxAttempts {
		newBlock, err = s.upsertIPBlock(ctx, tx, ip, now)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	var newLock *LockInfo
	if username != "" {
		userCount, err := s.countRecent(ctx, tx, "username", username, s.cfg.User.TimeWindow, now)
		if err != nil {
			return trace.Wrap(err)
		}
		if userCount >= s.cfg.User.MaxAttempts {
			var exists int
			tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_lockouts WHERE username = ?`, username).Scan(&exists)
			if exists == 0 {
				newLock, err = s.createUserLockout(ctx, tx, username, userCount, now)
				if err != nil {
					return trace.Wrap(err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return trace.Wrap(err)
	}

	if newBlock != nil {
		s.cache.setIPBlock(now, ip, *newBlock)
		metrics.IPBlockCount.Inc()
	}
	if newLock != nil {
		s.cache.setUserLock(now, username, *newLock)
		metrics.UserLockoutCount.Inc()
	}
	return nil
}

func (s *Service) countRecent(ctx context.Context, tx *sql.Tx, col, value string, window time.Duration, now time.Time) (int, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_login_attempts WHERE `+col+` = ? AND attempted_at >= ?`,
		value, now.Add(-window).Unix())
	var n int
	err := row.Scan(&n)
	return n, trace.Wrap(err)
}

// upsertIPBlock resets to count=1 if the last attempt predates the cooldown
// window, otherwise increments the existing block count. Duration follows
// CalculateBlockDuration. Grounded on create_or_update_ip_block.
func (s *Service) upsertIPBlock(ctx context.Context, tx *sql.Tx, ip string, now time.Time) (*BlockInfo, error) {
	row := tx.QueryRowContext(ctx, `SELECT first_blocked_at, last_attempt_at, block_count FROM ip_blocks WHERE ip = ?`, ip)
	var firstBlockedAt, lastAttemptAt int64
	var count int
	err := row.Scan(&firstBlockedAt, &lastAttemptAt, &count)
	switch {
	case err == sql.ErrNoRows:
		count = 1
		firstBlockedAt = now.Unix()
	case err != nil:
		return nil, trace.Wrap(err)
	default:
		last := time.Unix(lastAttemptAt, 0).UTC()
		if now.Sub(last) > s.cfg.IP.CooldownResetAfter {
			count = 1
			firstBlockedAt = now.Unix()
		} else {
			count++
		}
	}

	duration := CalculateBlockDuration(s.cfg.IP, count)
	expiresAt := now.Add(duration)
	reason := "exceeded max login attempts"

	if _, err := tx.ExecContext(ctx, `INSERT INTO ip_blocks (ip, first_blocked_at, last_attempt_at, expires_at, block_count, reason)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET last_attempt_at = excluded.last_attempt_at,
			expires_at = excluded.expires_at, block_count = excluded.block_count,
			first_blocked_at = excluded.first_blocked_at, reason = excluded.reason`,
		ip, firstBlockedAt, now.Unix(), expiresAt.Unix(), count, reason); err != nil {
		return nil, trace.Wrap(err)
	}

	return &BlockInfo{ExpiresAt: expiresAt, Count: count, Reason: reason, Message: blockMessage(expiresAt)}, nil
}

func (s *Service) createUserLockout(ctx context.Context, tx *sql.Tx, username string, failedCount int, now time.Time) (*LockInfo, error) {
	reason := "exceeded max login attempts"
	var expiresAt sql.NullInt64
	info := LockInfo{Reason: reason}
	if s.cfg.User.AutoUnlock {
		expiry := now.Add(s.cfg.User.LockoutFor)
		expiresAt = sql.NullInt64{Int64: expiry.Unix(), Valid: true}
		info.ExpiresAt = expiry
		info.Message = "account locked until " + expiry.Format(time.RFC3339)
	} else {
		info.Message = "account locked; contact an administrator"
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO user_lockouts (username, locked_at, expires_at, reason, failed_count)
		VALUES (?, ?, ?, ?, ?)`, username, now.Unix(), expiresAt, reason, failedCount); err != nil {
		return nil, trace.Wrap(err)
	}
	return &info, nil
}

// ClearFailures drops attempt history for ip and username without touching
// any existing block/lockout row.
func (s *Service) ClearFailures(ctx context.Context, ip, username string) error {
	if ip != "" {
		if _, err := s.cfg.DB.ExecContext(ctx, `DELETE FROM failed_login_attempts WHERE remote_ip = ?`, ip); err != nil {
			return trace.Wrap(err)
		}
		s.cache.clearIPAttempts(ip)
	}
	if username != "" {
		if _, err := s.cfg.DB.ExecContext(ctx, `DELETE FROM failed_login_attempts WHERE username = ?`, username); err != nil {
			return trace.Wrap(err)
		}
		s.cache.clearUserAttempts(username)
	}
	return nil
}

// UnblockIP is admin-driven: deletes the block row, drops the cache entry,
// and deletes associated attempt rows so prior failures do not immediately
// re-trigger the block (spec §4.2).
func (s *Service) UnblockIP(ctx context.Context, ip string) error {
	tx, err := s.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM ip_blocks WHERE ip = ?`, ip); err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM failed_login_attempts WHERE remote_ip = ?`, ip); err != nil {
		return trace.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return trace.Wrap(err)
	}
	s.cache.removeIPBlock(ip)
	s.cache.clearIPAttempts(ip)
	return nil
}

// UnlockUser mirrors UnblockIP for the user-lockout path.
func (s *Service) UnlockUser(ctx context.Context, username string) error {
	tx, err := s.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_lockouts WHERE username = ?`, username); err != nil {
		return trace.Wrap(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM failed_login_attempts WHERE username = ?`, username); err != nil {
		return trace.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return trace.Wrap(err)
	}
	s.cache.removeUserLock(username)
	s.cache.clearUserAttempts(username)
	return nil
}

// CleanupExpired deletes rows whose expiry has passed the retention window,
// per spec §3 "Lifecycles" and service.rs's cleanup_expired.
func (s *Service) CleanupExpired(ctx context.Context, retention time.Duration) error {
	cutoff := s.cfg.Clock.Now().Add(-retention).Unix()
	if _, err := s.cfg.DB.ExecContext(ctx, `DELETE FROM ip_blocks WHERE expires_at < ?`, cutoff); err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.cfg.DB.ExecContext(ctx, `DELETE FROM user_lockouts WHERE expires_at IS NOT NULL AND expires_at < ?`, cutoff); err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.cfg.DB.ExecContext(ctx, `DELETE FROM failed_login_attempts WHERE attempted_at < ?`, cutoff); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// SecurityStatus is a read-only projection used by the (out-of-scope) admin
// API; exposed here because it costs nothing beyond the state already
// maintained and original_source exposes the equivalent query helpers.
type SecurityStatus struct {
	BlockedIPCount   int
	LockedUserCount  int
}

func (s *Service) GetSecurityStatus(ctx context.Context) (*SecurityStatus, error) {
	now := s.cfg.Clock.Now().Unix()
	var status SecurityStatus
	if err := s.cfg.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM ip_blocks WHERE expires_at > ?`, now).Scan(&status.BlockedIPCount); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.cfg.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_lockouts WHERE expires_at IS NULL OR expires_at > ?`, now).Scan(&status.LockedUserCount); err != nil {
		return nil, trace.Wrap(err)
	}
	return &status, nil
}

// ListBlockedIPs and ListLockedUsers are read-only projections mirroring
// service.rs's admin query helpers (see DESIGN.md).
func (s *Service) ListBlockedIPs(ctx context.Context) ([]string, error) {
	rows, err := s.cfg.DB.QueryContext(ctx, `SELECT ip FROM ip_blocks WHERE expires_at > ?`, s.cfg.Clock.Now().Unix())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, ip)
	}
	return out, trace.Wrap(rows.Err())
}

func (s *Service) ListLockedUsers(ctx context.Context) ([]string, error) {
	rows, err := s.cfg.DB.QueryContext(ctx, `SELECT username FROM user_lockouts WHERE expires_at IS NULL OR expires_at > ?`, s.cfg.Clock.Now().Unix())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, u)
	}
	return out, trace.Wrap(rows.Err())
}
