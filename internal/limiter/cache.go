package limiter

import (
	"sync"
	"time"

	"github.com/gravitational/ttlmap"
)

// BlockInfo describes an active IP block.
type BlockInfo struct {
	ExpiresAt time.Time
	Count     int
	Reason    string
	Message   string
}

// LockInfo describes an active user lockout. ExpiresAt is the zero Time for
// a permanent (manual-unlock-only) lockout.
type LockInfo struct {
	ExpiresAt time.Time
	Reason    string
	Message   string
}

// cache mirrors original_source/warpgate-core/src/login_protection/cache.rs:
// two expiry-aware maps plus two sliding-window attempt counters.
type cache struct {
	mu sync.RWMutex

	ipBlocks    *ttlmap.TtlMap
	userLocks   *ttlmap.TtlMap
	ipAttempts  map[string][]time.Time
	userAttempts map[string][]time.Time
}

func newCache() *cache {
	ipBlocks, _ := ttlmap.New(10000)
	userLocks, _ := ttlmap.New(10000)
	return &cache{
		ipBlocks:     ipBlocks,
		userLocks:    userLocks,
		ipAttempts:   make(map[string][]time.Time),
		userAttempts: make(map[string][]time.Time),
	}
}

func ttlSeconds(now, expiresAt time.Time) int {
	d := int(expiresAt.Sub(now).Seconds())
	if d < 1 {
		d = 1
	}
	return d
}

// setIPBlock stores info with a TTL computed against now.
func (c *cache) setIPBlock(now time.Time, ip string, info BlockInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipBlocks.Set(ip, info, ttlSeconds(now, info.ExpiresAt)) //nolint:errcheck
}

func (c *cache) getIPBlock(ip string) (BlockInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.ipBlocks.Get(ip)
	if !ok {
		return BlockInfo{}, false
	}
	return v.(BlockInfo), true
}

func (c *cache) removeIPBlock(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipBlocks.Remove(ip)
}

// setUserLock stores info. A zero ExpiresAt means permanent: ttlmap requires
// a positive TTL, so permanent lockouts use a very long synthetic TTL and
// rely on Service's ExpiresAt checks (zero means permanent) rather than map
// eviction to decide unlocking.
func (c *cache) setUserLock(now time.Time, username string, info LockInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl := 10 * 365 * 24 * 3600 // ~10y synthetic ceiling for permanent locks
	if !info.ExpiresAt.IsZero() {
		ttl = ttlSeconds(now, info.ExpiresAt)
	}
	c.userLocks.Set(username, info, ttl) //nolint:errcheck
}

func (c *cache) getUserLock(username string) (LockInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.userLocks.Get(username)
	if !ok {
		return LockInfo{}, false
	}
	return v.(LockInfo), true
}

func (c *cache) removeUserLock(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userLocks.Remove(username)
}

// recordIPAttempt appends now to ip's sliding window and returns the count
// of attempts still within window.
func (c *cache) recordIPAttempt(now time.Time, ip string, window time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ipAttempts[ip] = prune(append(c.ipAttempts[ip], now), now, window)
	return len(c.ipAttempts[ip])
}

func (c *cache) recordUserAttempt(now time.Time, username string, window time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userAttempts[username] = prune(append(c.userAttempts[username], now), now, window)
	return len(c.userAttempts[username])
}

func (c *cache) clearIPAttempts(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ipAttempts, ip)
}

func (c *cache) clearUserAttempts(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.userAttempts, username)
}

func prune(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
