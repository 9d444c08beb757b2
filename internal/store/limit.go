package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionLimitScript atomically decrements the remaining session quota, seeding the counter with the default quota on
// first use. It returns 1 when a session slot was consumed and 0 when the quota is exhausted. The TTL only applies on
// creation so the window measures from the user's first session, not their latest.
var sessionLimitScript = redis.NewScript(`
local remaining = redis.call('GET', KEYS[1])
if remaining == false then
  redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
  remaining = ARGV[1]
end
if tonumber(remaining) - 1 < 0 then
  return 0
end
redis.call('DECRBY', KEYS[1], 1)
return 1
`)

// Limiter enforces the per-user session quota in Redis.
type Limiter struct {
	rdb   redis.UniversalClient
	quota int
	ttl   time.Duration
}

// NewLimiter returns a Limiter handing out at most quota sessions per user per ttl window.
func NewLimiter(rdb redis.UniversalClient, quota int, ttl time.Duration) *Limiter {
	return &Limiter{rdb: rdb, quota: quota, ttl: ttl}
}

// SessionLimitDec consumes one session slot for the user, returning false when none remain.
func (l *Limiter) SessionLimitDec(ctx context.Context, userID uint64) (bool, error) {
	key := "gateway:session_limit:" + strconv.FormatUint(userID, 10)
	ok, err := sessionLimitScript.Run(ctx, l.rdb, []string{key}, l.quota, int(l.ttl.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("session limit: %w", err)
	}
	return ok == 1, nil
}
