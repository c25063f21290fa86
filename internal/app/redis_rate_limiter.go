package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRateLimitPrefix = "bank:rate_limit"

// attemptWindowScript counts one attempt in a fixed window. A key that lost its TTL
// gets the window re-applied so it cannot lock a subject out forever.
var attemptWindowScript = redis.NewScript(`
local attempts = redis.call("INCR", KEYS[1])
if attempts == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {attempts, ttl}
`)

// RedisRateLimiter keeps login attempt windows in Redis so every replica shares them.
// Keys look like "bank:rate_limit:bank-token:team042".
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultRateLimitPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) attemptKey(scope AuthScope, subject string) string {
	return r.prefix + ":" + string(scope) + ":" + strings.ToLower(strings.TrimSpace(subject))
}

// Consume records an attempt for subject under scope and returns the window's state.
func (r *RedisRateLimiter) Consume(ctx context.Context, scope AuthScope, subject string, window time.Duration) (Attempt, error) {
	if window < time.Second {
		window = time.Second
	}
	reply, err := attemptWindowScript.Run(ctx, r.client, []string{r.attemptKey(scope, subject)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Attempt{}, fmt.Errorf("failed to count %s attempt: %w", scope, err)
	}
	if len(reply) != 2 {
		return Attempt{}, fmt.Errorf("unexpected attempt window reply: %v", reply)
	}
	return Attempt{Count: int(reply[0]), ResetIn: time.Duration(reply[1]) * time.Millisecond}, nil
}

// Reset drops the subject's window after a successful login.
func (r *RedisRateLimiter) Reset(ctx context.Context, scope AuthScope, subject string) error {
	if err := r.client.Del(ctx, r.attemptKey(scope, subject)).Err(); err != nil {
		return fmt.Errorf("failed to reset %s attempts: %w", scope, err)
	}
	return nil
}
