package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const minDecisionWindow = time.Second

// RedisDecisionRateLimiter counts decisions per actor in fixed windows shared by
// every replica.
type RedisDecisionRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDecisionRateLimiter(client redis.UniversalClient, prefix string) *RedisDecisionRateLimiter {
	return &RedisDecisionRateLimiter{
		client: client,
		prefix: redisKeyPrefix(prefix, "rate_limit"),
	}
}

// ConsumeRateLimit records one decision by subject and returns the window's
// running count. Blank scopes or subjects and a non-positive limit are never counted.
func (r *RedisDecisionRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}
	if window < minDecisionWindow {
		window = minDecisionWindow
	}

	key := r.prefix + ":" + scope + ":" + subject
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	}); err != nil {
		return 0, 0, fmt.Errorf("count decision: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// First hit in the window, or a counter left without expiry.
		if err := r.client.PExpire(ctx, key, window).Err(); err != nil {
			return int(incr.Val()), 0, fmt.Errorf("start decision window: %w", err)
		}
		remaining = window
	}
	return int(incr.Val()), retryAfterSeconds(remaining), nil
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(remaining time.Duration) int {
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// redisKeyPrefix joins the configured namespace with a component suffix.
func redisKeyPrefix(prefix, component string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "lipila"
	}
	return trimmed + ":" + component
}
