// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The assigner uses it to throttle operator "who's next"
// requests per session and committing requests per court.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:suggest:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSuggest allows 30 suggest requests per minute per session.
	RuleSuggest = Rule{Key: "rl:suggest:", Limit: 30, Window: time.Minute}

	// RuleCommit allows 10 committing suggest requests per minute per court.
	RuleCommit = Rule{Key: "rl:commit:", Limit: 10, Window: time.Minute}
)

// WithLimit returns a copy of r allowing limit requests per window. A
// non-positive limit leaves r unchanged.
func (r Rule) WithLimit(limit int) Rule {
	if limit > 0 {
		r.Limit = limit
	}
	return r
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.With(zap.String("component", "ratelimit"))}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// stop courts from being filled.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// The first increment opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without TTL would throttle the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}
