// Package ratelimit throttles relay traffic with Redis fixed-window
// counters (INCR, then EXPIRE on the first hit). Limits are shared by every
// relay instance using the same Redis.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a limit of Limit hits per Window for keys under Key.
type Rule struct {
	Event  string // event the rule guards, reported back to the client
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleTyping allows 20 typing signals per 10 seconds per connection.
	RuleTyping = Rule{Event: "typing", Key: "rl:typing:", Limit: 20, Window: 10 * time.Second}

	// RuleJoin allows 10 joins per minute per connection.
	RuleJoin = Rule{Event: "join", Key: "rl:join:", Limit: 10, Window: time.Minute}

	// RuleConnect allows 30 upgrades per minute per remote IP.
	RuleConnect = Rule{Event: "connect", Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// RetryAfter is the window length in whole seconds, at least 1.
func (r Rule) RetryAfter() int {
	s := int(r.Window / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

// Limiter checks rules against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter on client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one hit for identifier under rule and reports whether it is
// within the limit. Redis errors fail open: the hit is allowed and the error
// returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// Without a TTL the key would block identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}
	return int(count) <= rule.Limit, nil
}

// Remaining returns how many hits identifier has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}
	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

// Reset forgets identifier's count under rule.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	return l.client.Del(ctx, rule.Key+identifier).Err()
}
