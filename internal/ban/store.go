// Package ban keeps temporary relay bans for remote hosts that keep
// exceeding rate limits. Records live in Redis and expire on their own:
//
//	Key:   ban:<host>         Value: <reason>   TTL: ban duration
//	Key:   violations:<host>  Value: <count>    TTL: ViolationWindow
//	Key:   offenses:<host>    Value: <count>    TTL: OffenseTTL
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BanPrefix        = "ban:"
	ViolationsPrefix = "violations:"
	OffensesPrefix   = "offenses:"

	// Escalating ban durations.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ViolationWindow is how long rate-limit violations are counted before
	// the counter resets.
	ViolationWindow = 10 * time.Minute

	// OffenseTTL is how long a host's ban history is remembered.
	OffenseTTL = 24 * time.Hour

	// DefaultThreshold is the number of violations within ViolationWindow
	// that triggers a ban.
	DefaultThreshold = 50
)

// Store manages ban records in Redis.
type Store struct {
	client    *redis.Client
	threshold int64
}

// NewStore creates a store with DefaultThreshold.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, threshold: DefaultThreshold}
}

// SetThreshold changes how many violations trigger a ban.
func (s *Store) SetThreshold(n int) {
	if n > 0 {
		s.threshold = int64(n)
	}
}

// IsBanned reports whether host is banned, with the remaining duration and
// the reason. Redis errors are returned so callers can fail open.
func (s *Store) IsBanned(ctx context.Context, host string) (bool, time.Duration, string, error) {
	key := BanPrefix + host

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// Banned, remaining unknown.
		return true, 0, reason, nil
	}
	return true, ttl, reason, nil
}

// Ban bans host for duration.
func (s *Store) Ban(ctx context.Context, host string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+host, reason, duration).Err()
}

// Unban lifts a ban immediately and forgets pending violations.
func (s *Store) Unban(ctx context.Context, host string) error {
	return s.client.Del(ctx, BanPrefix+host, ViolationsPrefix+host).Err()
}

func escalationDuration(offenses int64) time.Duration {
	switch {
	case offenses <= 1:
		return Ban15Min
	case offenses == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// OffenseCount returns how many times host was banned within OffenseTTL.
func (s *Store) OffenseCount(ctx context.Context, host string) (int, error) {
	n, err := s.client.Get(ctx, OffensesPrefix+host).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Escalate bans host for a duration that grows with its offense count:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
func (s *Store) Escalate(ctx context.Context, host, reason string) (time.Duration, error) {
	offenses, err := incrWithTTL(ctx, s.client, OffensesPrefix+host, OffenseTTL)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}
	duration := escalationDuration(offenses)
	if err := s.Ban(ctx, host, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}
	return duration, nil
}

// RecordViolation counts one rate-limit violation for host. Reaching the
// threshold escalates to a ban and resets the violation counter.
func (s *Store) RecordViolation(ctx context.Context, host, reason string) (bool, time.Duration, error) {
	key := ViolationsPrefix + host
	count, err := incrWithTTL(ctx, s.client, key, ViolationWindow)
	if err != nil {
		return false, 0, fmt.Errorf("ban: record violation: %w", err)
	}
	if count < s.threshold {
		return false, 0, nil
	}

	duration, err := s.Escalate(ctx, host, reason)
	if err != nil {
		return false, 0, err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return true, duration, fmt.Errorf("ban: reset violations: %w", err)
	}
	return true, duration, nil
}

// incrWithTTL increments key, setting ttl on the first increment so the
// window does not slide.
func incrWithTTL(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (int64, error) {
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}
