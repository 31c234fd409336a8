package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/inbox/internal/protocol"
)

// IdentityPrefix is the Redis key prefix for identity hashes.
const IdentityPrefix = "identity:"

// RedisStore keeps the identity in a hash keyed by profile name, so several
// terminals on one machine can share or separate sign-ins.
type RedisStore struct {
	client  *redis.Client
	profile string
}

type record struct {
	ID    string `redis:"id"`
	Name  string `redis:"name"`
	Email string `redis:"email"`
}

// NewRedisStore creates a RedisStore. An empty profile uses "default".
func NewRedisStore(client *redis.Client, profile string) *RedisStore {
	if profile == "" {
		profile = "default"
	}
	return &RedisStore{client: client, profile: profile}
}

func (s *RedisStore) key() string { return IdentityPrefix + s.profile }

func (s *RedisStore) Load(ctx context.Context) (protocol.User, error) {
	var r record
	if err := s.client.HGetAll(ctx, s.key()).Scan(&r); err != nil {
		return protocol.User{}, fmt.Errorf("identity: redis load: %w", err)
	}
	if r.ID == "" {
		return protocol.User{}, ErrNotFound
	}
	return protocol.User{ID: protocol.ID(r.ID), Name: r.Name, Email: r.Email}, nil
}

func (s *RedisStore) Save(ctx context.Context, u protocol.User) error {
	if u.ID == "" {
		return errors.New("identity: user has no id")
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key())
	pipe.HSet(ctx, s.key(), "id", u.ID.String(), "name", u.Name, "email", u.Email)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("identity: redis save: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return fmt.Errorf("identity: redis clear: %w", err)
	}
	return nil
}
