// Package presence records which relay connection has joined which room, so
// any relay instance can tell whether a user is online and where.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/inbox/internal/protocol"
)

const (
	// ConnPrefix keys the per-connection hash.
	ConnPrefix = "presence:"

	// RoomPrefix keys the set of connection ids joined to a room.
	RoomPrefix = "presence:room:"

	// TTL bounds how long a record outlives a relay that died without
	// cleaning up.
	TTL = 1 * time.Hour
)

// Entry is one joined connection.
type Entry struct {
	ConnID     string `redis:"conn_id"`
	Room       string `redis:"room"`
	Server     string `redis:"server"`
	JoinedAt   int64  `redis:"joined_at"`
	LastActive int64  `redis:"last_active"`
}

// Store keeps presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Join records that connID has joined room on this server. A connection
// that was in another room is moved.
func (s *Store) Join(ctx context.Context, connID string, room protocol.ID) error {
	key := ConnPrefix + connID
	prev, err := s.client.HGet(ctx, key, "room").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("presence: join %s: %w", connID, err)
	}

	now := time.Now().Unix()
	roomKey := RoomPrefix + room.String()
	pipe := s.client.TxPipeline()
	if prev != "" && prev != room.String() {
		pipe.SRem(ctx, RoomPrefix+prev, connID)
	}
	pipe.HSet(ctx, key, map[string]interface{}{
		"conn_id":     connID,
		"room":        room.String(),
		"server":      s.serverName,
		"joined_at":   now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, TTL)
	pipe.SAdd(ctx, roomKey, connID)
	pipe.Expire(ctx, roomKey, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: join %s: %w", connID, err)
	}
	return nil
}

// Get returns the entry for connID, or nil if none exists.
func (s *Store) Get(ctx context.Context, connID string) (*Entry, error) {
	var e Entry
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&e); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", connID, err)
	}
	if e.ConnID == "" {
		return nil, nil
	}
	return &e, nil
}

// Touch refreshes the connection's activity time and TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Connections lists the connection ids joined to room across all servers.
func (s *Store) Connections(ctx context.Context, room protocol.ID) ([]string, error) {
	ids, err := s.client.SMembers(ctx, RoomPrefix+room.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: members of %s: %w", room, err)
	}
	return ids, nil
}

// Online reports whether any connection is joined to room.
func (s *Store) Online(ctx context.Context, room protocol.ID) (bool, error) {
	n, err := s.client.SCard(ctx, RoomPrefix+room.String()).Result()
	if err != nil {
		return false, fmt.Errorf("presence: online %s: %w", room, err)
	}
	return n > 0, nil
}

// Leave removes the connection's record and its room membership.
func (s *Store) Leave(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	room, err := s.client.HGet(ctx, key, "room").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("presence: leave %s: %w", connID, err)
	}
	pipe := s.client.TxPipeline()
	if room != "" {
		pipe.SRem(ctx, RoomPrefix+room, connID)
	}
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: leave %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client so the rate limiter can share
// it.
func (s *Store) Client() *redis.Client {
	return s.client
}
