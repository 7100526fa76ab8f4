package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/festival/regionchat/internal/registry"
)

const (
	// SessionPrefix is the Redis key prefix for connection hashes.
	SessionPrefix = "chatsession:"

	// PresencePrefix is the Redis key prefix for per-region connection sets.
	PresencePrefix = "presence:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is one connection as stored in Redis.
type Session struct {
	ConnID      string `redis:"conn_id"`
	UserID      int64  `redis:"user_id"`
	Username    string `redis:"username"`
	DisplayName string `redis:"display_name"`
	Region      string `redis:"region"` // empty if not joined
	Server      string `redis:"server"` // which chat server instance
	CreatedAt   int64  `redis:"created_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages session state in Redis.
type Store struct {
	client     redis.UniversalClient
	serverName string // identifier for this chat server instance
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a session store over an existing Redis client.
func NewStore(client redis.UniversalClient, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func sessionKey(connID string) string { return SessionPrefix + connID }

func presenceKey(region string) string { return PresencePrefix + region }

// Track stores a new connection with no region and a 1h TTL.
func (s *Store) Track(ctx context.Context, sess registry.Session) error {
	now := time.Now().Unix()
	fields := map[string]interface{}{
		"conn_id":      sess.ConnID,
		"user_id":      sess.Identity.UserID,
		"username":     sess.Identity.Username,
		"display_name": sess.Identity.DisplayName,
		"region":       sess.Region,
		"server":       s.serverName,
		"created_at":   sess.ConnectedAt.Unix(),
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessionKey(sess.ConnID), fields)
	pipe.Expire(ctx, sessionKey(sess.ConnID), SessionTTL)
	if sess.Region != "" {
		pipe.SAdd(ctx, presenceKey(sess.Region), sess.ConnID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SetRegion moves a connection between region sets. An empty to means the
// connection left its region.
func (s *Store) SetRegion(ctx context.Context, connID, from, to string) error {
	key := sessionKey(connID)
	pipe := s.client.TxPipeline()
	if from != "" {
		pipe.SRem(ctx, presenceKey(from), connID)
	}
	if to != "" {
		pipe.SAdd(ctx, presenceKey(to), connID)
	}
	pipe.HSet(ctx, key, "region", to, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Untrack removes a connection and its region membership.
func (s *Store) Untrack(ctx context.Context, sess registry.Session) error {
	pipe := s.client.TxPipeline()
	if sess.Region != "" {
		pipe.SRem(ctx, presenceKey(sess.Region), sess.ConnID)
	}
	pipe.Del(ctx, sessionKey(sess.ConnID))
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, sessionKey(connID)).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ConnID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// RegionMembers returns the connection ids mirrored into region, sorted.
func (s *Store) RegionMembers(ctx context.Context, region string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, presenceKey(region)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// RegionCount returns the mirrored connection count of region.
func (s *Store) RegionCount(ctx context.Context, region string) (int64, error) {
	return s.client.SCard(ctx, presenceKey(region)).Result()
}

// RefreshTTL extends the session's TTL. A missing session is left missing.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	return s.client.Expire(ctx, sessionKey(connID), SessionTTL).Err()
}
