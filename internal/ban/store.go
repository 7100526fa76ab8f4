// Package ban provides user suspensions backed by Redis. Suspensions are
// plain keys with TTL-based expiry:
//
//	Key:   ban:user:<userID>
//	Value: <reason>
//	TTL:   suspension duration
//
// Moderation strikes are counted under strikes:user:<userID> and escalate
// into suspensions once AutoBanThreshold is reached. A message yields at
// most one strike; strike:msg:<messageID> marks the ones already counted.
package ban

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for suspension records.
	BanPrefix = "ban:user:"

	// StrikesPrefix is the Redis key prefix for strike counters.
	StrikesPrefix = "strikes:user:"

	// StruckPrefix marks messages whose author was already struck.
	StruckPrefix = "strike:msg:"

	// Escalating suspension durations.
	Ban15Min  = 15 * time.Minute // first suspension
	Ban1Hour  = 1 * time.Hour    // second
	Ban24Hour = 24 * time.Hour   // third and later

	// StrikesTTL is how long the strike counter lives. After 24h without
	// a new strike the counter resets to zero.
	StrikesTTL = 24 * time.Hour

	// StruckTTL is how long a message stays marked as struck.
	StruckTTL = 7 * 24 * time.Hour

	// AutoBanThreshold is the number of strikes within StrikesTTL that
	// triggers an automatic suspension.
	AutoBanThreshold = 3

	// MaxBanDuration caps manual suspensions.
	MaxBanDuration = 30 * 24 * time.Hour
)

// Suspension describes an active ban.
type Suspension struct {
	UserID    int64         `json:"userId"`
	Reason    string        `json:"reason"`
	Remaining time.Duration `json:"-"`
}

// Store manages suspension records in Redis.
type Store struct {
	client redis.UniversalClient
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

func banKey(userID int64) string       { return BanPrefix + strconv.FormatInt(userID, 10) }
func strikesKey(userID int64) string   { return StrikesPrefix + strconv.FormatInt(userID, 10) }
func struckKey(messageID int64) string { return StruckPrefix + strconv.FormatInt(messageID, 10) }

// strikeScript marks the message and bumps the author's counter in one
// step. KEYS: marker, counter. ARGV: marker TTL ms, counter TTL ms. Returns
// the new count, or -1 when the message was already counted.
var strikeScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
  return -1
end
local n = redis.call('INCR', KEYS[2])
if n == 1 or redis.call('PTTL', KEYS[2]) < 0 then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return n
`)

// Check reports whether userID is currently suspended. Redis errors are
// returned so callers can decide how to handle them; the connect path
// fails open.
func (s *Store) Check(ctx context.Context, userID int64) (Suspension, bool, error) {
	key := banKey(userID)

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Suspension{}, false, nil
	}
	if err != nil {
		return Suspension{}, false, err
	}

	sus := Suspension{UserID: userID, Reason: reason}
	// A failed TTL read still reports the ban.
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		sus.Remaining = ttl
	}
	return sus, true, nil
}

// Ban suspends userID for duration.
func (s *Store) Ban(ctx context.Context, userID int64, duration time.Duration, reason string) error {
	if duration <= 0 || duration > MaxBanDuration {
		return fmt.Errorf("ban: duration %s out of range", duration)
	}
	return s.client.Set(ctx, banKey(userID), reason, duration).Err()
}

// Unban lifts a suspension immediately. It does not reset strikes.
func (s *Store) Unban(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, banKey(userID)).Err()
}

// Strikes returns the current strike count for userID, 0 if none are
// recorded or the counter expired.
func (s *Store) Strikes(ctx context.Context, userID int64) (int, error) {
	val, err := s.client.Get(ctx, strikesKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// escalationDuration returns the suspension length once a user has
// collected strikes strikes.
func escalationDuration(strikes int) time.Duration {
	switch {
	case strikes <= AutoBanThreshold:
		return Ban15Min
	case strikes == AutoBanThreshold+1:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// Strike records a moderation strike against the author of messageID.
// Repeated calls for the same message count once. Once the counter
// reaches AutoBanThreshold, each further strike suspends the user for an
// escalating duration:
//
//	3rd strike  -> 15 minutes
//	4th strike  -> 1 hour
//	5th+ strike -> 24 hours
//
// The counter TTL is set on the first increment only, so the window does
// not slide. Returns the suspension applied, or 0.
func (s *Store) Strike(ctx context.Context, userID, messageID int64, reason string) (time.Duration, error) {
	keys := []string{struckKey(messageID), strikesKey(userID)}
	count, err := strikeScript.Run(ctx, s.client, keys, StruckTTL.Milliseconds(), StrikesTTL.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("ban: strike: %w", err)
	}

	if count < AutoBanThreshold {
		return 0, nil
	}
	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, userID, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: strike ban: %w", err)
	}
	return duration, nil
}
