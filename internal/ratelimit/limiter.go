// Package ratelimit throttles WebSocket connection attempts per client
// address with a fixed window counter kept in Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule is a fixed window: at most Limit hits per Window for each identifier,
// counted under Prefix+identifier.
type Rule struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// RuleConnect allows 20 upgrades per minute per address.
var RuleConnect = Rule{Prefix: "rl:conn:", Limit: 20, Window: time.Minute}

// hitScript increments the window counter and starts the window on the
// first hit, in one round trip. Returns {count, pttl}.
var hitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Decision is the outcome of one Hit.
type Decision struct {
	Allowed   bool
	Count     int
	Remaining int
	// ResetIn is how long until the current window ends.
	ResetIn time.Duration
}

// Limiter counts hits in Redis.
type Limiter struct {
	client redis.UniversalClient
	log    *zap.Logger
}

// NewLimiter creates a Limiter on client.
func NewLimiter(client redis.UniversalClient, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{client: client, log: logger.Named("ratelimit")}
}

// Hit records one attempt by id under rule. Redis errors are returned along
// with an allowing Decision so callers fail open.
func (l *Limiter) Hit(ctx context.Context, id string, rule Rule) (Decision, error) {
	if rule.Limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	key := rule.Prefix + id

	res, err := hitScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		l.log.Warn("rate limit check failed, admitting", zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true, Remaining: rule.Limit}, err
	}

	count := int(res[0])
	return Decision{
		Allowed:   count <= rule.Limit,
		Count:     count,
		Remaining: max(rule.Limit-count, 0),
		ResetIn:   time.Duration(res[1]) * time.Millisecond,
	}, nil
}

// ConnectGuard applies a rule to connection attempts.
type ConnectGuard struct {
	limiter *Limiter
	rule    Rule
}

// NewConnectGuard limits connection attempts per client address with rule.
func NewConnectGuard(l *Limiter, rule Rule) *ConnectGuard {
	return &ConnectGuard{limiter: l, rule: rule}
}

// AllowConnect reports whether addr may open another connection and, if
// not, how long until it may retry.
func (g *ConnectGuard) AllowConnect(ctx context.Context, addr string) (bool, time.Duration) {
	d, _ := g.limiter.Hit(ctx, addr, g.rule)
	if d.Allowed {
		return true, 0
	}
	return false, d.ResetIn
}
