package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/crowdfund-service/internal/domain"
)

// fixedWindowScript counts a call against KEYS[1] unless the window is already
// exhausted. Rejected calls do not increment the counter, so a caller that keeps
// hammering an exhausted window is not locked out past its reset.
//
// ARGV[1] window in milliseconds, ARGV[2] limit. Returns {count, ttl_ms}; a
// count above the limit means the call was rejected.
var fixedWindowScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= limit then
  local ttl = redis.call("PTTL", KEYS[1])
  if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], window)
    ttl = window
  end
  return {current + 1, ttl}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], window)
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = window
end
return {current, ttl}
`)

// RateRule throttles one operation. PerCampaign rules count each
// (campaign, caller) pair separately; the others count a caller globally.
type RateRule struct {
	Scope       string
	Limit       int
	Window      time.Duration
	PerCampaign bool
}

func (r RateRule) enabled() bool {
	return r.Limit > 0 && r.Window > 0 && strings.TrimSpace(r.Scope) != ""
}

// RateDecision is the outcome of one counted call.
type RateDecision struct {
	Count      int
	Limit      int
	RetryAfter time.Duration
}

// Allowed reports whether the call fits in the current window.
func (d RateDecision) Allowed() bool {
	return d.Limit <= 0 || d.Count <= d.Limit
}

// RateLimiter counts calls of caller against rule.
type RateLimiter interface {
	Consume(ctx context.Context, rule RateRule, caller domain.Identity, campaign domain.CampaignID) (RateDecision, error)
}

type windowScript interface {
	Run(ctx context.Context, c redis.Scripter, keys []string, args ...interface{}) *redis.Cmd
}

// RedisRateLimiter implements distributed fixed-window rate limiting using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	script windowScript
}

// NewRedisRateLimiter scopes every key under prefix.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "crowdfund:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		script: fixedWindowScript,
	}
}

// Key returns the counter key for caller under rule, e.g.
// crowdfund:rate_limit:contribute:campaign:7:alice or
// crowdfund:rate_limit:report:alice.
func (r *RedisRateLimiter) Key(rule RateRule, caller domain.Identity, campaign domain.CampaignID) string {
	scope := strings.TrimSpace(rule.Scope)
	if rule.PerCampaign {
		return fmt.Sprintf("%s:%s:campaign:%s:%s", r.prefix, scope, campaign, caller)
	}
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, caller)
}

// Consume counts one call. A nil limiter, a disabled rule or an anonymous
// caller always allows without touching Redis.
func (r *RedisRateLimiter) Consume(ctx context.Context, rule RateRule, caller domain.Identity, campaign domain.CampaignID) (RateDecision, error) {
	if r == nil || r.client == nil || !rule.enabled() || caller.IsZero() {
		return RateDecision{}, nil
	}

	windowMs := rule.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := r.Key(rule, caller, campaign)
	raw, err := r.script.Run(ctx, r.client, []string{key}, windowMs, rule.Limit).Result()
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count, ttlMs, err := parseWindowResult(raw)
	if err != nil {
		return RateDecision{}, err
	}
	if ttlMs <= 0 {
		ttlMs = windowMs
	}

	return RateDecision{
		Count:      int(count),
		Limit:      rule.Limit,
		RetryAfter: time.Duration(ttlMs) * time.Millisecond,
	}, nil
}

func parseWindowResult(raw interface{}) (count, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	if count, ok = values[0].(int64); !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	if ttlMs, ok = values[1].(int64); !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	return count, ttlMs, nil
}
