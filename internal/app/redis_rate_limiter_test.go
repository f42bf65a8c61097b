package app

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/crowdfund-service/internal/domain"
)

type scriptStub struct {
	result interface{}
	err    error
	calls  int
	keys   []string
	args   []interface{}
}

func (s *scriptStub) Run(ctx context.Context, c redis.Scripter, keys []string, args ...interface{}) *redis.Cmd {
	s.calls++
	s.keys = keys
	s.args = args
	return redis.NewCmdResult(s.result, s.err)
}

// unreachableClient fails any real round trip.
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewRedisRateLimiter_NormalizesPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: "crowdfund:rate_limit"},
		{prefix: "  custom:limits: ", want: "custom:limits"},
		{prefix: "plain", want: "plain"},
	}
	for _, tt := range tests {
		if got := NewRedisRateLimiter(nil, tt.prefix).prefix; got != tt.want {
			t.Fatalf("prefix %q: expected %q, got %q", tt.prefix, tt.want, got)
		}
	}
}

func TestRedisRateLimiter_KeyPolicy(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, "")
	limits := RateLimits{ContributePerMinute: 5, ReportPerMinute: 2}

	if got, want := limiter.Key(limits.contributeRule(), "alice", 7), "crowdfund:rate_limit:contribute:campaign:7:alice"; got != want {
		t.Fatalf("expected contribute key %q, got %q", want, got)
	}
	if got, want := limiter.Key(limits.reportRule(), "alice", 7), "crowdfund:rate_limit:report:alice"; got != want {
		t.Fatalf("expected report key %q, got %q", want, got)
	}
	if limiter.Key(limits.reportRule(), "alice", 7) != limiter.Key(limits.reportRule(), "alice", 8) {
		t.Fatal("expected report key to ignore the campaign")
	}
}

func TestRedisRateLimiter_ConsumeRunsWindowScript(t *testing.T) {
	rule := RateRule{Scope: ScopeContribute, Limit: 3, Window: time.Minute, PerCampaign: true}

	cases := []struct {
		name        string
		result      interface{}
		wantCount   int
		wantRetry   time.Duration
		wantAllowed bool
	}{
		{name: "first call", result: []interface{}{int64(1), int64(60000)}, wantCount: 1, wantRetry: time.Minute, wantAllowed: true},
		{name: "at limit", result: []interface{}{int64(3), int64(12500)}, wantCount: 3, wantRetry: 12500 * time.Millisecond, wantAllowed: true},
		{name: "over limit", result: []interface{}{int64(4), int64(900)}, wantCount: 4, wantRetry: 900 * time.Millisecond, wantAllowed: false},
		{name: "missing ttl falls back to window", result: []interface{}{int64(2), int64(-1)}, wantCount: 2, wantRetry: time.Minute, wantAllowed: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script := &scriptStub{result: tc.result}
			limiter := NewRedisRateLimiter(unreachableClient(t), "test")
			limiter.script = script

			decision, err := limiter.Consume(context.Background(), rule, "bob", 11)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if decision.Count != tc.wantCount || decision.RetryAfter != tc.wantRetry || decision.Allowed() != tc.wantAllowed {
				t.Fatalf("expected %d/%s/%v, got %+v (allowed %v)", tc.wantCount, tc.wantRetry, tc.wantAllowed, decision, decision.Allowed())
			}
			if want := []string{"test:contribute:campaign:11:bob"}; !reflect.DeepEqual(script.keys, want) {
				t.Fatalf("expected keys %v, got %v", want, script.keys)
			}
			if want := []interface{}{int64(60000), 3}; !reflect.DeepEqual(script.args, want) {
				t.Fatalf("expected args %v, got %v", want, script.args)
			}
		})
	}
}

func TestRedisRateLimiter_ShortWindowRoundsUpToOneSecond(t *testing.T) {
	script := &scriptStub{result: []interface{}{int64(1), int64(1000)}}
	limiter := NewRedisRateLimiter(unreachableClient(t), "")
	limiter.script = script

	rule := RateRule{Scope: ScopeReport, Limit: 1, Window: 10 * time.Millisecond}
	if _, err := limiter.Consume(context.Background(), rule, "bob", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if script.args[0] != int64(1000) {
		t.Fatalf("expected window of 1000ms, got %v", script.args[0])
	}
}

func TestRedisRateLimiter_ScriptErrors(t *testing.T) {
	rule := RateRule{Scope: ScopeReport, Limit: 1, Window: time.Minute}

	cases := []struct {
		name   string
		result interface{}
		err    error
	}{
		{name: "backend error", err: errors.New("connection refused")},
		{name: "wrong shape", result: int64(1)},
		{name: "short reply", result: []interface{}{int64(1)}},
		{name: "string count", result: []interface{}{"1", int64(100)}},
		{name: "string ttl", result: []interface{}{int64(1), "100"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			limiter := NewRedisRateLimiter(unreachableClient(t), "")
			limiter.script = &scriptStub{result: tc.result, err: tc.err}

			if _, err := limiter.Consume(context.Background(), rule, "bob", 0); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestRedisRateLimiter_DisabledPathsSkipRedis(t *testing.T) {
	script := &scriptStub{}
	limiter := NewRedisRateLimiter(unreachableClient(t), "")
	limiter.script = script
	ctx := context.Background()

	cases := []struct {
		name   string
		rule   RateRule
		caller domain.Identity
	}{
		{name: "zero limit", rule: RateRule{Scope: ScopeContribute, Window: time.Minute}, caller: "x"},
		{name: "zero window", rule: RateRule{Scope: ScopeContribute, Limit: 5}, caller: "x"},
		{name: "blank scope", rule: RateRule{Scope: " ", Limit: 5, Window: time.Minute}, caller: "x"},
		{name: "anonymous caller", rule: RateRule{Scope: ScopeReport, Limit: 5, Window: time.Minute}, caller: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := limiter.Consume(ctx, tc.rule, tc.caller, 1)
			if err != nil || !decision.Allowed() {
				t.Fatalf("expected disabled limiter to allow, got %+v (%v)", decision, err)
			}
		})
	}
	if script.calls != 0 {
		t.Fatalf("expected no script runs, got %d", script.calls)
	}

	var nilLimiter *RedisRateLimiter
	if decision, err := nilLimiter.Consume(ctx, RateRule{Scope: ScopeReport, Limit: 1, Window: time.Minute}, "x", 0); err != nil || !decision.Allowed() {
		t.Fatalf("expected nil limiter to allow, got %+v (%v)", decision, err)
	}
}

// Runs the Lua script against a live server when CROWDFUND_TEST_REDIS_URL is set.
func TestRedisRateLimiter_FixedWindowAgainstRedis(t *testing.T) {
	url := os.Getenv("CROWDFUND_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CROWDFUND_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	prefix := "crowdfund:test:" + time.Now().Format("150405.000000000")
	limiter := NewRedisRateLimiter(client, prefix)
	rule := RateRule{Scope: ScopeContribute, Limit: 2, Window: 2 * time.Second, PerCampaign: true}
	key := limiter.Key(rule, "carol", 3)
	t.Cleanup(func() { client.Del(ctx, key) })

	for i := 1; i <= 2; i++ {
		decision, err := limiter.Consume(ctx, rule, "carol", 3)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if decision.Count != i || !decision.Allowed() {
			t.Fatalf("call %d: expected allowed count %d, got %+v", i, i, decision)
		}
	}

	for i := 0; i < 3; i++ {
		decision, err := limiter.Consume(ctx, rule, "carol", 3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if decision.Allowed() || decision.Count != 3 {
			t.Fatalf("expected rejection with count 3, got %+v", decision)
		}
		if decision.RetryAfter <= 0 || decision.RetryAfter > rule.Window {
			t.Fatalf("expected retry inside the window, got %s", decision.RetryAfter)
		}
	}

	stored, err := client.Get(ctx, key).Int()
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if stored != 2 {
		t.Fatalf("expected rejected calls to leave the counter at 2, got %d", stored)
	}

	other, err := limiter.Consume(ctx, rule, "carol", 4)
	if err != nil || other.Count != 1 {
		t.Fatalf("expected a fresh window on another campaign, got %+v (%v)", other, err)
	}
	t.Cleanup(func() { client.Del(ctx, limiter.Key(rule, "carol", 4)) })
}
