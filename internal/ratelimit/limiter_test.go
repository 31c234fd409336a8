package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client)
}

func TestAllowWithinWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Event: "typing", Key: "rl:test:", Limit: 3, Window: time.Minute}
	id := "conn-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { _ = l.Reset(ctx, id, rule) })

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, id, rule)
		if err != nil || !ok {
			t.Fatalf("hit %d: expected allowed, got %v (%v)", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, id, rule); ok {
		t.Fatal("expected the fourth hit to be limited")
	}
	if n, err := l.Remaining(ctx, id, rule); err != nil || n != 0 {
		t.Fatalf("expected 0 remaining, got %d (%v)", n, err)
	}

	if err := l.Reset(ctx, id, rule); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if n, _ := l.Remaining(ctx, id, rule); n != 3 {
		t.Fatalf("expected full limit after Reset, got %d", n)
	}
}

func TestWindowExpires(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}
	id := "exp-" + time.Now().Format("150405.000000000")

	if ok, _ := l.Allow(ctx, id, rule); !ok {
		t.Fatal("expected first hit allowed")
	}
	if ok, _ := l.Allow(ctx, id, rule); ok {
		t.Fatal("expected second hit limited")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := l.Allow(ctx, id, rule); !ok {
		t.Fatal("expected a new window after expiry")
	}
}

func TestAllowFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	ok, err := NewLimiter(client).Allow(context.Background(), "x", RuleTyping)
	if !ok || err == nil {
		t.Fatalf("expected fail-open with an error, got %v (%v)", ok, err)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		window time.Duration
		want   int
	}{
		{10 * time.Second, 10},
		{time.Minute, 60},
		{100 * time.Millisecond, 1},
	}
	for _, tt := range tests {
		if got := (Rule{Window: tt.window}).RetryAfter(); got != tt.want {
			t.Errorf("RetryAfter(%s) = %d, want %d", tt.window, got, tt.want)
		}
	}
}
