package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	wait, err := l.Allow("alice")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if wait != time.Second {
		t.Errorf("retry after = %s, want 1s", wait)
	}

	clock.advance(time.Second)
	if _, err := l.Allow("alice"); err != nil {
		t.Errorf("token should have refilled: %v", err)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})
	if _, err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Allow("alice"); err == nil {
		t.Fatal("alice should be limited")
	}
	if _, err := l.Allow("bob"); err != nil {
		t.Errorf("bob must not share alice's bucket: %v", err)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	if !l.Unlimited() {
		t.Fatal("zero rate should be unlimited")
	}
	for i := 0; i < 1000; i++ {
		if _, err := l.Allow("alice"); err != nil {
			t.Fatal(err)
		}
	}
	var nilLimiter *Limiter
	if _, err := nilLimiter.Allow("x"); err != nil {
		t.Errorf("nil limiter should allow: %v", err)
	}
}

func TestLimiter_Prune(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	_, _ = l.Allow("alice")
	_, _ = l.Allow("bob")

	clock.advance(10 * time.Minute)
	_, _ = l.Allow("bob")

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, ok := l.keys["bob"]; !ok {
		t.Error("recently active key should be kept")
	}
}
