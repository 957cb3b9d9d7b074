package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMessageLimiter_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := NewMessageLimiter(clock, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("message %d within burst rejected", i)
		}
	}
	if l.Allow() {
		t.Fatalf("message beyond burst allowed")
	}

	clock.advance(time.Second / 3)
	if !l.Allow() {
		t.Fatalf("message after refill rejected")
	}
	if l.Allow() {
		t.Fatalf("only one token should have refilled")
	}
}

func TestMessageLimiter_ClampsAfterIdle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := NewMessageLimiter(clock, 2)

	for i := 0; i < 2; i++ {
		if !l.Allow() {
			t.Fatalf("message %d within burst rejected", i)
		}
	}

	clock.advance(time.Hour)
	for i := 0; i < 2; i++ {
		if !l.Allow() {
			t.Fatalf("message %d after idle rejected", i)
		}
	}
	if l.Allow() {
		t.Fatalf("idle refill exceeded capacity")
	}
}

func TestMessageLimiter_TimeGoingBackwards(t *testing.T) {
	clock := &fakeClock{now: time.Unix(100, 0)}
	l := NewMessageLimiter(clock, 1)

	if !l.Allow() {
		t.Fatalf("first message rejected")
	}
	clock.now = time.Unix(50, 0)
	if l.Allow() {
		t.Fatalf("backwards clock must not refill")
	}
}

func TestMessageLimiter_ZeroRateUnlimited(t *testing.T) {
	l := NewMessageLimiter(nil, 0)
	for i := 0; i < 1000; i++ {
		if !l.Allow() {
			t.Fatalf("unlimited limiter rejected message %d", i)
		}
	}
}
