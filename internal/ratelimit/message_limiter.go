// Package ratelimit caps the inbound signaling message rate per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock lets tests drive time deterministically.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

// MessageLimiter is a deterministic token bucket refilling at an integer
// messages/sec rate, with burst capacity equal to the rate.
//
// Fixed-point "nano-tokens" avoid float rounding: one message costs 1e9
// nano-tokens, and a rate of X msgs/sec adds X nano-tokens per nanosecond.
type MessageLimiter struct {
	mu sync.Mutex

	clock     Clock
	rate      int64 // messages/sec, also the bucket capacity
	available int64 // nano-tokens
	last      time.Time
}

// NewMessageLimiter returns a limiter allowing perSecond messages per second.
// perSecond <= 0 disables limiting.
func NewMessageLimiter(clock Clock, perSecond int) *MessageLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	rate := int64(perSecond)
	if rate < 0 {
		rate = 0
	}
	return &MessageLimiter{
		clock:     clock,
		rate:      rate,
		available: rate * nanoTokensPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes one message's worth of tokens if available.
func (l *MessageLimiter) Allow() bool {
	if l.rate == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.available < nanoTokensPerToken {
		return false
	}
	l.available -= nanoTokensPerToken
	return true
}

func (l *MessageLimiter) refillLocked() {
	now := l.clock.Now()
	if now.Before(l.last) {
		// Time went backwards; move the reference point without refilling.
		l.last = now
		return
	}
	elapsed := now.Sub(l.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	l.last = now

	capacity := l.rate * nanoTokensPerToken
	need := capacity - l.available
	if need <= 0 {
		l.available = capacity
		return
	}

	// rate tokens/sec equals rate nano-tokens/ns in this representation.
	// Clamp instead of multiplying when the elapsed window alone would
	// overfill (also avoids elapsed*rate overflow after long idles).
	if maxElapsedToFill := need / l.rate; maxElapsedToFill <= 0 || elapsed >= maxElapsedToFill {
		l.available = capacity
		return
	}

	l.available += elapsed * l.rate
	if l.available > capacity {
		l.available = capacity
	}
}
