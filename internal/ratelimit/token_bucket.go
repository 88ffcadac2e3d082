package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens. Integer fixed point keeps refill math exact:
// a rate of X tokens/sec adds exactly X nano-tokens per elapsed nanosecond.
const nanosPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer tokens/sec rate read from a Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	burstTokens int64 // capacity
	ratePerSec  int64 // refill rate

	availableNanos int64
	last           time.Time
}

// NewTokenBucket returns a bucket that starts full. A non-positive burst or
// rate disables the corresponding behavior (nothing to spend, or no refill).
func NewTokenBucket(clock Clock, burstTokens, ratePerSec int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burstTokens < 0 {
		burstTokens = 0
	}
	if ratePerSec < 0 {
		ratePerSec = 0
	}

	return &TokenBucket{
		clock:          clock,
		burstTokens:    burstTokens,
		ratePerSec:     ratePerSec,
		availableNanos: tokensToNanos(burstTokens),
		last:           clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	cost := tokensToNanos(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNanos < cost {
		return false
	}
	b.availableNanos -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; re-anchor without refilling.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.ratePerSec <= 0 || b.burstTokens <= 0 {
		return
	}

	capacityNanos := tokensToNanos(b.burstTokens)
	if b.availableNanos >= capacityNanos {
		b.availableNanos = capacityNanos
		return
	}

	need := capacityNanos - b.availableNanos
	elapsedNanos := elapsed.Nanoseconds()

	// elapsedNanos*rate can overflow; if the elapsed time alone is enough to
	// fill the bucket, clamp instead of multiplying.
	fillTime := need / b.ratePerSec
	if fillTime <= 0 || elapsedNanos >= fillTime {
		b.availableNanos = capacityNanos
		return
	}

	b.availableNanos += elapsedNanos * b.ratePerSec
	if b.availableNanos > capacityNanos {
		b.availableNanos = capacityNanos
	}
}

func tokensToNanos(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}
