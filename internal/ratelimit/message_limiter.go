package ratelimit

// MessageLimiter budgets inbound signaling messages for one connection.
//
// Negotiation traffic is bursty: a join is followed within milliseconds by an
// offer/answer and a flurry of trickled ICE candidates, then the connection
// goes near-silent. The burst absorbs that flurry; the steady rate catches
// clients that never stop.
type MessageLimiter struct {
	bucket *TokenBucket
}

// NewMessageLimiter returns a limiter allowing ratePerSec sustained messages
// with the given burst. A nil return means unlimited (ratePerSec <= 0);
// callers treat nil as allow-all.
func NewMessageLimiter(clock Clock, ratePerSec, burst int) *MessageLimiter {
	if ratePerSec <= 0 {
		return nil
	}
	if burst < ratePerSec {
		burst = ratePerSec
	}
	return &MessageLimiter{
		bucket: NewTokenBucket(clock, int64(burst), int64(ratePerSec)),
	}
}

// Allow consumes one message from the budget.
func (l *MessageLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.bucket.Allow(1)
}
