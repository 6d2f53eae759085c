package httpx

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponentially growing delays capped at MaxDelay, with
// optional symmetric jitter. It is shared by request retries and the
// notification poll loop.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewBackoff returns a Backoff with sane defaults for non-positive inputs.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		BaseDelay: base,
		MaxDelay:  max,
		Jitter:    math.Min(jitter, 1),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ForAttempt returns the delay to wait after the given failed attempt
// (0-indexed): BaseDelay * 2^attempt, capped at MaxDelay.
func (b *Backoff) ForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	scaled := float64(b.BaseDelay) * math.Pow(2, float64(attempt))
	delay := b.MaxDelay
	if scaled < float64(b.MaxDelay) {
		delay = time.Duration(scaled)
	}
	return b.jitter(delay)
}

func (b *Backoff) jitter(delay time.Duration) time.Duration {
	if b.Jitter == 0 || delay <= 0 {
		return delay
	}

	b.mu.Lock()
	factor := 1 + (b.rand.Float64()*2-1)*b.Jitter
	b.mu.Unlock()

	if factor < 0 {
		factor = 0
	}
	return time.Duration(float64(delay) * factor)
}
