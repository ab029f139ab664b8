package tunnel

import (
	"context"
	"math/rand/v2"
	"time"
)

// Reconnection backoff defaults. Package-level vars so tests can override.
var (
	defaultBackoffMin = time.Second
	defaultBackoffMax = 60 * time.Second
)

// jitterFraction is the share of each delay that is randomized.
const jitterFraction = 0.2

// backoff produces exponentially growing delays with jitter, capped at max.
type backoff struct {
	min, max time.Duration
	current  time.Duration
	jitter   func() float64
}

func newBackoff(minDelay, maxDelay time.Duration) *backoff {
	if minDelay <= 0 {
		minDelay = defaultBackoffMin
	}
	if maxDelay <= 0 {
		maxDelay = defaultBackoffMax
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &backoff{min: minDelay, max: maxDelay, jitter: rand.Float64}
}

// Next returns the delay before the next attempt.
func (b *backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.min
	} else {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	// Jitter only ever shortens the delay so max stays a hard bound.
	spread := float64(b.current) * jitterFraction
	return b.current - time.Duration(spread*b.jitter())
}

// Reset starts the sequence again from min.
func (b *backoff) Reset() {
	b.current = 0
}

// sleep waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
