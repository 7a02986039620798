package syncer

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base doubled per consecutive failure, capped
// at Max, then scaled by a random factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	random func() float64
}

// Delay returns the wait after the given number of consecutive failures (1-based).
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(failures-1))
	if delay > float64(b.Max) || math.IsInf(delay, 1) {
		delay = float64(b.Max)
	}

	random := b.random
	if random == nil {
		random = rand.Float64
	}
	factor := 1 + b.Jitter*(2*random()-1)
	return time.Duration(delay * factor)
}
