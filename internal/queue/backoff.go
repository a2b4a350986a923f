package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: base * 2^retry capped at Max, with the
// upper half randomized.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	rand func() float64
}

func NewBackoff(base, maxDelay time.Duration) Backoff {
	if base <= 0 {
		base = 5 * time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	return Backoff{Base: base, Max: maxDelay, rand: rand.Float64}
}

func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		b = NewBackoff(b.Base, b.Max)
	}
	if retryCount < 0 {
		retryCount = 0
	}
	ceiling := float64(b.Base) * math.Pow(2, float64(min(retryCount, 30)))
	if ceiling > float64(b.Max) {
		ceiling = float64(b.Max)
	}
	r := 0.5
	if b.rand != nil {
		r = b.rand()
	}
	return time.Duration(ceiling/2 + r*ceiling/2)
}
