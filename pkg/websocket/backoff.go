package websocket

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Min * 2^attempt, capped at Max, with +/- Jitter spread.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Min) * math.Pow(2, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		d *= 1 + (r()*2-1)*b.Jitter
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
