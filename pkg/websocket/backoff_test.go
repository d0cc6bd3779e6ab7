package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsExponentiallyUpToMax(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Next(0))
	assert.Equal(t, 200*time.Millisecond, b.Next(1))
	assert.Equal(t, 400*time.Millisecond, b.Next(2))
	assert.Equal(t, 800*time.Millisecond, b.Next(3))
	assert.Equal(t, time.Second, b.Next(4))
	assert.Equal(t, time.Second, b.Next(500))
	assert.Equal(t, 100*time.Millisecond, b.Next(-3))
}

func TestBackoff_JitterStaysWithinBounds(t *testing.T) {
	low := Backoff{Min: time.Second, Max: time.Minute, Jitter: 0.5, rand: func() float64 { return 0 }}
	high := Backoff{Min: time.Second, Max: time.Minute, Jitter: 0.5, rand: func() float64 { return 0.999999 }}

	assert.Equal(t, 500*time.Millisecond, low.Next(0))
	assert.InDelta(t, float64(1500*time.Millisecond), float64(high.Next(0)), float64(time.Millisecond))
}

func TestBackoff_JitterNeverExceedsMax(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 2 * time.Second, Jitter: 0.5, rand: func() float64 { return 0.999999 }}

	for attempt := 0; attempt < 10; attempt++ {
		assert.LessOrEqual(t, b.Next(attempt), 2*time.Second)
	}
}
