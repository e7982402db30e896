package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	t.Run("should allow messages under limit", func(t *testing.T) {
		limiter := NewRateLimiter(5, time.Minute)

		for i := 0; i < 5; i++ {
			assert.True(t, limiter.Allow())
		}
		assert.Equal(t, 5, limiter.Count())
	})

	t.Run("should reject when limit exceeded", func(t *testing.T) {
		limiter := NewRateLimiter(3, time.Minute)

		for i := 0; i < 3; i++ {
			limiter.Allow()
		}

		assert.False(t, limiter.Allow())
		assert.Equal(t, 3, limiter.Count())
	})

	t.Run("should slide the window", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		limiter := NewRateLimiter(2, time.Minute)
		limiter.now = func() time.Time { return now }

		assert.True(t, limiter.Allow())
		now = now.Add(30 * time.Second)
		assert.True(t, limiter.Allow())
		assert.False(t, limiter.Allow())

		now = now.Add(31 * time.Second)
		assert.True(t, limiter.Allow())
		assert.False(t, limiter.Allow())
	})

	t.Run("should never limit when disabled", func(t *testing.T) {
		limiter := NewRateLimiter(0, time.Minute)
		for i := 0; i < 1000; i++ {
			assert.True(t, limiter.Allow())
		}

		var nilLimiter *RateLimiter
		assert.True(t, nilLimiter.Allow())
	})
}
