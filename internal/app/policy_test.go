package app_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/app"
)

func TestBackoffPolicy_Delay(t *testing.T) {
	p := app.DefaultBackoff()

	t.Run("zero attempt waits nothing", func(t *testing.T) {
		assert.Zero(t, p.Delay(0))
		assert.Zero(t, p.Delay(-3))
	})

	t.Run("monotonic and capped", func(t *testing.T) {
		var prev time.Duration
		for attempt := 1; attempt <= 6; attempt++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			assert.LessOrEqual(t, d, 10*time.Second, "attempt %d", attempt)
			prev = d
		}
	})

	t.Run("doubles from base", func(t *testing.T) {
		assert.Equal(t, 500*time.Millisecond, p.Delay(1))
		assert.Equal(t, time.Second, p.Delay(2))
		assert.Equal(t, 2*time.Second, p.Delay(3))
		assert.Equal(t, 10*time.Second, p.Delay(40))
	})
}

func TestConnectionState(t *testing.T) {
	p := app.BackoffPolicy{Base: 100 * time.Millisecond, Max: time.Second}
	s := app.NewConnectionState()
	require.True(t, s.Idle())

	s.Connecting()
	assert.False(t, s.Idle())

	retry, delay := s.Closed(p)
	assert.True(t, retry)
	assert.Equal(t, 100*time.Millisecond, delay)
	retry, delay = s.Closed(p)
	assert.True(t, retry)
	assert.Equal(t, 200*time.Millisecond, delay)
	assert.Equal(t, 2, s.Attempt)

	s.Opened()
	assert.Equal(t, app.StatusOpen, s.Status)
	assert.Zero(t, s.Attempt)
	assert.Zero(t, s.NextDelay)

	s.IntentionalClose = true
	retry, _ = s.Closed(p)
	assert.False(t, retry)
	assert.False(t, s.Idle())
}
