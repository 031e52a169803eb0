package exitqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesPerFailure(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: 5 * time.Minute, RateLimitBase: 30 * time.Second}

	assert.Equal(t, 5*time.Second, b.Delay(0, false))
	assert.Equal(t, 10*time.Second, b.Delay(1, false))
	assert.Equal(t, 20*time.Second, b.Delay(2, false))
	assert.Equal(t, 40*time.Second, b.Delay(3, false))
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: time.Minute, RateLimitBase: 30 * time.Second}

	assert.Equal(t, time.Minute, b.Delay(4, false))
	assert.Equal(t, time.Minute, b.Delay(50, false))
}

func TestBackoffRateLimitedCurve(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: 5 * time.Minute, RateLimitBase: 30 * time.Second}

	assert.Equal(t, 30*time.Second, b.Delay(0, true))
	assert.Equal(t, time.Minute, b.Delay(1, true))
	assert.Equal(t, 2*time.Minute, b.Delay(2, true))
	assert.Equal(t, 5*time.Minute, b.Delay(5, true))
}

func TestBackoffZeroBaseFallsBackToOneSecond(t *testing.T) {
	b := Backoff{}

	assert.Equal(t, time.Second, b.Delay(0, false))
	assert.Equal(t, 2*time.Second, b.Delay(1, false))
	assert.Equal(t, time.Second, b.Delay(0, true))
}
