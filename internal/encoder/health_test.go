package encoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthScoreStartsAtOne(t *testing.T) {
	t.Parallel()

	h := newHealthScore()
	assert.InDelta(t, 1.0, h.current(time.Now()), 0.001)
}

func TestHealthScorePenaltyAndFloor(t *testing.T) {
	t.Parallel()

	h := newHealthScore()
	now := time.Now()

	h.onError(now)
	assert.InDelta(t, 0.8, h.current(now), 0.001)

	// Repeated errors bottom out at the floor, never zero.
	for range 10 {
		h.onError(now)
	}
	assert.InDelta(t, healthFloor, h.current(now), 0.001)
}

func TestHealthScoreRecoversWithUptime(t *testing.T) {
	t.Parallel()

	h := newHealthScore()
	now := time.Now()

	h.onError(now)
	h.onError(now)
	assert.InDelta(t, 0.6, h.current(now), 0.001)

	// Two full recovery windows of quiet liveness.
	assert.InDelta(t, 0.8, h.current(now.Add(2*healthRecoveryWindow)), 0.001)

	// Recovery is capped at the ceiling.
	assert.InDelta(t, 1.0, h.current(now.Add(100*healthRecoveryWindow)), 0.001)
}

func TestHealthScorePartialWindowDoesNotRecover(t *testing.T) {
	t.Parallel()

	h := newHealthScore()
	now := time.Now()

	h.onError(now)
	assert.InDelta(t, 0.8, h.current(now.Add(healthRecoveryWindow-time.Second)), 0.001)
}
