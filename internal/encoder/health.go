// health.go: per-child health scoring. Reporting only; no decision is ever
// made from the score.
package encoder

import (
	"sync"
	"time"
)

const (
	healthInitial   = 1.0
	healthFloor     = 0.1
	healthCeiling   = 1.0
	healthErrorCost = 0.2

	// healthRecoveryStep is regained per healthRecoveryWindow of continuous
	// liveness without classified errors.
	healthRecoveryStep   = 0.1
	healthRecoveryWindow = 60 * time.Second
)

// healthScore tracks a child's health in [0.1, 1.0]. Errors subtract,
// uptime slowly restores.
type healthScore struct {
	mu       sync.Mutex
	score    float64
	lastTick time.Time // last error or recovery accrual
}

func newHealthScore() *healthScore {
	return &healthScore{score: healthInitial, lastTick: time.Now()}
}

// onError applies the penalty for one classified error event.
func (h *healthScore) onError(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accrue(now)
	h.score -= healthErrorCost
	if h.score < healthFloor {
		h.score = healthFloor
	}
}

// current returns the score with pending recovery applied.
func (h *healthScore) current(now time.Time) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accrue(now)
	return h.score
}

// accrue applies +0.1 for each full recovery window elapsed. Caller holds
// the lock.
func (h *healthScore) accrue(now time.Time) {
	elapsed := now.Sub(h.lastTick)
	steps := int(elapsed / healthRecoveryWindow)
	if steps <= 0 {
		return
	}
	h.score += float64(steps) * healthRecoveryStep
	if h.score > healthCeiling {
		h.score = healthCeiling
	}
	h.lastTick = h.lastTick.Add(time.Duration(steps) * healthRecoveryWindow)
}
