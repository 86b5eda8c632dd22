package saga

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay returns the wait before retry attempt n (0-based): exponential
// from the base with ±25% jitter, capped. Jitter keeps retry storms from
// hammering a recovering dependency in lockstep.
func backoffDelay(attempt int) time.Duration {
	d := float64(defaultBackoffBase) * math.Pow(defaultBackoffFactor, float64(attempt))
	if d > float64(defaultBackoffCap) {
		d = float64(defaultBackoffCap)
	}
	jitter := 1 + defaultBackoffJitter*(2*rand.Float64()-1)
	return time.Duration(d * jitter)
}
