package job

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = time.Second
	backoffCap    = 60 * time.Second
	backoffJitter = 0.2
)

// RetryBackoff returns the delay before re-enqueueing a job after a transient
// failure on the given attempt: 1s doubling per attempt, capped at 60s, with
// ±20% jitter.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
