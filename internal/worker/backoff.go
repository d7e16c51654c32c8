package worker

import (
	"math/rand"
	"time"

	"github.com/fentz26/orbiter/internal/models"
)

const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// backoffDelay computes the sleep before re-attempting after the given
// 1-based attempt. The default strategy is exponential with jitter:
// min(base * 2^(attempt-1), cap) scaled by a uniform factor in [0.5, 1.5].
func backoffDelay(strategy models.BackoffStrategy, attempt int) time.Duration {
	switch strategy {
	case models.BackoffNone:
		return 0
	case models.BackoffFixed:
		return backoffBase
	default:
		d := backoffBase
		for i := 1; i < attempt && d < backoffCap; i++ {
			d *= 2
		}
		if d > backoffCap {
			d = backoffCap
		}
		jitter := 0.5 + rand.Float64()
		return time.Duration(float64(d) * jitter)
	}
}
