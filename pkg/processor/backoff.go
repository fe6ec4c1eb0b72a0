package processor

import (
	"math/rand"
	"time"
)

// backoff computes the retry delay for the given attempt count:
// base · 2^(attempts-1) with jitter in [0.5, 1.5), capped at max.
func backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := 0.5 + rand.Float64()
	d = time.Duration(float64(d) * jitter)
	if d > max {
		d = max
	}
	return d
}
