package segment

import (
	"math/rand"
	"time"
)

const maxBackoff = 2 * time.Minute

// backoff computes the delay before retry number retryCount: exponential
// doubling of baseDelay, jittered between 75% and 125% to avoid thundering
// herd, capped at two minutes.
func backoff(retryCount int, baseDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << uint(retryCount))

	jitterFactor := 0.75 + 0.5*rand.Float64()
	jittered := time.Duration(float64(delay) * jitterFactor)

	if jittered > maxBackoff {
		jittered = maxBackoff
	}

	return jittered
}
