// SPDX-License-Identifier: Apache-2.0

package events

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryDelay computes the delay before attempt+1:
// initialDelay x multiplier^(attempt-1), capped at maxDelay.
func retryDelay(p RetryPolicy, attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = p.BackoffMultiplier
	bo.MaxInterval = p.MaxDelay
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d < 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return d
}
