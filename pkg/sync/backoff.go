package sync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newRetryBackoff builds an exponential backoff bounded by
// [minDelayMs, maxDelayMs] (spec.md §4.G.7), with unlimited elapsed time —
// the caller, not the backoff policy, decides when to give up.
func newRetryBackoff(minDelayMs, maxDelayMs int) backoff.BackOff {
	if minDelayMs <= 0 {
		minDelayMs = 100
	}
	if maxDelayMs <= 0 {
		maxDelayMs = 30_000
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(minDelayMs) * time.Millisecond
	b.MaxInterval = time.Duration(maxDelayMs) * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
