package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"casparianflow/internal/config"
)

// retryDelay returns how long a job must wait before it is claimable again
// after its attempt'th transient failure, per spec.md §4.3 "retry backoff
// 1s x 4^attempt (capped)". attempt is 1 for the first failure, which waits
// BackoffBase; each later failure multiplies the wait by BackoffMultiplier.
func retryDelay(cfg *config.QueueConfig, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.GetBackoffBase()
	b.Multiplier = cfg.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if cap := 10 * time.Minute; delay > cap {
		delay = cap
	}
	return delay
}
