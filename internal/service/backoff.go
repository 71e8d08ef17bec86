package service

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jnst/lume-outbox/internal/model"
)

// BackoffPolicy spaces retries of a failing event: base × 2^attempts, capped at Max.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given number of attempts.
func (b BackoffPolicy) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}

	maxInterval := b.Max
	if maxInterval < b.Base {
		maxInterval = b.Base
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = maxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	delay := eb.NextBackOff()
	for i := 0; i < attempts && delay < maxInterval; i++ {
		delay = eb.NextBackOff()
	}

	return delay
}

// NextAttemptAt returns when event may be attempted again.
func (b BackoffPolicy) NextAttemptAt(event *model.OutboxEvent) time.Time {
	if event.AttemptCount == 0 || event.LastAttemptAt == nil {
		return event.CreatedAt
	}

	return event.LastAttemptAt.Add(b.Delay(event.AttemptCount))
}
