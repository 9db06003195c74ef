package session

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits step, 2*step, 3*step, ... capped at max.
type linearBackOff struct {
	step    time.Duration
	max     time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := time.Duration(b.attempt) * b.step
	if d > b.max {
		return b.max
	}
	return d
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// newReconnectBackOff returns the reconnect policy: linear delays that stop
// with backoff.Stop once MaxRetries attempts have been handed out. Zero
// retries stops on the first call.
func newReconnectBackOff(cfg Config) backoff.BackOff {
	return backoff.WithMaxRetries(&linearBackOff{step: cfg.RetryStep, max: cfg.RetryMaxDelay}, uint64(cfg.MaxRetries))
}
