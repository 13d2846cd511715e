// Package backoff builds the retry schedules for payload fetches and broker
// reconnects on top of cenkalti/backoff.
package backoff

import (
	"context"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// Policy describes a capped exponential backoff starting at Base and growing by
// Multiplier up to Max. Randomization spreads each delay over
// [d*(1-Randomization), d*(1+Randomization)].
type Policy struct {
	Base          time.Duration
	Max           time.Duration
	Multiplier    float64
	Randomization float64
}

// NewBackOff returns a fresh schedule. It never gives up on elapsed time;
// callers bound the number of attempts.
func (p Policy) NewBackOff() *cbackoff.ExponentialBackOff {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = min(max(p.Randomization, 0), 1)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Permanent marks err as not worth another attempt.
func Permanent(err error) error {
	return cbackoff.Permanent(err)
}

// Retry calls op until it succeeds, returns a Permanent error, attempts are used
// up or ctx is done. notify runs before each wait with the failed attempt.
// A Permanent error is returned unwrapped; exhaustion returns op's last error
// and cancellation during a wait returns ctx.Err().
func (p Policy) Retry(ctx context.Context, attempts int, op func(attempt int) error, notify func(attempt int, err error, delay time.Duration)) error {
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	schedule := cbackoff.WithContext(cbackoff.WithMaxRetries(p.NewBackOff(), uint64(attempts-1)), ctx)

	return cbackoff.RetryNotify(
		func() error {
			attempt++
			return op(attempt)
		},
		schedule,
		func(err error, delay time.Duration) {
			if notify != nil {
				notify(attempt, err, delay)
			}
		},
	)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
