// Package retry runs an operation with capped exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Backoff describes how often and how patiently to retry.
type Backoff struct {
	Attempts int           // total calls, at least 1
	Base     time.Duration // first wait; doubled after every failure
	Max      time.Duration // cap on a single wait, 0 for none

	// Notify, if set, is called before each wait.
	Notify func(attempt int, err error, wait time.Duration)

	clock clock.Clock
}

// WithClock returns a copy of b that sleeps on c.
func (b Backoff) WithClock(c clock.Clock) Backoff {
	b.clock = c
	return b
}

// wait returns the delay after the given zero-based attempt, with +-25% jitter.
func (b Backoff) wait(attempt int) time.Duration {
	d := b.Base << attempt
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		d = b.Max
	}
	jitter := d / 4
	if jitter <= 0 {
		return d
	}
	return d - jitter + rand.N(2*jitter+1)
}

// Do calls fn until it succeeds, returns a PermanentError, runs out of
// attempts or ctx is done. The last error from fn is returned.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	clk := b.clock
	if clk == nil {
		clk = clock.New()
	}
	attempts := max(b.Attempts, 1)

	var err error
	for attempt := range attempts {
		if err = fn(ctx); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}

		wait := b.wait(attempt)
		if b.Notify != nil {
			b.Notify(attempt+1, err, wait)
		}
		t := clk.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
