// Package retry re-runs object-store requests that failed transiently,
// sleeping with capped exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fruitsalade/bucketfs/internal/logging"
)

// Policy bounds the attempts made for one request.
type Policy struct {
	Attempts int           // total attempts, at least 1
	Base     time.Duration // sleep after the first failure
	Cap      time.Duration // upper bound for any sleep
	Jitter   bool          // randomise each sleep by up to half
}

// DefaultPolicy is used by the S3 store: three attempts, 100ms doubling
// up to 5s.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: 100 * time.Millisecond, Cap: 5 * time.Second, Jitter: true}
}

// Once returns p limited to a single attempt.
func (p Policy) Once() Policy {
	p.Attempts = 1
	return p
}

// backOff builds the schedule for p, bound to ctx.
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.Multiplier = 2
	b.RandomizationFactor = 0
	if p.Jitter {
		b.RandomizationFactor = 0.5
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := max(p.Attempts, 1) - 1
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as worth another attempt.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Do runs fn until it succeeds, returns an error not marked Transient, the
// attempts run out or ctx ends. The returned error never carries the
// Transient mark.
func Do(ctx context.Context, p Policy, op string, fn func() error) error {
	_, err := Value(ctx, p, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value is Do for functions that produce a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var t *transientError
		if !errors.As(err, &t) {
			return v, backoff.Permanent(err)
		}
		return v, t.err
	}

	notify := func(err error, wait time.Duration) {
		logging.WithContext(ctx).Debug("retrying",
			logging.String("store_op", op),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Err(err))
	}

	return backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
}
