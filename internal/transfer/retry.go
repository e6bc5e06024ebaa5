package transfer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy configures Retry.
type Policy struct {
	// MaxAttempts including the first one.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed bounds the whole retry loop (0 uses the default).
	MaxElapsed time.Duration
	// Notify is called before each backoff sleep.
	Notify func(err error, next time.Duration)
}

// Defaults applied when corresponding Policy fields are unset.
const (
	defaultMaxAttempts     = 4
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
	defaultMaxElapsed      = 3 * time.Hour
)

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = defaultMaxElapsed
	}
	return p
}

// Retry runs op until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx is done. Only errors for which IsRetryable
// is true are retried; attempt starts at 1.
func Retry[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	attempt := 0
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := op(ctx, attempt)
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
