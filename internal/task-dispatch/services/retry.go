package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"task-dispatch-service/pkg/apperr"
)

const (
	DefaultRetryAttempts = 3
	retryBaseDelay       = 20 * time.Millisecond
	retryMaxDelay        = 500 * time.Millisecond
)

func retryPolicy(ctx context.Context, attempts int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = retryBaseDelay
	exp.MaxInterval = retryMaxDelay
	exp.MaxElapsedTime = 0
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// WithRetry re-runs fn while it fails with a write conflict, up to attempts
// times in total. Business conflicts and other errors return immediately.
// When ctx ends first, the last error from fn is returned.
func WithRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	var last error
	err := backoff.Retry(func() error {
		last = fn()
		if last != nil && !apperr.IsRetryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, retryPolicy(ctx, attempts))
	if err != nil && ctx.Err() != nil && last != nil {
		return last
	}
	return err
}
