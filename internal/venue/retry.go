package venue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	retryInitialInterval = 1 * time.Second
	retryMaxAttempts     = 3
)

// Retry runs op with bounded exponential backoff (1s, 2s, 4s) for
// retryable errors. Non-retryable errors short-circuit immediately.
// Total retry time is capped so a cycle cannot overrun its period
// more than one-fold.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 10 * time.Second

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(policy, retryMaxAttempts-1), ctx))
}
