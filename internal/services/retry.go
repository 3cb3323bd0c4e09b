package services

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"planpay/pkg/utils"
)

type retryPolicy struct {
	attempts   int
	base       time.Duration
	perAttempt time.Duration
}

// do runs op up to attempts times with exponential backoff. Each attempt gets its own
// timeout; rendering errors are never retried.
func (p retryPolicy) do(ctx context.Context, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0

	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		actx, cancel := context.WithTimeout(ctx, p.perAttempt)
		defer cancel()

		err := op(actx)
		if errors.Is(err, utils.ErrRendering) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
