package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy describes how transient fact-store errors are retried.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Retryable decides whether an error is transient. A nil Retryable
	// treats every error as transient.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the tuning used when a loader supplies none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialDelay
	expo.MaxInterval = p.MaxDelay
	expo.Multiplier = p.Multiplier
	expo.MaxElapsedTime = 0
	var bo backoff.BackOff = backoff.WithMaxRetries(expo, uint64(p.MaxRetries))
	return backoff.WithContext(bo, ctx)
}

// Retry re-invokes fn on transient errors with exponential backoff,
// returning the last failure on exhaustion. Non-transient errors propagate
// immediately.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		slog.Warn("transient failure, retrying",
			slog.Any("error", err), slog.Duration("retry_in", delay))
	}
	if err := backoff.RetryNotify(op, p.newBackOff(ctx), notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}
