package fn

import (
	"context"
	"errors"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	// Retryable decides whether a failed attempt is tried again.
	// A nil Retryable retries every error.
	Retryable func(error) bool
}

// Delayer is implemented by errors that know how long the caller should
// wait before the next attempt, e.g. from an HTTP Retry-After header.
type Delayer interface {
	RetryDelay() time.Duration
}

// Retry calls f until it succeeds or MaxAttempts is reached. Waits grow
// exponentially from InitialWait unless the error is a Delayer, in which
// case its delay is used. Every wait is capped at MaxWait when set.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result Result[T]
	wait := opts.InitialWait
	for attempt := 0; attempt < attempts; attempt++ {
		result = f(ctx)
		if result.IsOk() || attempt == attempts-1 {
			return result
		}
		if opts.Retryable != nil && !opts.Retryable(result.err) {
			return result
		}

		sleepDur := wait
		var d Delayer
		if errors.As(result.err, &d) && d.RetryDelay() > 0 {
			sleepDur = d.RetryDelay()
		}
		if opts.MaxWait > 0 && sleepDur > opts.MaxWait {
			sleepDur = opts.MaxWait
		}

		select {
		case <-ctx.Done():
			return Err[T](ctx.Err())
		case <-time.After(sleepDur):
		}

		wait *= 2
		if opts.MaxWait > 0 && wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return result
}
