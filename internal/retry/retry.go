// Package retry runs an operation again after transient failures, with
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy controls how many times and how quickly an operation is retried.
type Policy struct {
	// Retries is the number of additional attempts after the first one.
	Retries int
	// Base is the delay before the first retry. Each later retry doubles
	// it, capped at Max.
	Base time.Duration
	Max  time.Duration
	// ShouldRetry decides whether err is worth another attempt. When nil,
	// every error except context cancellation is retried.
	ShouldRetry func(error) bool
	// OnRetry, when set, is called before each retry with the 1-based
	// retry number and the error that triggered it.
	OnRetry func(retry int, err error)
}

// Backoff returns the delay before the given 1-based retry.
func (p Policy) Backoff(retry int) time.Duration {
	if retry < 1 || p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Do calls fn until it succeeds, the policy gives up, or ctx ends. It
// returns the last result and error.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.Retries || !p.retryable(ctx, err) {
			return v, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
		if err := sleep(ctx, p.Backoff(attempt+1)); err != nil {
			return v, err
		}
	}
}

func (p Policy) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.ShouldRetry == nil {
		return true
	}
	return p.ShouldRetry(err)
}

func sleep(ctx context.Context, d time.Duration) error {
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
