package retry

import (
	"context"
	"errors"
	"time"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 200 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultMultiplier   = 2.0
	defaultMaxWaitHint  = time.Minute
)

// Options controls how Do retries an operation.
type Options struct {
	// MaxAttempts is the total number of invocations, including the first one.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// ShouldRetry reports whether err is worth another attempt. When nil every
	// error except context cancellation is retried.
	ShouldRetry func(err error) bool

	// WaitHint extracts a server requested wait (e.g. Retry-After) from err.
	// The next delay is at least the hint. A hint above MaxWaitHint ends the
	// retries instead.
	WaitHint    func(err error) time.Duration
	MaxWaitHint time.Duration

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Defaults to a timer based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaultMaxDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = defaultMultiplier
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.MaxWaitHint <= 0 {
		o.MaxWaitHint = defaultMaxWaitHint
	}
	return o
}

// Delay returns the wait before attempt n+1, where n starts at 1. The sequence
// is non-decreasing and never exceeds MaxDelay.
func (o Options) Delay(n int) time.Duration {
	o = o.withDefaults()
	delay := o.InitialDelay
	for i := 1; i < n; i++ {
		next := time.Duration(float64(delay) * o.Multiplier)
		if next >= o.MaxDelay || next < delay {
			return o.MaxDelay
		}
		delay = next
	}
	if delay > o.MaxDelay {
		return o.MaxDelay
	}
	return delay
}

// Do invokes fn until it succeeds, ShouldRetry rejects the error, or
// MaxAttempts is reached. The last error is returned unchanged.
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= opts.MaxAttempts || !opts.ShouldRetry(err) {
			return err
		}
		delay := opts.Delay(attempt)
		if opts.WaitHint != nil {
			hint := opts.WaitHint(err)
			if hint > opts.MaxWaitHint {
				return err
			}
			delay = max(delay, hint)
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		}
		if waitErr := opts.Sleep(ctx, delay); waitErr != nil {
			return err
		}
	}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, opts, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
