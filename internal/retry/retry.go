package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Options configures exponential backoff for retries.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Default is a single attempt: remote calls are not retried unless the
// operator opts in through RETRY_MAX_ATTEMPTS.
var Default = Options{
	MaxAttempts:  1,
	InitialDelay: 300 * time.Millisecond,
	MaxDelay:     8 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// ErrTimeout is returned by Poll when the condition is not met in time.
var ErrTimeout = errors.New("timed out waiting for condition")

type IsRetryableFunc func(error) bool

// Do executes fn with retries and exponential backoff until it succeeds,
// context is done, or attempts are exhausted. Returns the last error.
func Do(ctx context.Context, opts Options, isRetryable IsRetryableFunc, fn func(context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts = Default
	}
	attempt := 0
	backoff := opts.InitialDelay
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return err
		}

		sleep := backoff
		if opts.Jitter {
			// +/-20% jitter.
			delta := float64(backoff) * 0.2
			j := (rng.Float64()*2 - 1) * delta
			sleep = time.Duration(math.Max(0, float64(backoff)+j))
		}
		if sleep > opts.MaxDelay {
			sleep = opts.MaxDelay
		}
		if err := sleepCtx(ctx, sleep); err != nil {
			return err
		}

		next := time.Duration(float64(backoff) * opts.Multiplier)
		if next < backoff {
			next = backoff
		}
		backoff = next
		if backoff > opts.MaxDelay {
			backoff = opts.MaxDelay
		}
	}
}

// Poll evaluates cond immediately and then once per interval until it
// reports done or maxWait has elapsed. A probe error does not stop polling;
// the last one is wrapped into the ErrTimeout returned on expiry.
func Poll(ctx context.Context, interval, maxWait time.Duration, cond func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(maxWait)
	var lastErr error

	for {
		done, err := cond(ctx)
		if err == nil && done {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return fmt.Errorf("%w after %s: %w", ErrTimeout, maxWait, lastErr)
			}
			return fmt.Errorf("%w after %s", ErrTimeout, maxWait)
		}
		if err := sleepCtx(ctx, min(interval, remaining)); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
