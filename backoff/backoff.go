// Package backoff wraps fallible operations with sequential exponential-backoff retries.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Options controls the retry schedule.
type Options struct {
	MaxAttempts       int           // Total calls including the first (default 3)
	InitialDelay      time.Duration // Wait after the first failure (default 1s)
	MaxDelay          time.Duration // Upper bound for a single wait (default 10s)
	BackoffMultiplier float64       // Growth factor applied after each failure (default 2)
}

// DefaultOptions returns the standard schedule: 3 attempts, 1s initial, 10s cap, x2.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = d.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	return o
}

// delay returns the wait before retry number n+1 (n counts failures from zero).
func (o Options) delay(n uint) time.Duration {
	d := float64(o.InitialDelay) * math.Pow(o.BackoffMultiplier, float64(n))
	if d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Context  string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Context, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted checks if an error is a retry exhaustion error.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Permanent marks err as not worth retrying. The executor stops and returns it unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return retry.Unrecoverable(err)
}

// Run calls op until it succeeds, returns a permanent error, or attempts run out.
// desc names the operation in logs and in the ExhaustedError.
func Run(ctx context.Context, logger *slog.Logger, desc string, opts Options, op func() error) error {
	_, err := Do(ctx, logger, desc, opts, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, logger *slog.Logger, desc string, opts Options, op func() (T, error)) (T, error) {
	opts = opts.withDefaults()

	var (
		result    T
		attempts  int
		permanent bool
	)

	err := retry.Do(
		func() error {
			attempts++
			logger.Debug("Attempt starting", "context", desc, "attempt", attempts, "max_attempts", opts.MaxAttempts)
			v, err := op()
			if err != nil {
				if isPermanent(err) {
					permanent = true
				}
				return err
			}
			result = v
			return nil
		},
		retry.Attempts(uint(opts.MaxAttempts)),
		retry.Delay(opts.InitialDelay),
		retry.MaxDelay(opts.MaxDelay),
		// n counts attempts made so far, starting at 1.
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if n == 0 {
				return opts.delay(0)
			}
			return opts.delay(n - 1)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		// OnRetry sees the zero-based index of the failed attempt.
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying operation after error",
				"context", desc,
				"attempt", n+1,
				"next_delay_ms", opts.delay(n).Milliseconds(),
				"error", err)
		}),
	)
	if err == nil {
		return result, nil
	}

	var zero T
	if permanent {
		logger.Warn("Operation failed permanently", "context", desc, "attempt", attempts, "error", err)
		return zero, fmt.Errorf("%s: %w", desc, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, fmt.Errorf("%s: %w", desc, ctxErr)
	}

	logger.Warn("Operation failed after all attempts", "context", desc, "attempts", attempts, "error", err)
	return zero, &ExhaustedError{Context: desc, Attempts: attempts, Err: err}
}

// isPermanent reports whether err was wrapped by Permanent.
func isPermanent(err error) bool {
	return !retry.IsRecoverable(err)
}
