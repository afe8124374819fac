package utils

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"
)

// RetryConfig holds configuration for retry operations with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries (caps exponential growth)
	MaxDelay time.Duration

	// BackoffFactor is the multiplier for exponential backoff (e.g., 2.0 doubles delay)
	BackoffFactor float64

	// JitterFactor adds randomness to delays (0.0-1.0, where 0.1 = 10% jitter)
	JitterFactor float64

	// RetryableErrors determines which errors should trigger a retry.
	// If nil, all errors are considered retryable.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a sensible default retry configuration:
// 3 attempts, 2s initial delay doubling per attempt, capped at 30s.
// The 2s/2.0 pair yields the 2^attempt progression used for all
// upstream API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0,
		RetryableErrors: func(err error) bool {
			return true
		},
	}
}

// RetryWithBackoff executes a function with exponential backoff retry strategy.
//
// Attempts to execute the provided function up to MaxAttempts times,
// with exponentially increasing delays between attempts. Supports context
// cancellation and configurable error filtering.
//
// Returns:
//   - nil if the function succeeds within the attempt limit
//   - "max retries exceeded" error if all attempts fail
//   - "retry cancelled" error if context is cancelled
//   - The original error if it's determined to be non-retryable
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err

			if config.RetryableErrors != nil && !config.RetryableErrors(err) {
				return err
			}

			if attempt == config.MaxAttempts {
				break
			}
		}

		if delay <= 0 {
			// Zero-delay mode (tests); still honor cancellation
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("retry cancelled: %w", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}

			if config.JitterFactor > 0 {
				jitter := time.Duration(float64(delay) * config.JitterFactor)
				delay = delay + time.Duration(randomInt64n(int64(jitter)))
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Retry executes a function with simple fixed-delay retry logic.
//
// Equivalent to calling RetryWithBackoff with BackoffFactor=1.0 and no jitter.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	config := RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1.0,
	}
	return RetryWithBackoff(context.Background(), config, fn)
}

// RandomWait sleeps for a random duration in [0, waitRange). Used as
// anti-rate-limit jitter before individual note submissions. A zero or
// negative range is a no-op, which is how test mode disables it.
func RandomWait(ctx context.Context, waitRange time.Duration) error {
	if waitRange <= 0 {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	wait := time.Duration(randomInt64n(int64(waitRange)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// randomInt64n returns a random int64 in the range [0, n) using crypto/rand,
// falling back to time-based randomness if the source fails.
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}

	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return time.Now().UnixNano() % n
	}

	val := int64(bytes[0])<<56 | int64(bytes[1])<<48 | int64(bytes[2])<<40 | int64(bytes[3])<<32 |
		int64(bytes[4])<<24 | int64(bytes[5])<<16 | int64(bytes[6])<<8 | int64(bytes[7])

	if val < 0 {
		val = -val
	}

	return val % n
}
