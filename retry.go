package objectstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig configures retries of idempotent reads (get, get range,
// head and both listings). Mutations are never retried.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// 0 means no retries (fail on first error).
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	// Default is 100 milliseconds.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default is 15 seconds.
	MaxDelay time.Duration

	// Multiplier is the factor by which delay increases after each retry.
	// Default is 2.0 (exponential backoff).
	Multiplier float64

	// Jitter adds randomness to delays to prevent thundering herd.
	// 0.1 means +/- 10% random variation.
	Jitter float64

	// Timeout bounds the total time spent retrying. 0 means no bound.
	Timeout time.Duration

	// RetryableErrors determines if an error should be retried.
	// If nil, IsTemporaryError is used.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns retry config with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		Timeout:      3 * time.Minute,
	}
}

// retryOperation retries an operation with exponential backoff.
func retryOperation(ctx context.Context, config RetryConfig, op func(context.Context) error) error {
	if config.MaxRetries <= 0 {
		return op(ctx)
	}

	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 15 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = IsTemporaryError
	}

	var deadline time.Time
	if config.Timeout > 0 {
		deadline = time.Now().Add(config.Timeout)
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == config.MaxRetries {
			break
		}

		actualDelay := delay
		if config.Jitter > 0 {
			jitter := float64(delay) * config.Jitter
			actualDelay = delay + time.Duration((rand.Float64()*2-1)*jitter) //nolint:gosec // G404: timing jitter only
		}
		if !deadline.IsZero() && time.Now().Add(actualDelay).After(deadline) {
			break
		}

		timer := time.NewTimer(actualDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return &RetryError{
		Attempts: config.MaxRetries + 1,
		LastErr:  lastErr,
	}
}

// RetryError indicates an operation failed after all retry attempts.
// It unwraps to the last error, so the error kind is preserved.
type RetryError struct {
	Attempts int
	LastErr  error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryError) Unwrap() error {
	return e.LastErr
}

// IsRetryError returns true if err is a RetryError.
func IsRetryError(err error) bool {
	var re *RetryError
	return errors.As(err, &re)
}

// IsTemporaryError returns true if err is likely temporary and worth retrying:
// timeouts and generic I/O failures. Not-found, permission and range errors
// are permanent.
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case ErrTimeout:
		return true
	case ErrIO:
		return !errors.Is(err, context.Canceled)
	}
	return false
}
