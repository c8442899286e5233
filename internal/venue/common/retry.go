package common

import (
	"context"
	"errors"
	"time"
)

// Retryable marks an error as a transient venue/network failure that
// retry-with-backoff should handle, as opposed to a validation or auth
// error that must surface immediately.
type Retryable struct {
	Err error
}

func (r *Retryable) Error() string { return r.Err.Error() }
func (r *Retryable) Unwrap() error { return r.Err }

// MarkRetryable wraps err so WithBackoff treats it as transient.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &Retryable{Err: err}
}

func isRetryable(err error) bool {
	var r *Retryable
	return errors.As(err, &r)
}

// WithBackoff retries fn up to maxAttempts times with bounded
// exponential backoff (base, doubling, capped) when fn returns an error
// marked with MarkRetryable. Any other error returns immediately,
// matching the adapter contract: "transient network/HTTP errors are
// retried inside the adapter with bounded exponential backoff (3
// attempts); authentication/validation errors surface immediately."
func WithBackoff(ctx context.Context, maxAttempts int, base time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	var lastErr error
	delay := base
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
	var r *Retryable
	if errors.As(lastErr, &r) {
		return r.Err
	}
	return lastErr
}
