package runner

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStopped   = errors.New("job runner stopped")
	ErrStopping  = errors.New("job runner stopping")
	ErrQueueFull = errors.New("job runner queue full")

	// ErrDuplicate means the job is already queued or running.
	ErrDuplicate = errors.New("job already queued or running")
)

// NoRetry marks an error as non-retryable.
//
// Handlers can wrap validation errors or other permanent failures with
// NoRetry so the runner won't waste attempts on them.
//
// Example:
//
//	return runner.Report{}, runner.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before the next attempt.
//
// This is useful when a downstream system returns a Retry-After value
// (e.g., HTTP 429). The runner respects the hint (bounded by
// RetryMaxDelay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
