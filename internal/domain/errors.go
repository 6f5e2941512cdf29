package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency. Every failure in the
// engine is classified into exactly one of these before it crosses a
// component boundary.

var (
	// Lookup errors
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job id already exists with a different payload")

	// State machine errors
	ErrInvalidTransition = errors.New("invalid job status transition")

	// Input errors
	ErrInvalidArgument = errors.New("invalid argument")

	// Execution errors
	ErrTransient = errors.New("transient failure, will retry")
	ErrPermanent = errors.New("permanent failure, no retry")
	ErrTimeout   = errors.New("execution timed out")

	// Backpressure errors
	ErrThrottled   = errors.New("rate limit exceeded, requeue with delay")
	ErrUnavailable = errors.New("backing store unavailable")

	// Queue errors
	ErrQueueClosed   = errors.New("task queue is shut down")
	ErrUnknownHandle = errors.New("unknown or already settled delivery handle")
)

// IsRetryable reports whether a classified execution error should be nacked
// for redelivery rather than failing the job outright. Timeouts and
// throttling are retried like any transient fault.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrUnavailable)
}
