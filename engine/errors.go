package engine

import "errors"

var (
	// ErrShapeMismatch is returned when a cache entry was created for a different ModelShape.
	// The stale entry is invalidated; retrying recreates it.
	ErrShapeMismatch = errors.New("cache entry shape does not match model shape")

	// ErrDoublePrefill is returned by Prefill on a session that already holds cache state.
	ErrDoublePrefill = errors.New("session already prefilled")

	// ErrDecodeBeforePrefill is returned by Decode on a session without cache state.
	ErrDecodeBeforePrefill = errors.New("decode before prefill")

	// ErrQueueFull is the backpressure signal returned synchronously by Submit.
	ErrQueueFull = errors.New("scheduler queue full, retry later")

	// ErrRateLimited is returned by Submit when the admission policy has no budget left.
	ErrRateLimited = errors.New("admission rate limit exceeded, retry later")

	// ErrCapacityExceeded is returned when a cache entry cannot be allocated because
	// every resident entry is in flight (or the entry alone exceeds the byte budget).
	ErrCapacityExceeded = errors.New("cache capacity exceeded")

	// ErrCanceled marks a request canceled by its caller.
	ErrCanceled = errors.New("request canceled")

	// ErrTimeout marks a request that waited in the queue longer than MaxQueueWait.
	ErrTimeout = errors.New("request timed out in queue")

	// ErrEmptyPrompt is returned by Prefill with no prompt tokens.
	ErrEmptyPrompt = errors.New("empty prompt")

	// ErrPromptTooLong is returned by Prefill when the prompt exceeds MaxTokensPerSession.
	ErrPromptTooLong = errors.New("prompt longer than session token budget")

	// ErrSessionNotFound is returned by store lookups for sessions without an entry.
	ErrSessionNotFound = errors.New("session not found")

	// ErrClosed is returned after the runtime or scheduler has been closed.
	ErrClosed = errors.New("runtime closed")
)

// IsRetryable reports whether err is a load-related rejection the caller may retry
// after backing off. Protocol misuse and shape mismatches are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrTimeout)
}
