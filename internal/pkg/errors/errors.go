package errors

import "errors"

var (
	// ErrNotFound is returned when a referenced job, worker, or workflow does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrStaleUpdate is returned when a progress/completion call targets a job
	// the caller no longer owns, or that has already left the state the call expects.
	ErrStaleUpdate = errors.New("stale update")
	// ErrCapabilityMismatch is returned when a claim is attempted for a service
	// the worker does not advertise. The claim script filters this out in the
	// normal path; seeing this error indicates a caller bypassed ClaimNext.
	ErrCapabilityMismatch = errors.New("capability mismatch")
	// ErrQuotaExceeded is returned when a job's retry budget is exhausted.
	ErrQuotaExceeded = errors.New("retry quota exceeded")
	// ErrTimeout marks a job that exceeded its timeout_ms.
	ErrTimeout = errors.New("job timed out")
	// ErrCancelled marks a job that was cancelled.
	ErrCancelled = errors.New("job cancelled")
	// ErrTransient marks a store RPC failure the caller should retry at most once.
	ErrTransient = errors.New("transient store error")
)
