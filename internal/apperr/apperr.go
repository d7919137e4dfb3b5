// Package apperr defines the error-kind taxonomy shared across the control
// plane: validation, transient-transport, job-level failure, stem-partial,
// subprocess-crash, stale-job, and fatal-config. Components wrap a sentinel kind
// with context via fmt.Errorf("...: %w", Kind) so callers can branch with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation marks malformed input that never reaches a state machine.
	ErrValidation = errors.New("validation error")
	// ErrTransient marks a transport failure expected to resolve on retry.
	ErrTransient = errors.New("transient transport error")
	// ErrJobFailure marks a job-level failure after exhausting retries or an explicit worker error.
	ErrJobFailure = errors.New("job failure")
	// ErrStemPartial marks a partially completed stem download/decode.
	ErrStemPartial = errors.New("partial stem delivery")
	// ErrSubprocessCrash marks an abnormal worker subprocess exit.
	ErrSubprocessCrash = errors.New("worker subprocess crashed")
	// ErrStaleJob marks a job that exceeded its processing or queue timeout.
	ErrStaleJob = errors.New("job exceeded timeout")
	// ErrFatalConfig marks a startup configuration failure.
	ErrFatalConfig = errors.New("fatal configuration error")
	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an operation already in progress.
	ErrConflict = errors.New("conflict")
)
