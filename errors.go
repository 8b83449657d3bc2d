package rendergrid

import "errors"

// Sentinel errors for the error kinds named in §7. Callers distinguish them
// with errors.Is; RetryableError additionally carries the underlying cause
// through Unwrap for the scheduler's retry-vs-terminal decision.
var (
	// ErrInvalidInput: key or option fails validation before admission.
	ErrInvalidInput = errors.New("rendergrid: invalid input")
	// ErrUnsafeSource: the URL validator or HTML sanitizer rejected the input.
	ErrUnsafeSource = errors.New("rendergrid: unsafe source")
	// ErrDuplicateKey: a non-terminal job with the same key already exists.
	ErrDuplicateKey = errors.New("rendergrid: duplicate key")
	// ErrQueueFull: store size is at the configured cap.
	ErrQueueFull = errors.New("rendergrid: queue full")
	// ErrNotFound: the requested key is unknown.
	ErrNotFound = errors.New("rendergrid: not found")
	// ErrNotReady: an artifact was requested on a non-COMPLETED job.
	ErrNotReady = errors.New("rendergrid: not ready")
	// ErrArtifactMissing: job is COMPLETED but the file is gone.
	ErrArtifactMissing = errors.New("rendergrid: artifact missing")
	// ErrRenderFailed: terminal worker failure after all retries, also
	// returned by OpenArtifact for a FAILED job (no artifact will ever exist).
	ErrRenderFailed = errors.New("rendergrid: render failed")
	// ErrCancelled: terminal status following cooperative abort, also
	// returned by OpenArtifact for a CANCELLED job.
	ErrCancelled = errors.New("rendergrid: cancelled")
	// ErrTimedOut: a single attempt exceeded processingTimeout.
	ErrTimedOut = errors.New("rendergrid: timed out")

	// ErrBrowserConnect: the shared or dedicated browser could not be launched
	// or connected to.
	ErrBrowserConnect = errors.New("rendergrid: browser connect failed")
	// ErrPageLoad: loading the source (SetContent or Navigate), the
	// network-idle wait, style injection, or the wait-for-selector step
	// failed.
	ErrPageLoad = errors.New("rendergrid: page load failed")
	// ErrCaptureFailed: the PDF or screenshot operation itself failed.
	ErrCaptureFailed = errors.New("rendergrid: capture failed")
	// ErrPoolClosed: an operation was attempted on a shut-down browser pool.
	ErrPoolClosed = errors.New("rendergrid: browser pool closed")
	// ErrStoreClosed: an operation was attempted on a shut-down job store.
	ErrStoreClosed = errors.New("rendergrid: store closed")
)

// RetryableError wraps a render-attempt failure that should be retried
// rather than immediately recorded as terminal. render.go's attempt stages
// wrap every transient failure (browser connect, page load, capture,
// timeout) in one of these; a misconfigured job or a filesystem write
// failure is left unwrapped so Worker.run's errors.As check fails fast
// instead of burning the configured retryAttempts on something retrying
// cannot fix.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// NewRetryableError wraps err so the render worker's retry loop treats it as
// non-terminal while attempts remain.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err}
}
