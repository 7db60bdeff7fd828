package app

import "errors"

// Error taxonomy for orchestration failures. Transient polling transport
// errors are not represented here: the poll loop swallows and retries them.
var (
	// ErrDiscoveryTimeout means the backend never reported healthy within the
	// bounded startup window.
	ErrDiscoveryTimeout = errors.New("backend service unreachable")

	// ErrSubmissionRejected means the backend refused to accept a job.
	ErrSubmissionRejected = errors.New("job submission rejected")

	// ErrResourceNotReady means the shared embedding model is not loaded; a
	// precondition failure, distinct from a job failing.
	ErrResourceNotReady = errors.New("embedding model not loaded")

	// ErrConfigurationMissing means the backend has no global configuration.
	ErrConfigurationMissing = errors.New("backend configuration missing")

	ErrSessionNotFound = errors.New("session not found")

	// ErrJobActive means the session already has a running job; a session
	// carries at most one active job of either kind.
	ErrJobActive = errors.New("job already active for session")
)
