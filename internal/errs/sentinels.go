// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across event, store, service and transport layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a structurally invalid event. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrPermission indicates the access-control policy rejected the operation. Never retried.
	ErrPermission = errors.New("permission denied")

	// ErrConflict indicates a local write collided with a different queued operation.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates failed authentication on the channel.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNetwork indicates a transport failure (offline, timeout, unavailable).
	ErrNetwork = errors.New("network error")

	// ErrStorage indicates a durable store failure.
	ErrStorage = errors.New("storage error")
)

// Retryable reports whether an operation that failed with err may succeed later.
// Validation, permission and authentication failures are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrPermission), errors.Is(err, ErrUnauthorized):
		return false
	}
	return true
}
