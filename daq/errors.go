package daq

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected indicates that the acquisition backend is unreachable or
	// that an operation requires an established connection.
	ErrNotConnected = errors.New("daq backend is not connected")

	// ErrConnectionLost indicates that an established backend connection was
	// lost. Outstanding status tokens are resolved with this error; the caller
	// must reconnect explicitly.
	ErrConnectionLost = errors.New("daq backend connection lost")
)

var (
	// ErrInvalidState indicates that an operation is not legal in the current
	// session state, e.g. begin while a run is already in progress.
	ErrInvalidState = errors.New("operation not allowed in current session state")

	// ErrInvalidTransition is returned when an attempt is made to transition
	// the session state machine to an invalid state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

var (
	// ErrWaitTimeout indicates that a wait on a status token elapsed before
	// the token resolved. The underlying backend operation is not cancelled by
	// a wait timeout; only an explicit stop cancels it.
	ErrWaitTimeout = errors.New("timed out waiting for status resolution")

	// ErrCancelled indicates that an asynchronous operation was cancelled
	// before it could complete.
	ErrCancelled = errors.New("operation cancelled")
)

var (
	// ErrNotRegistered indicates that no session has been registered yet.
	ErrNotRegistered = errors.New("no daq session registered")

	// ErrAlreadyRegistered indicates that a session with the same name has
	// already been registered.
	ErrAlreadyRegistered = errors.New("daq session already registered")
)

// BackendError reports an operation failure from the acquisition backend,
// carrying the backend's reason string.
type BackendError struct {
	// Op is the backend operation that failed, e.g. "begin" or "apply".
	Op string
	// Reason is the failure reason as reported by the backend.
	Reason string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("daq backend %s failed: %s", e.Op, e.Reason)
}

// ConfigError reports a malformed acquisition configuration parameter.
type ConfigError struct {
	// Param is the offending configuration parameter.
	Param string
	// Reason describes why the value was rejected.
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid daq config parameter %q: %s", e.Param, e.Reason)
}

func newConfigError(param, format string, args ...any) *ConfigError {
	return &ConfigError{Param: param, Reason: fmt.Sprintf(format, args...)}
}
