package daq

import (
	"context"
	"time"
)

// BackendState represents the acquisition state as reported by the backend
// itself, independent of the session's view.
type BackendState uint32

const (
	// BackendDisconnected indicates no established control connection.
	BackendDisconnected BackendState = iota
	// BackendConnected indicates an established but unconfigured connection.
	BackendConnected
	// BackendConfigured indicates the backend holds an applied configuration.
	BackendConfigured
	// BackendRunning indicates the backend is acquiring data.
	BackendRunning
	// BackendPaused indicates an open run with acquisition suspended.
	BackendPaused
)

// String returns the string representation of the backend state.
func (bs BackendState) String() string {
	switch bs {
	case BackendDisconnected:
		return "disconnected"
	case BackendConnected:
		return "connected"
	case BackendConfigured:
		return "configured"
	case BackendRunning:
		return "running"
	case BackendPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// RunSpec is the target specification handed to the backend for one run.
// Exactly one of Events, Duration or Infinite is in effect.
type RunSpec struct {
	// Events is the fixed event-count target, zero if unused.
	Events int
	// Duration is the fixed wall-clock target, zero if unused.
	Duration time.Duration
	// Infinite requests an open-ended run that acquires until told to stop.
	Infinite bool
	// Record requests that the run be recorded.
	Record bool
	// Prescreen requests that event counting only consider events passing
	// the online prescreen filter.
	Prescreen bool
	// Controls carries the control readbacks captured at begin time.
	Controls []ControlValue
	// Streams lists the enabled acquisition streams.
	Streams []string
}

// RunHandle represents one in-flight acquisition on the backend.
type RunHandle interface {
	// Done delivers at most one value: nil when the run reaches its target
	// naturally or when the backend closes it, or an error if the backend
	// reports a failure during the run. For an infinite run it never
	// delivers unless the run is closed or fails.
	Done() <-chan error
}

// Backend is the port to the real acquisition system. Implementations are
// supplied by a transport driver or by the sim package; all calls may fail
// with a transport error.
type Backend interface {
	// Connect establishes the control connection.
	Connect(ctx context.Context) error

	// Disconnect tears down the control connection.
	Disconnect() error

	// Apply applies an acquisition configuration.
	Apply(cfg *Config) error

	// Begin starts one run as described by spec and returns a handle that
	// reports the run's completion.
	Begin(spec RunSpec) (RunHandle, error)

	// Pause suspends acquisition for the run identified by h.
	Pause(h RunHandle) error

	// Resume resumes acquisition for the run identified by h.
	Resume(h RunHandle) error

	// EndRun closes the current logical run, completing its handle.
	// It is safe to call when no run is open.
	EndRun() error

	// State reports the backend's own acquisition state.
	State() (BackendState, error)

	// RunNumber reports the backend-owned run number, which is monotonically
	// non-decreasing.
	RunNumber() (int, error)
}
