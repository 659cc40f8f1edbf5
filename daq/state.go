package daq

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pcdshub/go-daq/logger"
)

// SessionState represents the lifecycle stage of a control session.
type SessionState uint32

// Session lifecycle states. A session starts Disconnected and returns to
// Disconnected only on explicit disconnect; there is no terminal state.
const (
	// Disconnected indicates that no backend connection is established.
	Disconnected SessionState = iota
	// Connected indicates an established backend connection that has not yet
	// been configured.
	Connected
	// Configured indicates that an acquisition configuration has been applied
	// and the session is ready to begin a run.
	Configured
	// Running indicates that a run is actively acquiring data.
	Running
	// Paused indicates that a run is open but acquisition is suspended.
	Paused
)

// String returns the string representation of the state.
func (st SessionState) String() string {
	switch st {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Configured:
		return "Configured"
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// IsConnected returns true if the state has an established backend connection.
func (st SessionState) IsConnected() bool { return st != Disconnected }

// IsAcquiring returns true if a run is open in this state.
func (st SessionState) IsAcquiring() bool { return st == Running || st == Paused }

// StateChangeHandler is invoked when the session state changes.
//
// Note: handlers are invoked synchronously while the state lock is held.
// Keep implementations short and never call back into the session.
type StateChangeHandler func(prev SessionState, next SessionState)

// StateManager owns the current session state and serializes transitions.
//
// It notifies registered handlers of state changes and lets callers block
// until a desired state is reached. All transitions are safe for concurrent
// use.
type StateManager struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []StateChangeHandler
}

// NewStateManager creates a StateManager initialized to Disconnected.
//
// Optional StateChangeHandler functions are invoked on every state change.
func NewStateManager(log logger.Logger, handlers ...StateChangeHandler) *StateManager {
	if log == nil {
		log = logger.GetLogger()
	}
	sm := &StateManager{
		logger:   log,
		handlers: append([]StateChangeHandler(nil), handlers...),
	}
	sm.state.Store(uint32(Disconnected))
	sm.cond = sync.NewCond(&sm.mu)

	return sm
}

// State returns the current session state.
func (sm *StateManager) State() SessionState {
	return SessionState(sm.state.Load())
}

// AddHandler registers one or more handlers to be invoked on state changes.
func (sm *StateManager) AddHandler(handlers ...StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handlers...)
}

// WaitState blocks until the session reaches the given state or the context
// is done. It returns nil when the desired state is reached, or the context
// error otherwise.
func (sm *StateManager) WaitState(ctx context.Context, state SessionState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == state {
		return nil
	}

	stopFunc := context.AfterFunc(ctx, func() {
		sm.cond.Broadcast()
	})
	defer stopFunc()

	for sm.State() != state {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			sm.cond.Wait()
		}
	}

	return nil
}

// Transition moves the state machine to next, provided the current state is
// one of allowedFrom. It is a no-op when already in next.
//
// Returns ErrInvalidTransition when the current state is not allowed.
func (sm *StateManager) Transition(next SessionState, allowedFrom ...SessionState) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	if cur == next {
		return nil
	}

	allowed := false
	for _, from := range allowedFrom {
		if cur == from {
			allowed = true
			break
		}
	}
	if !allowed {
		sm.logger.Debug("rejected state transition", "from", cur, "to", next)
		return ErrInvalidTransition
	}

	sm.set(cur, next)

	return nil
}

// Force moves the state machine to next regardless of the current state.
// Used for disconnection and connection-loss paths, which are legal from any
// state.
func (sm *StateManager) Force(next SessionState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	if cur == next {
		return
	}

	sm.set(cur, next)
}

// set stores the new state, wakes waiters and notifies handlers.
// Callers must hold sm.mu.
func (sm *StateManager) set(prev, next SessionState) {
	sm.state.Store(uint32(next))
	sm.cond.Broadcast()

	for _, handler := range sm.handlers {
		if handler != nil {
			handler(prev, next)
		}
	}
}
