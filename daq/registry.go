package daq

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is a process-wide lookup for control sessions, used by
// collaborators that do not hold a direct reference. It is an explicit
// object constructed once at process start and passed by reference; there
// is no implicit package-level instance.
//
// Registration is set-once: a name can be claimed exactly once, and the
// first session registered becomes the default returned by Get. In normal
// operation at most one session exists per process.
type Registry struct {
	sessions *xsync.MapOf[string, *Session]
	defName  atomic.Pointer[string]
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: xsync.NewMapOf[string, *Session]()}
}

// Register adds a session under its name. The first registered session
// becomes the default. It fails with ErrAlreadyRegistered when the name is
// already claimed.
func (r *Registry) Register(s *Session) error {
	if s == nil {
		return newConfigError("session", "cannot register a nil session")
	}

	if _, loaded := r.sessions.LoadOrStore(s.Name(), s); loaded {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, s.Name())
	}

	name := s.Name()
	r.defName.CompareAndSwap(nil, &name)

	return nil
}

// Get returns the default session, i.e. the first one registered. It fails
// with ErrNotRegistered when no session has been registered.
func (r *Registry) Get() (*Session, error) {
	name := r.defName.Load()
	if name == nil {
		return nil, ErrNotRegistered
	}

	return r.Lookup(*name)
}

// Lookup returns the session registered under name, or ErrNotRegistered.
func (r *Registry) Lookup(name string) (*Session, error) {
	s, ok := r.sessions.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}

	return s, nil
}
