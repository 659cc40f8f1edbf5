package daq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pcdshub/go-daq/internal/pool"
)

// Status is a future-like handle representing the completion of one
// asynchronous acquisition operation: a begin, a single triggered
// acquisition, or an open-ended run awaiting an explicit stop.
//
// A Status resolves exactly once. Once resolved, its outcome is immutable:
// it may be polled any number of times and every waiter observes the same
// result. Waiting with a timeout never cancels the underlying backend
// operation; only an explicit stop does.
type Status struct {
	id   string
	done chan struct{}

	mu        sync.Mutex
	resolved  bool
	cancelled bool
	err       error
}

func newStatus() *Status {
	return &Status{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
}

// newResolvedStatus returns a Status that is already resolved with err.
func newResolvedStatus(err error) *Status {
	st := newStatus()
	st.resolve(err)

	return st
}

// ID returns the unique identifier of this status token.
func (st *Status) ID() string { return st.id }

// Done reports whether the token has resolved.
func (st *Status) Done() bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.resolved
}

// Cancelled reports whether the token resolved with a cancelled outcome.
func (st *Status) Cancelled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.cancelled
}

// Err returns the outcome of a resolved token: nil for success, an error
// otherwise. It returns nil while the token is still outstanding; check
// Done to distinguish an outstanding token from a successful one.
func (st *Status) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.resolved {
		return nil
	}

	return st.err
}

// Resolved returns a channel that is closed when the token resolves.
func (st *Status) Resolved() <-chan struct{} {
	return st.done
}

// Wait blocks until the token resolves or timeout elapses. A timeout of
// zero or less waits indefinitely.
//
// On resolution it returns the token's outcome. On timeout it returns
// ErrWaitTimeout and leaves the token outstanding and unchanged.
func (st *Status) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-st.done
		return st.Err()
	}

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	select {
	case <-st.done:
		return st.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
	}
}

// WaitContext blocks until the token resolves or the context is done.
// On context expiry it returns the context error wrapped with
// ErrWaitTimeout; the token itself is left outstanding.
func (st *Status) WaitContext(ctx context.Context) error {
	select {
	case <-st.done:
		return st.Err()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
}

// resolve marks the token complete with the given outcome. It reports
// whether this call performed the resolution; later calls are ignored.
func (st *Status) resolve(err error) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.resolved {
		return false
	}
	st.resolved = true
	st.err = err
	close(st.done)

	return true
}

// cancel resolves the token with a cancelled outcome. The reason, if any,
// is attached to the outcome error. Later calls are ignored.
func (st *Status) cancel(reason error) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.resolved {
		return false
	}
	st.resolved = true
	st.cancelled = true
	if reason != nil {
		st.err = fmt.Errorf("%w: %w", ErrCancelled, reason)
	} else {
		st.err = ErrCancelled
	}
	close(st.done)

	return true
}
