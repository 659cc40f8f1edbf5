// Package sim provides an in-memory acquisition backend for tests and
// examples. It honors the Backend port contract: finite runs complete on
// their own after a simulated acquisition time, infinite runs stay open
// until ended, and failures can be scripted to exercise error paths.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pcdshub/go-daq/daq"
	"github.com/pcdshub/go-daq/logger"
)

// DefaultEventRate is the simulated acquisition rate used to turn an
// event-count target into a run length.
const DefaultEventRate = 1000 // events per second

var errNotConnected = errors.New("sim backend is not connected")

// runHandle is one simulated in-flight acquisition.
type runHandle struct {
	done chan error
	once sync.Once
}

func newRunHandle() *runHandle {
	return &runHandle{done: make(chan error, 1)}
}

// Done implements daq.RunHandle.
func (h *runHandle) Done() <-chan error { return h.done }

func (h *runHandle) finish(err error) {
	h.once.Do(func() {
		h.done <- err
	})
}

// Backend simulates the acquisition system in memory.
type Backend struct {
	mu     sync.Mutex
	logger logger.Logger

	state     daq.BackendState
	cfg       *daq.Config
	runNumber int
	eventRate int

	run       *runHandle
	runTimer  *time.Timer
	deadline  time.Time
	remaining time.Duration

	connectFailures int
	beginErr        error
	applyErr        error
	lost            bool
}

// Option customizes a simulated backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(log logger.Logger) Option {
	return func(b *Backend) { b.logger = log }
}

// WithRunNumber seeds the backend run number.
func WithRunNumber(n int) Option {
	return func(b *Backend) { b.runNumber = n }
}

// WithEventRate sets the simulated acquisition rate in events per second.
func WithEventRate(hz int) Option {
	return func(b *Backend) { b.eventRate = hz }
}

// WithConnectFailures scripts the next n Connect calls to fail, to exercise
// connect-time retry.
func WithConnectFailures(n int) Option {
	return func(b *Backend) { b.connectFailures = n }
}

// NewBackend creates a simulated backend in the disconnected state.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		logger:    logger.GetLogger().With("backend", "sim"),
		state:     daq.BackendDisconnected,
		eventRate: DefaultEventRate,
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

var _ daq.Backend = (*Backend)(nil)

// Connect implements daq.Backend.
func (b *Backend) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connectFailures > 0 {
		b.connectFailures--
		return errors.New("sim backend is not allocated")
	}

	b.lost = false
	if b.state == daq.BackendDisconnected {
		b.state = daq.BackendConnected
	}

	return nil
}

// Disconnect implements daq.Backend.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.abortRunLocked(errors.New("sim backend disconnected"))
	b.state = daq.BackendDisconnected
	b.cfg = nil

	return nil
}

// Apply implements daq.Backend.
func (b *Backend) Apply(cfg *daq.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == daq.BackendDisconnected {
		return errNotConnected
	}
	if b.run != nil {
		return errors.New("cannot configure during an open run")
	}
	if b.applyErr != nil {
		err := b.applyErr
		b.applyErr = nil
		return err
	}

	b.cfg = cfg
	b.state = daq.BackendConfigured

	return nil
}

// Begin implements daq.Backend. Finite runs complete on their own after the
// simulated acquisition time; infinite runs stay open until EndRun or a
// scripted failure.
func (b *Backend) Begin(spec daq.RunSpec) (daq.RunHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == daq.BackendDisconnected {
		return nil, errNotConnected
	}
	if b.run != nil {
		return nil, errors.New("a run is already open")
	}
	if b.beginErr != nil {
		err := b.beginErr
		b.beginErr = nil
		return nil, err
	}

	h := newRunHandle()
	b.run = h
	b.state = daq.BackendRunning

	if !spec.Infinite {
		length := b.runLength(spec)
		b.deadline = time.Now().Add(length)
		b.runTimer = time.AfterFunc(length, func() {
			b.completeRun(h, nil)
		})
	} else {
		b.runTimer = nil
	}
	b.logger.Debug("sim run begun", "events", spec.Events, "duration", spec.Duration,
		"infinite", spec.Infinite, "record", spec.Record)

	return h, nil
}

// Pause implements daq.Backend.
func (b *Backend) Pause(h daq.RunHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkHandleLocked(h); err != nil {
		return err
	}
	if b.state == daq.BackendPaused {
		return nil
	}

	if b.runTimer != nil {
		b.runTimer.Stop()
		b.remaining = time.Until(b.deadline)
		if b.remaining < 0 {
			b.remaining = 0
		}
	}
	b.state = daq.BackendPaused

	return nil
}

// Resume implements daq.Backend.
func (b *Backend) Resume(h daq.RunHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkHandleLocked(h); err != nil {
		return err
	}
	if b.state == daq.BackendRunning {
		return nil
	}

	if b.runTimer != nil {
		run := b.run
		b.deadline = time.Now().Add(b.remaining)
		b.runTimer = time.AfterFunc(b.remaining, func() {
			b.completeRun(run, nil)
		})
	}
	b.state = daq.BackendRunning

	return nil
}

// EndRun implements daq.Backend. It closes the open run, completing its
// handle, and is safe to call when no run is open.
func (b *Backend) EndRun() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == daq.BackendDisconnected {
		return errNotConnected
	}
	if b.run == nil {
		return nil
	}

	run := b.run
	b.clearRunLocked()
	b.runNumber++
	b.state = daq.BackendConfigured
	run.finish(nil)

	return nil
}

// State implements daq.Backend.
func (b *Backend) State() (daq.BackendState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lost {
		return daq.BackendDisconnected, errors.New("sim backend transport failure")
	}

	return b.state, nil
}

// RunNumber implements daq.Backend.
func (b *Backend) RunNumber() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lost {
		return 0, errors.New("sim backend transport failure")
	}

	return b.runNumber, nil
}

// FailNextBegin scripts the next Begin call to fail with reason.
func (b *Backend) FailNextBegin(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.beginErr = errors.New(reason)
}

// FailNextApply scripts the next Apply call to fail with reason.
func (b *Backend) FailNextApply(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.applyErr = errors.New(reason)
}

// FailRun fails the open run with reason, as if the backend reported an
// acquisition error.
func (b *Backend) FailRun(reason string) {
	b.mu.Lock()
	run := b.run
	b.clearRunLocked()
	if run != nil {
		b.state = daq.BackendConfigured
	}
	b.mu.Unlock()

	if run != nil {
		run.finish(errors.New(reason))
	}
}

// DropConnection simulates a transport-level connection loss: every
// subsequent call fails until Connect is called again. The open run's handle
// never delivers, the way a vanished backend never reports its end of run.
func (b *Backend) DropConnection() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clearRunLocked()
	b.lost = true
	b.state = daq.BackendDisconnected
	b.cfg = nil
}

// Config returns the last applied configuration, for test assertions.
func (b *Backend) Config() *daq.Config {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.cfg
}

// runLength converts a run target into a simulated acquisition time.
func (b *Backend) runLength(spec daq.RunSpec) time.Duration {
	if spec.Duration > 0 {
		return spec.Duration
	}

	return time.Duration(spec.Events) * time.Second / time.Duration(b.eventRate)
}

// completeRun delivers natural completion for h if it is still the open run.
func (b *Backend) completeRun(h *runHandle, err error) {
	b.mu.Lock()
	if b.run != h {
		b.mu.Unlock()
		return
	}
	b.clearRunLocked()
	if err == nil {
		b.runNumber++
	}
	b.state = daq.BackendConfigured
	b.mu.Unlock()

	h.finish(err)
}

func (b *Backend) checkHandleLocked(h daq.RunHandle) error {
	if b.state == daq.BackendDisconnected {
		return errNotConnected
	}
	if b.run == nil || daq.RunHandle(b.run) != h {
		return fmt.Errorf("no such open run")
	}

	return nil
}

// clearRunLocked drops run bookkeeping without completing the handle.
func (b *Backend) clearRunLocked() {
	if b.runTimer != nil {
		b.runTimer.Stop()
		b.runTimer = nil
	}
	b.run = nil
	b.remaining = 0
}

// abortRunLocked fails the open run, if any, with reason.
func (b *Backend) abortRunLocked(reason error) {
	if b.run == nil {
		return
	}
	run := b.run
	b.clearRunLocked()
	run.finish(reason)
}
