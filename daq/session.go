package daq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/pcdshub/go-daq/internal/queue"
	"github.com/pcdshub/go-daq/logger"
)

// Default session tuning knobs.
const (
	// DefaultConnectAttempts bounds how many times Connect retries before
	// surfacing a connection error.
	DefaultConnectAttempts = 5

	// DefaultPollInterval is how often the session polls the backend state to
	// detect connection loss.
	DefaultPollInterval = time.Second
)

// runState tracks one logical run from begin to resolution.
type runState struct {
	gen    uint64
	token  *Status
	handle RunHandle
	spec   RunSpec
	start  time.Time
}

// Session is the control object owning one backend connection. It drives the
// lifecycle state machine, issues Status tokens for asynchronous operations
// and resolves them when the backend reports completion.
//
// All operations on a Session are serialized: begin cannot race stop into an
// inconsistent state. Backend round-trips for begin run on background tasks
// so that the calling scheduler is never blocked outside of explicit waits.
type Session struct {
	name    string
	backend Backend
	logger  logger.Logger

	mu         sync.Mutex
	states     *StateManager
	cfg        *Config
	defaults   *Config
	pending    *Config
	configured bool
	runNumber  int
	run        *runState
	gen        uint64
	tokens     *xsync.MapOf[string, *Status]
	tasks      *TaskManager
	records    *queue.FIFO[RunRecord]

	preScanState SessionState
	staged       bool

	connectAttempts uint64
	pollInterval    time.Duration
}

// SessionOption customizes a Session at construction time.
type SessionOption func(*Session) error

// WithName sets the session name used in readings and registry lookups.
// Defaults to "daq".
func WithName(name string) SessionOption {
	return func(s *Session) error {
		if name == "" {
			return newConfigError("name", "session name must be non-empty")
		}
		s.name = name
		return nil
	}
}

// WithLogger sets the session logger. Defaults to the package default logger.
func WithLogger(log logger.Logger) SessionOption {
	return func(s *Session) error {
		if log == nil {
			return newConfigError("logger", "logger must be non-nil")
		}
		s.logger = log
		return nil
	}
}

// WithConnectAttempts bounds the connect-time retries.
func WithConnectAttempts(attempts uint64) SessionOption {
	return func(s *Session) error {
		if attempts == 0 {
			return newConfigError("connect_attempts", "must be at least 1")
		}
		s.connectAttempts = attempts
		return nil
	}
}

// WithPollInterval sets how often the backend state is polled for
// connection-loss detection.
func WithPollInterval(d time.Duration) SessionOption {
	return func(s *Session) error {
		if d <= 0 {
			return newConfigError("poll_interval", "must be positive, got %s", d)
		}
		s.pollInterval = d
		return nil
	}
}

// WithInitialConfig seeds the cached configuration. It is applied to the
// backend lazily at the first configure or begin.
func WithInitialConfig(cfg *Config) SessionOption {
	return func(s *Session) error {
		if cfg == nil {
			return newConfigError("config", "config must be non-nil")
		}
		s.cfg = cfg
		return nil
	}
}

// NewSession creates a control session around the given backend. The session
// starts Disconnected; call Connect to establish the backend connection.
func NewSession(backend Backend, opts ...SessionOption) (*Session, error) {
	if backend == nil {
		return nil, newConfigError("backend", "backend must be non-nil")
	}

	defaults, err := NewConfig()
	if err != nil {
		return nil, err
	}

	s := &Session{
		name:            "daq",
		backend:         backend,
		logger:          logger.GetLogger(),
		cfg:             defaults,
		defaults:        defaults,
		tokens:          xsync.NewMapOf[string, *Status](),
		records:         queue.NewFIFO[RunRecord](4),
		connectAttempts: DefaultConnectAttempts,
		pollInterval:    DefaultPollInterval,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.logger = s.logger.With("session", s.name)
	s.states = NewStateManager(s.logger, func(prev, next SessionState) {
		s.logger.Debug("session state change", "prev", prev, "next", next)
	})
	s.tasks = NewTaskManager(context.Background(), s.logger)

	return s, nil
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// State returns the current session state.
func (s *Session) State() SessionState { return s.states.State() }

// States returns the session state manager, for collaborators that want to
// observe or wait on lifecycle transitions.
func (s *Session) States() *StateManager { return s.states }

// Connected reports whether the session holds an established backend
// connection.
func (s *Session) Connected() bool { return s.states.State().IsConnected() }

// Configured reports whether an acquisition configuration has been applied.
func (s *Session) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.configured
}

// Config returns the cached configuration snapshot, i.e. the last applied
// configuration or the defaults if none has been applied yet.
func (s *Session) Config() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg
}

// PendingConfig returns the configuration staged via Preconfig, or nil.
func (s *Session) PendingConfig() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending
}

// RunNumber returns the backend-owned run number as of the last successful
// end of run. It is monotonically non-decreasing.
func (s *Session) RunNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.runNumber
}

// Connect establishes the backend connection, retrying with exponential
// backoff up to the configured attempt bound. It is a no-op when already
// connected.
//
// On exhaustion it fails with an error wrapping ErrNotConnected; it never
// retries beyond the bound.
func (s *Session) Connect(ctx context.Context) error {
	if s.states.State() != Disconnected {
		s.logger.Info("connect requested, but already connected")
		return nil
	}

	// A detected connection loss stops the task manager without draining it.
	// Drain and reset it here, before taking the session lock, so that a
	// watcher still delivering its end-of-run can finish without deadlock
	// and new tasks can start on the reconnected session.
	s.tasks.Stop()
	s.tasks.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states.State() != Disconnected {
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second

	attempt := 0
	operation := func() error {
		attempt++
		err := s.backend.Connect(ctx)
		if err != nil {
			s.logger.Warn("backend connect failed", "attempt", attempt, "error", err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(expBackoff, s.connectAttempts-1), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	s.states.Force(Connected)
	if n, err := s.backend.RunNumber(); err == nil {
		s.runNumber = n
	}

	if err := s.tasks.StartInterval("state-poll", s.pollBackendState, s.pollInterval, false); err != nil {
		s.logger.Error("failed to start state poller", "error", err)
	}
	s.logger.Info("connected to daq backend")

	return nil
}

// Disconnect tears down the backend connection and cancels every
// outstanding status token with a cancelled outcome. The session returns to
// Disconnected and its cached configuration is reset to the defaults.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.states.State() == Disconnected {
		s.mu.Unlock()
		return nil
	}

	if s.states.State().IsAcquiring() {
		if err := s.backend.EndRun(); err != nil {
			s.logger.Warn("end run during disconnect failed", "error", err)
		}
	}
	err := s.backend.Disconnect()

	s.failTokensLocked(nil)
	s.run = nil
	s.pending = nil
	s.configured = false
	s.cfg = s.defaults
	s.states.Force(Disconnected)
	s.mu.Unlock()

	s.tasks.Stop()
	s.tasks.Wait()

	if err != nil {
		return &BackendError{Op: "disconnect", Reason: err.Error()}
	}
	s.logger.Info("disconnected from daq backend")

	return nil
}

// Configure validates and applies an acquisition configuration immediately.
// It requires the session to be Connected or Configured; reconfiguring
// during a live run is illegal, use Preconfig to stage parameters for the
// next run instead.
//
// It returns the previous and the newly applied configuration snapshots.
func (s *Session) Configure(opts ...Option) (old, applied *Config, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states.State()
	if st != Connected && st != Configured {
		return nil, nil, fmt.Errorf("%w: cannot configure from %s", ErrInvalidState, st)
	}

	base := s.cfg
	if s.pending != nil {
		base = s.pending
	}
	next, err := base.With(opts...)
	if err != nil {
		return nil, nil, err
	}

	if err := s.backend.Apply(next); err != nil {
		return nil, nil, &BackendError{Op: "apply", Reason: err.Error()}
	}

	old = s.cfg
	s.cfg = next
	s.pending = nil
	s.configured = true
	if err := s.states.Transition(Configured, Connected, Configured); err != nil {
		return nil, nil, err
	}
	s.logger.Info("daq configured", "events", next.Events(), "duration", next.Duration(),
		"record", next.Record(), "prescreen", next.Prescreen())

	return old, next, nil
}

// Preconfig stages configuration parameters for the next run without
// executing any backend transition. The staged configuration is applied
// transparently at the next begin ("staged wins") and then cleared. It can
// be called in any state, including while the current run is still
// finishing.
func (s *Session) Preconfig(opts ...Option) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.cfg
	if s.pending != nil {
		base = s.pending
	}
	staged, err := base.With(opts...)
	if err != nil {
		return nil, err
	}
	s.pending = staged
	s.logger.Info("queued config for next run", "events", staged.Events(),
		"duration", staged.Duration(), "record", staged.Record())

	return staged, nil
}

// Begin starts a run and blocks until the backend acknowledges that
// acquisition has started, then returns the run's status token. The token
// resolves when the run reaches its target, fails, or is stopped.
//
// Options override the effective configuration for this run only. With no
// prior configure call the cached or default configuration is used. A begin
// from Paused resumes the open run and returns its existing token; a begin
// while Running fails with ErrInvalidState and leaves the outstanding run
// token untouched.
func (s *Session) Begin(opts ...Option) (*Status, error) {
	s.mu.Lock()

	switch st := s.states.State(); st {
	case Running:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: a run is already in progress", ErrInvalidState)
	case Paused:
		if err := s.resumeLocked(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		tok := s.run.token
		s.mu.Unlock()
		return tok, nil
	case Disconnected:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: connect before beginning a run", ErrNotConnected)
	}

	start, runTok, runCfg, err := s.kickoffLocked(opts...)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := start.Wait(runCfg.BeginTimeout()); err != nil {
		if errors.Is(err, ErrWaitTimeout) {
			return nil, fmt.Errorf("%w: daq did not begin within %s", ErrWaitTimeout, runCfg.BeginTimeout())
		}
		return nil, err
	}
	// Some backends report the begin transition slightly before acquisition
	// is live; honor the configured settle delay.
	if d := runCfg.BeginSleep(); d > 0 {
		time.Sleep(d)
	}

	return runTok, nil
}

// BeginInfinite starts a run that acquires until explicitly stopped.
func (s *Session) BeginInfinite(opts ...Option) (*Status, error) {
	return s.Begin(append([]Option{WithInfinite()}, opts...)...)
}

// Pause suspends the running acquisition. It is a no-op when already Paused
// and fails with ErrInvalidState in any other non-Running state.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states.State()
	if st == Paused {
		return nil
	}
	if st != Running || s.run == nil || s.run.handle == nil {
		return fmt.Errorf("%w: pause requires a running acquisition (state %s)", ErrInvalidState, st)
	}

	if err := s.backend.Pause(s.run.handle); err != nil {
		return &BackendError{Op: "pause", Reason: err.Error()}
	}
	s.states.Force(Paused)
	s.logger.Info("acquisition paused")

	return nil
}

// Resume resumes a paused acquisition. The run's original status token
// remains outstanding across pause and resume. It is a no-op when already
// Running.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states.State()
	if st == Running {
		return nil
	}
	if st != Paused {
		return fmt.Errorf("%w: resume requires a paused acquisition (state %s)", ErrInvalidState, st)
	}

	return s.resumeLocked()
}

func (s *Session) resumeLocked() error {
	if s.run == nil || s.run.handle == nil {
		return fmt.Errorf("%w: no open run to resume", ErrInvalidState)
	}
	if err := s.backend.Resume(s.run.handle); err != nil {
		return &BackendError{Op: "resume", Reason: err.Error()}
	}
	s.states.Force(Running)
	s.logger.Info("acquisition resumed")

	return nil
}

// Stop cancels the current acquisition, resolving the outstanding run token
// with a cancelled outcome. It is idempotent and effective even while
// another goroutine is blocked waiting on the same token.
func (s *Session) Stop() error {
	s.mu.Lock()

	if !s.states.State().IsAcquiring() {
		s.mu.Unlock()
		return nil
	}

	rs := s.run
	s.run = nil
	s.states.Force(Configured)
	err := s.backend.EndRun()
	if n, rerr := s.backend.RunNumber(); rerr == nil {
		s.runNumber = n
	}
	if rs != nil && rs.handle != nil {
		s.recordRunLocked(rs)
	}
	s.mu.Unlock()

	if rs != nil {
		s.cancelToken(rs.token, nil)
	}
	if err != nil {
		return &BackendError{Op: "stop", Reason: err.Error()}
	}
	s.logger.Info("acquisition stopped")

	return nil
}

// EndRun closes the current logical run regardless of acquisition sub-state.
// It is always safe to call: with no open run it only refreshes the run
// number, and when Disconnected it is a no-op.
func (s *Session) EndRun() error {
	s.mu.Lock()

	st := s.states.State()
	if st == Disconnected {
		s.mu.Unlock()
		return nil
	}

	rs := s.run
	s.run = nil
	err := s.backend.EndRun()
	if st.IsAcquiring() {
		s.states.Force(Configured)
	}
	if n, rerr := s.backend.RunNumber(); rerr == nil {
		s.runNumber = n
	}
	if rs != nil && rs.handle != nil {
		s.recordRunLocked(rs)
	}
	s.mu.Unlock()

	if rs != nil {
		s.cancelToken(rs.token, nil)
	}
	if err != nil {
		return &BackendError{Op: "endrun", Reason: err.Error()}
	}

	return nil
}

// Wait blocks until the current run finishes, or timeout elapses (zero
// waits forever). It returns nil immediately when no run is open and fails
// with ErrInvalidState for an infinite run, which can only be stopped.
func (s *Session) Wait(timeout time.Duration) error {
	s.mu.Lock()
	rs := s.run
	s.mu.Unlock()

	if rs == nil {
		return nil
	}
	if rs.spec.Infinite {
		return fmt.Errorf("%w: the daq is configured to run forever, stop it instead", ErrInvalidState)
	}

	return rs.token.Wait(timeout)
}

// kickoffLocked applies any staged configuration, issues a begin on a
// background task and returns the start and run tokens. Callers must hold
// s.mu and have verified the state allows a begin.
func (s *Session) kickoffLocked(opts ...Option) (start, runTok *Status, runCfg *Config, err error) {
	if err := s.applyPendingLocked(); err != nil {
		return nil, nil, nil, err
	}

	runCfg = s.cfg
	if len(opts) > 0 {
		runCfg, err = s.cfg.With(opts...)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	spec, err := runCfg.runSpec()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := s.states.Transition(Running, Connected, Configured); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: cannot begin from %s", ErrInvalidState, s.states.State())
	}

	s.gen++
	start = newStatus()
	runTok = newStatus()
	s.tokens.Store(start.ID(), start)
	s.tokens.Store(runTok.ID(), runTok)

	rs := &runState{gen: s.gen, token: runTok, spec: spec, start: time.Now()}
	s.run = rs

	if err := s.tasks.Start(fmt.Sprintf("begin-%d", rs.gen), func() bool {
		s.issueBegin(rs, start)
		return false
	}); err != nil {
		s.run = nil
		s.states.Force(Configured)
		s.dropToken(start)
		s.dropToken(runTok)
		return nil, nil, nil, err
	}

	return start, runTok, runCfg, nil
}

// applyPendingLocked applies the staged configuration if one exists
// (staged wins, then cleared), or the cached configuration if none has been
// applied to the backend yet.
func (s *Session) applyPendingLocked() error {
	next := s.pending
	if next == nil {
		if s.configured {
			return nil
		}
		next = s.cfg
	}

	if err := s.backend.Apply(next); err != nil {
		return &BackendError{Op: "apply", Reason: err.Error()}
	}
	s.cfg = next
	s.pending = nil
	s.configured = true
	// A first begin from Connected passes through Configured.
	_ = s.states.Transition(Configured, Connected)

	return nil
}

// issueBegin performs the backend begin round-trip on a background task and
// resolves the start token with its outcome.
func (s *Session) issueBegin(rs *runState, start *Status) {
	handle, err := s.backend.Begin(rs.spec)

	s.mu.Lock()
	if s.run != rs || s.states.State() == Disconnected {
		// The run was stopped or the session disconnected while the begin
		// round-trip was in flight.
		s.mu.Unlock()
		if err == nil {
			if endErr := s.backend.EndRun(); endErr != nil {
				s.logger.Warn("failed to end orphaned run", "error", endErr)
			}
		}
		s.cancelToken(start, nil)
		return
	}

	if err != nil {
		s.run = nil
		s.states.Force(Configured)
		s.mu.Unlock()

		berr := &BackendError{Op: "begin", Reason: err.Error()}
		s.logger.Error("daq begin failed", "error", berr)
		s.resolveToken(start, berr)
		s.resolveToken(rs.token, berr)
		return
	}

	rs.handle = handle
	s.mu.Unlock()

	s.logger.Debug("daq begin acknowledged", "events", rs.spec.Events,
		"duration", rs.spec.Duration, "infinite", rs.spec.Infinite)
	s.resolveToken(start, nil)

	if err := s.tasks.Start(fmt.Sprintf("run-watch-%d", rs.gen), func() bool {
		s.watchRun(rs)
		return false
	}); err != nil {
		s.logger.Error("failed to start run watcher", "error", err)
	}
}

// watchRun waits for the backend to report the run's completion and
// resolves the run token accordingly. It exits without resolving when the
// session shuts down; the disconnect path resolves all outstanding tokens.
func (s *Session) watchRun(rs *runState) {
	ctx := s.tasks.Context()

	select {
	case <-ctx.Done():
		return
	case err := <-rs.handle.Done():
		s.finishRun(rs, err)
	}
}

// finishRun handles the backend's end-of-run notification for rs: a natural
// completion resolves the run token with success, refreshes the run number
// and buffers a run record for collection; a backend failure resolves the
// token with a BackendError. Either way the session returns to Configured.
func (s *Session) finishRun(rs *runState, runErr error) {
	s.mu.Lock()
	if s.run != rs {
		// Superseded by stop, end-run or disconnect; the token has already
		// been resolved on that path.
		s.mu.Unlock()
		return
	}

	s.run = nil
	s.states.Force(Configured)

	if runErr != nil {
		s.mu.Unlock()
		berr := &BackendError{Op: "run", Reason: runErr.Error()}
		s.logger.Error("daq run failed", "error", berr)
		s.resolveToken(rs.token, berr)
		return
	}

	if n, err := s.backend.RunNumber(); err == nil {
		s.runNumber = n
	}
	s.recordRunLocked(rs)
	s.mu.Unlock()

	s.logger.Info("daq run complete", "run_number", s.RunNumber())
	s.resolveToken(rs.token, nil)
}

// recordRunLocked buffers a record for a finished run, whether it completed
// naturally or was stopped. A run whose begin was never acknowledged is not
// recorded; it never acquired. Callers hold s.mu.
func (s *Session) recordRunLocked(rs *runState) {
	s.records.Push(RunRecord{
		RunNumber: s.runNumber,
		Events:    rs.spec.Events,
		Duration:  rs.spec.Duration,
		Infinite:  rs.spec.Infinite,
		Recorded:  rs.spec.Record,
		Start:     rs.start,
		End:       time.Now(),
	})
}

// pollBackendState is the interval task that detects connection loss.
func (s *Session) pollBackendState() bool {
	st, err := s.backend.State()
	if err == nil && st != BackendDisconnected {
		return true
	}

	if err != nil {
		s.logger.Warn("backend state query failed", "error", err)
	} else {
		s.logger.Warn("backend reports disconnected")
	}
	s.connectionLost()

	return false
}

// connectionLost forces the session to Disconnected and fails every
// outstanding token with a connection-lost outcome. The caller must
// reconnect explicitly; there is no automatic retry.
func (s *Session) connectionLost() {
	s.mu.Lock()
	if s.states.State() == Disconnected {
		s.mu.Unlock()
		return
	}

	s.failTokensLocked(ErrConnectionLost)
	s.run = nil
	s.pending = nil
	s.configured = false
	s.cfg = s.defaults
	s.states.Force(Disconnected)
	s.mu.Unlock()

	s.tasks.Stop()
	s.logger.Error("daq backend connection lost")
}

// failTokensLocked cancels every outstanding token. Callers hold s.mu.
func (s *Session) failTokensLocked(reason error) {
	s.tokens.Range(func(id string, tok *Status) bool {
		tok.cancel(reason)
		return true
	})
	s.tokens.Clear()
}

// resolveToken resolves a token and retires it from the outstanding set.
func (s *Session) resolveToken(tok *Status, err error) {
	tok.resolve(err)
	s.tokens.Delete(tok.ID())
}

// cancelToken cancels a token and retires it from the outstanding set.
func (s *Session) cancelToken(tok *Status, reason error) {
	tok.cancel(reason)
	s.tokens.Delete(tok.ID())
}

// dropToken retires a token that was never issued.
func (s *Session) dropToken(tok *Status) {
	s.tokens.Delete(tok.ID())
}
