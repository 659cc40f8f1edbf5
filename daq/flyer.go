package daq

import (
	"fmt"
	"time"
)

// RunRecord summarizes one completed run, buffered between acquisition
// completion and collection by the scheduler.
type RunRecord struct {
	// RunNumber is the backend-owned run number at completion time.
	RunNumber int
	// Events is the fixed event-count target of the run, zero if unused.
	Events int
	// Duration is the fixed duration target of the run, zero if unused.
	Duration time.Duration
	// Infinite reports whether the run was open-ended.
	Infinite bool
	// Recorded reports whether the run was recorded.
	Recorded bool
	// Start and End bracket the run in wall-clock time.
	Start time.Time
	End   time.Time
}

// Stage prepares the session for use inside a scan. It caches the current
// state so Unstage can restore it and ends any open run so the scan can
// start a fresh one.
func (s *Session) Stage() error {
	s.logger.Debug("stage")

	s.mu.Lock()
	s.preScanState = s.states.State()
	s.staged = true
	s.mu.Unlock()

	return s.EndRun()
}

// Unstage undoes Stage: it ends any run left open by the scan and, if the
// session was freely running before staging, restarts an infinite run so
// online monitoring keeps receiving data. It never disconnects.
func (s *Session) Unstage() error {
	s.logger.Debug("unstage")

	s.mu.Lock()
	pre := s.preScanState
	s.staged = false
	s.preScanState = Disconnected
	st := s.states.State()
	s.mu.Unlock()

	if st.IsAcquiring() {
		if err := s.EndRun(); err != nil {
			return err
		}
	}
	if pre == Running {
		_, err := s.BeginInfinite()
		return err
	}

	return nil
}

// Trigger begins one fixed-target acquisition and returns the status token
// for exactly that acquisition. It fails with a ConfigError when the
// effective configuration has neither an events nor a duration target.
func (s *Session) Trigger() (*Status, error) {
	s.mu.Lock()

	switch st := s.states.State(); st {
	case Disconnected:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: connect before triggering an acquisition", ErrNotConnected)
	case Running:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: a run is already in progress", ErrInvalidState)
	}

	base := s.cfg
	if s.pending != nil {
		base = s.pending
	}
	if base.Infinite() {
		s.mu.Unlock()
		return nil, newConfigError("events",
			"cannot trigger a scan step without an events or duration target")
	}

	start, runTok, runCfg, err := s.kickoffLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := start.Wait(runCfg.BeginTimeout()); err != nil {
		return nil, err
	}

	return runTok, nil
}

// Kickoff begins acquisition without blocking, applying any staged
// configuration first. The returned token resolves as soon as the backend
// acknowledges that acquisition has started; the run's own completion is
// observed through Complete.
//
// Kickoff from Paused resumes the open run. Kickoff while Running fails
// with ErrInvalidState.
func (s *Session) Kickoff() (*Status, error) {
	s.logger.Debug("kickoff")

	s.mu.Lock()

	switch st := s.states.State(); st {
	case Running:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: a run is already in progress", ErrInvalidState)
	case Paused:
		err := s.resumeLocked()
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return newResolvedStatus(nil), nil
	case Disconnected:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: connect before kicking off a run", ErrNotConnected)
	}

	start, _, _, err := s.kickoffLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return start, nil
}

// Complete returns the status token that resolves when the run has produced
// its final data. For an open-ended run it first stops the acquisition, so
// the returned token resolves with a cancelled outcome. With no open run it
// returns an already-resolved token.
func (s *Session) Complete() (*Status, error) {
	s.logger.Debug("complete")

	s.mu.Lock()
	rs := s.run
	s.mu.Unlock()

	if rs == nil {
		return newResolvedStatus(nil), nil
	}
	if rs.spec.Infinite {
		if err := s.Stop(); err != nil {
			return nil, err
		}
	}

	return rs.token, nil
}

// Collect drains and returns the records of runs completed since the last
// collection, in completion order. It never blocks; call it after the token
// from Complete has resolved.
func (s *Session) Collect() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.records.Drain()
}

// DescribeCollect describes the fields of the records returned by Collect.
func (s *Session) DescribeCollect() map[string]FieldDesc {
	return map[string]FieldDesc{
		"run_number": {Dtype: "integer", Source: s.name},
		"events":     {Dtype: "integer", Source: s.name},
		"duration":   {Dtype: "number", Source: s.name},
		"infinite":   {Dtype: "boolean", Source: s.name},
		"recorded":   {Dtype: "boolean", Source: s.name},
		"start_ts":   {Dtype: "number", Source: s.name},
		"end_ts":     {Dtype: "number", Source: s.name},
	}
}

// Read reports the session's configuration snapshot, not per-event data; no
// acquisition data crosses this interface. If a run is freely running, Read
// stops it first so the session can be read last in a scan step to tear
// down acquisition.
func (s *Session) Read() map[string]Reading {
	if s.states.State() == Running {
		if err := s.Stop(); err != nil {
			s.logger.Warn("stop during read failed", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cfg := s.cfg

	return map[string]Reading{
		s.name + "_state":      {Value: s.states.State().String(), Timestamp: now},
		s.name + "_configured": {Value: s.configured, Timestamp: now},
		s.name + "_events":     {Value: cfg.Events(), Timestamp: now},
		s.name + "_duration":   {Value: cfg.Duration().Seconds(), Timestamp: now},
		s.name + "_record":     {Value: cfg.Record(), Timestamp: now},
		s.name + "_prescreen":  {Value: cfg.Prescreen(), Timestamp: now},
		s.name + "_run_number": {Value: s.runNumber, Timestamp: now},
	}
}

// Describe describes the fields reported by Read.
func (s *Session) Describe() map[string]FieldDesc {
	return map[string]FieldDesc{
		s.name + "_state":      {Dtype: "string", Source: s.name},
		s.name + "_configured": {Dtype: "boolean", Source: s.name},
		s.name + "_events":     {Dtype: "integer", Source: s.name},
		s.name + "_duration":   {Dtype: "number", Source: s.name},
		s.name + "_record":     {Dtype: "boolean", Source: s.name},
		s.name + "_prescreen":  {Dtype: "boolean", Source: s.name},
		s.name + "_run_number": {Dtype: "integer", Source: s.name},
	}
}
