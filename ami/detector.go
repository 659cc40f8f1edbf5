package ami

import (
	"fmt"
	"sync"
	"time"

	"github.com/pcdshub/go-daq/daq"
	"github.com/pcdshub/go-daq/logger"
)

// Sample is one value delivered on the monitoring channel.
type Sample struct {
	Value float64
	// Timestamp is monotonic non-decreasing across reads of one detector.
	Timestamp time.Time
}

// Detector is a read-only device view over a named online-monitoring
// channel, filtered by a validated expression. Its validity depends on the
// owning control session's connection, but it stages and unstages
// independently of the session's run lifecycle.
type Detector struct {
	name    string
	channel string
	session *daq.Session
	logger  logger.Logger

	mu       sync.RWMutex
	filter   Filter
	attached bool
	sample   *Sample
	lastTS   time.Time
}

// DetectorOption customizes a Detector at construction time.
type DetectorOption func(*Detector) error

// WithName sets the detector name used in readings. Defaults to the channel
// name.
func WithName(name string) DetectorOption {
	return func(d *Detector) error {
		if name == "" {
			return fmt.Errorf("%w: detector name must be non-empty", ErrInvalidFilter)
		}
		d.name = name
		return nil
	}
}

// WithFilter attaches an initial filter expression, validated immediately.
func WithFilter(f Filter) DetectorOption {
	return func(d *Detector) error {
		if err := Validate(f); err != nil {
			return err
		}
		d.filter = f
		return nil
	}
}

// WithLogger sets the detector logger.
func WithLogger(log logger.Logger) DetectorOption {
	return func(d *Detector) error {
		d.logger = log
		return nil
	}
}

// NewDetector creates a detector view over the named monitoring channel,
// owned by the given control session.
func NewDetector(channel string, session *daq.Session, opts ...DetectorOption) (*Detector, error) {
	if channel == "" {
		return nil, fmt.Errorf("%w: monitoring channel must be non-empty", ErrInvalidFilter)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: detector requires an owning session", daq.ErrNotConnected)
	}

	d := &Detector{
		name:    channel,
		channel: channel,
		session: session,
		logger:  logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	d.logger = d.logger.With("detector", d.name)

	return d, nil
}

// Name returns the detector name.
func (d *Detector) Name() string { return d.name }

// Channel returns the monitoring channel the detector is bound to.
func (d *Detector) Channel() string { return d.channel }

// SetFilter validates f and replaces the whole filter expression
// atomically. It never merges partial updates, so a concurrent reader
// always observes either the old or the new expression, never a mixture.
func (d *Detector) SetFilter(f Filter) error {
	if err := Validate(f); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = f
	d.logger.Debug("detector filter replaced", "filter", f.String())

	return nil
}

// Filter returns the currently attached filter expression, or nil.
func (d *Detector) Filter() Filter {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.filter
}

// Stage attaches the detector to its monitoring channel. It requires the
// owning session to be connected and fails with daq.ErrNotConnected
// otherwise, leaving the detector fully detached. Staging resets the cached
// sample so reads never return a stale cross-run value.
func (d *Detector) Stage() error {
	if !d.session.Connected() {
		return fmt.Errorf("%w: cannot stage detector %q", daq.ErrNotConnected, d.name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.filter != nil {
		if err := d.filter.validate(); err != nil {
			return err
		}
	}
	d.attached = true
	d.sample = nil
	d.logger.Debug("detector staged")

	return nil
}

// Unstage detaches the detector. Safe to call when not attached.
func (d *Detector) Unstage() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.attached = false
	d.logger.Debug("detector unstaged")

	return nil
}

// Attached reports whether the detector is currently attached.
func (d *Detector) Attached() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.attached
}

// Deliver feeds one sample from the monitoring channel. Samples delivered
// while the detector is detached are discarded.
func (d *Detector) Deliver(value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached {
		return
	}

	ts := time.Now()
	if !ts.After(d.lastTS) {
		ts = d.lastTS.Add(time.Nanosecond)
	}
	d.lastTS = ts
	d.sample = &Sample{Value: value, Timestamp: ts}
}

// Read returns the most recent delivered sample as a snapshot. Before any
// delivery (including right after staging) it returns an empty map.
func (d *Detector) Read() map[string]daq.Reading {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.sample == nil {
		return map[string]daq.Reading{}
	}

	return map[string]daq.Reading{
		d.name: {Value: d.sample.Value, Timestamp: d.sample.Timestamp},
	}
}

// Describe describes the field reported by Read.
func (d *Detector) Describe() map[string]daq.FieldDesc {
	return map[string]daq.FieldDesc{
		d.name: {Dtype: "number", Source: d.channel},
	}
}

// Compile-time checks for the scheduler device protocols.
var (
	_ daq.Stageable = (*Detector)(nil)
	_ daq.Readable  = (*Detector)(nil)
)
