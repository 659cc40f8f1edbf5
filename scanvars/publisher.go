// Package scanvars publishes scan step metadata to external variables for
// the duration of a scan: total step count and per-axis bounds once at
// enable, then the step index and positions at every step. Published values
// are ephemeral, overwritten each step and cleared on disable.
package scanvars

import (
	"fmt"
	"sync"

	"github.com/pcdshub/go-daq/daq"
	"github.com/pcdshub/go-daq/logger"
)

// Sink is the external variable sink the publisher writes to. Publish is
// fire-and-forget; no acknowledgment is expected.
type Sink interface {
	Publish(name string, value any)
}

// AxisBounds describes one positioner's sweep within a scan.
type AxisBounds struct {
	Name string
	Min  float64
	Max  float64
	Step float64
}

// Bounds describes the shape of a scan.
type Bounds struct {
	// Steps is the total number of scan steps.
	Steps int
	// Axes lists the positioners swept by the scan.
	Axes []AxisBounds
}

// Publisher publishes scan metadata between Enable and Disable. The step
// index is assigned internally and is strictly increasing while enabled; it
// resets to zero only on a fresh Enable.
type Publisher struct {
	sink   Sink
	prefix string
	logger logger.Logger

	mu        sync.Mutex
	enabled   bool
	next      int
	bounds    *Bounds
	axes      []string
	positions map[string]struct{}
}

// Option customizes a Publisher.
type Option func(*Publisher) error

// WithPrefix sets the variable name prefix. Defaults to "scan:".
func WithPrefix(prefix string) Option {
	return func(p *Publisher) error {
		if prefix == "" {
			return fmt.Errorf("scanvars: prefix must be non-empty")
		}
		p.prefix = prefix
		return nil
	}
}

// WithLogger sets the publisher logger.
func WithLogger(log logger.Logger) Option {
	return func(p *Publisher) error {
		p.logger = log
		return nil
	}
}

// NewPublisher creates a publisher writing to the given sink.
func NewPublisher(sink Sink, opts ...Option) (*Publisher, error) {
	if sink == nil {
		return nil, fmt.Errorf("scanvars: sink must be non-nil")
	}

	p := &Publisher{
		sink:   sink,
		prefix: "scan:",
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Enable starts a scan: it publishes the total step count and each axis's
// bounds once and resets the step index to zero. Enabling an already
// enabled publisher restarts the scan.
func (p *Publisher) Enable(bounds Bounds) error {
	if bounds.Steps < 0 {
		return fmt.Errorf("scanvars: step count must be non-negative, got %d", bounds.Steps)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.enabled = true
	p.next = 0
	p.axes = p.axes[:0]
	p.positions = make(map[string]struct{})

	p.sink.Publish(p.prefix+"nsteps", bounds.Steps)
	for _, axis := range bounds.Axes {
		p.sink.Publish(p.prefix+"min:"+axis.Name, axis.Min)
		p.sink.Publish(p.prefix+"max:"+axis.Name, axis.Max)
		p.sink.Publish(p.prefix+"step_size:"+axis.Name, axis.Step)
		p.axes = append(p.axes, axis.Name)
	}
	p.logger.Debug("scan metadata enabled", "steps", bounds.Steps, "axes", len(bounds.Axes))

	return nil
}

// Event publishes one step's index and positions. The index is assigned by
// the publisher and increases by one per call while enabled.
func (p *Publisher) Event(positions map[string]float64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return 0, fmt.Errorf("%w: scan metadata publisher is not enabled", daq.ErrInvalidState)
	}

	index := p.next
	p.next++

	p.sink.Publish(p.prefix+"istep", index)
	for name, pos := range positions {
		p.sink.Publish(p.prefix+"pos:"+name, pos)
		p.positions[name] = struct{}{}
	}

	return index, nil
}

// Disable ends the scan and clears every published variable: the step
// index and count, the per-axis bounds and the positions published while
// enabled. It is idempotent and safe to call even if Enable was never
// called.
func (p *Publisher) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	p.enabled = false
	p.sink.Publish(p.prefix+"istep", -1)
	p.sink.Publish(p.prefix+"nsteps", 0)
	for _, name := range p.axes {
		p.sink.Publish(p.prefix+"min:"+name, 0.0)
		p.sink.Publish(p.prefix+"max:"+name, 0.0)
		p.sink.Publish(p.prefix+"step_size:"+name, 0.0)
	}
	for name := range p.positions {
		p.sink.Publish(p.prefix+"pos:"+name, 0.0)
	}
	p.axes = p.axes[:0]
	p.positions = nil
	p.logger.Debug("scan metadata disabled")
}

// Enabled reports whether the publisher is currently enabled.
func (p *Publisher) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.enabled
}

// SetBounds stores scan bounds for a deferred Enable through Stage.
func (p *Publisher) SetBounds(bounds Bounds) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.bounds = &bounds
}

// Stage enables the publisher with the bounds stored by SetBounds, so the
// publisher can ride along in a plan wrapper's device list.
func (p *Publisher) Stage() error {
	p.mu.Lock()
	bounds := p.bounds
	p.mu.Unlock()

	if bounds == nil {
		return fmt.Errorf("%w: no scan bounds set before staging", daq.ErrInvalidState)
	}

	return p.Enable(*bounds)
}

// Unstage disables the publisher.
func (p *Publisher) Unstage() error {
	p.Disable()
	return nil
}

var _ daq.Stageable = (*Publisher)(nil)
