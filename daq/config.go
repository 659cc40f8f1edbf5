package daq

import (
	"maps"
	"sort"
	"time"
)

// Default timing knobs for beginning a run.
const (
	// DefaultBeginTimeout is how long Begin and Trigger wait for the backend
	// to acknowledge that acquisition has started.
	DefaultBeginTimeout = 15 * time.Second
)

// ControlSource supplies the current value of an instrument variable that
// should be folded into the acquisition data stream, refreshed at every
// begin.
type ControlSource interface {
	// Value returns the current readback of the control variable.
	Value() (float64, error)
}

// ControlValue is one named control readback captured at begin time.
type ControlValue struct {
	Name  string
	Value float64
}

// Config is an immutable snapshot of the acquisition parameters for a run.
//
// Configs are replaced wholesale through Session.Configure or
// Session.Preconfig and never mutated in place, so concurrent readers always
// observe a consistent parameter set.
type Config struct {
	record       bool
	prescreen    bool
	events       int
	duration     time.Duration
	infinite     bool
	controls     map[string]ControlSource
	streams      map[string]bool
	beginTimeout time.Duration
	beginSleep   time.Duration
}

// Option customizes an acquisition configuration.
type Option func(*Config) error

// NewConfig creates an acquisition configuration from the defaults plus the
// given options. The default configuration does not record, applies no
// prescreen filter, and has no fixed target: a begin against it runs until
// explicitly stopped.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		controls:     make(map[string]ControlSource),
		streams:      make(map[string]bool),
		beginTimeout: DefaultBeginTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// With returns a copy of the configuration with the given options applied.
// The receiver is left untouched.
func (c *Config) With(opts ...Option) (*Config, error) {
	clone := &Config{
		record:       c.record,
		prescreen:    c.prescreen,
		events:       c.events,
		duration:     c.duration,
		infinite:     c.infinite,
		controls:     maps.Clone(c.controls),
		streams:      maps.Clone(c.streams),
		beginTimeout: c.beginTimeout,
		beginSleep:   c.beginSleep,
	}

	for _, opt := range opts {
		if err := opt(clone); err != nil {
			return nil, err
		}
	}
	if err := clone.validate(); err != nil {
		return nil, err
	}

	return clone, nil
}

func (c *Config) validate() error {
	if c.events < 0 {
		return newConfigError("events", "must be non-negative, got %d", c.events)
	}
	if c.duration < 0 {
		return newConfigError("duration", "must be non-negative, got %s", c.duration)
	}
	if c.events > 0 && c.duration > 0 {
		return newConfigError("events", "events and duration are mutually exclusive")
	}
	if c.infinite && (c.events > 0 || c.duration > 0) {
		return newConfigError("infinite", "cannot combine an infinite run with a fixed target")
	}
	for name, src := range c.controls {
		if name == "" {
			return newConfigError("controls", "control names must be non-empty")
		}
		if src == nil {
			return newConfigError("controls", "control %q has no source", name)
		}
	}
	return nil
}

// Record reports whether runs will be recorded.
func (c *Config) Record() bool { return c.record }

// Prescreen reports whether begins count only events passing the online
// prescreen filter.
func (c *Config) Prescreen() bool { return c.prescreen }

// Events returns the fixed event-count target, or zero if none.
func (c *Config) Events() int { return c.events }

// Duration returns the fixed duration target, or zero if none.
func (c *Config) Duration() time.Duration { return c.duration }

// Infinite reports whether a begin against this configuration runs until
// explicitly stopped. A configuration with neither an event count nor a
// duration is implicitly infinite.
func (c *Config) Infinite() bool {
	return c.infinite || (c.events == 0 && c.duration == 0)
}

// Controls returns a copy of the configured controls mapping.
func (c *Config) Controls() map[string]ControlSource { return maps.Clone(c.controls) }

// Streams returns a copy of the per-stream enablement mapping.
func (c *Config) Streams() map[string]bool { return maps.Clone(c.streams) }

// BeginTimeout returns how long to wait for begin acknowledgment.
func (c *Config) BeginTimeout() time.Duration { return c.beginTimeout }

// BeginSleep returns the extra settle delay applied after a begin
// acknowledgment.
func (c *Config) BeginSleep() time.Duration { return c.beginSleep }

// runSpec builds the backend run specification for one begin against this
// configuration, capturing the current control readbacks.
func (c *Config) runSpec() (RunSpec, error) {
	spec := RunSpec{
		Events:    c.events,
		Duration:  c.duration,
		Infinite:  c.Infinite(),
		Record:    c.record,
		Prescreen: c.prescreen,
	}

	names := make([]string, 0, len(c.controls))
	for name := range c.controls {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		val, err := c.controls[name].Value()
		if err != nil {
			return RunSpec{}, newConfigError("controls", "reading control %q: %v", name, err)
		}
		spec.Controls = append(spec.Controls, ControlValue{Name: name, Value: val})
	}

	for name, enabled := range c.streams {
		if enabled {
			spec.Streams = append(spec.Streams, name)
		}
	}
	sort.Strings(spec.Streams)

	return spec, nil
}

// WithRecord sets whether runs are recorded.
func WithRecord(record bool) Option {
	return func(c *Config) error {
		c.record = record
		return nil
	}
}

// WithPrescreen sets whether event-count targets only count events passing
// the online prescreen filter.
func WithPrescreen(use bool) Option {
	return func(c *Config) error {
		c.prescreen = use
		return nil
	}
}

// WithEvents targets a fixed number of events per run. It clears any
// duration target.
func WithEvents(events int) Option {
	return func(c *Config) error {
		c.events = events
		c.duration = 0
		c.infinite = false
		return nil
	}
}

// WithDuration targets a fixed acquisition duration per run. It clears any
// event-count target.
func WithDuration(d time.Duration) Option {
	return func(c *Config) error {
		c.duration = d
		c.events = 0
		c.infinite = false
		return nil
	}
}

// WithInfinite configures runs to acquire until explicitly stopped.
func WithInfinite() Option {
	return func(c *Config) error {
		c.infinite = true
		c.events = 0
		c.duration = 0
		return nil
	}
}

// WithControls sets the controls mapping whose readbacks are folded into the
// data stream at every begin. The mapping replaces any previously configured
// controls.
func WithControls(controls map[string]ControlSource) Option {
	return func(c *Config) error {
		c.controls = maps.Clone(controls)
		if c.controls == nil {
			c.controls = make(map[string]ControlSource)
		}
		return nil
	}
}

// WithStream enables or disables a named acquisition stream.
func WithStream(name string, enabled bool) Option {
	return func(c *Config) error {
		if name == "" {
			return newConfigError("streams", "stream name must be non-empty")
		}
		c.streams[name] = enabled
		return nil
	}
}

// WithBeginTimeout sets how long Begin and Trigger wait for the backend to
// acknowledge that acquisition has started.
func WithBeginTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return newConfigError("begin_timeout", "must be positive, got %s", d)
		}
		c.beginTimeout = d
		return nil
	}
}

// WithBeginSleep sets an extra settle delay applied after the backend
// acknowledges a begin. Some backends report the begin transition as done
// slightly before acquisition is live.
func WithBeginSleep(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return newConfigError("begin_sleep", "must be non-negative, got %s", d)
		}
		c.beginSleep = d
		return nil
	}
}
