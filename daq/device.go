package daq

import "time"

// Reading is one named value snapshot reported by a Readable device.
type Reading struct {
	// Value is the reported value.
	Value any
	// Timestamp is when the value was captured; monotonic non-decreasing per
	// field.
	Timestamp time.Time
}

// FieldDesc describes one field reported by Read or Collect.
type FieldDesc struct {
	// Dtype is the value type: "number", "integer", "string" or "boolean".
	Dtype string
	// Shape is the value dimensionality; nil for scalars.
	Shape []int
	// Source names the device the field originates from.
	Source string
}

// Stageable is a device that brackets a logical usage scope: Stage prepares
// it for a scan, Unstage tears it down. Unstage must be safe to call on
// every exit path, including after a failed scan.
type Stageable interface {
	Stage() error
	Unstage() error
}

// Readable is a device that reports named value snapshots.
type Readable interface {
	Read() map[string]Reading
	Describe() map[string]FieldDesc
}

// Triggerable is a device that can perform one bounded acquisition per scan
// step, reporting its completion through a status token.
type Triggerable interface {
	Trigger() (*Status, error)
}

// Flyable is a device whose acquisition proceeds concurrently with other
// scan work: Kickoff starts it, Complete reports its completion, and
// Collect retrieves the accumulated records after Complete's token has
// resolved.
type Flyable interface {
	Kickoff() (*Status, error)
	Complete() (*Status, error)
	Collect() []RunRecord
	DescribeCollect() map[string]FieldDesc
}

// Compile-time checks that Session implements the scheduler protocols.
var (
	_ Stageable   = (*Session)(nil)
	_ Readable    = (*Session)(nil)
	_ Triggerable = (*Session)(nil)
	_ Flyable     = (*Session)(nil)
)
