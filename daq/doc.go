// Package daq implements a control client for a beamline data-acquisition
// system, exposing it to a scan scheduler as a well-behaved device.
//
// The central type is Session, which owns one connection to an acquisition
// backend and drives it through the Disconnected, Connected, Configured,
// Running and Paused lifecycle states. Asynchronous backend operations are
// surfaced as Status tokens, future-like handles that can be waited on,
// polled or cancelled.
//
// A Session implements the scheduler device protocols (Stage/Unstage,
// Trigger, Read/Describe and the Kickoff/Complete/Collect flyer surface) so
// that acquisition can run concurrently with instrument motion inside a scan
// plan. The wire protocol to the real acquisition system is abstracted
// behind the Backend port; see the sim package for an in-memory
// implementation.
package daq
