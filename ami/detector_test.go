package ami

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pcdshub/go-daq/daq"
	"github.com/pcdshub/go-daq/logger"
	"github.com/pcdshub/go-daq/sim"
)

func newTestDetector(t *testing.T, connected bool, opts ...DetectorOption) *Detector {
	t.Helper()

	sess, err := daq.NewSession(sim.NewBackend(sim.WithLogger(logger.NewNop())),
		daq.WithLogger(logger.NewNop()))
	require.NoError(t, err)
	if connected {
		require.NoError(t, sess.Connect(context.Background()))
		t.Cleanup(func() { _ = sess.Disconnect() })
	}

	opts = append([]DetectorOption{WithLogger(logger.NewNop())}, opts...)
	det, err := NewDetector("XPP:DIODE:01", sess, opts...)
	require.NoError(t, err)

	return det
}

func TestNewDetector(t *testing.T) {
	require := require.New(t)

	t.Run("Defaults To Channel Name", func(t *testing.T) {
		det := newTestDetector(t, false)
		require.Equal("XPP:DIODE:01", det.Name())
		require.Equal("XPP:DIODE:01", det.Channel())
		require.Nil(det.Filter())
	})

	t.Run("Rejects Invalid Construction", func(t *testing.T) {
		sess, err := daq.NewSession(sim.NewBackend(sim.WithLogger(logger.NewNop())),
			daq.WithLogger(logger.NewNop()))
		require.NoError(err)

		_, err = NewDetector("", sess)
		require.Error(err)

		_, err = NewDetector("XPP:DIODE:01", nil)
		require.Error(err)

		_, err = NewDetector("XPP:DIODE:01", sess, WithFilter(Band("det", 2, 1)))
		require.ErrorIs(err, ErrInvalidFilter)
	})
}

func TestDetectorSetFilter(t *testing.T) {
	require := require.New(t)

	det := newTestDetector(t, false, WithFilter(EventCode(140)))

	// An invalid expression is rejected whole; the previous filter stays
	// attached, never a partial mixture.
	err := det.SetFilter(And(EventCode(141), Band("det", 2, 1)))
	require.ErrorIs(err, ErrInvalidFilter)
	require.Equal("event_code==140", det.Filter().String())

	require.NoError(det.SetFilter(RateLimit(10)))
	require.Equal("rate<=10Hz", det.Filter().String())
}

func TestDetectorStage(t *testing.T) {
	require := require.New(t)

	t.Run("Requires Connected Session", func(t *testing.T) {
		det := newTestDetector(t, false)

		err := det.Stage()
		require.ErrorIs(err, daq.ErrNotConnected)
		require.False(det.Attached())
	})

	t.Run("Attach Detach", func(t *testing.T) {
		det := newTestDetector(t, true)

		require.NoError(det.Stage())
		require.True(det.Attached())

		require.NoError(det.Unstage())
		require.False(det.Attached())
		require.NoError(det.Unstage()) // safe when detached
	})

	t.Run("Independent Of Run Lifecycle", func(t *testing.T) {
		det := newTestDetector(t, true)
		require.NoError(det.Stage())

		// Ending runs on the session does not detach the detector.
		require.NoError(det.session.EndRun())
		require.True(det.Attached())
	})
}

func TestDetectorReadings(t *testing.T) {
	require := require.New(t)

	det := newTestDetector(t, true)

	t.Run("Empty Before First Delivery", func(t *testing.T) {
		require.NoError(det.Stage())
		require.Empty(det.Read())
	})

	t.Run("Snapshot Of Latest Sample", func(t *testing.T) {
		det.Deliver(1.25)
		det.Deliver(2.5)

		readings := det.Read()
		require.Len(readings, 1)
		require.Equal(2.5, readings["XPP:DIODE:01"].Value)
	})

	t.Run("Monotonic Timestamps", func(t *testing.T) {
		var last = det.Read()["XPP:DIODE:01"].Timestamp
		for i := 0; i < 100; i++ {
			det.Deliver(float64(i))
			ts := det.Read()["XPP:DIODE:01"].Timestamp
			require.True(ts.After(last))
			last = ts
		}
	})

	t.Run("Detached Deliveries Are Discarded", func(t *testing.T) {
		require.NoError(det.Unstage())
		before := det.Read()["XPP:DIODE:01"].Value
		det.Deliver(99)
		require.Equal(before, det.Read()["XPP:DIODE:01"].Value)
	})

	t.Run("Staging Resets The Cached Sample", func(t *testing.T) {
		require.NoError(det.Stage())
		require.Empty(det.Read())
	})

	t.Run("Describe", func(t *testing.T) {
		desc := det.Describe()
		require.Equal("number", desc["XPP:DIODE:01"].Dtype)
		require.Equal("XPP:DIODE:01", desc["XPP:DIODE:01"].Source)
	})
}
