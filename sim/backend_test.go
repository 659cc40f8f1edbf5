package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pcdshub/go-daq/daq"
	"github.com/pcdshub/go-daq/logger"
)

func newConnectedBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()

	opts = append([]Option{WithLogger(logger.NewNop())}, opts...)
	b := NewBackend(opts...)
	require.NoError(t, b.Connect(context.Background()))

	return b
}

func TestBackendLifecycle(t *testing.T) {
	require := require.New(t)

	t.Run("Connect Disconnect", func(t *testing.T) {
		b := NewBackend(WithLogger(logger.NewNop()))

		st, err := b.State()
		require.NoError(err)
		require.Equal(daq.BackendDisconnected, st)

		require.NoError(b.Connect(context.Background()))
		st, _ = b.State()
		require.Equal(daq.BackendConnected, st)

		require.NoError(b.Disconnect())
		st, _ = b.State()
		require.Equal(daq.BackendDisconnected, st)
	})

	t.Run("Scripted Connect Failures", func(t *testing.T) {
		b := NewBackend(WithLogger(logger.NewNop()), WithConnectFailures(2))
		require.Error(b.Connect(context.Background()))
		require.Error(b.Connect(context.Background()))
		require.NoError(b.Connect(context.Background()))
	})

	t.Run("Operations Require Connection", func(t *testing.T) {
		b := NewBackend(WithLogger(logger.NewNop()))

		cfg, err := daq.NewConfig()
		require.NoError(err)
		require.Error(b.Apply(cfg))

		_, err = b.Begin(daq.RunSpec{Infinite: true})
		require.Error(err)
		require.Error(b.EndRun())
	})
}

func TestBackendRuns(t *testing.T) {
	require := require.New(t)

	t.Run("Finite Run Completes", func(t *testing.T) {
		b := newConnectedBackend(t, WithRunNumber(5), WithEventRate(1000))

		h, err := b.Begin(daq.RunSpec{Events: 20})
		require.NoError(err)

		select {
		case err := <-h.Done():
			require.NoError(err)
		case <-time.After(2 * time.Second):
			t.Fatal("finite run did not complete")
		}

		n, err := b.RunNumber()
		require.NoError(err)
		require.Equal(6, n)

		st, _ := b.State()
		require.Equal(daq.BackendConfigured, st)
	})

	t.Run("Infinite Run Ends On EndRun", func(t *testing.T) {
		b := newConnectedBackend(t)

		h, err := b.Begin(daq.RunSpec{Infinite: true})
		require.NoError(err)

		select {
		case <-h.Done():
			t.Fatal("infinite run must not complete on its own")
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(b.EndRun())
		select {
		case err := <-h.Done():
			require.NoError(err)
		case <-time.After(time.Second):
			t.Fatal("handle did not deliver after EndRun")
		}
	})

	t.Run("Single Open Run", func(t *testing.T) {
		b := newConnectedBackend(t)

		_, err := b.Begin(daq.RunSpec{Infinite: true})
		require.NoError(err)

		_, err = b.Begin(daq.RunSpec{Infinite: true})
		require.Error(err)

		cfg, err := daq.NewConfig()
		require.NoError(err)
		require.Error(b.Apply(cfg))

		require.NoError(b.EndRun())
		require.NoError(b.Apply(cfg))
	})

	t.Run("Pause Stops The Clock", func(t *testing.T) {
		b := newConnectedBackend(t)

		h, err := b.Begin(daq.RunSpec{Duration: 50 * time.Millisecond})
		require.NoError(err)
		require.NoError(b.Pause(h))

		// Well past the original deadline, the run is still open.
		time.Sleep(120 * time.Millisecond)
		select {
		case <-h.Done():
			t.Fatal("paused run must not complete")
		default:
		}

		require.NoError(b.Resume(h))
		select {
		case err := <-h.Done():
			require.NoError(err)
		case <-time.After(time.Second):
			t.Fatal("resumed run did not complete")
		}
	})

	t.Run("Stale Handle Rejected", func(t *testing.T) {
		b := newConnectedBackend(t)

		h, err := b.Begin(daq.RunSpec{Infinite: true})
		require.NoError(err)
		require.NoError(b.EndRun())

		require.Error(b.Pause(h))
		require.Error(b.Resume(h))
	})
}

func TestBackendScriptedFailures(t *testing.T) {
	require := require.New(t)

	t.Run("FailNextBegin", func(t *testing.T) {
		b := newConnectedBackend(t)
		b.FailNextBegin("no partition")

		_, err := b.Begin(daq.RunSpec{Infinite: true})
		require.Error(err)

		// One-shot: the next begin succeeds.
		_, err = b.Begin(daq.RunSpec{Infinite: true})
		require.NoError(err)
	})

	t.Run("FailRun", func(t *testing.T) {
		b := newConnectedBackend(t)

		h, err := b.Begin(daq.RunSpec{Infinite: true})
		require.NoError(err)

		b.FailRun("detector readout fault")
		select {
		case err := <-h.Done():
			require.Error(err)
		case <-time.After(time.Second):
			t.Fatal("failed run did not deliver")
		}
	})

	t.Run("DropConnection", func(t *testing.T) {
		b := newConnectedBackend(t)

		h, err := b.Begin(daq.RunSpec{Infinite: true})
		require.NoError(err)

		b.DropConnection()

		// The handle stays silent; the client detects the loss by polling.
		select {
		case <-h.Done():
			t.Fatal("handle must not deliver on connection loss")
		case <-time.After(50 * time.Millisecond):
		}

		_, err = b.State()
		require.Error(err)
		_, err = b.RunNumber()
		require.Error(err)

		// Reconnecting clears the fault.
		require.NoError(b.Connect(context.Background()))
		_, err = b.State()
		require.NoError(err)
	})
}
