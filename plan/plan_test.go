package plan_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pcdshub/go-daq/daq"
	"github.com/pcdshub/go-daq/logger"
	"github.com/pcdshub/go-daq/plan"
	"github.com/pcdshub/go-daq/sim"
)

// stageRecorder logs staging order into a shared trace.
type stageRecorder struct {
	name      string
	trace     *[]string
	failStage bool
}

func (d *stageRecorder) Stage() error {
	if d.failStage {
		return errors.New(d.name + " failed to stage")
	}
	*d.trace = append(*d.trace, d.name+":stage")
	return nil
}

func (d *stageRecorder) Unstage() error {
	*d.trace = append(*d.trace, d.name+":unstage")
	return nil
}

func newTestSession(t *testing.T) (*daq.Session, *sim.Backend) {
	t.Helper()

	backend := sim.NewBackend(sim.WithLogger(logger.NewNop()))
	sess, err := daq.NewSession(backend,
		daq.WithLogger(logger.NewNop()),
	)
	require.NoError(t, err)
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Disconnect() })

	return sess, backend
}

func TestDaqDuring(t *testing.T) {
	require := require.New(t)

	t.Run("Acquisition Covers The Plan", func(t *testing.T) {
		sess, backend := newTestSession(t)

		var trace []string
		devA := &stageRecorder{name: "A", trace: &trace}
		devB := &stageRecorder{name: "B", trace: &trace}

		var collected []daq.RunRecord
		sawRunning := false

		inner := func(ctx context.Context) error {
			sawRunning = sess.State() == daq.Running
			return nil
		}

		wrapped := plan.DaqDuring(sess,
			plan.WithDevices(devA, devB),
			plan.WithCollector(func(records []daq.RunRecord) { collected = records }),
			plan.WithRunOptions(daq.WithRecord(true)),
			plan.WithLogger(logger.NewNop()),
		)(inner)

		require.NoError(wrapped(context.Background()))
		require.True(sawRunning)

		// The run ended with the plan and the records were collected.
		require.False(sess.State().IsAcquiring())
		require.Len(collected, 1)
		require.True(collected[0].Infinite)
		require.True(collected[0].Recorded)
		require.True(backend.Config().Record())

		// Devices are unstaged in reverse staging order.
		require.Equal([]string{"A:stage", "B:stage", "B:unstage", "A:unstage"}, trace)
	})

	t.Run("Transparent When Already Running", func(t *testing.T) {
		sess, _ := newTestSession(t)

		_, err := sess.BeginInfinite()
		require.NoError(err)

		var trace []string
		dev := &stageRecorder{name: "A", trace: &trace}

		ran := false
		wrapped := plan.DaqDuring(sess, plan.WithDevices(dev))(func(ctx context.Context) error {
			ran = true
			return nil
		})

		require.NoError(wrapped(context.Background()))
		require.True(ran)

		// Nothing was staged and the pre-existing run is untouched.
		require.Empty(trace)
		require.Equal(daq.Running, sess.State())

		require.NoError(sess.Stop())
	})

	t.Run("Run Ends On Inner Failure", func(t *testing.T) {
		sess, _ := newTestSession(t)

		var trace []string
		dev := &stageRecorder{name: "A", trace: &trace}

		failure := errors.New("motor fault mid-scan")
		wrapped := plan.DaqDuring(sess, plan.WithDevices(dev))(func(ctx context.Context) error {
			require.Equal(daq.Running, sess.State())
			return failure
		})

		require.ErrorIs(wrapped(context.Background()), failure)
		require.False(sess.State().IsAcquiring())
		require.Equal([]string{"A:stage", "A:unstage"}, trace)
	})

	t.Run("Stage Failure Unwinds", func(t *testing.T) {
		sess, _ := newTestSession(t)

		var trace []string
		devA := &stageRecorder{name: "A", trace: &trace}
		devB := &stageRecorder{name: "B", trace: &trace, failStage: true}

		wrapped := plan.DaqDuring(sess, plan.WithDevices(devA, devB))(func(ctx context.Context) error {
			t.Fatal("inner plan must not run when staging fails")
			return nil
		})

		require.Error(wrapped(context.Background()))
		require.False(sess.State().IsAcquiring())

		// Only successfully staged devices are unstaged.
		require.Equal([]string{"A:stage", "A:unstage"}, trace)
	})

	t.Run("Kickoff Failure", func(t *testing.T) {
		sess, backend := newTestSession(t)
		backend.FailNextBegin("no available partition")

		wrapped := plan.DaqDuring(sess,
			plan.WithKickoffTimeout(time.Second),
		)(func(ctx context.Context) error {
			t.Fatal("inner plan must not run when kickoff fails")
			return nil
		})

		var berr *daq.BackendError
		require.ErrorAs(wrapped(context.Background()), &berr)
		require.False(sess.State().IsAcquiring())
	})
}
