package daq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionStateString(t *testing.T) {
	require := require.New(t)

	require.Equal("Disconnected", Disconnected.String())
	require.Equal("Connected", Connected.String())
	require.Equal("Configured", Configured.String())
	require.Equal("Running", Running.String())
	require.Equal("Paused", Paused.String())
	require.Equal("Unknown", SessionState(99).String())
}

func TestSessionStatePredicates(t *testing.T) {
	require := require.New(t)

	require.False(Disconnected.IsConnected())
	require.True(Connected.IsConnected())
	require.True(Paused.IsConnected())

	require.False(Connected.IsAcquiring())
	require.False(Configured.IsAcquiring())
	require.True(Running.IsAcquiring())
	require.True(Paused.IsAcquiring())
}

func TestStateManagerTransitions(t *testing.T) {
	require := require.New(t)

	t.Run("Initial State", func(t *testing.T) {
		sm := NewStateManager(nil)
		require.Equal(Disconnected, sm.State())
	})

	t.Run("Allowed Transition", func(t *testing.T) {
		changeCount := 0
		sm := NewStateManager(nil)
		sm.AddHandler(func(prev, next SessionState) { changeCount++ })

		sm.Force(Connected)
		require.Equal(Connected, sm.State())
		require.Equal(1, changeCount)

		require.NoError(sm.Transition(Configured, Connected, Configured))
		require.Equal(Configured, sm.State())
		require.Equal(2, changeCount)

		// No-op transition when already in the target state.
		require.NoError(sm.Transition(Configured, Connected, Configured))
		require.Equal(2, changeCount)
	})

	t.Run("Rejected Transition", func(t *testing.T) {
		changeCount := 0
		sm := NewStateManager(nil)
		sm.AddHandler(func(prev, next SessionState) { changeCount++ })

		// Cannot begin a run before connecting.
		require.ErrorIs(sm.Transition(Running, Connected, Configured), ErrInvalidTransition)
		require.Equal(Disconnected, sm.State())
		require.Equal(0, changeCount)
	})

	t.Run("Force From Any State", func(t *testing.T) {
		sm := NewStateManager(nil)
		sm.Force(Running)
		require.Equal(Running, sm.State())

		sm.Force(Disconnected)
		require.Equal(Disconnected, sm.State())
	})

	t.Run("Handler Sees Prev And Next", func(t *testing.T) {
		var gotPrev, gotNext SessionState
		sm := NewStateManager(nil, func(prev, next SessionState) {
			gotPrev = prev
			gotNext = next
		})

		sm.Force(Connected)
		require.Equal(Disconnected, gotPrev)
		require.Equal(Connected, gotNext)
	})
}

func TestStateManagerWaitState(t *testing.T) {
	require := require.New(t)

	t.Run("Already There", func(t *testing.T) {
		sm := NewStateManager(nil)
		require.NoError(sm.WaitState(context.Background(), Disconnected))
	})

	t.Run("Wakes On Transition", func(t *testing.T) {
		sm := NewStateManager(nil)

		done := make(chan error, 1)
		go func() {
			done <- sm.WaitState(context.Background(), Configured)
		}()

		time.Sleep(10 * time.Millisecond)
		sm.Force(Connected)
		sm.Force(Configured)

		select {
		case err := <-done:
			require.NoError(err)
		case <-time.After(time.Second):
			t.Fatal("WaitState did not wake up")
		}
	})

	t.Run("Context Cancellation", func(t *testing.T) {
		sm := NewStateManager(nil)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := sm.WaitState(ctx, Running)
		require.ErrorIs(err, context.DeadlineExceeded)
	})
}
