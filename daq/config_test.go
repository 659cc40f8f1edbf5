package daq

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticControl float64

func (c staticControl) Value() (float64, error) { return float64(c), nil }

type brokenControl struct{}

func (brokenControl) Value() (float64, error) { return 0, errors.New("readback unavailable") }

func TestNewConfig(t *testing.T) {
	require := require.New(t)

	t.Run("Defaults", func(t *testing.T) {
		cfg, err := NewConfig()
		require.NoError(err)
		require.False(cfg.Record())
		require.False(cfg.Prescreen())
		require.Zero(cfg.Events())
		require.Zero(cfg.Duration())
		require.Equal(DefaultBeginTimeout, cfg.BeginTimeout())

		// No target means the run continues until explicitly stopped.
		require.True(cfg.Infinite())
	})

	t.Run("Fixed Targets", func(t *testing.T) {
		cfg, err := NewConfig(WithEvents(1000))
		require.NoError(err)
		require.Equal(1000, cfg.Events())
		require.False(cfg.Infinite())

		// Union semantics: the later target clears the earlier one.
		cfg, err = NewConfig(WithEvents(1000), WithDuration(2*time.Second))
		require.NoError(err)
		require.Zero(cfg.Events())
		require.Equal(2*time.Second, cfg.Duration())

		cfg, err = NewConfig(WithDuration(2*time.Second), WithInfinite())
		require.NoError(err)
		require.Zero(cfg.Duration())
		require.True(cfg.Infinite())
	})

	t.Run("Validation", func(t *testing.T) {
		var cfgErr *ConfigError

		_, err := NewConfig(WithEvents(-1))
		require.ErrorAs(err, &cfgErr)
		require.Equal("events", cfgErr.Param)

		_, err = NewConfig(WithDuration(-time.Second))
		require.ErrorAs(err, &cfgErr)

		_, err = NewConfig(WithBeginTimeout(0))
		require.ErrorAs(err, &cfgErr)

		_, err = NewConfig(WithControls(map[string]ControlSource{"": staticControl(1)}))
		require.ErrorAs(err, &cfgErr)

		_, err = NewConfig(WithControls(map[string]ControlSource{"motor_x": nil}))
		require.ErrorAs(err, &cfgErr)
	})
}

func TestConfigWith(t *testing.T) {
	require := require.New(t)

	base, err := NewConfig(WithEvents(100), WithRecord(true))
	require.NoError(err)

	derived, err := base.With(WithEvents(500), WithRecord(false))
	require.NoError(err)

	// The receiver is immutable; With returns an independent copy.
	require.Equal(100, base.Events())
	require.True(base.Record())
	require.Equal(500, derived.Events())
	require.False(derived.Record())

	t.Run("Clones Mappings", func(t *testing.T) {
		base, err := NewConfig(WithStream("bld", true))
		require.NoError(err)

		derived, err := base.With(WithStream("bld", false), WithStream("epics", true))
		require.NoError(err)

		require.True(base.Streams()["bld"])
		require.False(derived.Streams()["bld"])
		require.True(derived.Streams()["epics"])
	})
}

func TestConfigRunSpec(t *testing.T) {
	require := require.New(t)

	t.Run("Captures Controls And Streams", func(t *testing.T) {
		cfg, err := NewConfig(
			WithEvents(240),
			WithRecord(true),
			WithPrescreen(true),
			WithControls(map[string]ControlSource{
				"motor_y": staticControl(2.5),
				"motor_x": staticControl(1.5),
			}),
			WithStream("bld", true),
			WithStream("epics", false),
		)
		require.NoError(err)

		spec, err := cfg.runSpec()
		require.NoError(err)
		require.Equal(240, spec.Events)
		require.True(spec.Record)
		require.True(spec.Prescreen)
		require.False(spec.Infinite)

		// Control readbacks are captured in name order.
		require.Equal([]ControlValue{
			{Name: "motor_x", Value: 1.5},
			{Name: "motor_y", Value: 2.5},
		}, spec.Controls)

		// Only enabled streams are listed.
		require.Equal([]string{"bld"}, spec.Streams)
	})

	t.Run("Control Readback Failure", func(t *testing.T) {
		cfg, err := NewConfig(WithControls(map[string]ControlSource{
			"motor_x": brokenControl{},
		}))
		require.NoError(err)

		_, err = cfg.runSpec()
		var cfgErr *ConfigError
		require.ErrorAs(err, &cfgErr)
		require.Equal("controls", cfgErr.Param)
	})
}
