package ami

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterRendering(t *testing.T) {
	require := require.New(t)

	require.Equal("0.1<=XPP:DIODE:01<=2.5", Band("XPP:DIODE:01", 0.1, 2.5).String())
	require.Equal("event_code==140", EventCode(140).String())
	require.Equal("rate<=120Hz", RateLimit(120).String())

	composite := And(
		EventCode(140),
		Or(Band("det_a", 0, 1), Band("det_b", 0, 1)),
	)
	require.Equal("(event_code==140&(0<=det_a<=1|0<=det_b<=1))", composite.String())
}

func TestFilterValidation(t *testing.T) {
	require := require.New(t)

	t.Run("Valid", func(t *testing.T) {
		require.NoError(Validate(Band("det", -1, 1)))
		require.NoError(Validate(EventCode(42)))
		require.NoError(Validate(RateLimit(0.5)))
		require.NoError(Validate(And(EventCode(42), RateLimit(10))))
	})

	t.Run("Invalid", func(t *testing.T) {
		require.ErrorIs(Validate(nil), ErrInvalidFilter)
		require.ErrorIs(Validate(Band("", 0, 1)), ErrInvalidFilter)
		require.ErrorIs(Validate(Band("det", 2, 1)), ErrInvalidFilter)
		require.ErrorIs(Validate(EventCode(0)), ErrInvalidFilter)
		require.ErrorIs(Validate(RateLimit(-5)), ErrInvalidFilter)
		require.ErrorIs(Validate(And()), ErrInvalidFilter)
		require.ErrorIs(Validate(Or(EventCode(42), nil)), ErrInvalidFilter)

		// An invalid term deep in a composite fails the whole expression.
		require.ErrorIs(Validate(And(EventCode(42), Or(Band("det", 3, 1)))), ErrInvalidFilter)
	})
}
