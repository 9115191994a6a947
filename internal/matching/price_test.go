package matching

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want Price
		err  bool
	}{
		{in: "0.55", want: 550_000},
		{in: " 0.000001 ", want: 1},
		{in: "1", want: PriceScale},
		{in: "0", want: 0},
		{in: "0.0000001", err: true},
		{in: "1.01", err: true},
		{in: "-0.1", err: true},
		{in: "abc", err: true},
		{in: "", err: true},
	}
	for _, tc := range cases {
		got, err := ParsePrice(tc.in)
		if tc.err {
			assert.ErrorIs(t, err, ErrInvalidPrice, tc.in)
			assert.ErrorIs(t, err, ErrInvalidOrder, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestPriceString(t *testing.T) {
	assert.Equal(t, "0.55", Price(550_000).String())
	assert.Equal(t, "0.000001", Price(1).String())
	assert.Equal(t, "1", PriceScale.String())
}

func TestNotionalRounding(t *testing.T) {
	down, err := Notional(3, MustPrice("0.333333"), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), down)

	up, err := Notional(3, MustPrice("0.333333"), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), up)

	exact, err := Notional(100, MustPrice("0.40"), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), exact)
}

func TestNotionalLargeValuesDoNotWrap(t *testing.T) {
	v, err := Notional(math.MaxUint64, MustPrice("0.5"), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64/2), v)

	_, err = MulDiv(math.MaxUint64, 2, 1, false)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestCheckedAddSub(t *testing.T) {
	_, err := AddAmount(math.MaxUint64, 1)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = SubAmount(1, 2)
	assert.ErrorIs(t, err, ErrOverflow)

	v, err := AddAmount(2, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)
}

func TestFeeRateCurve(t *testing.T) {
	f := FeeSchedule{CenterRate: 32_000, ExtremeRate: 2_000}
	assert.Equal(t, uint64(32_000), f.Rate(MustPrice("0.5")))
	assert.Equal(t, uint64(2_000), f.Rate(0))
	assert.Equal(t, uint64(2_000), f.Rate(PriceScale))
	assert.Equal(t, uint64(17_000), f.Rate(MustPrice("0.25")))
	assert.Equal(t, f.Rate(MustPrice("0.25")), f.Rate(MustPrice("0.75")))

	fee, err := FeeSchedule{}.Fee(1_000_000, MustPrice("0.5"))
	require.NoError(t, err)
	assert.Zero(t, fee)
}
