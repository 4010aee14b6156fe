package btcunit

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestFeeRateConversions checks that sat/vb and sat/kvb rates describe the
// same canonical rate.
func TestFeeRateConversions(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		rate        SatPerVByte
		expectedKVB btcutil.Amount
		expectedStr string
	}{
		{
			name:        "1 sat/vb",
			rate:        NewSatPerVByte(1),
			expectedKVB: 1000,
			expectedStr: "1.000 sat/vb",
		},
		{
			name:        "5 sat/vb",
			rate:        NewSatPerVByte(5),
			expectedKVB: 5000,
			expectedStr: "5.000 sat/vb",
		},
		{
			name:        "0.11 sat/vb",
			rate:        CalcSatPerVByte(11, NewVByte(100)),
			expectedKVB: 110,
			expectedStr: "0.110 sat/vb",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			kvb := tc.rate.ToSatPerKVByte()
			require.Equal(t, tc.expectedKVB, kvb.Amount())
			require.Equal(t, tc.expectedStr, tc.rate.String())

			// Converting the kvb amount back must give the same
			// canonical rate.
			back := NewSatPerKVByte(tc.expectedKVB)
			require.Zero(t, back.satsPerKWU.Cmp(kvb.satsPerKWU))
		})
	}
}

// TestFeeRateComparisons tests the comparison methods of SatPerVByte.
func TestFeeRateComparisons(t *testing.T) {
	t.Parallel()

	r1 := NewSatPerVByte(1)
	r2 := NewSatPerVByte(2)
	r3 := CalcSatPerVByte(4, NewVByte(4))

	require.True(t, r1.Equal(r3))
	require.False(t, r1.Equal(r2))

	require.True(t, r2.GreaterThan(r1))
	require.False(t, r1.GreaterThan(r3))

	require.True(t, r1.LessThanOrEqual(r2))
	require.True(t, r1.LessThanOrEqual(r3))
	require.False(t, r2.LessThanOrEqual(r1))

	require.True(t, ZeroSatPerVByte.LessThanOrEqual(r1))
}

// TestFeeRounding checks the truncating, ceiling and vsize based fee
// calculations.
func TestFeeRounding(t *testing.T) {
	t.Parallel()

	rate := NewSatPerVByte(1)

	// 674 weight units is 168.5 vb.
	weight := NewWeightUnit(674)
	require.EqualValues(t, 168, rate.FeeForWeight(weight))
	require.EqualValues(t, 169, rate.FeeForWeightRoundUp(weight))
	require.EqualValues(t, 169, rate.FeeForVSize(weight))

	// A one input, two output P2WPKH transaction weighs 562 wu (140.5 vb)
	// and is priced at 141 vb.
	require.EqualValues(
		t, 705, NewSatPerVByte(5).FeeForVSize(NewWeightUnit(562)),
	)

	// Fractional rates are rounded up only once, after the vsize has been
	// rounded.
	fractional := CalcSatPerVByte(11, NewVByte(10))
	require.EqualValues(
		t, 156, fractional.FeeForVSize(NewWeightUnit(562)),
	)
}

// TestZeroDenominator makes sure a rate computed over a zero size is zero
// instead of panicking.
func TestZeroDenominator(t *testing.T) {
	t.Parallel()

	rate := CalcSatPerVByte(100, NewVByte(0))
	require.True(t, rate.Equal(ZeroSatPerVByte))
	require.Zero(t, rate.FeeForWeight(NewWeightUnit(1000)))
}

// TestZeroValueRate checks that an unset rate behaves as a zero rate.
func TestZeroValueRate(t *testing.T) {
	t.Parallel()

	var rate SatPerVByte
	require.True(t, rate.Equal(ZeroSatPerVByte))
	require.True(t, rate.LessThanOrEqual(ZeroSatPerVByte))
	require.Zero(t, rate.FeeForVSize(NewWeightUnit(400)))
	require.Equal(t, "0.000 sat/vb", rate.String())
}
