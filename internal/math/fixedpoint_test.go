package math_test

import (
	fpmath "TroveLedger/internal/math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"1.1", "1100000000000000000"},
		{"0.005", "5000000000000000"},
		{".5", "500000000000000000"},
		{"200", "200000000000000000000"},
		{"0", "0"},
		{"0.000000000000000001", "1"},
	}
	for _, tc := range cases {
		got, err := fpmath.Parse(tc.in)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got.Dec(), tc.in)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "abc", "1.0000000000000000001", "-1"} {
		_, err := fpmath.Parse(in)
		require.Error(t, err, in)
	}
}

func TestParse_Range(t *testing.T) {
	// 2^128 - 1 raw is the largest accepted value
	v, err := fpmath.Parse("340282366920938463463.374607431768211455")
	require.NoError(t, err)
	require.True(t, v.Eq(fpmath.MaxAmount))

	_, err = fpmath.Parse("340282366920938463463.374607431768211456")
	require.ErrorIs(t, err, fpmath.ErrOutOfRange)

	_, err = fpmath.Parse("200000000000000000000000000000000000000000")
	require.ErrorIs(t, err, fpmath.ErrOutOfRange)

	require.NoError(t, fpmath.CheckRange(nil))
	over := new(uint256.Int).Add(fpmath.MaxAmount, uint256.NewInt(1))
	require.ErrorIs(t, fpmath.CheckRange(over), fpmath.ErrOutOfRange)
}

func TestMulDiv_Rounding(t *testing.T) {
	seven := uint256.NewInt(7)
	two := uint256.NewInt(2)
	one := uint256.NewInt(1)

	// 7*1/2 = 3.5
	require.Equal(t, uint64(3), fpmath.MulDiv(seven, one, two, fpmath.RoundDown).Uint64())
	require.Equal(t, uint64(4), fpmath.MulDiv(seven, one, two, fpmath.RoundUp).Uint64())
	require.Equal(t, uint64(4), fpmath.MulDiv(seven, one, two, fpmath.RoundHalfUp).Uint64())
	require.Equal(t, uint64(4), fpmath.MulDiv(seven, one, two, fpmath.RoundHalfEven).Uint64())

	// 5/2 = 2.5 rounds to even 2 under banker's rounding
	five := uint256.NewInt(5)
	require.Equal(t, uint64(2), fpmath.MulDiv(five, one, two, fpmath.RoundHalfEven).Uint64())
	require.Equal(t, uint64(3), fpmath.MulDiv(five, one, two, fpmath.RoundHalfUp).Uint64())
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^200 * 2^100) / 2^150 overflows 256 bits in the product only.
	x := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	y := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	d := new(uint256.Int).Lsh(uint256.NewInt(1), 150)
	want := new(uint256.Int).Lsh(uint256.NewInt(1), 150)
	require.True(t, fpmath.MulDiv(x, y, d, fpmath.RoundDown).Eq(want))
}

func TestComputeCR(t *testing.T) {
	// 2200 value against 2000 debt = 110%
	cr := fpmath.ComputeCR(fpmath.Units(2200), fpmath.Units(2000))
	require.True(t, cr.Eq(fpmath.Percent(110)), cr.Dec())

	require.True(t, fpmath.ComputeCR(fpmath.Units(1), fpmath.Zero()).Eq(fpmath.MaxUint256))
}

func TestComputeNominalCR(t *testing.T) {
	nicr := fpmath.ComputeNominalCR(fpmath.Units(10), fpmath.Units(2000))
	// 10 * 1e20 / 2000 = 5e17
	require.Equal(t, "500000000000000000", nicr.Dec())
}

func TestSub_PanicsOnUnderflow(t *testing.T) {
	require.Panics(t, func() { fpmath.Sub(fpmath.Units(1), fpmath.Units(2)) })
	require.True(t, fpmath.SubOrZero(fpmath.Units(1), fpmath.Units(2)).IsZero())
}

func TestFormat(t *testing.T) {
	require.Equal(t, "1.1", fpmath.Format(fpmath.Percent(110)))
	require.Equal(t, "inf", fpmath.Format(fpmath.MaxUint256))
	require.Equal(t, "0", fpmath.Format(nil))
}

func TestConstantsUntouched(t *testing.T) {
	_ = fpmath.DecMul(fpmath.Units(3), fpmath.Units(4))
	_ = fpmath.Value(fpmath.Units(3), fpmath.Units(4))
	require.Equal(t, "1000000000000000000", fpmath.DecimalPrecision.Dec())
	require.Equal(t, "100000000000000000000", fpmath.NICRPrecision.Dec())
}
