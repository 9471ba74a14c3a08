package math

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// All amounts and prices are 18-decimal fixed point held in 256-bit words.
// The exported constants below are shared operands; never pass them as the
// receiver of a uint256 mutation.
const Decimals = 18

var (
	// DecimalPrecision is 1e18, the unit of every amount, price and ratio.
	DecimalPrecision = uint256.NewInt(1_000_000_000_000_000_000)

	// NICRPrecision scales nominal collateral ratios (1e20) so that small
	// differences between positions survive integer division.
	NICRPrecision = new(uint256.Int).Mul(uint256.NewInt(1_000_000_000_000_000_000), uint256.NewInt(100))

	// ScaleFactor (1e9) is the stability-pool product renormalisation step.
	ScaleFactor = uint256.NewInt(1_000_000_000)

	// MaxUint256 stands for an infinite collateral ratio (zero debt).
	MaxUint256 = new(uint256.Int).SetAllOne()

	// MaxAmount (2^128 - 1 raw) bounds every amount and price accepted from
	// outside. Scaled products of bounded values fit in 256 bits.
	MaxAmount = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

	ErrOutOfRange = errors.New("fpmath: value out of range")

	one = uint256.NewInt(1)
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundHalfUp
	RoundHalfEven // Banker's rounding
)

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// FromUint64 returns a fresh raw integer value (no scaling).
func FromUint64(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Units returns n whole units scaled to 18 decimals.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), DecimalPrecision)
}

// Percent returns p% as an 18-decimal ratio (Percent(110) == 1.1e18).
func Percent(p uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(p), uint256.NewInt(10_000_000_000_000_000))
}

// Copy returns a clone of v, or zero for nil.
func Copy(v *uint256.Int) *uint256.Int {
	if v == nil {
		return Zero()
	}
	return v.Clone()
}

// Add returns a+b. Panics on overflow.
func Add(a, b *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		panic(fmt.Sprintf("fpmath: addition overflow (%s + %s)", a.Dec(), b.Dec()))
	}
	return z
}

// Sub returns a-b. Panics on underflow.
func Sub(a, b *uint256.Int) *uint256.Int {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		panic(fmt.Sprintf("fpmath: subtraction underflow (%s - %s)", a.Dec(), b.Dec()))
	}
	return z
}

// SubOrZero returns max(a-b, 0).
func SubOrZero(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return Zero()
	}
	return new(uint256.Int).Sub(a, b)
}

// Mul returns a*b. Panics on overflow.
func Mul(a, b *uint256.Int) *uint256.Int {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		panic(fmt.Sprintf("fpmath: multiplication overflow (%s * %s)", a.Dec(), b.Dec()))
	}
	return z
}

// Div returns floor(a/b). Panics on division by zero.
func Div(a, b *uint256.Int) *uint256.Int {
	if b.IsZero() {
		panic("fpmath: division by zero")
	}
	return new(uint256.Int).Div(a, b)
}

// MulDiv computes x*y/d with a 512-bit intermediate and the given rounding.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) *uint256.Int {
	if d.IsZero() {
		panic("fpmath: division by zero")
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		panic(fmt.Sprintf("fpmath: muldiv overflow (%s * %s / %s)", x.Dec(), y.Dec(), d.Dec()))
	}
	if mode == RoundDown {
		return q
	}

	rem := new(uint256.Int).MulMod(x, y, d)
	if rem.IsZero() {
		return q
	}

	// rem and d-rem are compared instead of 2*rem and d to avoid overflow.
	complement := new(uint256.Int).Sub(d, rem)
	switch mode {
	case RoundUp:
		return Add(q, one)
	case RoundHalfUp:
		if !rem.Lt(complement) {
			return Add(q, one)
		}
	case RoundHalfEven:
		cmp := rem.Cmp(complement)
		if cmp > 0 || (cmp == 0 && q.Uint64()&1 == 1) {
			return Add(q, one)
		}
	}
	return q
}

// DecMul multiplies two 18-decimal values, rounding half up.
func DecMul(x, y *uint256.Int) *uint256.Int {
	return MulDiv(x, y, DecimalPrecision, RoundHalfUp)
}

// Value converts an 18-decimal amount at an 18-decimal price into stable units.
func Value(amount, price *uint256.Int) *uint256.Int {
	return MulDiv(amount, price, DecimalPrecision, RoundDown)
}

// ComputeCR returns collValue/debt as an 18-decimal ratio, or MaxUint256
// when debt is zero.
func ComputeCR(collValue, debt *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return MaxUint256.Clone()
	}
	return MulDiv(collValue, DecimalPrecision, debt, RoundDown)
}

// ComputeNominalCR returns the price-independent ratio nominalColl*1e20/debt,
// or MaxUint256 when debt is zero.
func ComputeNominalCR(nominalColl, debt *uint256.Int) *uint256.Int {
	if debt.IsZero() {
		return MaxUint256.Clone()
	}
	return MulDiv(nominalColl, NICRPrecision, debt, RoundDown)
}

func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

func Max(a, b *uint256.Int) *uint256.Int {
	if a.Gt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// Parse reads a human decimal ("1.1", "200", "0.005") into 18-decimal fixed
// point. More than 18 fractional digits is an error.
func Parse(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty decimal")
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac && len(frac) > Decimals {
		return nil, fmt.Errorf("decimal %q has more than %d fractional digits", s, Decimals)
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return Zero(), nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if err := CheckRange(v); err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return v, nil
}

// CheckRange fails with ErrOutOfRange when v exceeds MaxAmount. Nil passes.
func CheckRange(v *uint256.Int) error {
	if v != nil && v.Gt(MaxAmount) {
		return fmt.Errorf("%w: %s exceeds %s", ErrOutOfRange, v.Dec(), MaxAmount.Dec())
	}
	return nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *uint256.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ToDecimal converts an 18-decimal value for display. Not used for arithmetic.
func ToDecimal(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), -Decimals)
}

// Format renders an 18-decimal value as a trimmed human decimal.
func Format(v *uint256.Int) string {
	if v != nil && v.Eq(MaxUint256) {
		return "inf"
	}
	return ToDecimal(v).String()
}
