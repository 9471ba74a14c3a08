package state

import (
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"

	"github.com/holiman/uint256"
)

// Amounts maps collateral asset to an 18-decimal amount.
type Amounts map[ledger.AssetID]*uint256.Int

func (m Amounts) Clone() Amounts {
	out := make(Amounts, len(m))
	for a, v := range m {
		out[a] = v.Clone()
	}
	return out
}

// Get returns the amount of an asset, zero when absent. The result is a copy.
func (m Amounts) Get(asset ledger.AssetID) *uint256.Int {
	if v, ok := m[asset]; ok {
		return v.Clone()
	}
	return fpmath.Zero()
}

// Add increases an asset amount in place.
func (m Amounts) Add(asset ledger.AssetID, v *uint256.Int) {
	if v == nil || v.IsZero() {
		return
	}
	m[asset] = fpmath.Add(m.Get(asset), v)
}

// Sub decreases an asset amount in place, dropping it when it reaches zero.
// Panics on underflow.
func (m Amounts) Sub(asset ledger.AssetID, v *uint256.Int) {
	if v == nil || v.IsZero() {
		return
	}
	left := fpmath.Sub(m.Get(asset), v)
	if left.IsZero() {
		delete(m, asset)
		return
	}
	m[asset] = left
}

// Covers reports whether m holds at least other for every asset.
func (m Amounts) Covers(other Amounts) bool {
	for a, v := range other {
		if m.Get(a).Lt(v) {
			return false
		}
	}
	return true
}

// Plus returns m + other without modifying either.
func (m Amounts) Plus(other Amounts) Amounts {
	out := m.Clone()
	for a, v := range other {
		out.Add(a, v)
	}
	return out
}

// Minus returns m - other without modifying either. Panics on underflow.
func (m Amounts) Minus(other Amounts) Amounts {
	out := m.Clone()
	for a, v := range other {
		out.Sub(a, v)
	}
	return out
}

// Nominal sums all amounts at a unit price of 1.
func (m Amounts) Nominal() *uint256.Int {
	sum := fpmath.Zero()
	for _, v := range m {
		sum = fpmath.Add(sum, v)
	}
	return sum
}

// Value sums amount*price over every asset.
func (m Amounts) Value(prices oracle.Prices) *uint256.Int {
	sum := fpmath.Zero()
	for a, v := range m {
		sum = fpmath.Add(sum, fpmath.Value(v, prices.Get(a)))
	}
	return sum
}

// IsZero reports whether every amount is zero.
func (m Amounts) IsZero() bool {
	for _, v := range m {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// Assets returns the assets with a non-zero amount, ascending.
func (m Amounts) Assets() []ledger.AssetID {
	out := make([]ledger.AssetID, 0, len(m))
	for a, v := range m {
		if !v.IsZero() {
			out = append(out, a)
		}
	}
	return ledger.SortAssets(out)
}

// Map applies f to every non-zero amount and returns the results.
func (m Amounts) Map(f func(a ledger.AssetID, v *uint256.Int) *uint256.Int) Amounts {
	out := make(Amounts, len(m))
	for _, a := range m.Assets() {
		if r := f(a, m[a]); r != nil && !r.IsZero() {
			out[a] = r
		}
	}
	return out
}
