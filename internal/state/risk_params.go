package state

import (
	"fmt"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/holiman/uint256"
)

// Params defines the system-wide risk parameters. Ratios are 18-decimal.
type Params struct {
	MCR              *uint256.Int     // Minimum collateral ratio (1.1e18 = 110%)
	CCR              *uint256.Int     // Critical system collateral ratio (1.3e18 = 130%)
	GasCompensation  *uint256.Int     // USDE reserved in every trove's debt for the liquidator
	PercentDivisor   uint64           // Liquidator share of collateral = coll / PercentDivisor
	MinNetDebt       *uint256.Int     // Minimum debt excluding gas compensation
	Collaterals      []ledger.AssetID // Enabled collateral assets, ascending
	MaxPriceAge      int64            // Microseconds, 0 = no staleness check
	RegistryCapacity int              // 0 = unbounded
}

// DefaultParams returns the production defaults.
func DefaultParams() *Params {
	return &Params{
		MCR:              fpmath.Percent(110),
		CCR:              fpmath.Percent(130),
		GasCompensation:  fpmath.Units(200),
		PercentDivisor:   200,
		MinNetDebt:       fpmath.Units(1800),
		Collaterals:      []ledger.AssetID{ledger.AssetWETH, ledger.AssetWBTC, ledger.AssetWSTETH, ledger.AssetRETH},
		MaxPriceAge:      3_600_000_000, // 1h
		RegistryCapacity: 0,
	}
}

// IsCollateral reports whether an asset is enabled as collateral.
func (p *Params) IsCollateral(asset ledger.AssetID) bool {
	for _, a := range p.Collaterals {
		if a == asset {
			return true
		}
	}
	return false
}

// ValidateParams checks that risk parameters are within valid ranges:
// 100% < MCR < CCR, gas compensation > 0, percent divisor > 0, at least one
// collateral and no USDE collateral.
func ValidateParams(p *Params) error {
	if p.MCR == nil || !p.MCR.Gt(fpmath.DecimalPrecision) {
		return fmt.Errorf("mcr must be > 1.0, got %s", fpmath.Format(p.MCR))
	}
	if p.CCR == nil || !p.CCR.Gt(p.MCR) {
		return fmt.Errorf("ccr (%s) must be > mcr (%s)", fpmath.Format(p.CCR), fpmath.Format(p.MCR))
	}
	if p.GasCompensation == nil || p.GasCompensation.IsZero() {
		return fmt.Errorf("gas_compensation must be > 0")
	}
	if p.PercentDivisor == 0 {
		return fmt.Errorf("percent_divisor must be > 0")
	}
	if p.MinNetDebt == nil {
		return fmt.Errorf("min_net_debt must be set")
	}
	if len(p.Collaterals) == 0 {
		return fmt.Errorf("at least one collateral asset is required")
	}
	seen := make(map[ledger.AssetID]bool, len(p.Collaterals))
	for _, a := range p.Collaterals {
		if a == ledger.AssetUSDE {
			return fmt.Errorf("USDE cannot be collateral")
		}
		if _, ok := ledger.GetAssetName(a); !ok {
			return fmt.Errorf("unknown collateral asset %d", a)
		}
		if seen[a] {
			return fmt.Errorf("duplicate collateral asset %s", a)
		}
		seen[a] = true
	}
	if p.MaxPriceAge < 0 {
		return fmt.Errorf("max_price_age must be >= 0, got %d", p.MaxPriceAge)
	}
	if p.RegistryCapacity < 0 {
		return fmt.Errorf("registry_capacity must be >= 0, got %d", p.RegistryCapacity)
	}
	ledger.SortAssets(p.Collaterals)
	return nil
}
