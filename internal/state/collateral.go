package state

import (
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CollateralLedger evaluates individual and system collateral ratios.
// Recovery Mode is never cached: every call recomputes it from the pools.
type CollateralLedger struct {
	params  *Params
	troves  *TroveStore
	rewards *RewardAccumulator
	pools   *Pools
}

func NewCollateralLedger(params *Params, troves *TroveStore, rewards *RewardAccumulator, pools *Pools) *CollateralLedger {
	return &CollateralLedger{
		params:  params,
		troves:  troves,
		rewards: rewards,
		pools:   pools,
	}
}

// CurrentICR returns the reward-applied collateral value over debt, or
// MaxUint256 when the trove has no debt.
func (c *CollateralLedger) CurrentICR(owner uuid.UUID, prices oracle.Prices) *uint256.Int {
	colls, debt := c.rewards.EntireDebtAndColl(c.troves.Get(owner))
	return fpmath.ComputeCR(colls.Value(prices), debt)
}

// NominalICR returns the price-independent ratio used for registry ordering.
func (c *CollateralLedger) NominalICR(owner uuid.UUID) *uint256.Int {
	colls, debt := c.rewards.EntireDebtAndColl(c.troves.Get(owner))
	return fpmath.ComputeNominalCR(colls.Nominal(), debt)
}

// TCR returns the value of all system collateral (active + default pools)
// over all system debt.
func (c *CollateralLedger) TCR(prices oracle.Prices) *uint256.Int {
	return fpmath.ComputeCR(c.pools.EntireSystemColl().Value(prices), c.pools.EntireSystemDebt())
}

// CheckRecoveryMode reports TCR < CCR.
func (c *CollateralLedger) CheckRecoveryMode(prices oracle.Prices) bool {
	return c.IsRecoveryTCR(c.TCR(prices))
}

// IsRecoveryTCR reports whether an already computed TCR is below CCR.
func (c *CollateralLedger) IsRecoveryTCR(tcr *uint256.Int) bool {
	return tcr.Lt(c.params.CCR)
}

// CheckPotentialRecoveryMode reports whether the system would be in Recovery
// Mode with the given total collateral value and debt.
func (c *CollateralLedger) CheckPotentialRecoveryMode(collValue, debt *uint256.Int) bool {
	return c.IsRecoveryTCR(fpmath.ComputeCR(collValue, debt))
}

// SystemCollValue returns the value of all system collateral.
func (c *CollateralLedger) SystemCollValue(prices oracle.Prices) *uint256.Int {
	return c.pools.EntireSystemColl().Value(prices)
}
