package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies that, per asset, the sum of internal balances
// equals the net amount that entered through the external boundary.
func (v *InvariantValidator) ValidateConservation() error {
	totals := v.tracker.ComputeInternalTotals()

	for _, assetID := range v.tracker.Assets() {
		net, ok := v.tracker.NetInflow(assetID)
		if !ok {
			return fmt.Errorf("more %s left the system than entered", assetID)
		}
		internal, has := totals[assetID]
		if !has {
			internal = net.Clone().Clear()
		}
		if !internal.Eq(net) {
			return fmt.Errorf("conservation broken for %s: internal=%s, net_inflow=%s",
				assetID, internal.Dec(), net.Dec())
		}
	}

	return nil
}

// ValidatePoolEmpty checks that a custody pool holds nothing of an asset.
func (v *InvariantValidator) ValidatePoolEmpty(subType AccountSubType, assetID AssetID) error {
	bal := v.tracker.GetPoolBalance(subType, assetID)
	if !bal.IsZero() {
		return fmt.Errorf("%s has non-zero balance: %s",
			NewSystemAccountKey(subType, assetID).AccountPath(), bal.Dec())
	}
	return nil
}
