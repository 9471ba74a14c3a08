package ledger

import (
	"fmt"

	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BalanceTracker maintains in-memory account balances.
//
// Internal accounts hold unsigned balances and can never go negative.
// External accounts are the mint/bridge boundary: instead of a balance they
// track the cumulative amount that entered (inflow) and left (outflow) the
// system through them.
type BalanceTracker struct {
	balances map[AccountKey]*uint256.Int
	inflow   map[AssetID]*uint256.Int
	outflow  map[AssetID]*uint256.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*uint256.Int),
		inflow:   make(map[AssetID]*uint256.Int),
		outflow:  make(map[AssetID]*uint256.Int),
	}
}

// ApplyJournal applies a single journal entry to balances.
// Fails without side effects when the credited account would go negative.
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	if err := j.validate(); err != nil {
		return err
	}

	if !j.CreditAccount.IsExternal() {
		have := bt.GetBalance(j.CreditAccount)
		if have.Lt(j.Amount) {
			return fmt.Errorf("insufficient balance in %s: have=%s, need=%s",
				j.CreditAccount.AccountPath(), have.Dec(), j.Amount.Dec())
		}
	}

	if j.CreditAccount.IsExternal() {
		bt.inflow[j.AssetID] = fpmath.Add(bt.flow(bt.inflow, j.AssetID), j.Amount)
	} else {
		bt.balances[j.CreditAccount] = fpmath.Sub(bt.balances[j.CreditAccount], j.Amount)
	}

	if j.DebitAccount.IsExternal() {
		bt.outflow[j.AssetID] = fpmath.Add(bt.flow(bt.outflow, j.AssetID), j.Amount)
	} else {
		bt.balances[j.DebitAccount] = fpmath.Add(bt.GetBalance(j.DebitAccount), j.Amount)
	}
	return nil
}

// revertJournal undoes a previously applied entry.
func (bt *BalanceTracker) revertJournal(j Journal) {
	if j.DebitAccount.IsExternal() {
		bt.outflow[j.AssetID] = fpmath.Sub(bt.outflow[j.AssetID], j.Amount)
	} else {
		bt.balances[j.DebitAccount] = fpmath.Sub(bt.balances[j.DebitAccount], j.Amount)
	}
	if j.CreditAccount.IsExternal() {
		bt.inflow[j.AssetID] = fpmath.Sub(bt.inflow[j.AssetID], j.Amount)
	} else {
		bt.balances[j.CreditAccount] = fpmath.Add(bt.GetBalance(j.CreditAccount), j.Amount)
	}
}

// ApplyBatch applies all journals in a batch. Either every entry applies or
// none does.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for i, j := range batch.Journals {
		if err := bt.ApplyJournal(j); err != nil {
			for k := i - 1; k >= 0; k-- {
				bt.revertJournal(batch.Journals[k])
			}
			return fmt.Errorf("apply batch %s: %w", batch.BatchID, err)
		}
	}

	return nil
}

func (bt *BalanceTracker) flow(m map[AssetID]*uint256.Int, asset AssetID) *uint256.Int {
	if v, ok := m[asset]; ok {
		return v
	}
	return fpmath.Zero()
}

// GetBalance returns the current balance for an internal account.
func (bt *BalanceTracker) GetBalance(key AccountKey) *uint256.Int {
	if v, ok := bt.balances[key]; ok {
		return v.Clone()
	}
	return fpmath.Zero()
}

// GetWalletBalance returns a user's wallet balance for one asset.
func (bt *BalanceTracker) GetWalletBalance(userID uuid.UUID, assetID AssetID) *uint256.Int {
	return bt.GetBalance(NewWalletKey(userID, assetID))
}

// GetPoolBalance returns a system custody pool balance for one asset.
func (bt *BalanceTracker) GetPoolBalance(subType AccountSubType, assetID AssetID) *uint256.Int {
	return bt.GetBalance(NewSystemAccountKey(subType, assetID))
}

// ValidateSufficient checks if an account holds at least required.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required *uint256.Int) error {
	have := bt.GetBalance(key)
	if have.Lt(required) {
		return fmt.Errorf("insufficient balance in %s: have=%s, need=%s",
			key.AccountPath(), have.Dec(), required.Dec())
	}
	return nil
}

// ComputeInternalTotals sums internal balances per asset.
func (bt *BalanceTracker) ComputeInternalTotals() map[AssetID]*uint256.Int {
	totals := make(map[AssetID]*uint256.Int)

	for key, balance := range bt.balances {
		cur, ok := totals[key.AssetID]
		if !ok {
			cur = fpmath.Zero()
		}
		totals[key.AssetID] = fpmath.Add(cur, balance)
	}

	return totals
}

// NetInflow returns inflow - outflow through the external boundary for an
// asset. ok is false when more left than entered.
func (bt *BalanceTracker) NetInflow(assetID AssetID) (net *uint256.Int, ok bool) {
	in := bt.flow(bt.inflow, assetID)
	out := bt.flow(bt.outflow, assetID)
	if in.Lt(out) {
		return fpmath.Zero(), false
	}
	return new(uint256.Int).Sub(in, out), true
}

// Assets returns every asset the tracker has seen, ascending.
func (bt *BalanceTracker) Assets() []AssetID {
	seen := make(map[AssetID]struct{})
	for k := range bt.balances {
		seen[k.AssetID] = struct{}{}
	}
	for a := range bt.inflow {
		seen[a] = struct{}{}
	}
	for a := range bt.outflow {
		seen[a] = struct{}{}
	}
	out := make([]AssetID, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	return SortAssets(out)
}

// BalanceState is the serialisable form of a tracker.
type BalanceState struct {
	Balances map[string]*uint256.Int `json:"balances"`
	Inflow   map[AssetID]*uint256.Int `json:"inflow"`
	Outflow  map[AssetID]*uint256.Int `json:"outflow"`
}

// Snapshot returns a copy of all balances (for state hashing and snapshots).
// Zero balances are omitted.
func (bt *BalanceTracker) Snapshot() BalanceState {
	st := BalanceState{
		Balances: make(map[string]*uint256.Int, len(bt.balances)),
		Inflow:   make(map[AssetID]*uint256.Int, len(bt.inflow)),
		Outflow:  make(map[AssetID]*uint256.Int, len(bt.outflow)),
	}
	for k, v := range bt.balances {
		if v.IsZero() {
			continue
		}
		st.Balances[k.AccountPath()] = v.Clone()
	}
	for a, v := range bt.inflow {
		st.Inflow[a] = v.Clone()
	}
	for a, v := range bt.outflow {
		st.Outflow[a] = v.Clone()
	}
	return st
}

// Restore replaces tracker contents with a snapshot.
func (bt *BalanceTracker) Restore(st BalanceState) error {
	balances := make(map[AccountKey]*uint256.Int, len(st.Balances))
	for path, v := range st.Balances {
		key, err := ParseAccountPath(path)
		if err != nil {
			return err
		}
		balances[key] = fpmath.Copy(v)
	}
	bt.balances = balances

	bt.inflow = make(map[AssetID]*uint256.Int, len(st.Inflow))
	for a, v := range st.Inflow {
		bt.inflow[a] = fpmath.Copy(v)
	}
	bt.outflow = make(map[AssetID]*uint256.Int, len(st.Outflow))
	for a, v := range st.Outflow {
		bt.outflow[a] = fpmath.Copy(v)
	}
	return nil
}
