package core

import (
	"fmt"

	"TroveLedger/internal/ledger"
	"TroveLedger/internal/sorted"
	"TroveLedger/internal/state"
)

// EngineState is the complete serialisable state of an Engine. Prices are
// not included; they belong to the feed.
type EngineState struct {
	Balances      ledger.BalanceState      `json:"balances"`
	Pools         state.PoolsState         `json:"pools"`
	Troves        state.TroveStoreState    `json:"troves"`
	Rewards       state.RewardState        `json:"rewards"`
	StabilityPool state.StabilityPoolState `json:"stability_pool"`
	Surplus       state.SurplusState       `json:"surplus"`
	Registry      []sorted.Entry           `json:"registry"`
	BatchSequence int64                    `json:"batch_sequence"`
}

// Export captures the engine's state.
func (e *Engine) Export() *EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &EngineState{
		Balances:      e.tracker.Snapshot(),
		Pools:         e.pools.Export(),
		Troves:        e.troves.Export(),
		Rewards:       e.rewards.Export(),
		StabilityPool: e.sp.Export(),
		Surplus:       e.surplus.Export(),
		Registry:      e.registry.Entries(),
		BatchSequence: e.journal.Sequence(),
	}
}

// Import replaces the engine's state. The engine must not have processed
// any command. The restored state is checked for ledger conservation and
// stake consistency before it is accepted.
func (e *Engine) Import(st *EngineState) error {
	e.mu.Lock()
	if err := e.tracker.Restore(st.Balances); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("restore balances: %w", err)
	}
	e.pools.Import(st.Pools)
	if err := e.troves.Import(st.Troves); err != nil {
		e.mu.Unlock()
		return err
	}
	e.rewards.Import(st.Rewards)
	if err := e.sp.Import(st.StabilityPool); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("restore stability pool: %w", err)
	}
	if err := e.surplus.Import(st.Surplus); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := e.registry.Restore(st.Registry); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("restore registry: %w", err)
	}
	e.journal.SetSequence(st.BatchSequence)
	e.mu.Unlock()

	return e.CheckInvariants()
}
