package state

import (
	"errors"
	"fmt"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrZeroTotalStakes = errors.New("redistribution with zero total stakes")
	ErrTroveInactive   = errors.New("trove is not active")
)

// RewardAccumulator owns the redistribution accumulators L_Coll / L_Debt,
// the stake bookkeeping and the system snapshots used to scale new stakes.
type RewardAccumulator struct {
	params *Params
	troves *TroveStore
	pools  *Pools

	lColl         Amounts
	lDebt         *uint256.Int
	lastCollError Amounts
	lastDebtError *uint256.Int

	totalStakes             *uint256.Int
	totalStakesSnapshot     *uint256.Int
	totalCollateralSnapshot *uint256.Int
}

func NewRewardAccumulator(params *Params, troves *TroveStore, pools *Pools) *RewardAccumulator {
	return &RewardAccumulator{
		params:                  params,
		troves:                  troves,
		pools:                   pools,
		lColl:                   make(Amounts),
		lDebt:                   fpmath.Zero(),
		lastCollError:           make(Amounts),
		lastDebtError:           fpmath.Zero(),
		totalStakes:             fpmath.Zero(),
		totalStakesSnapshot:     fpmath.Zero(),
		totalCollateralSnapshot: fpmath.Zero(),
	}
}

// Synced is a trove whose pending rewards have been applied. It is the only
// handle through which trove balances can change, so every mutation is
// preceded by a sync.
type Synced struct {
	t *Trove
}

func (s Synced) Owner() uuid.UUID { return s.t.Owner }
func (s Synced) Colls() Amounts { return s.t.colls.Clone() }
func (s Synced) Debt() *uint256.Int { return s.t.debt.Clone() }
func (s Synced) Stake() *uint256.Int { return s.t.stake.Clone() }
func (s Synced) Status() Status { return s.t.Status }
func (s Synced) Trove() *Trove { return s.t }
func (s Synced) NominalColl() *uint256.Int { return s.t.colls.Nominal() }

func (s Synced) AddColl(asset ledger.AssetID, v *uint256.Int) {
	s.t.colls.Add(asset, v)
	s.t.Version++
}

func (s Synced) SubColl(asset ledger.AssetID, v *uint256.Int) error {
	if s.t.colls.Get(asset).Lt(v) {
		return fmt.Errorf("trove %s: %s collateral underflow", s.t.Owner, asset)
	}
	s.t.colls.Sub(asset, v)
	s.t.Version++
	return nil
}

func (s Synced) AddDebt(v *uint256.Int) {
	s.t.debt = fpmath.Add(s.t.debt, v)
	s.t.Version++
}

func (s Synced) SubDebt(v *uint256.Int) error {
	if s.t.debt.Lt(v) {
		return fmt.Errorf("trove %s: debt underflow", s.t.Owner)
	}
	s.t.debt = fpmath.Sub(s.t.debt, v)
	s.t.Version++
	return nil
}

// Drain empties the trove's balances and returns what it held.
func (s Synced) Drain() (Amounts, *uint256.Int) {
	colls, debt := s.t.colls, s.t.debt
	s.t.colls = make(Amounts)
	s.t.debt = fpmath.Zero()
	s.t.Version++
	return colls, debt
}

// PendingRewards returns the collateral and debt a trove would receive on
// its next sync. Read-only.
func (r *RewardAccumulator) PendingRewards(t *Trove) (Amounts, *uint256.Int) {
	colls := make(Amounts)
	if !t.IsActive() || t.stake.IsZero() {
		return colls, fpmath.Zero()
	}
	for _, a := range r.lColl.Assets() {
		delta := fpmath.SubOrZero(r.lColl[a], t.snapshot.Coll.Get(a))
		if delta.IsZero() {
			continue
		}
		colls.Add(a, fpmath.MulDiv(t.stake, delta, fpmath.DecimalPrecision, fpmath.RoundDown))
	}
	deltaDebt := fpmath.SubOrZero(r.lDebt, t.snapshot.Debt)
	debt := fpmath.MulDiv(t.stake, deltaDebt, fpmath.DecimalPrecision, fpmath.RoundDown)
	return colls, debt
}

// HasPendingRewards reports whether any accumulator moved since the trove's
// last touch.
func (r *RewardAccumulator) HasPendingRewards(t *Trove) bool {
	if !t.IsActive() {
		return false
	}
	if t.snapshot.Debt.Lt(r.lDebt) {
		return true
	}
	for a, l := range r.lColl {
		if t.snapshot.Coll.Get(a).Lt(l) {
			return true
		}
	}
	return false
}

// EntireDebtAndColl returns stored plus pending balances without applying
// them.
func (r *RewardAccumulator) EntireDebtAndColl(t *Trove) (Amounts, *uint256.Int) {
	pc, pd := r.PendingRewards(t)
	return t.colls.Plus(pc), fpmath.Add(t.debt, pd)
}

// Sync applies pending rewards to an active trove, moving the same amounts
// from the default pool to the active pool, and refreshes the trove's
// snapshots. Calling it again without an intervening redistribution changes
// nothing.
func (r *RewardAccumulator) Sync(owner uuid.UUID) (Synced, error) {
	t := r.troves.Get(owner)
	if !t.IsActive() {
		return Synced{}, fmt.Errorf("sync %s (%s): %w", owner, t.Status, ErrTroveInactive)
	}

	if r.HasPendingRewards(t) {
		pc, pd := r.PendingRewards(t)
		for a, v := range pc {
			t.colls.Add(a, v)
		}
		t.debt = fpmath.Add(t.debt, pd)
		if err := r.pools.ReturnFromDefault(pc, pd); err != nil {
			return Synced{}, fmt.Errorf("apply rewards for %s: %w", owner, err)
		}
		t.Version++
	}
	r.updateSnapshots(t)
	return Synced{t: t}, nil
}

// Open activates a new (or previously closed) trove with empty balances and
// current reward snapshots.
func (r *RewardAccumulator) Open(owner uuid.UUID) (Synced, error) {
	t, err := r.troves.activate(owner)
	if err != nil {
		return Synced{}, err
	}
	r.updateSnapshots(t)
	return Synced{t: t}, nil
}

// Close removes the trove's stake and moves it to a terminal status. The
// trove must already be drained.
func (r *RewardAccumulator) Close(s Synced, status Status) error {
	if !s.t.colls.IsZero() || !s.t.debt.IsZero() {
		return fmt.Errorf("close %s: trove still holds balances", s.t.Owner)
	}
	r.RemoveStake(s)
	return r.troves.close(s.t.Owner, status)
}

func (r *RewardAccumulator) updateSnapshots(t *Trove) {
	t.snapshot.Coll = r.lColl.Clone()
	t.snapshot.Debt = r.lDebt.Clone()
}

// computeNewStake scales nominal collateral by the snapshot ratio so that a
// trove's share survives earlier redistributions.
func (r *RewardAccumulator) computeNewStake(nominalColl *uint256.Int) *uint256.Int {
	if r.totalCollateralSnapshot.IsZero() {
		return nominalColl.Clone()
	}
	return fpmath.MulDiv(nominalColl, r.totalStakesSnapshot, r.totalCollateralSnapshot, fpmath.RoundDown)
}

// UpdateStake recomputes the trove's stake from its current collateral and
// returns the new stake.
func (r *RewardAccumulator) UpdateStake(s Synced) *uint256.Int {
	newStake := r.computeNewStake(s.t.colls.Nominal())
	r.totalStakes = fpmath.Add(fpmath.Sub(r.totalStakes, s.t.stake), newStake)
	s.t.stake = newStake
	return newStake.Clone()
}

// RemoveStake zeroes the trove's stake.
func (r *RewardAccumulator) RemoveStake(s Synced) {
	r.totalStakes = fpmath.Sub(r.totalStakes, s.t.stake)
	s.t.stake = fpmath.Zero()
}

// Redistribute spreads collateral and debt over all remaining stakes:
// L += amount*1e18/totalStakes, carrying the division remainder into the
// next redistribution. Moves the amounts to the default pool and refreshes
// the system snapshots.
func (r *RewardAccumulator) Redistribute(colls Amounts, debt *uint256.Int) error {
	if debt.IsZero() && colls.IsZero() {
		return nil
	}
	if r.totalStakes.IsZero() {
		return ErrZeroTotalStakes
	}

	for _, a := range colls.Assets() {
		num := fpmath.Add(fpmath.Mul(colls[a], fpmath.DecimalPrecision), r.lastCollError.Get(a))
		perUnit := fpmath.Div(num, r.totalStakes)
		r.lastCollError[a] = fpmath.Sub(num, fpmath.Mul(perUnit, r.totalStakes))
		r.lColl.Add(a, perUnit)
	}

	num := fpmath.Add(fpmath.Mul(debt, fpmath.DecimalPrecision), r.lastDebtError)
	perUnit := fpmath.Div(num, r.totalStakes)
	r.lastDebtError = fpmath.Sub(num, fpmath.Mul(perUnit, r.totalStakes))
	r.lDebt = fpmath.Add(r.lDebt, perUnit)

	if err := r.pools.MoveToDefault(colls, debt); err != nil {
		return fmt.Errorf("redistribute: %w", err)
	}
	r.UpdateSystemSnapshots()
	return nil
}

// UpdateSystemSnapshots records totalStakes and the nominal system
// collateral (active + default) for future stake computations.
func (r *RewardAccumulator) UpdateSystemSnapshots() {
	r.totalStakesSnapshot = r.totalStakes.Clone()
	r.totalCollateralSnapshot = r.pools.EntireSystemColl().Nominal()
}

func (r *RewardAccumulator) TotalStakes() *uint256.Int {
	return r.totalStakes.Clone()
}

func (r *RewardAccumulator) TotalStakesSnapshot() *uint256.Int {
	return r.totalStakesSnapshot.Clone()
}

func (r *RewardAccumulator) TotalCollateralSnapshot() *uint256.Int {
	return r.totalCollateralSnapshot.Clone()
}

// L returns the current accumulator values.
func (r *RewardAccumulator) L() (Amounts, *uint256.Int) {
	return r.lColl.Clone(), r.lDebt.Clone()
}

// RewardState is the serialisable form of the accumulator.
type RewardState struct {
	LColl                   Amounts      `json:"l_coll"`
	LDebt                   *uint256.Int `json:"l_debt"`
	LastCollError           Amounts      `json:"last_coll_error"`
	LastDebtError           *uint256.Int `json:"last_debt_error"`
	TotalStakes             *uint256.Int `json:"total_stakes"`
	TotalStakesSnapshot     *uint256.Int `json:"total_stakes_snapshot"`
	TotalCollateralSnapshot *uint256.Int `json:"total_collateral_snapshot"`
}

func (r *RewardAccumulator) Export() RewardState {
	return RewardState{
		LColl:                   r.lColl.Clone(),
		LDebt:                   r.lDebt.Clone(),
		LastCollError:           r.lastCollError.Clone(),
		LastDebtError:           r.lastDebtError.Clone(),
		TotalStakes:             r.totalStakes.Clone(),
		TotalStakesSnapshot:     r.totalStakesSnapshot.Clone(),
		TotalCollateralSnapshot: r.totalCollateralSnapshot.Clone(),
	}
}

func (r *RewardAccumulator) Import(st RewardState) {
	r.lColl = Amounts{}.Plus(st.LColl)
	r.lDebt = fpmath.Copy(st.LDebt)
	r.lastCollError = Amounts{}.Plus(st.LastCollError)
	r.lastDebtError = fpmath.Copy(st.LastDebtError)
	r.totalStakes = fpmath.Copy(st.TotalStakes)
	r.totalStakesSnapshot = fpmath.Copy(st.TotalStakesSnapshot)
	r.totalCollateralSnapshot = fpmath.Copy(st.TotalCollateralSnapshot)
}
