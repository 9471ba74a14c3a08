package core

import (
	"context"
	"fmt"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// TroveUpdate is the result of a borrower operation.
type TroveUpdate struct {
	Trove TroveView     `json:"trove"`
	Batch *ledger.Batch `json:"-"`
}

// OpenTrove creates an active trove holding colls with netDebt USDE minted to
// the owner. The recorded debt also includes the gas compensation reserve.
func (e *Engine) OpenTrove(ctx context.Context, owner uuid.UUID, colls state.Amounts, netDebt *uint256.Int, hint uuid.UUID, asOf int64) (*TroveUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if e.troves.IsActive(owner) {
		return nil, fmt.Errorf("open %s: %w", owner, ErrTroveExists)
	}
	if colls.IsZero() {
		return nil, fmt.Errorf("%w: open %s without collateral", ErrInvalidInput, owner)
	}
	if err := e.checkAssets(colls); err != nil {
		return nil, err
	}
	if err := checkRange("net debt", netDebt); err != nil {
		return nil, err
	}
	if netDebt == nil || netDebt.Lt(e.params.MinNetDebt) {
		return nil, fmt.Errorf("%w: net debt below minimum %s", ErrInvalidInput, fpmath.Format(e.params.MinNetDebt))
	}
	if c := e.params.RegistryCapacity; c > 0 && e.registry.Size() >= c {
		return nil, fmt.Errorf("%w: registry full (%d troves)", ErrInvalidInput, c)
	}

	prices, err := e.snapshotPrices(asOf)
	if err != nil {
		return nil, err
	}
	debt := fpmath.Add(netDebt, e.params.GasCompensation)
	if err := checkRange("debt", debt); err != nil {
		return nil, err
	}
	collValue := colls.Value(prices)
	icr := fpmath.ComputeCR(collValue, debt)

	if e.coll.CheckRecoveryMode(prices) {
		if icr.Lt(e.params.CCR) {
			return nil, fmt.Errorf("open %s: icr %s below ccr in recovery mode: %w",
				owner, fpmath.Format(icr), ErrInsufficientCollateralRatio)
		}
	} else {
		if icr.Lt(e.params.MCR) {
			return nil, fmt.Errorf("open %s: icr %s below mcr: %w", owner, fpmath.Format(icr), ErrInsufficientCollateralRatio)
		}
		newValue := fpmath.Add(e.coll.SystemCollValue(prices), collValue)
		newDebt := fpmath.Add(e.pools.EntireSystemDebt(), debt)
		if e.coll.CheckPotentialRecoveryMode(newValue, newDebt) {
			return nil, fmt.Errorf("open %s: would push tcr below ccr: %w", owner, ErrInsufficientCollateralRatio)
		}
	}

	batch, err := e.apply(ctx, asOf, func() error {
		s, err := e.rewards.Open(owner)
		if err != nil {
			return err
		}
		if err := e.pools.DepositCollateral(colls); err != nil {
			return err
		}
		for _, a := range colls.Assets() {
			s.AddColl(a, colls[a])
		}
		s.AddDebt(debt)
		e.pools.IncreaseActiveDebt(debt)
		if err := e.pools.MintTo(owner, netDebt); err != nil {
			return err
		}
		if err := e.pools.MintGasCompensation(); err != nil {
			return err
		}
		e.rewards.UpdateStake(s)
		return e.registry.Insert(owner, fpmath.ComputeNominalCR(s.NominalColl(), s.Debt()), hint)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("owner", owner.String()).
		Str("debt", fpmath.Format(debt)).
		Str("icr", fpmath.Format(icr)).
		Msg("trove opened")
	e.recordGauges(prices)
	return &TroveUpdate{Trove: e.troveView(owner), Batch: batch}, nil
}

// Adjustment describes a change to an existing trove. Any field may be left
// empty; at least one must be set. DebtIncrease and DebtRepay are mutually
// exclusive.
type Adjustment struct {
	CollIn       state.Amounts
	CollOut      state.Amounts
	DebtIncrease *uint256.Int
	DebtRepay    *uint256.Int
	Hint         uuid.UUID
}

func (a Adjustment) increase() *uint256.Int {
	if a.DebtIncrease == nil {
		return fpmath.Zero()
	}
	return a.DebtIncrease
}

func (a Adjustment) repay() *uint256.Int {
	if a.DebtRepay == nil {
		return fpmath.Zero()
	}
	return a.DebtRepay
}

// AdjustTrove applies pending rewards, then adds or withdraws collateral and
// draws or repays debt. The trove is reinserted at its new NICR.
func (e *Engine) AdjustTrove(ctx context.Context, owner uuid.UUID, adj Adjustment, asOf int64) (*TroveUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if !e.troves.IsActive(owner) {
		return nil, fmt.Errorf("adjust %s (%s): %w", owner, e.troves.Status(owner), ErrTroveNotActive)
	}
	inc, rep := adj.increase(), adj.repay()
	if !inc.IsZero() && !rep.IsZero() {
		return nil, fmt.Errorf("%w: cannot draw and repay debt in one adjustment", ErrInvalidInput)
	}
	if adj.CollIn.IsZero() && adj.CollOut.IsZero() && inc.IsZero() && rep.IsZero() {
		return nil, fmt.Errorf("%w: empty adjustment", ErrInvalidInput)
	}
	if err := e.checkAssets(adj.CollIn); err != nil {
		return nil, err
	}
	if err := e.checkAssets(adj.CollOut); err != nil {
		return nil, err
	}
	if err := checkRange("debt increase", inc); err != nil {
		return nil, err
	}
	if err := checkRange("debt repay", rep); err != nil {
		return nil, err
	}

	prices, err := e.snapshotPrices(asOf)
	if err != nil {
		return nil, err
	}
	colls, debt := e.rewards.EntireDebtAndColl(e.troves.Get(owner))
	withIn := colls.Plus(adj.CollIn)
	if !withIn.Covers(adj.CollOut) {
		return nil, fmt.Errorf("%w: withdrawal exceeds trove collateral", ErrInvalidInput)
	}
	newColls := withIn.Minus(adj.CollOut)
	if newColls.IsZero() {
		return nil, fmt.Errorf("%w: adjustment would leave no collateral", ErrInvalidInput)
	}
	if err := e.checkAssets(newColls); err != nil {
		return nil, err
	}
	if rep.Gt(fpmath.SubOrZero(debt, e.params.GasCompensation)) {
		return nil, fmt.Errorf("%w: repayment exceeds net debt", ErrInvalidInput)
	}
	newDebt := fpmath.Sub(fpmath.Add(debt, inc), rep)
	if err := checkRange("debt", newDebt); err != nil {
		return nil, err
	}
	if fpmath.SubOrZero(newDebt, e.params.GasCompensation).Lt(e.params.MinNetDebt) {
		return nil, fmt.Errorf("%w: net debt below minimum %s", ErrInvalidInput, fpmath.Format(e.params.MinNetDebt))
	}
	if !rep.IsZero() {
		if have := e.tracker.GetWalletBalance(owner, ledger.AssetUSDE); have.Lt(rep) {
			return nil, fmt.Errorf("%w: wallet holds %s USDE, repayment needs %s",
				ErrInvalidInput, fpmath.Format(have), fpmath.Format(rep))
		}
	}

	oldICR := fpmath.ComputeCR(colls.Value(prices), debt)
	newICR := fpmath.ComputeCR(newColls.Value(prices), newDebt)
	if e.coll.CheckRecoveryMode(prices) {
		if !adj.CollOut.IsZero() {
			return nil, fmt.Errorf("%w: collateral withdrawal not allowed in recovery mode", ErrInvalidInput)
		}
		if !inc.IsZero() && newICR.Lt(e.params.CCR) {
			return nil, fmt.Errorf("adjust %s: icr %s below ccr in recovery mode: %w",
				owner, fpmath.Format(newICR), ErrInsufficientCollateralRatio)
		}
		if newICR.Lt(oldICR) {
			return nil, fmt.Errorf("adjust %s: icr may not decrease in recovery mode: %w", owner, ErrInsufficientCollateralRatio)
		}
	} else {
		if newICR.Lt(e.params.MCR) {
			return nil, fmt.Errorf("adjust %s: icr %s below mcr: %w", owner, fpmath.Format(newICR), ErrInsufficientCollateralRatio)
		}
		sysValue := fpmath.Sub(fpmath.Add(e.coll.SystemCollValue(prices), adj.CollIn.Value(prices)), adj.CollOut.Value(prices))
		sysDebt := fpmath.Sub(fpmath.Add(e.pools.EntireSystemDebt(), inc), rep)
		if e.coll.CheckPotentialRecoveryMode(sysValue, sysDebt) {
			return nil, fmt.Errorf("adjust %s: would push tcr below ccr: %w", owner, ErrInsufficientCollateralRatio)
		}
	}

	batch, err := e.apply(ctx, asOf, func() error {
		s, err := e.rewards.Sync(owner)
		if err != nil {
			return err
		}
		if err := e.pools.DepositCollateral(adj.CollIn); err != nil {
			return err
		}
		for _, a := range adj.CollIn.Assets() {
			s.AddColl(a, adj.CollIn[a])
		}
		for _, a := range adj.CollOut.Assets() {
			if err := s.SubColl(a, adj.CollOut[a]); err != nil {
				return err
			}
		}
		if err := e.pools.WithdrawCollateral(adj.CollOut); err != nil {
			return err
		}
		if !inc.IsZero() {
			s.AddDebt(inc)
			e.pools.IncreaseActiveDebt(inc)
			if err := e.pools.MintTo(owner, inc); err != nil {
				return err
			}
		}
		if !rep.IsZero() {
			if err := e.pools.BurnFrom(ledger.NewWalletKey(owner, ledger.AssetUSDE), rep); err != nil {
				return err
			}
			if err := s.SubDebt(rep); err != nil {
				return err
			}
			if err := e.pools.DecreaseActiveDebt(rep); err != nil {
				return err
			}
		}
		e.rewards.UpdateStake(s)
		return e.registry.ReInsert(owner, fpmath.ComputeNominalCR(s.NominalColl(), s.Debt()), adj.Hint)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("owner", owner.String()).
		Str("debt", fpmath.Format(newDebt)).
		Str("icr", fpmath.Format(newICR)).
		Msg("trove adjusted")
	e.recordGauges(prices)
	return &TroveUpdate{Trove: e.troveView(owner), Batch: batch}, nil
}

// CloseTrove repays the trove's net debt from the owner's wallet, burns the
// gas compensation reserve and returns the collateral. Not allowed for the
// last trove or in recovery mode.
func (e *Engine) CloseTrove(ctx context.Context, owner uuid.UUID, asOf int64) (*TroveUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if !e.troves.IsActive(owner) {
		return nil, fmt.Errorf("close %s (%s): %w", owner, e.troves.Status(owner), ErrTroveNotActive)
	}
	if e.troves.ActiveCount() <= 1 {
		return nil, fmt.Errorf("%w: cannot close the only active trove", ErrInvalidInput)
	}

	prices, err := e.snapshotPrices(asOf)
	if err != nil {
		return nil, err
	}
	if e.coll.CheckRecoveryMode(prices) {
		return nil, fmt.Errorf("%w: closing troves is not allowed in recovery mode", ErrInvalidInput)
	}
	colls, debt := e.rewards.EntireDebtAndColl(e.troves.Get(owner))
	netDebt := fpmath.SubOrZero(debt, e.params.GasCompensation)
	if have := e.tracker.GetWalletBalance(owner, ledger.AssetUSDE); have.Lt(netDebt) {
		return nil, fmt.Errorf("%w: wallet holds %s USDE, closing needs %s",
			ErrInvalidInput, fpmath.Format(have), fpmath.Format(netDebt))
	}
	sysValue := fpmath.Sub(e.coll.SystemCollValue(prices), colls.Value(prices))
	sysDebt := fpmath.Sub(e.pools.EntireSystemDebt(), debt)
	if e.coll.CheckPotentialRecoveryMode(sysValue, sysDebt) {
		return nil, fmt.Errorf("close %s: would push tcr below ccr: %w", owner, ErrInsufficientCollateralRatio)
	}

	batch, err := e.apply(ctx, asOf, func() error {
		s, err := e.rewards.Sync(owner)
		if err != nil {
			return err
		}
		colls, debt := s.Drain()
		if err := e.pools.WithdrawCollateral(colls); err != nil {
			return err
		}
		gas := fpmath.Min(debt, e.params.GasCompensation)
		if err := e.pools.BurnFrom(ledger.NewWalletKey(owner, ledger.AssetUSDE), fpmath.Sub(debt, gas)); err != nil {
			return err
		}
		if err := e.pools.BurnFrom(ledger.NewSystemAccountKey(ledger.SubTypeGasPool, ledger.AssetUSDE), gas); err != nil {
			return err
		}
		if err := e.pools.DecreaseActiveDebt(debt); err != nil {
			return err
		}
		if err := e.rewards.Close(s, state.StatusClosedByOwner); err != nil {
			return err
		}
		return e.registry.Remove(owner)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().Str("owner", owner.String()).Msg("trove closed")
	e.recordGauges(prices)
	return &TroveUpdate{Trove: e.troveView(owner), Batch: batch}, nil
}
