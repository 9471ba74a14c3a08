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

// PoolUpdate is the result of a stability pool deposit or withdrawal.
type PoolUpdate struct {
	Deposit   DepositView   `json:"deposit"`
	Withdrawn *uint256.Int  `json:"withdrawn"`
	GainsPaid state.Amounts `json:"gains_paid"`
	Batch     *ledger.Batch `json:"-"`
}

// ProvideToPool moves amount USDE from the depositor's wallet into the
// stability pool after paying out any pending collateral gains.
func (e *Engine) ProvideToPool(ctx context.Context, depositor uuid.UUID, amount *uint256.Int, asOf int64) (*PoolUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: deposit amount must be > 0", ErrInvalidInput)
	}
	if err := checkRange("deposit", amount); err != nil {
		return nil, err
	}
	if have := e.tracker.GetWalletBalance(depositor, ledger.AssetUSDE); have.Lt(amount) {
		return nil, fmt.Errorf("%w: wallet holds %s USDE, deposit needs %s",
			ErrInvalidInput, fpmath.Format(have), fpmath.Format(amount))
	}

	var gains state.Amounts
	batch, err := e.apply(ctx, asOf, func() error {
		var err error
		gains, err = e.sp.Provide(depositor, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("depositor", depositor.String()).
		Str("amount", fpmath.Format(amount)).
		Msg("pool deposit")
	return &PoolUpdate{
		Deposit:   e.depositView(depositor),
		Withdrawn: fpmath.Zero(),
		GainsPaid: gains,
		Batch:     batch,
	}, nil
}

// WithdrawFromPool pays out pending gains and returns up to amount of the
// compounded deposit. A zero amount only claims gains. Withdrawing USDE is
// refused while the riskiest trove sits below MCR.
func (e *Engine) WithdrawFromPool(ctx context.Context, depositor uuid.UUID, amount *uint256.Int, asOf int64) (*PoolUpdate, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if amount == nil {
		amount = fpmath.Zero()
	}
	if err := checkRange("withdrawal", amount); err != nil {
		return nil, err
	}
	if _, ok := e.sp.Deposit(depositor); !ok {
		return nil, fmt.Errorf("%w: %s has no pool deposit", ErrInvalidInput, depositor)
	}
	if !amount.IsZero() {
		if head, ok := e.registry.First(); ok {
			prices, err := e.snapshotPrices(asOf)
			if err != nil {
				return nil, err
			}
			if icr := e.coll.CurrentICR(head, prices); icr.Lt(e.params.MCR) {
				return nil, fmt.Errorf("%w: trove %s is below mcr (icr %s), liquidate it first",
					ErrInvalidInput, head, fpmath.Format(icr))
			}
		}
	}

	var (
		withdrawn *uint256.Int
		gains     state.Amounts
	)
	batch, err := e.apply(ctx, asOf, func() error {
		var err error
		withdrawn, gains, err = e.sp.Withdraw(depositor, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("depositor", depositor.String()).
		Str("withdrawn", fpmath.Format(withdrawn)).
		Msg("pool withdrawal")
	return &PoolUpdate{
		Deposit:   e.depositView(depositor),
		Withdrawn: withdrawn,
		GainsPaid: gains,
		Batch:     batch,
	}, nil
}

func (e *Engine) depositView(depositor uuid.UUID) DepositView {
	return DepositView{
		Depositor:  depositor,
		Compounded: e.sp.CompoundedDeposit(depositor),
		Gains:      e.sp.CollateralGain(depositor),
	}
}

// SurplusClaim is the result of ClaimSurplus.
type SurplusClaim struct {
	Owner   uuid.UUID     `json:"owner"`
	Claimed state.Amounts `json:"claimed"`
	Batch   *ledger.Batch `json:"-"`
}

// ClaimSurplus pays owner's escrowed collateral to their wallet. Claiming
// with nothing owed succeeds and changes nothing.
func (e *Engine) ClaimSurplus(ctx context.Context, owner uuid.UUID, asOf int64) (*SurplusClaim, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	if e.surplus.Balance(owner).IsZero() {
		return &SurplusClaim{Owner: owner, Claimed: make(state.Amounts)}, nil
	}

	var claimed state.Amounts
	batch, err := e.apply(ctx, asOf, func() error {
		var err error
		claimed, err = e.surplus.Claim(owner)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().Str("owner", owner.String()).Msg("surplus claimed")
	return &SurplusClaim{Owner: owner, Claimed: claimed, Batch: batch}, nil
}
