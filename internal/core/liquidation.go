package core

import (
	"context"
	"fmt"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationEntry names the public entry point that produced a result.
type LiquidationEntry string

const (
	EntrySingle     LiquidationEntry = "single"
	EntrySequential LiquidationEntry = "sequential"
	EntryBatch      LiquidationEntry = "batch"
)

// LiquidatedTrove records how one trove's collateral and debt were split.
// Coll and Debt are the reward-applied balances at the time of liquidation.
type LiquidatedTrove struct {
	Owner               uuid.UUID       `json:"owner"`
	Mode                LiquidationMode `json:"-"`
	ModeName            string          `json:"mode"`
	ICR                 *uint256.Int    `json:"icr"`
	Coll                state.Amounts   `json:"coll"`
	Debt                *uint256.Int    `json:"debt"`
	DebtOffset          *uint256.Int    `json:"debt_offset"`
	CollToPool          state.Amounts   `json:"coll_to_pool"`
	DebtRedistributed   *uint256.Int    `json:"debt_redistributed"`
	CollRedistributed   state.Amounts   `json:"coll_redistributed"`
	CollSurplus         state.Amounts   `json:"coll_surplus"`
	CollGasCompensation state.Amounts   `json:"coll_gas_compensation"`
}

// LiquidationTotals aggregates every trove liquidated in one call.
type LiquidationTotals struct {
	Coll                state.Amounts `json:"coll"`
	Debt                *uint256.Int  `json:"debt"`
	DebtOffset          *uint256.Int  `json:"debt_offset"`
	CollToPool          state.Amounts `json:"coll_to_pool"`
	DebtRedistributed   *uint256.Int  `json:"debt_redistributed"`
	CollRedistributed   state.Amounts `json:"coll_redistributed"`
	CollSurplus         state.Amounts `json:"coll_surplus"`
	CollGasCompensation state.Amounts `json:"coll_gas_compensation"`
	USDEGasCompensation *uint256.Int  `json:"usde_gas_compensation"`
}

func newLiquidationTotals() LiquidationTotals {
	return LiquidationTotals{
		Coll:                make(state.Amounts),
		Debt:                fpmath.Zero(),
		DebtOffset:          fpmath.Zero(),
		CollToPool:          make(state.Amounts),
		DebtRedistributed:   fpmath.Zero(),
		CollRedistributed:   make(state.Amounts),
		CollSurplus:         make(state.Amounts),
		CollGasCompensation: make(state.Amounts),
		USDEGasCompensation: fpmath.Zero(),
	}
}

func (t *LiquidationTotals) add(l LiquidatedTrove, gasComp *uint256.Int) {
	t.Coll = t.Coll.Plus(l.Coll)
	t.Debt = fpmath.Add(t.Debt, l.Debt)
	t.DebtOffset = fpmath.Add(t.DebtOffset, l.DebtOffset)
	t.CollToPool = t.CollToPool.Plus(l.CollToPool)
	t.DebtRedistributed = fpmath.Add(t.DebtRedistributed, l.DebtRedistributed)
	t.CollRedistributed = t.CollRedistributed.Plus(l.CollRedistributed)
	t.CollSurplus = t.CollSurplus.Plus(l.CollSurplus)
	t.CollGasCompensation = t.CollGasCompensation.Plus(l.CollGasCompensation)
	t.USDEGasCompensation = fpmath.Add(t.USDEGasCompensation, gasComp)
}

// SkippedTrove is a candidate that was evaluated and left alone.
type SkippedTrove struct {
	Owner  uuid.UUID `json:"owner"`
	Reason string    `json:"reason"`
}

// LiquidationResult is the outcome of a successful liquidation call.
type LiquidationResult struct {
	Liquidator          uuid.UUID         `json:"liquidator"`
	Entry               LiquidationEntry  `json:"entry"`
	Troves              []LiquidatedTrove `json:"troves"`
	Skipped             []SkippedTrove    `json:"skipped,omitempty"`
	Totals              LiquidationTotals `json:"totals"`
	RecoveryModeAtStart bool              `json:"recovery_mode_at_start"`
	RecoveryModeAtEnd   bool              `json:"recovery_mode_at_end"`
	TCRBefore           *uint256.Int      `json:"tcr_before"`
	TCRAfter            *uint256.Int      `json:"tcr_after"`
	Timestamp           int64             `json:"timestamp"`
	Batch               *ledger.Batch     `json:"-"`
}

// Owners lists the liquidated troves in execution order.
func (r *LiquidationResult) Owners() []uuid.UUID {
	out := make([]uuid.UUID, len(r.Troves))
	for i, t := range r.Troves {
		out[i] = t.Owner
	}
	return out
}

// splitLiquidation computes how a trove's reward-applied balances are
// divided for the given mode. poolDeposits is the stability pool size at
// the moment the trove is liquidated.
func splitLiquidation(p *state.Params, mode LiquidationMode, colls state.Amounts, debt, icr, poolDeposits *uint256.Int) LiquidatedTrove {
	l := LiquidatedTrove{
		Mode:                mode,
		ModeName:            mode.String(),
		ICR:                 icr.Clone(),
		Coll:                colls.Clone(),
		Debt:                debt.Clone(),
		DebtOffset:          fpmath.Zero(),
		CollToPool:          make(state.Amounts),
		DebtRedistributed:   fpmath.Zero(),
		CollRedistributed:   make(state.Amounts),
		CollSurplus:         make(state.Amounts),
		CollGasCompensation: make(state.Amounts),
	}
	divisor := fpmath.FromUint64(p.PercentDivisor)

	switch mode {
	case ModeFullRedistribution:
		l.CollGasCompensation = colls.Map(func(_ ledger.AssetID, v *uint256.Int) *uint256.Int {
			return fpmath.Div(v, divisor)
		})
		l.CollRedistributed = colls.Minus(l.CollGasCompensation)
		l.DebtRedistributed = debt.Clone()

	case ModePoolThenRedistribution:
		l.CollGasCompensation = colls.Map(func(_ ledger.AssetID, v *uint256.Int) *uint256.Int {
			return fpmath.Div(v, divisor)
		})
		rest := colls.Minus(l.CollGasCompensation)
		l.DebtOffset = fpmath.Min(debt, poolDeposits)
		if !l.DebtOffset.IsZero() {
			l.CollToPool = rest.Map(func(_ ledger.AssetID, v *uint256.Int) *uint256.Int {
				return fpmath.MulDiv(v, l.DebtOffset, debt, fpmath.RoundDown)
			})
		}
		l.CollRedistributed = rest.Minus(l.CollToPool)
		l.DebtRedistributed = fpmath.Sub(debt, l.DebtOffset)

	case ModeCappedOffsetWithSurplus:
		capped := colls.Map(func(_ ledger.AssetID, v *uint256.Int) *uint256.Int {
			return fpmath.MulDiv(v, p.MCR, icr, fpmath.RoundDown)
		})
		l.CollGasCompensation = capped.Map(func(_ ledger.AssetID, v *uint256.Int) *uint256.Int {
			return fpmath.Div(v, divisor)
		})
		l.CollToPool = capped.Minus(l.CollGasCompensation)
		l.DebtOffset = debt.Clone()
		l.CollSurplus = colls.Minus(capped)
	}

	l.CollGasCompensation = dropZero(l.CollGasCompensation)
	l.CollToPool = dropZero(l.CollToPool)
	l.CollRedistributed = dropZero(l.CollRedistributed)
	l.CollSurplus = dropZero(l.CollSurplus)
	return l
}

func dropZero(m state.Amounts) state.Amounts {
	for a, v := range m {
		if v.IsZero() {
			delete(m, a)
		}
	}
	return m
}

// liquidationRun is the state of one liquidation call. The journal batch is
// opened on the first executed trove so that calls which liquidate nothing
// leave no trace.
type liquidationRun struct {
	e          *Engine
	ctx        context.Context
	prices     oracle.Prices
	result     *LiquidationResult
	started    bool
	inRecovery bool
}

func (e *Engine) newRun(ctx context.Context, liquidator uuid.UUID, entry LiquidationEntry, asOf int64) (*liquidationRun, error) {
	if err := e.ready(ctx); err != nil {
		return nil, err
	}
	prices, err := e.snapshotPrices(asOf)
	if err != nil {
		return nil, err
	}
	tcr := e.coll.TCR(prices)
	rm := e.coll.IsRecoveryTCR(tcr)
	return &liquidationRun{
		e:          e,
		ctx:        ctx,
		prices:     prices,
		inRecovery: rm,
		result: &LiquidationResult{
			Liquidator:          liquidator,
			Entry:               entry,
			Totals:              newLiquidationTotals(),
			RecoveryModeAtStart: rm,
			TCRBefore:           tcr,
			Timestamp:           asOf,
		},
	}, nil
}

// evaluate classifies owner against the current system state. Read-only.
func (r *liquidationRun) evaluate(owner uuid.UUID) (Decision, *uint256.Int) {
	e := r.e
	t := e.troves.Get(owner)
	colls, debt := e.rewards.EntireDebtAndColl(t)
	icr := fpmath.ComputeCR(colls.Value(r.prices), debt)
	tcr := e.coll.TCR(r.prices)
	rm := e.coll.IsRecoveryTCR(tcr)

	if rm != r.inRecovery {
		e.logger.Info().
			Bool("recovery_mode", rm).
			Str("tcr", fpmath.Format(tcr)).
			Msg("mode transition during liquidation")
		if e.metrics != nil {
			e.metrics.ModeTransitions.Inc()
		}
		r.inRecovery = rm
	}

	d := Classify(Candidate{
		Active:       t.IsActive(),
		ActiveTroves: e.troves.ActiveCount(),
		ICR:          icr,
		Debt:         debt,
		TCR:          tcr,
		RecoveryMode: rm,
		PoolDeposits: e.sp.TotalDeposits(),
		MCR:          e.params.MCR,
	})
	return d, icr
}

func (r *liquidationRun) skip(owner uuid.UUID, reason SkipReason) {
	r.result.Skipped = append(r.result.Skipped, SkippedTrove{Owner: owner, Reason: reason.String()})
	r.e.logger.Debug().
		Str("owner", owner.String()).
		Str("reason", reason.String()).
		Msg("liquidation candidate skipped")
}

// execute liquidates one classified trove. Any error is an invariant
// violation; the caller halts the engine.
func (r *liquidationRun) execute(owner uuid.UUID, mode LiquidationMode, icr *uint256.Int) error {
	e := r.e
	if !r.started {
		e.begin(r.ctx, r.result.Timestamp)
		r.started = true
	}

	s, err := e.rewards.Sync(owner)
	if err != nil {
		return err
	}
	colls, debt := s.Drain()
	l := splitLiquidation(e.params, mode, colls, debt, icr, e.sp.TotalDeposits())
	l.Owner = owner

	if err := e.rewards.Close(s, state.StatusClosedByLiquidation); err != nil {
		return err
	}
	if err := e.registry.Remove(owner); err != nil {
		return err
	}
	if err := e.pools.ReserveGasCompensation(l.CollGasCompensation); err != nil {
		return fmt.Errorf("reserve gas compensation for %s: %w", owner, err)
	}
	if err := e.sp.Offset(l.DebtOffset, l.CollToPool); err != nil {
		return fmt.Errorf("offset %s: %w", owner, err)
	}
	for _, a := range l.CollSurplus.Assets() {
		if err := e.surplus.Credit(owner, a, l.CollSurplus[a]); err != nil {
			return err
		}
	}
	if err := e.rewards.Redistribute(l.CollRedistributed, l.DebtRedistributed); err != nil {
		return fmt.Errorf("redistribute %s: %w", owner, err)
	}

	r.result.Troves = append(r.result.Troves, l)
	r.result.Totals.add(l, e.params.GasCompensation)
	if e.metrics != nil {
		e.metrics.TrovesLiquidated.WithLabelValues(mode.String()).Inc()
	}
	e.logger.Info().
		Str("owner", owner.String()).
		Str("mode", mode.String()).
		Str("icr", fpmath.Format(icr)).
		Str("debt", fpmath.Format(debt)).
		Str("debt_offset", fpmath.Format(l.DebtOffset)).
		Str("debt_redistributed", fpmath.Format(l.DebtRedistributed)).
		Msg("trove liquidated")
	return nil
}

// finish pays the aggregate gas compensation and commits the batch.
func (r *liquidationRun) finish() (*LiquidationResult, error) {
	e := r.e
	res := r.result
	if len(res.Troves) == 0 {
		e.recordCall(res.Entry, "nothing")
		return nil, ErrNothingToLiquidate
	}

	e.rewards.UpdateSystemSnapshots()
	err := e.pools.PayGasCompensation(res.Liquidator, res.Totals.CollGasCompensation, res.Totals.USDEGasCompensation)
	if err != nil {
		return nil, r.abort(fmt.Errorf("pay gas compensation: %w", err))
	}
	res.Batch = e.commit()

	res.TCRAfter = e.coll.TCR(r.prices)
	res.RecoveryModeAtEnd = e.coll.IsRecoveryTCR(res.TCRAfter)
	e.recordCall(res.Entry, "ok")
	if e.metrics != nil {
		e.metrics.LiquidationTroves.Observe(float64(len(res.Troves)))
	}
	e.recordGauges(r.prices)

	e.logger.Info().
		Str("entry", string(res.Entry)).
		Str("liquidator", res.Liquidator.String()).
		Int("liquidated", len(res.Troves)).
		Int("skipped", len(res.Skipped)).
		Bool("recovery_mode_start", res.RecoveryModeAtStart).
		Bool("recovery_mode_end", res.RecoveryModeAtEnd).
		Str("tcr_before", fpmath.Format(res.TCRBefore)).
		Str("tcr_after", fpmath.Format(res.TCRAfter)).
		Msg("liquidation completed")
	return res, nil
}

func (r *liquidationRun) abort(err error) error {
	if r.started {
		r.e.journal.Rollback()
	}
	r.e.recordCall(r.result.Entry, "halted")
	return r.e.halt(err)
}

func (e *Engine) recordCall(entry LiquidationEntry, result string) {
	if e.metrics != nil {
		e.metrics.LiquidationCalls.WithLabelValues(string(entry), result).Inc()
	}
}

// Liquidate liquidates a single trove. It fails with ErrTroveNotActive when
// owner has no active trove and with ErrNothingToLiquidate when the trove is
// not eligible under the current mode.
func (e *Engine) Liquidate(ctx context.Context, liquidator, owner uuid.UUID, asOf int64) (*LiquidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.newRun(ctx, liquidator, EntrySingle, asOf)
	if err != nil {
		return nil, err
	}
	if !e.troves.IsActive(owner) {
		e.recordCall(EntrySingle, "rejected")
		return nil, fmt.Errorf("liquidate %s (%s): %w", owner, e.troves.Status(owner), ErrTroveNotActive)
	}

	d, icr := r.evaluate(owner)
	if d.Mode == ModeSkip {
		r.skip(owner, d.Reason)
		return r.finish()
	}

	if err := r.execute(owner, d.Mode, icr); err != nil {
		return nil, r.abort(err)
	}
	return r.finish()
}

// LiquidateSequential walks the registry from the lowest NICR and liquidates
// up to maxCount troves, re-evaluating Recovery Mode and TCR before each
// candidate.
func (e *Engine) LiquidateSequential(ctx context.Context, liquidator uuid.UUID, maxCount int, asOf int64) (*LiquidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if maxCount <= 0 {
		return nil, fmt.Errorf("%w: max count must be > 0, got %d", ErrInvalidInput, maxCount)
	}
	r, err := e.newRun(ctx, liquidator, EntrySequential, asOf)
	if err != nil {
		return nil, err
	}

	cur, ok := e.registry.First()
	for ok && len(r.result.Troves) < maxCount {
		next, hasNext := e.registry.Next(cur)

		d, icr := r.evaluate(cur)
		if d.Mode == ModeSkip {
			r.skip(cur, d.Reason)
			if d.Reason != SkipPoolCapacity || !e.sp.CanOffset() {
				break
			}
		} else if err := r.execute(cur, d.Mode, icr); err != nil {
			return nil, r.abort(err)
		}
		cur, ok = next, hasNext
	}
	return r.finish()
}

// LiquidateExplicitSet evaluates the given troves in order. Inactive and
// repeated ids are skipped.
func (e *Engine) LiquidateExplicitSet(ctx context.Context, liquidator uuid.UUID, owners []uuid.UUID, asOf int64) (*LiquidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(owners) == 0 {
		return nil, fmt.Errorf("%w: empty trove set", ErrInvalidInput)
	}
	r, err := e.newRun(ctx, liquidator, EntryBatch, asOf)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(owners))
	for _, owner := range owners {
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}

		d, icr := r.evaluate(owner)
		if d.Mode == ModeSkip {
			if d.Reason != SkipInactive {
				r.skip(owner, d.Reason)
			}
			continue
		}
		if err := r.execute(owner, d.Mode, icr); err != nil {
			return nil, r.abort(err)
		}
	}
	return r.finish()
}
