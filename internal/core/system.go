package core

import (
	"context"
	"fmt"
	"sync"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/sorted"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Engine owns the trove registry, the reward accumulators, the pools and the
// surplus escrow. Every public method holds an exclusive lock for the whole
// call, so calls are strictly serialised.
type Engine struct {
	mu     sync.Mutex
	halted error

	params    *state.Params
	prices    oracle.PriceFeed
	tracker   *ledger.BalanceTracker
	journal   *ledger.JournalGenerator
	validator *ledger.InvariantValidator
	pools     *state.Pools
	troves    *state.TroveStore
	rewards   *state.RewardAccumulator
	coll      *state.CollateralLedger
	sp        *state.StabilityPool
	surplus   *state.SurplusPool
	registry  *sorted.SortedTroves

	logger  zerolog.Logger
	metrics *observability.Metrics
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine validates params and builds an empty system.
func NewEngine(params *state.Params, prices oracle.PriceFeed, opts ...Option) (*Engine, error) {
	if err := state.ValidateParams(params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	tracker := ledger.NewBalanceTracker()
	journal := ledger.NewJournalGenerator(1, tracker)
	pools := state.NewPools(params, tracker, journal)
	troves := state.NewTroveStore()
	rewards := state.NewRewardAccumulator(params, troves, pools)

	e := &Engine{
		params:    params,
		prices:    prices,
		tracker:   tracker,
		journal:   journal,
		validator: ledger.NewInvariantValidator(tracker),
		pools:     pools,
		troves:    troves,
		rewards:   rewards,
		coll:      state.NewCollateralLedger(params, troves, rewards, pools),
		sp:        state.NewStabilityPool(params, pools),
		surplus:   state.NewSurplusPool(pools),
		registry:  sorted.NewSortedTroves(params.RegistryCapacity),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type commandKey struct{}

type commandMeta struct {
	ref      string
	sequence int64
}

// WithCommand tags ctx with the command's idempotency key and global
// sequence; the journal batch produced by the call carries both.
func WithCommand(ctx context.Context, ref string, sequence int64) context.Context {
	return context.WithValue(ctx, commandKey{}, commandMeta{ref: ref, sequence: sequence})
}

func commandFrom(ctx context.Context) commandMeta {
	m, _ := ctx.Value(commandKey{}).(commandMeta)
	return m
}

// ready rejects calls on a halted engine or a cancelled context.
func (e *Engine) ready(ctx context.Context) error {
	if e.halted != nil {
		return e.halted
	}
	return ctx.Err()
}

// Halted returns the error that stopped the engine, or nil.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

func (e *Engine) halt(err error) error {
	e.halted = fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	e.logger.Error().Err(err).Msg("engine halted")
	if e.metrics != nil {
		e.metrics.CoreHalted.Set(1)
	}
	return e.halted
}

func (e *Engine) snapshotPrices(asOf int64) (oracle.Prices, error) {
	prices, err := e.prices.Snapshot(e.params.Collaterals, asOf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStaleData, err)
	}
	return prices, nil
}

func (e *Engine) begin(ctx context.Context, asOf int64) {
	meta := commandFrom(ctx)
	if meta.sequence > 0 {
		e.journal.SetSequence(meta.sequence)
	}
	e.journal.Begin(meta.ref, asOf)
}

func (e *Engine) commit() *ledger.Batch {
	batch := e.journal.Commit()
	if batch != nil && e.metrics != nil {
		for _, j := range batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	return batch
}

// apply runs a mutation whose preconditions have already been checked. Any
// error from fn means bookkeeping is broken and halts the engine.
func (e *Engine) apply(ctx context.Context, asOf int64, fn func() error) (*ledger.Batch, error) {
	e.begin(ctx, asOf)
	if err := fn(); err != nil {
		e.journal.Rollback()
		return nil, e.halt(err)
	}
	return e.commit(), nil
}

func (e *Engine) checkAssets(colls state.Amounts) error {
	for a := range colls {
		if !e.params.IsCollateral(a) {
			return fmt.Errorf("asset %d: %w", a, ErrUnknownAsset)
		}
		if err := fpmath.CheckRange(colls[a]); err != nil {
			return fmt.Errorf("%w: asset %d: %w", ErrInvalidInput, a, err)
		}
	}
	return nil
}

func checkRange(field string, v *uint256.Int) error {
	if err := fpmath.CheckRange(v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidInput, field, err)
	}
	return nil
}

// --- Read accessors ---

// TroveStatus returns the lifecycle status of owner's trove.
func (e *Engine) TroveStatus(owner uuid.UUID) state.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.troves.Status(owner)
}

// TroveStake returns the stored stake.
func (e *Engine) TroveStake(owner uuid.UUID) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.troves.Get(owner).Stake()
}

// TroveDebt returns the debt including pending redistribution.
func (e *Engine) TroveDebt(owner uuid.UUID) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, debt := e.rewards.EntireDebtAndColl(e.troves.Get(owner))
	return debt
}

// TroveColls returns the collateral including pending redistribution.
func (e *Engine) TroveColls(owner uuid.UUID) state.Amounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	colls, _ := e.rewards.EntireDebtAndColl(e.troves.Get(owner))
	return colls
}

// TroveView is a read-only picture of one trove.
type TroveView struct {
	Owner       uuid.UUID     `json:"owner"`
	Status      string        `json:"status"`
	ArrayIndex  int           `json:"array_index"`
	Colls       state.Amounts `json:"colls"`
	Debt        *uint256.Int  `json:"debt"`
	StoredColls state.Amounts `json:"stored_colls"`
	StoredDebt  *uint256.Int  `json:"stored_debt"`
	Stake       *uint256.Int  `json:"stake"`
	NICR        *uint256.Int  `json:"nicr"`
	Version     int64         `json:"version"`
}

func (e *Engine) troveView(owner uuid.UUID) TroveView {
	t := e.troves.Get(owner)
	colls, debt := e.rewards.EntireDebtAndColl(t)
	return TroveView{
		Owner:       owner,
		Status:      t.Status.String(),
		ArrayIndex:  t.ArrayIndex,
		Colls:       colls,
		Debt:        debt,
		StoredColls: t.StoredColls(),
		StoredDebt:  t.StoredDebt(),
		Stake:       t.Stake(),
		NICR:        fpmath.ComputeNominalCR(colls.Nominal(), debt),
		Version:     t.Version,
	}
}

// Trove returns a view of owner's trove.
func (e *Engine) Trove(owner uuid.UUID) TroveView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.troveView(owner)
}

// Troves returns every active trove in registry order, lowest NICR first.
func (e *Engine) Troves() []TroveView {
	e.mu.Lock()
	defer e.mu.Unlock()
	owners := e.registry.Owners()
	out := make([]TroveView, 0, len(owners))
	for _, o := range owners {
		out = append(out, e.troveView(o))
	}
	return out
}

// TroveICR returns owner's reward-applied ICR at the prices valid at asOf.
func (e *Engine) TroveICR(owner uuid.UUID, asOf int64) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prices, err := e.snapshotPrices(asOf)
	if err != nil {
		return nil, err
	}
	return e.coll.CurrentICR(owner, prices), nil
}

// RecoveryMode reports TCR < CCR at the prices valid at asOf, along with
// the TCR.
func (e *Engine) RecoveryMode(asOf int64) (bool, *uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prices, err := e.snapshotPrices(asOf)
	if err != nil {
		return false, nil, err
	}
	tcr := e.coll.TCR(prices)
	return e.coll.IsRecoveryTCR(tcr), tcr, nil
}

// DepositView is a stability pool depositor's position.
type DepositView struct {
	Depositor  uuid.UUID     `json:"depositor"`
	Compounded *uint256.Int  `json:"compounded"`
	Gains      state.Amounts `json:"gains"`
}

// PoolDeposit returns the depositor's compounded deposit and pending gains.
func (e *Engine) PoolDeposit(depositor uuid.UUID) DepositView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depositView(depositor)
}

// SurplusBalance returns what owner can claim from the escrow.
func (e *Engine) SurplusBalance(owner uuid.UUID) state.Amounts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.surplus.Balance(owner)
}

// WalletBalance returns an asset balance held in a user's wallet account.
func (e *Engine) WalletBalance(owner uuid.UUID, asset ledger.AssetID) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.GetWalletBalance(owner, asset)
}

// Params returns the engine's risk parameters.
func (e *Engine) Params() *state.Params {
	return e.params
}

// TroveDigest concatenates the canonical bytes of the given troves in order.
func (e *Engine) TroveDigest(owners []uuid.UUID) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	var buf []byte
	for _, o := range owners {
		buf = append(buf, e.troves.Get(o).CanonicalBytes()...)
	}
	return buf
}

// SystemState is the inspection surface of the whole system.
type SystemState struct {
	ActiveTroves            int           `json:"active_troves"`
	TotalStakes             *uint256.Int  `json:"total_stakes"`
	TotalStakesSnapshot     *uint256.Int  `json:"total_stakes_snapshot"`
	TotalCollateralSnapshot *uint256.Int  `json:"total_collateral_snapshot"`
	ActiveColls             state.Amounts `json:"active_colls"`
	ActiveDebt              *uint256.Int  `json:"active_debt"`
	DefaultColls            state.Amounts `json:"default_colls"`
	DefaultDebt             *uint256.Int  `json:"default_debt"`
	LColl                   state.Amounts `json:"l_coll"`
	LDebt                   *uint256.Int  `json:"l_debt"`
	PoolDeposits            *uint256.Int  `json:"pool_deposits"`
	PoolColls               state.Amounts `json:"pool_colls"`
	PoolP                   *uint256.Int  `json:"pool_p"`
	PoolScale               uint64        `json:"pool_scale"`
	PoolEpoch               uint64        `json:"pool_epoch"`
	SurplusColls            state.Amounts `json:"surplus_colls"`
	GasPoolColls            state.Amounts `json:"gas_pool_colls"`
	GasPoolUSDE             *uint256.Int  `json:"gas_pool_usde"`
}

func (e *Engine) systemState() SystemState {
	lColl, lDebt := e.rewards.L()
	surplus := make(state.Amounts)
	for _, a := range e.params.Collaterals {
		surplus.Add(a, e.surplus.Total(a))
	}
	return SystemState{
		ActiveTroves:            e.troves.ActiveCount(),
		TotalStakes:             e.rewards.TotalStakes(),
		TotalStakesSnapshot:     e.rewards.TotalStakesSnapshot(),
		TotalCollateralSnapshot: e.rewards.TotalCollateralSnapshot(),
		ActiveColls:             e.pools.ActiveColls(),
		ActiveDebt:              e.pools.ActiveDebt(),
		DefaultColls:            e.pools.DefaultColls(),
		DefaultDebt:             e.pools.DefaultDebt(),
		LColl:                   lColl,
		LDebt:                   lDebt,
		PoolDeposits:            e.sp.TotalDeposits(),
		PoolColls:               e.sp.Collateral(),
		PoolP:                   e.sp.P(),
		PoolScale:               e.sp.CurrentScale(),
		PoolEpoch:               e.sp.CurrentEpoch(),
		SurplusColls:            surplus,
		GasPoolColls:            e.pools.GasPoolColls(),
		GasPoolUSDE:             e.pools.GasPoolUSDE(),
	}
}

// SystemState returns the current system totals.
func (e *Engine) SystemState() SystemState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.systemState()
}

// CheckInvariants verifies ledger conservation, Σstake == totalStakes and
// registry ordering. It is O(n) and meant for periodic use.
func (e *Engine) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validator.ValidateConservation(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}

	sum := fpmath.Zero()
	for _, o := range e.troves.Owners() {
		sum = fpmath.Add(sum, e.troves.Get(o).Stake())
	}
	if !sum.Eq(e.rewards.TotalStakes()) {
		return fmt.Errorf("%w: sum of stakes %s != total stakes %s",
			ErrInvariantViolation, sum.Dec(), e.rewards.TotalStakes().Dec())
	}

	if e.registry.Size() != e.troves.ActiveCount() {
		return fmt.Errorf("%w: registry holds %d troves, %d active",
			ErrInvariantViolation, e.registry.Size(), e.troves.ActiveCount())
	}
	var prev *uint256.Int
	for _, entry := range e.registry.Entries() {
		if prev != nil && entry.NICR.Lt(prev) {
			return fmt.Errorf("%w: registry out of order at %s", ErrInvariantViolation, entry.Owner)
		}
		prev = entry.NICR
	}
	return nil
}

func (e *Engine) recordGauges(prices oracle.Prices) {
	if e.metrics == nil {
		return
	}
	tcr := e.coll.TCR(prices)
	if !tcr.Eq(fpmath.MaxUint256) {
		f, _ := fpmath.ToDecimal(tcr).Float64()
		e.metrics.TotalCollateralRat.Set(f)
	}
	observability.SetBool(e.metrics.RecoveryMode, e.coll.IsRecoveryTCR(tcr))
	e.metrics.ActiveTroves.Set(float64(e.troves.ActiveCount()))
	e.metrics.PoolScale.Set(float64(e.sp.CurrentScale()))
	e.metrics.PoolEpoch.Set(float64(e.sp.CurrentEpoch()))
	deposits, _ := fpmath.ToDecimal(e.sp.TotalDeposits()).Float64()
	e.metrics.PoolDeposits.Set(deposits)
	gas, _ := fpmath.ToDecimal(e.pools.GasPoolUSDE()).Float64()
	e.metrics.GasPoolUSDE.Set(gas)
	def, _ := fpmath.ToDecimal(e.pools.DefaultDebt()).Float64()
	e.metrics.DefaultDebt.Set(def)
	act, _ := fpmath.ToDecimal(e.pools.ActiveDebt()).Float64()
	e.metrics.ActivePoolDbt.Set(act)
	for _, a := range e.params.Collaterals {
		v, _ := fpmath.ToDecimal(e.surplus.Total(a)).Float64()
		e.metrics.SurplusTotal.WithLabelValues(a.String()).Set(v)
	}
}
