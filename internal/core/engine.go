package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DeterministicCore is the single-threaded command processor. It dedups and
// orders commands, applies them to the Engine, chains a state hash over the
// results and hands every applied command to the persistence and projection
// shells.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	engine            *Engine
	prices            *oracle.Store
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	invariantEvery    int64
	logger            zerolog.Logger
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream needs to know about one applied
// command. Exactly one of the result fields is set for accepted commands.
type CoreOutput struct {
	Envelope    *event.EventEnvelope
	Batch       *ledger.Batch
	Troves      []TroveView
	Liquidation *LiquidationResult
	Pool        *PoolUpdate
	Surplus     *SurplusClaim
	Price       *oracle.Quote
	System      SystemState
}

// CoreConfig tunes the processor.
type CoreConfig struct {
	StartSequence       int64
	IdempotencyCapacity int
	// InvariantEvery runs the O(n) invariant sweep every N commands; 0 disables it.
	InvariantEvery int64
}

func NewDeterministicCore(
	cfg CoreConfig,
	engine *Engine,
	prices *oracle.Store,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *DeterministicCore {
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	return &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		engine:            engine,
		prices:            prices,
		idempotency:       NewIdempotencyChecker(capacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		invariantEvery:    cfg.InvariantEvery,
		logger:            logger,
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline. A non-nil error means the
// command was not logged: it was out of order, or the engine halted.
// Commands the engine refuses are logged with their rejection reason.
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	if err := c.engine.Halted(); err != nil {
		return err
	}

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()

	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		if !c.sequenceValidator.ValidatePriceSequence(priceEvt.Asset, priceEvt.PriceSequence) {
			c.reject(eventType, "stale_price")
			return nil
		}
	} else if partition != "" {
		if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate); err != nil {
			return err
		}
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	// Step 3: Dispatch
	cmdCtx := WithCommand(ctx, idempotencyKey, c.sequence)
	output, err := c.dispatch(cmdCtx, evt)
	var rejection string
	switch {
	case err == nil:
	case errors.Is(err, ErrInvariantViolation):
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "halted").Inc()
		}
		c.logger.Error().Err(err).
			Str("event_type", eventType).
			Str("key", idempotencyKey).
			Int64("sequence", c.sequence).
			Msg("core halted")
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		rejection = err.Error()
		output = CoreOutput{}
		c.reject(eventType, rejectReason(err))
		c.logger.Info().
			Str("event_type", eventType).
			Str("key", idempotencyKey).
			Str("reason", rejection).
			Msg("command rejected")
	}
	output.System = c.engine.SystemState()

	// Step 4: State hash over the touched accounts and troves
	stateDigest := c.computeStateDigest(output.Batch, output.Troves, rejection)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	output.Envelope = &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      time.UnixMicro(evt.Time()),
		SourceSequence: sourceSequence,
		Payload:        payload,
		Rejection:      rejection,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++

	// Step 5: Periodic invariant sweep
	if c.invariantEvery > 0 && c.sequence%c.invariantEvery == 0 {
		if err := c.engine.CheckInvariants(); err != nil {
			c.engine.mu.Lock()
			halted := c.engine.halt(err)
			c.engine.mu.Unlock()
			return halted
		}
	}

	// Step 6: Emit. Persistence blocks (backpressure), projections drop
	// when full and catch up by rebuild.
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues(eventType).Inc()
			}
		}
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
	}
	return nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
		if reason == "stale_price" {
			c.metrics.PriceUpdatesIgnored.WithLabelValues(eventType).Inc()
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNothingToLiquidate):
		return "nothing_to_liquidate"
	case errors.Is(err, ErrStaleData):
		return "stale_data"
	case errors.Is(err, ErrInsufficientCollateralRatio):
		return "collateral_ratio"
	case errors.Is(err, ErrTroveNotActive):
		return "trove_not_active"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}

func (c *DeterministicCore) dispatch(ctx context.Context, evt event.Event) (CoreOutput, error) {
	switch e := evt.(type) {
	case *event.PriceUpdate:
		return c.handlePriceUpdate(e)
	case *event.TroveOpen:
		return c.handleTroveOpen(ctx, e)
	case *event.TroveAdjust:
		return c.handleTroveAdjust(ctx, e)
	case *event.TroveClose:
		up, err := c.engine.CloseTrove(ctx, e.Owner, e.Timestamp)
		return troveOutput(up, err)
	case *event.PoolProvide:
		up, err := c.engine.ProvideToPool(ctx, e.Depositor, e.Amount, e.Timestamp)
		if err != nil {
			return CoreOutput{}, err
		}
		return CoreOutput{Batch: up.Batch, Pool: up}, nil
	case *event.PoolWithdraw:
		up, err := c.engine.WithdrawFromPool(ctx, e.Depositor, e.Amount, e.Timestamp)
		if err != nil {
			return CoreOutput{}, err
		}
		return CoreOutput{Batch: up.Batch, Pool: up}, nil
	case *event.SurplusClaim:
		claim, err := c.engine.ClaimSurplus(ctx, e.Owner, e.Timestamp)
		if err != nil {
			return CoreOutput{}, err
		}
		return CoreOutput{Batch: claim.Batch, Surplus: claim}, nil
	case *event.LiquidationRequest:
		return c.handleLiquidation(ctx, e)
	default:
		return CoreOutput{}, fmt.Errorf("%w: unknown event type %T", ErrInvalidInput, evt)
	}
}

// handlePriceUpdate stores the quote. Price updates produce no journals.
func (c *DeterministicCore) handlePriceUpdate(evt *event.PriceUpdate) (CoreOutput, error) {
	asset, ok := ledger.GetAssetID(evt.Asset)
	if !ok || !c.engine.Params().IsCollateral(asset) {
		return CoreOutput{}, fmt.Errorf("price for %s: %w", evt.Asset, ErrUnknownAsset)
	}
	if err := checkRange("price for "+evt.Asset, evt.Price); err != nil {
		return CoreOutput{}, err
	}
	if _, err := c.prices.Update(asset, evt.Price, evt.PriceSequence, evt.PriceTimestamp); err != nil {
		return CoreOutput{}, fmt.Errorf("%w: %w", ErrStaleData, err)
	}
	q := oracle.Quote{Price: evt.Price.Clone(), Sequence: evt.PriceSequence, Timestamp: evt.PriceTimestamp}
	return CoreOutput{Price: &q}, nil
}

func (c *DeterministicCore) handleTroveOpen(ctx context.Context, evt *event.TroveOpen) (CoreOutput, error) {
	colls, err := toAmounts(evt.Collateral)
	if err != nil {
		return CoreOutput{}, err
	}
	up, err := c.engine.OpenTrove(ctx, evt.Owner, colls, evt.NetDebt, evt.Hint, evt.Timestamp)
	return troveOutput(up, err)
}

func (c *DeterministicCore) handleTroveAdjust(ctx context.Context, evt *event.TroveAdjust) (CoreOutput, error) {
	in, err := toAmounts(evt.CollIn)
	if err != nil {
		return CoreOutput{}, err
	}
	out, err := toAmounts(evt.CollOut)
	if err != nil {
		return CoreOutput{}, err
	}
	up, err := c.engine.AdjustTrove(ctx, evt.Owner, Adjustment{
		CollIn:       in,
		CollOut:      out,
		DebtIncrease: evt.DebtIncrease,
		DebtRepay:    evt.DebtRepay,
		Hint:         evt.Hint,
	}, evt.Timestamp)
	return troveOutput(up, err)
}

// handleLiquidation runs one liquidation call. The liquidated troves are
// reported in execution order so the digest is deterministic.
func (c *DeterministicCore) handleLiquidation(ctx context.Context, evt *event.LiquidationRequest) (CoreOutput, error) {
	if err := evt.Validate(); err != nil {
		return CoreOutput{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var (
		res *LiquidationResult
		err error
	)
	switch evt.Entry {
	case event.LiquidateSingle:
		res, err = c.engine.Liquidate(ctx, evt.Liquidator, evt.Owners[0], evt.Timestamp)
	case event.LiquidateSequential:
		res, err = c.engine.LiquidateSequential(ctx, evt.Liquidator, evt.MaxCount, evt.Timestamp)
	case event.LiquidateBatch:
		res, err = c.engine.LiquidateExplicitSet(ctx, evt.Liquidator, evt.Owners, evt.Timestamp)
	}
	if err != nil {
		return CoreOutput{}, err
	}

	troves := make([]TroveView, 0, len(res.Troves))
	for _, owner := range res.Owners() {
		troves = append(troves, c.engine.Trove(owner))
	}
	return CoreOutput{Batch: res.Batch, Troves: troves, Liquidation: res}, nil
}

func troveOutput(up *TroveUpdate, err error) (CoreOutput, error) {
	if err != nil {
		return CoreOutput{}, err
	}
	return CoreOutput{Batch: up.Batch, Troves: []TroveView{up.Trove}}, nil
}

func toAmounts(c event.Collateral) (state.Amounts, error) {
	out := make(state.Amounts, len(c))
	for name, v := range c {
		asset, ok := ledger.GetAssetID(name)
		if !ok || asset == ledger.AssetUSDE {
			return nil, fmt.Errorf("asset %q: %w", name, ErrUnknownAsset)
		}
		if v != nil && !v.IsZero() {
			out.Add(asset, v)
		}
	}
	return out, nil
}

// computeStateDigest creates canonical bytes for the state hash: the post
// balances of every account the batch touched (sorted by path), then the
// touched troves in order, then the rejection text.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, troves []TroveView, rejection string) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		balance := c.engine.tracker.GetBalance(key).Bytes32()
		digest = append(digest, balance[:]...)
	}

	owners := make([]uuid.UUID, len(troves))
	for i, t := range troves {
		owners[i] = t.Owner
	}
	digest = append(digest, c.engine.TroveDigest(owners)...)
	return append(digest, rejection...)
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState is the core's full restorable state.
type SnapshotState struct {
	Sequence        int64                         `json:"sequence"`
	StateHash       [32]byte                      `json:"state_hash"`
	Engine          *EngineState                  `json:"engine"`
	Prices          map[ledger.AssetID]oracle.Quote `json:"prices"`
	SequenceState   map[string]int64              `json:"sequence_state"`
	IdempotencyKeys []string                      `json:"idempotency_keys"`
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// It must run before any command is processed.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.engine.Import(snap.Engine); err != nil {
		return fmt.Errorf("restore engine: %w", err)
	}
	c.prices.Restore(snap.Prices)
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// GetSequence returns the next global sequence to be assigned.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Engine returns the wrapped engine for read-only queries.
func (c *DeterministicCore) Engine() *Engine {
	return c.engine
}

// CreateSnapshotState captures the current in-memory state for persistence.
// It must be called from the goroutine that runs ProcessEvent.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Engine:          c.engine.Export(),
		Prices:          c.prices.Quotes(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}
