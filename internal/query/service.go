package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNoDatabase  = errors.New("history store not configured")
	ErrInvalidPage = errors.New("invalid page parameters")
)

// MaxPageSize caps history queries.
const MaxPageSize = 500

// QueryService answers read requests. Trove, pool and system state come
// straight from the in-memory engine; liquidation and journal history come
// from the PostgreSQL projections and event log. All responses carry
// as_of_sequence for freshness semantics.
type QueryService struct {
	engine *core.Engine
	db     *sql.DB // nil disables history queries
	seq    func() int64
	now    func() time.Time
}

// NewQueryService creates a query service. seq reports the sequence of the
// last processed command and may be nil.
func NewQueryService(engine *core.Engine, db *sql.DB, seq func() int64) *QueryService {
	if seq == nil {
		seq = func() int64 { return -1 }
	}
	return &QueryService{engine: engine, db: db, seq: seq, now: time.Now}
}

func (qs *QueryService) sequence() int64 { return qs.seq() }

func (qs *QueryService) asOf() int64 { return qs.now().UnixMicro() }

// GetSystem returns system totals with TCR and Recovery Mode evaluated at
// the current prices. Missing or stale prices leave TCR empty and fill
// PriceError instead of failing the request.
func (qs *QueryService) GetSystem() *SystemResponse {
	s := qs.engine.SystemState()
	p := qs.engine.Params()
	resp := &SystemResponse{
		ActiveTroves: s.ActiveTroves,
		ActiveColls:  toAssets(s.ActiveColls),
		ActiveDebt:   fpmath.ToDecimal(s.ActiveDebt),
		DefaultColls: toAssets(s.DefaultColls),
		DefaultDebt:  fpmath.ToDecimal(s.DefaultDebt),
		PoolDeposits: fpmath.ToDecimal(s.PoolDeposits),
		PoolColls:    toAssets(s.PoolColls),
		PoolScale:    s.PoolScale,
		PoolEpoch:    s.PoolEpoch,
		SurplusColls: toAssets(s.SurplusColls),
		GasPoolUSDE:  fpmath.ToDecimal(s.GasPoolUSDE),
		TotalStakes:  fpmath.ToDecimal(s.TotalStakes),
		LColl:        toAssets(s.LColl),
		LDebt:        fpmath.ToDecimal(s.LDebt),
		MCR:          fpmath.ToDecimal(p.MCR),
		CCR:          fpmath.ToDecimal(p.CCR),
		AsOfSequence: qs.sequence(),
	}
	if recovery, tcr, err := qs.engine.RecoveryMode(qs.asOf()); err != nil {
		resp.PriceError = err.Error()
	} else {
		resp.RecoveryMode = recovery
		resp.TCR = fpmath.Format(tcr)
	}
	if err := qs.engine.Halted(); err != nil {
		resp.Halted = err.Error()
	}
	return resp
}

// GetTrove returns owner's trove. A trove that never existed is
// ErrNotFound; closed troves are returned with their final status.
func (qs *QueryService) GetTrove(owner uuid.UUID) (*TroveResponse, error) {
	if qs.engine.TroveStatus(owner) == state.StatusNonExistent {
		return nil, fmt.Errorf("trove %s: %w", owner, ErrNotFound)
	}
	resp := qs.troveResponse(qs.engine.Trove(owner))
	if resp.Status == state.StatusActive.String() {
		if icr, err := qs.engine.TroveICR(owner, qs.asOf()); err == nil {
			resp.ICR = fpmath.Format(icr)
		}
	}
	return resp, nil
}

// ListTroves returns active troves in registry order, riskiest first.
// limit <= 0 returns them all.
func (qs *QueryService) ListTroves(limit int) []TroveResponse {
	views := qs.engine.Troves()
	if limit > 0 && limit < len(views) {
		views = views[:limit]
	}
	out := make([]TroveResponse, 0, len(views))
	for _, v := range views {
		out = append(out, *qs.troveResponse(v))
	}
	return out
}

func (qs *QueryService) troveResponse(v core.TroveView) *TroveResponse {
	return &TroveResponse{
		Owner:        v.Owner,
		Status:       v.Status,
		Colls:        toAssets(v.Colls),
		Debt:         fpmath.ToDecimal(v.Debt),
		Stake:        fpmath.ToDecimal(v.Stake),
		NICR:         fpmath.Format(v.NICR),
		ArrayIndex:   v.ArrayIndex,
		Version:      v.Version,
		AsOfSequence: qs.sequence(),
	}
}

// GetPoolDeposit returns the depositor's compounded deposit and gains.
func (qs *QueryService) GetPoolDeposit(depositor uuid.UUID) *DepositResponse {
	d := qs.engine.PoolDeposit(depositor)
	return &DepositResponse{
		Depositor:    depositor,
		Compounded:   fpmath.ToDecimal(d.Compounded),
		Gains:        toAssets(d.Gains),
		AsOfSequence: qs.sequence(),
	}
}

// GetSurplus returns the collateral owner can claim.
func (qs *QueryService) GetSurplus(owner uuid.UUID) *SurplusResponse {
	return &SurplusResponse{
		Owner:        owner,
		Claimable:    toAssets(qs.engine.SurplusBalance(owner)),
		AsOfSequence: qs.sequence(),
	}
}

// GetLiquidationHistory returns projected liquidations, newest first.
// owner may be uuid.Nil for all owners; before > 0 pages below a sequence.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	before int64,
) ([]LiquidationHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	if limit <= 0 || limit > MaxPageSize {
		return nil, fmt.Errorf("limit %d: %w", limit, ErrInvalidPage)
	}
	asOfSeq, err := projection.Watermark(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT sequence, owner, liquidator, entry, mode, icr::text, debt::text,
		       debt_offset::text, debt_redistributed::text, coll_surplus,
		       recovery_mode, timestamp
		FROM projections.liquidations
		WHERE ($1::uuid IS NULL OR owner = $1)
	`
	var ownerArg interface{}
	if owner != uuid.Nil {
		ownerArg = owner
	}
	args := []interface{}{ownerArg}
	argIdx := 2

	if before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, before)
		argIdx++
	}

	query += " ORDER BY sequence DESC, owner"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []LiquidationHistoryEntry
	for rows.Next() {
		var (
			h                                 LiquidationHistoryEntry
			icr, debt, offset, redistributed string
			surplus                           []byte
		)
		if err := rows.Scan(
			&h.Sequence, &h.Owner, &h.Liquidator, &h.Entry, &h.Mode, &icr, &debt,
			&offset, &redistributed, &surplus, &h.RecoveryMode, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		if h.ICR, err = scaled(icr); err != nil {
			return nil, err
		}
		if h.Debt, err = scaled(debt); err != nil {
			return nil, err
		}
		if h.DebtOffset, err = scaled(offset); err != nil {
			return nil, err
		}
		if h.DebtRedistributed, err = scaled(redistributed); err != nil {
			return nil, err
		}
		if h.CollSurplus, err = scaledAssets(surplus); err != nil {
			return nil, err
		}
		h.AsOfSequence = asOfSeq
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's accounts,
// newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	if limit <= 0 || limit > MaxPageSize {
		return nil, fmt.Errorf("limit %d: %w", limit, ErrInvalidPage)
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e       JournalHistoryEntry
			assetID uint16
			amount  string
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &assetID, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Asset = ledger.AssetID(assetID).String()
		if e.Amount, err = scaled(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted hash chain and the live engine's
// invariants. Without a database only the engine is checked.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.engine.CheckInvariants(); err != nil {
		report.InvariantError = err.Error()
	}

	if qs.db != nil {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT e1.sequence
			FROM event_log.events e1
			JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
			WHERE e1.prev_hash != e2.state_hash
			ORDER BY e1.sequence
			LIMIT 10
		`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				return nil, err
			}
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.InvariantError == ""
	return report, nil
}

// --- helpers ---

// scaled converts a NUMERIC(78,0) column holding an 18-decimal fixed point
// integer into a human decimal.
func scaled(s string) (decimal.Decimal, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("numeric %q: %w", s, err)
	}
	return fpmath.ToDecimal(v), nil
}

func scaledAssets(raw []byte) (Assets, error) {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	out := make(Assets, len(m))
	for asset, s := range m {
		d, err := scaled(s)
		if err != nil {
			return nil, err
		}
		out[asset] = d
	}
	return out, nil
}
