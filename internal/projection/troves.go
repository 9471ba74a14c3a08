package projection

import (
	"context"
	"database/sql"
	"encoding/json"
)

// TroveRow is the projected record of one trove after a command.
type TroveRow struct {
	Owner      string
	Status     string
	Debt       string
	Colls      map[string]string // asset symbol -> 1e18-scaled integer
	Stake      string
	NICR       string
	ArrayIndex int
	Version    int64
}

// LiquidationRow records how one trove was liquidated.
type LiquidationRow struct {
	Owner               string
	Liquidator          string
	Entry               string
	Mode                string
	ICR                 string
	Debt                string
	Coll                map[string]string
	DebtOffset          string
	CollToPool          map[string]string
	DebtRedistributed   string
	CollRedistributed   map[string]string
	CollSurplus         map[string]string
	CollGasCompensation map[string]string
	RecoveryMode        bool
	Timestamp           int64
}

// SurplusRow is collateral escrowed for an owner by a liquidation.
type SurplusRow struct {
	Owner   string
	AssetID uint16
	Amount  string
}

func upsertTrove(ctx context.Context, tx *sql.Tx, t TroveRow, seq int64) error {
	colls, err := json.Marshal(t.Colls)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.troves
			(owner, status, debt, colls, stake, nicr, array_index, version, last_sequence, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5::numeric, $6::numeric, $7, $8, $9, NOW())
		ON CONFLICT (owner) DO UPDATE SET
			status = $2, debt = $3::numeric, colls = $4, stake = $5::numeric, nicr = $6::numeric,
			array_index = $7, version = $8, last_sequence = $9, updated_at = NOW()
		WHERE projections.troves.last_sequence <= $9
	`, t.Owner, t.Status, t.Debt, colls, t.Stake, t.NICR, t.ArrayIndex, t.Version, seq)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, l LiquidationRow, seq int64) error {
	coll, err := json.Marshal(l.Coll)
	if err != nil {
		return err
	}
	toPool, err := json.Marshal(l.CollToPool)
	if err != nil {
		return err
	}
	redistributed, err := json.Marshal(l.CollRedistributed)
	if err != nil {
		return err
	}
	surplus, err := json.Marshal(l.CollSurplus)
	if err != nil {
		return err
	}
	gasComp, err := json.Marshal(l.CollGasCompensation)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, owner, liquidator, entry, mode, icr, debt, coll, debt_offset, coll_to_pool,
			 debt_redistributed, coll_redistributed, coll_surplus, coll_gas_compensation, recovery_mode, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9::numeric, $10,
			$11::numeric, $12, $13, $14, $15, $16)
		ON CONFLICT (sequence, owner) DO NOTHING
	`, seq, l.Owner, l.Liquidator, l.Entry, l.Mode, l.ICR, l.Debt, coll, l.DebtOffset, toPool,
		l.DebtRedistributed, redistributed, surplus, gasComp, l.RecoveryMode, l.Timestamp)
	return err
}

func creditSurplus(ctx context.Context, tx *sql.Tx, s SurplusRow, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.surplus (owner, asset_id, amount, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (owner, asset_id) DO UPDATE SET
			amount = projections.surplus.amount + $3::numeric, last_sequence = $4
		WHERE projections.surplus.last_sequence < $4
	`, s.Owner, s.AssetID, s.Amount, seq)
	return err
}

func clearSurplus(ctx context.Context, tx *sql.Tx, owner string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections.surplus WHERE owner = $1`, owner)
	return err
}
