package projection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"TroveLedger/internal/observability"

	"github.com/rs/zerolog"
)

// ProjectionOutput is the projection view of one logged command. The
// service bridges core outputs into this shape.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	Timestamp      int64
	Rejected       bool
	JournalEntries []JournalEntry
	Troves         []TroveRow
	Liquidations   []LiquidationRow
	SurplusCredits []SurplusRow
	SurplusClaimed []string // owners whose escrow was paid out
}

// JournalEntry is a simplified journal for projection consumption.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        string // integer scaled by 1e18
}

// ProjectionWorker updates projection tables from processed commands. The
// projection channel drops when full, so projections are eventually
// consistent and can be rebuilt.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop. Outputs at or below the stored
// watermark were already projected and are skipped, which keeps startup
// replay from applying balance deltas twice.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	wm, err := Watermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = wm

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Sequence <= pw.lastSeq {
				continue
			}
			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.EventType).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if !output.Rejected {
		for _, j := range output.JournalEntries {
			if err := updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
		for _, t := range output.Troves {
			if err := upsertTrove(ctx, tx, t, output.Sequence); err != nil {
				return fmt.Errorf("trove projection: %w", err)
			}
		}
		for _, l := range output.Liquidations {
			if err := insertLiquidation(ctx, tx, l, output.Sequence); err != nil {
				return fmt.Errorf("liquidation projection: %w", err)
			}
		}
		for _, s := range output.SurplusCredits {
			if err := creditSurplus(ctx, tx, s, output.Sequence); err != nil {
				return fmt.Errorf("surplus projection: %w", err)
			}
		}
		for _, owner := range output.SurplusClaimed {
			if err := clearSurplus(ctx, tx, owner); err != nil {
				return fmt.Errorf("surplus projection: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection applies one journal: the debit account grows and
// the credit account shrinks. External accounts are not projected.
func updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if !isExternal(j.DebitAccount) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
		`, j.DebitAccount, j.AssetID, j.Amount, seq); err != nil {
			return err
		}
	}

	if !isExternal(j.CreditAccount) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, -$3::numeric, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance - $3::numeric, last_sequence = $4
		`, j.CreditAccount, j.AssetID, j.Amount, seq); err != nil {
			return err
		}
	}
	return nil
}

func isExternal(path string) bool {
	return strings.HasPrefix(path, "external:")
}

// Watermark returns the last projected sequence, -1 when nothing was
// projected yet.
func Watermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows || (err == nil && !seq.Valid) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// RebuildBalances rebuilds projections.balances from the journal. Trove,
// liquidation and surplus projections are rebuilt by replaying the event
// log through the core.
func RebuildBalances(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence
			FROM event_log.journal
		) flows
		WHERE account_path NOT LIKE 'external:%'
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("balance projection rebuilt")
	return nil
}
