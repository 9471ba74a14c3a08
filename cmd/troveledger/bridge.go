package main

import (
	"context"
	"encoding/hex"

	"TroveLedger/internal/core"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// bridge converts core outputs into the persistence, projection and
// outbound formats. This keeps core free of the shell packages.
type bridge struct {
	persistIn     <-chan core.CoreOutput
	projectionIn  <-chan core.CoreOutput
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	publishOut    chan<- ingestion.PublishableEvent

	// outputs below persistFrom were replayed from the event log and are
	// already persisted and published
	persistFrom int64

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Run forwards until both inputs are closed or ctx is done. The persist
// path blocks so the core inherits persistence backpressure; projection
// and publish paths drop when full.
func (b *bridge) Run(ctx context.Context) error {
	persistIn, projectionIn := b.persistIn, b.projectionIn
	for persistIn != nil || projectionIn != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			if output.Envelope.Sequence < b.persistFrom {
				continue
			}
			select {
			case b.persistOut <- persistRow(output):
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case b.publishOut <- publishable(output):
			default:
				if b.metrics != nil {
					b.metrics.PublishDrops.Inc()
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case b.projectionOut <- projectionRow(output):
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues(output.Envelope.EventType.String()).Inc()
				}
				b.logger.Debug().Int64("sequence", output.Envelope.Sequence).Msg("projection channel full, output dropped")
			}
		}
	}
	return nil
}

func persistRow(output core.CoreOutput) persistence.CoreOutput {
	env := output.Envelope
	row := persistence.CoreOutput{
		EventRow: persistence.EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			Payload:        env.Payload,
			Rejection:      env.Rejection,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
	}
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			row.JournalRows = append(row.JournalRows, persistence.JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      env.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.Dec(),
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return row
}

func projectionRow(output core.CoreOutput) projection.ProjectionOutput {
	env := output.Envelope
	p := projection.ProjectionOutput{
		Sequence:  env.Sequence,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp.UnixMicro(),
		Rejected:  env.Rejection != "",
	}
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			p.JournalEntries = append(p.JournalEntries, projection.JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint16(j.AssetID),
				Amount:        j.Amount.Dec(),
			})
		}
	}
	for _, t := range output.Troves {
		p.Troves = append(p.Troves, projection.TroveRow{
			Owner:      t.Owner.String(),
			Status:     t.Status,
			Debt:       dec(t.Debt),
			Colls:      decAmounts(t.Colls),
			Stake:      dec(t.Stake),
			NICR:       dec(t.NICR),
			ArrayIndex: t.ArrayIndex,
			Version:    t.Version,
		})
	}
	if res := output.Liquidation; res != nil {
		for _, lt := range res.Troves {
			p.Liquidations = append(p.Liquidations, projection.LiquidationRow{
				Owner:               lt.Owner.String(),
				Liquidator:          res.Liquidator.String(),
				Entry:               string(res.Entry),
				Mode:                lt.ModeName,
				ICR:                 dec(lt.ICR),
				Debt:                dec(lt.Debt),
				Coll:                decAmounts(lt.Coll),
				DebtOffset:          dec(lt.DebtOffset),
				CollToPool:          decAmounts(lt.CollToPool),
				DebtRedistributed:   dec(lt.DebtRedistributed),
				CollRedistributed:   decAmounts(lt.CollRedistributed),
				CollSurplus:         decAmounts(lt.CollSurplus),
				CollGasCompensation: decAmounts(lt.CollGasCompensation),
				RecoveryMode:        res.RecoveryModeAtStart,
				Timestamp:           res.Timestamp,
			})
			for asset, amt := range lt.CollSurplus {
				if amt == nil || amt.IsZero() {
					continue
				}
				p.SurplusCredits = append(p.SurplusCredits, projection.SurplusRow{
					Owner:   lt.Owner.String(),
					AssetID: uint16(asset),
					Amount:  amt.Dec(),
				})
			}
		}
	}
	if claim := output.Surplus; claim != nil && !claim.Claimed.IsZero() {
		p.SurplusClaimed = append(p.SurplusClaimed, claim.Owner.String())
	}
	return p
}

// outboundResult is the published summary of an accepted command.
type outboundResult struct {
	Troves      []core.TroveView        `json:"troves,omitempty"`
	Liquidation *core.LiquidationResult `json:"liquidation,omitempty"`
	Pool        *core.PoolUpdate        `json:"pool,omitempty"`
	Surplus     *core.SurplusClaim      `json:"surplus,omitempty"`
	Price       *oracle.Quote           `json:"price,omitempty"`
}

func publishable(output core.CoreOutput) ingestion.PublishableEvent {
	env := output.Envelope
	evt := ingestion.PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Rejection:      env.Rejection,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if env.Rejection == "" {
		evt.Result = outboundResult{
			Troves:      output.Troves,
			Liquidation: output.Liquidation,
			Pool:        output.Pool,
			Surplus:     output.Surplus,
			Price:       output.Price,
		}
	}
	return evt
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func decAmounts(a state.Amounts) map[string]string {
	out := make(map[string]string, len(a))
	for asset, v := range a {
		out[asset.String()] = dec(v)
	}
	return out
}
