package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/state"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// replayGate turns off the Postgres dedup tier while the event log is
// replayed: every replayed command is in the log and would otherwise be
// dropped as a duplicate of itself.
type replayGate struct {
	inner core.DBIdempotencyChecker
	live  atomic.Bool
}

func (g *replayGate) IsDuplicate(eventType, key string) (bool, error) {
	if !g.live.Load() || g.inner == nil {
		return false, nil
	}
	return g.inner.IsDuplicate(eventType, key)
}

// eventLog is the slice of the snapshot manager recovery needs.
type eventLog interface {
	LoadLatestSnapshot(ctx context.Context) (*persistence.SnapshotData, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// restoreSnapshot loads the newest verified snapshot into c. It reports
// false on a cold start.
func restoreSnapshot(ctx context.Context, c *core.DeterministicCore, log eventLog, logger zerolog.Logger) (bool, error) {
	snap, err := log.LoadLatestSnapshot(ctx)
	if err != nil {
		return false, err
	}
	if snap == nil {
		logger.Info().Msg("no snapshot found, cold start from sequence 0")
		return false, nil
	}
	var st core.SnapshotState
	if err := snap.Decode(&st); err != nil {
		return false, err
	}
	if st.Sequence != snap.Sequence || !bytes.Equal(st.StateHash[:], snap.StateHash) {
		return false, fmt.Errorf("snapshot %d: body does not match its row", snap.Sequence)
	}
	if err := c.RestoreFromSnapshot(&st); err != nil {
		return false, err
	}
	logger.Info().Int64("sequence", snap.Sequence).Msg("restored state from snapshot")
	return true, nil
}

// replayEventLog re-applies every logged command from the core's next
// sequence onward. Each replayed command must land on its logged sequence
// with its logged state hash; any divergence is fatal.
func replayEventLog(
	ctx context.Context,
	c *core.DeterministicCore,
	log eventLog,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (int64, error) {
	var replayed int64
	from := c.GetSequence()
	for {
		rows, err := log.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if row.Sequence != c.GetSequence() {
				return replayed, fmt.Errorf("event log gap: expected sequence %d, found %d", c.GetSequence(), row.Sequence)
			}
			evt, err := event.Decode(event.ParseEventType(row.EventType), row.Payload)
			if err != nil {
				return replayed, fmt.Errorf("decode seq %d: %w", row.Sequence, err)
			}
			if err := c.ProcessEvent(ctx, evt); err != nil {
				return replayed, fmt.Errorf("replay seq %d: %w", row.Sequence, err)
			}
			if c.GetSequence() != row.Sequence+1 {
				return replayed, fmt.Errorf("replay seq %d (%s): command produced no log entry", row.Sequence, row.EventType)
			}
			if hash := c.GetStateHash(); !bytes.Equal(hash[:], row.StateHash) {
				return replayed, fmt.Errorf("replay seq %d: state hash %x, logged %x", row.Sequence, hash, row.StateHash)
			}
			replayed++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	if replayed > 0 {
		logger.Info().Int64("events", replayed).Int64("next_sequence", c.GetSequence()).Msg("event log replayed")
	}
	return replayed, nil
}

// snapshotStore is the slice of the snapshot manager the snapshotter needs.
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, sequence int64, stateHash []byte, state interface{}) (int, error)
	MarkVerified(ctx context.Context, sequence int64) error
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
	GetLatestSequence(ctx context.Context) (int64, bool, error)
}

// snapshotter saves snapshot states captured by the core goroutine. A
// snapshot is marked verified only after it restores cleanly into a fresh
// engine and the event log has caught up with its sequence.
type snapshotter struct {
	store   snapshotStore
	params  *state.Params
	keep    int
	pending chan *core.SnapshotState
	poll    time.Duration
	maxWait time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func newSnapshotter(store snapshotStore, params *state.Params, keep int, metrics *observability.Metrics, logger zerolog.Logger) *snapshotter {
	return &snapshotter{
		store:   store,
		params:  params,
		keep:    keep,
		pending: make(chan *core.SnapshotState, 1),
		poll:    50 * time.Millisecond,
		maxWait: 30 * time.Second,
		metrics: metrics,
		logger:  logger,
	}
}

// Offer queues st unless a snapshot is already being written.
func (s *snapshotter) Offer(st *core.SnapshotState) bool {
	select {
	case s.pending <- st:
		return true
	default:
		return false
	}
}

// Run writes offered snapshots until ctx is done.
func (s *snapshotter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-s.pending:
			if err := s.Save(ctx, st); err != nil {
				s.logger.Warn().Err(err).Int64("sequence", st.Sequence).Msg("snapshot failed")
			}
		}
	}
}

// Save verifies, stores and prunes one snapshot.
func (s *snapshotter) Save(ctx context.Context, st *core.SnapshotState) error {
	if st.Sequence < 0 {
		return nil
	}
	start := time.Now()

	if err := verifySnapshot(s.params, st); err != nil {
		return err
	}
	size, err := s.store.SaveSnapshot(ctx, st.Sequence, st.StateHash[:], st)
	if err != nil {
		return err
	}
	if err := s.waitPersisted(ctx, st.Sequence); err != nil {
		return err
	}
	if err := s.store.MarkVerified(ctx, st.Sequence); err != nil {
		return fmt.Errorf("mark snapshot %d verified: %w", st.Sequence, err)
	}
	if s.keep > 0 {
		if pruned, err := s.store.PruneSnapshots(ctx, s.keep); err != nil {
			s.logger.Warn().Err(err).Msg("prune snapshots")
		} else if pruned > 0 {
			s.logger.Debug().Int64("pruned", pruned).Msg("old snapshots pruned")
		}
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(st.Sequence))
	}
	s.logger.Info().Int64("sequence", st.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

// waitPersisted blocks until the event log holds seq, so a verified
// snapshot never points past the log.
func (s *snapshotter) waitPersisted(ctx context.Context, seq int64) error {
	deadline := time.Now().Add(s.maxWait)
	for {
		latest, ok, err := s.store.GetLatestSequence(ctx)
		if err != nil {
			return err
		}
		if ok && latest >= seq {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("snapshot %d: event log still at %d", seq, latest)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

var errSnapshotEmpty = errors.New("snapshot has no engine state")

// verifySnapshot round-trips st through JSON and imports it into a fresh
// engine, which re-checks conservation and stake totals.
func verifySnapshot(params *state.Params, st *core.SnapshotState) error {
	if st.Engine == nil {
		return errSnapshotEmpty
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	var back core.SnapshotState
	if err := json.Unmarshal(data, &back); err != nil {
		return fmt.Errorf("unmarshal snapshot: %w", err)
	}
	e, err := core.NewEngine(params, oracle.NewStore(params.MaxPriceAge))
	if err != nil {
		return err
	}
	if err := e.Import(back.Engine); err != nil {
		return fmt.Errorf("snapshot %d does not restore: %w", st.Sequence, err)
	}
	return nil
}
