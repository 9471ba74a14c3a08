package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() *state.Params {
	p := state.DefaultParams()
	p.Collaterals = []ledger.AssetID{ledger.AssetWETH}
	p.MaxPriceAge = 0
	return p
}

type testCore struct {
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
}

func newTestCore(t *testing.T, dbChecker core.DBIdempotencyChecker) *testCore {
	t.Helper()
	feed := oracle.NewStore(0)
	e, err := core.NewEngine(testParams(), feed)
	require.NoError(t, err)
	persist := make(chan core.CoreOutput, 64)
	proj := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(core.CoreConfig{InvariantEvery: 1}, e, feed, persist, proj, dbChecker, zerolog.Nop(), nil)
	return &testCore{core: c, persist: persist, proj: proj}
}

// scenario is a price update followed by two trove openings.
func scenario() []event.Event {
	return []event.Event{
		&event.PriceUpdate{Asset: "WETH", Price: fpmath.Units(2000), PriceSequence: 1, PriceTimestamp: 1_000_000},
		&event.TroveOpen{
			CommandID:  uuid.New(),
			Owner:      uuid.New(),
			Collateral: event.Collateral{"WETH": fpmath.Units(10)},
			NetDebt:    fpmath.Units(1800),
			Sequence:   0,
			Timestamp:  1_001_000,
		},
		&event.TroveOpen{
			CommandID:  uuid.New(),
			Owner:      uuid.New(),
			Collateral: event.Collateral{"WETH": fpmath.Units(5)},
			NetDebt:    fpmath.Units(2500),
			Sequence:   1,
			Timestamp:  1_002_000,
		},
	}
}

// runScenario processes events and returns the event log rows the
// persistence worker would have written.
func runScenario(t *testing.T, tc *testCore, events []event.Event) []persistence.EventRow {
	t.Helper()
	rows := make([]persistence.EventRow, 0, len(events))
	for _, evt := range events {
		require.NoError(t, tc.core.ProcessEvent(context.Background(), evt))
		out := <-tc.persist
		<-tc.proj
		rows = append(rows, persistRow(out).EventRow)
	}
	return rows
}

type fakeLog struct {
	snap *persistence.SnapshotData
	rows []persistence.EventRow
}

func (f *fakeLog) LoadLatestSnapshot(context.Context) (*persistence.SnapshotData, error) {
	return f.snap, nil
}

func (f *fakeLog) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range f.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestReplayGate(t *testing.T) {
	inner := &stubChecker{dup: true}
	g := &replayGate{inner: inner}

	dup, err := g.IsDuplicate("TroveOpen", "k")
	require.NoError(t, err)
	assert.False(t, dup, "gate must pass everything while replaying")
	assert.Zero(t, inner.calls)

	g.live.Store(true)
	dup, err = g.IsDuplicate("TroveOpen", "k")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, 1, inner.calls)

	nilGate := &replayGate{}
	nilGate.live.Store(true)
	dup, err = nilGate.IsDuplicate("TroveOpen", "k")
	require.NoError(t, err)
	assert.False(t, dup)
}

type stubChecker struct {
	dup   bool
	calls int
}

func (s *stubChecker) IsDuplicate(string, string) (bool, error) {
	s.calls++
	return s.dup, nil
}

func TestReplayEventLog_ReproducesStateHash(t *testing.T) {
	src := newTestCore(t, nil)
	rows := runScenario(t, src, scenario())

	// a checker that calls everything a duplicate proves replay bypasses it
	gate := &replayGate{inner: &stubChecker{dup: true}}
	dst := newTestCore(t, gate)
	go func() {
		for range dst.persist {
		}
	}()

	n, err := replayEventLog(context.Background(), dst.core, &fakeLog{rows: rows}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, src.core.GetSequence(), dst.core.GetSequence())
	assert.Equal(t, src.core.GetStateHash(), dst.core.GetStateHash())
}

func TestReplayEventLog_HashMismatchIsFatal(t *testing.T) {
	src := newTestCore(t, nil)
	rows := runScenario(t, src, scenario())
	rows[1].StateHash = make([]byte, 32)

	dst := newTestCore(t, nil)
	go func() {
		for range dst.persist {
		}
	}()
	_, err := replayEventLog(context.Background(), dst.core, &fakeLog{rows: rows}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash")
}

func TestReplayEventLog_GapIsFatal(t *testing.T) {
	src := newTestCore(t, nil)
	rows := runScenario(t, src, scenario())
	rows = append(rows[:1], rows[2:]...)

	dst := newTestCore(t, nil)
	go func() {
		for range dst.persist {
		}
	}()
	_, err := replayEventLog(context.Background(), dst.core, &fakeLog{rows: rows}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
}

func TestRestoreSnapshotThenReplay(t *testing.T) {
	events := scenario()
	src := newTestCore(t, nil)
	rows := runScenario(t, src, events[:2])
	st := src.core.CreateSnapshotState()
	rows = append(rows, runScenario(t, src, events[2:])...)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	log := &fakeLog{
		snap: &persistence.SnapshotData{Sequence: st.Sequence, StateHash: st.StateHash[:], Data: data, Verified: true},
		rows: rows,
	}

	dst := newTestCore(t, nil)
	go func() {
		for range dst.persist {
		}
	}()
	restored, err := restoreSnapshot(context.Background(), dst.core, log, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, restored)
	assert.Equal(t, int64(2), dst.core.GetSequence())

	n, err := replayEventLog(context.Background(), dst.core, log, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, src.core.GetStateHash(), dst.core.GetStateHash())
}

func TestRestoreSnapshot_ColdStart(t *testing.T) {
	dst := newTestCore(t, nil)
	restored, err := restoreSnapshot(context.Background(), dst.core, &fakeLog{}, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, int64(0), dst.core.GetSequence())
}

func TestRestoreSnapshot_RowMismatch(t *testing.T) {
	src := newTestCore(t, nil)
	runScenario(t, src, scenario())
	st := src.core.CreateSnapshotState()
	data, err := json.Marshal(st)
	require.NoError(t, err)

	log := &fakeLog{snap: &persistence.SnapshotData{Sequence: st.Sequence + 1, StateHash: st.StateHash[:], Data: data}}
	_, err = restoreSnapshot(context.Background(), newTestCore(t, nil).core, log, zerolog.Nop())
	assert.Error(t, err)
}

func TestVerifySnapshot(t *testing.T) {
	src := newTestCore(t, nil)
	runScenario(t, src, scenario())
	st := src.core.CreateSnapshotState()

	require.NoError(t, verifySnapshot(testParams(), st))
	assert.ErrorIs(t, verifySnapshot(testParams(), &core.SnapshotState{Sequence: 1}), errSnapshotEmpty)
}

type fakeSnapshotStore struct {
	mu       sync.Mutex
	saved    []int64
	verified []int64
	pruned   int
	head     int64
	headAt   int // GetLatestSequence calls before the head is visible
	calls    int
}

func (f *fakeSnapshotStore) SaveSnapshot(_ context.Context, seq int64, _ []byte, _ interface{}) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, seq)
	return 128, nil
}

func (f *fakeSnapshotStore) MarkVerified(_ context.Context, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, seq)
	return nil
}

func (f *fakeSnapshotStore) PruneSnapshots(_ context.Context, keep int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = keep
	return 0, nil
}

func (f *fakeSnapshotStore) GetLatestSequence(context.Context) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.headAt {
		return -1, false, nil
	}
	return f.head, true, nil
}

func TestSnapshotter_SaveWaitsForLog(t *testing.T) {
	src := newTestCore(t, nil)
	runScenario(t, src, scenario())
	st := src.core.CreateSnapshotState()

	store := &fakeSnapshotStore{head: st.Sequence, headAt: 2}
	s := newSnapshotter(store, testParams(), 3, nil, zerolog.Nop())
	s.poll = time.Millisecond

	require.NoError(t, s.Save(context.Background(), st))
	assert.Equal(t, []int64{st.Sequence}, store.saved)
	assert.Equal(t, []int64{st.Sequence}, store.verified)
	assert.Equal(t, 3, store.pruned)
	assert.Equal(t, 3, store.calls)
}

func TestSnapshotter_LogNeverCatchesUp(t *testing.T) {
	src := newTestCore(t, nil)
	runScenario(t, src, scenario())
	st := src.core.CreateSnapshotState()

	store := &fakeSnapshotStore{head: st.Sequence - 1}
	s := newSnapshotter(store, testParams(), 3, nil, zerolog.Nop())
	s.poll = time.Millisecond
	s.maxWait = 10 * time.Millisecond

	err := s.Save(context.Background(), st)
	require.Error(t, err)
	assert.Empty(t, store.verified, "a snapshot ahead of the log must stay unverified")
}

func TestSnapshotter_OfferIsNonBlocking(t *testing.T) {
	s := newSnapshotter(&fakeSnapshotStore{}, testParams(), 0, nil, zerolog.Nop())
	assert.True(t, s.Offer(&core.SnapshotState{Sequence: 1}))
	assert.False(t, s.Offer(&core.SnapshotState{Sequence: 2}))
}

func TestSnapshotter_SkipsEmptyLog(t *testing.T) {
	store := &fakeSnapshotStore{}
	s := newSnapshotter(store, testParams(), 0, nil, zerolog.Nop())
	require.NoError(t, s.Save(context.Background(), &core.SnapshotState{Sequence: -1}))
	assert.Empty(t, store.saved)
}
