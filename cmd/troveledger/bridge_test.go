package main

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/projection"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutputs runs events through a core and returns what it emitted.
func captureOutputs(t *testing.T, events []event.Event) []core.CoreOutput {
	t.Helper()
	tc := newTestCore(t, nil)
	outs := make([]core.CoreOutput, 0, len(events))
	for _, evt := range events {
		require.NoError(t, tc.core.ProcessEvent(context.Background(), evt))
		outs = append(outs, <-tc.persist)
		<-tc.proj
	}
	return outs
}

type bridgeHarness struct {
	persistIn  chan core.CoreOutput
	projIn     chan core.CoreOutput
	persistOut chan persistence.CoreOutput
	projOut    chan projection.ProjectionOutput
	publishOut chan ingestion.PublishableEvent
	metrics    *observability.Metrics
	done       chan error
}

func startBridge(t *testing.T, persistFrom int64, publishCap int) *bridgeHarness {
	t.Helper()
	h := &bridgeHarness{
		persistIn:  make(chan core.CoreOutput, 16),
		projIn:     make(chan core.CoreOutput, 16),
		persistOut: make(chan persistence.CoreOutput, 16),
		projOut:    make(chan projection.ProjectionOutput, 16),
		publishOut: make(chan ingestion.PublishableEvent, publishCap),
		metrics:    observability.NewMetricsWith(prometheus.NewRegistry()),
		done:       make(chan error, 1),
	}
	b := &bridge{
		persistIn:     h.persistIn,
		projectionIn:  h.projIn,
		persistOut:    h.persistOut,
		projectionOut: h.projOut,
		publishOut:    h.publishOut,
		persistFrom:   persistFrom,
		metrics:       h.metrics,
		logger:        zerolog.Nop(),
	}
	go func() { h.done <- b.Run(context.Background()) }()
	return h
}

func (h *bridgeHarness) feed(outs ...core.CoreOutput) {
	for _, o := range outs {
		h.persistIn <- o
		h.projIn <- o
	}
}

func (h *bridgeHarness) close(t *testing.T) {
	t.Helper()
	close(h.persistIn)
	close(h.projIn)
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop after inputs closed")
	}
}

func TestBridge_ForwardsAllPaths(t *testing.T) {
	outs := captureOutputs(t, scenario())
	h := startBridge(t, 0, 16)
	h.feed(outs...)
	h.close(t)

	require.Len(t, h.persistOut, 3)
	require.Len(t, h.projOut, 3)
	require.Len(t, h.publishOut, 3)

	<-h.persistOut
	open := <-h.persistOut
	assert.Equal(t, int64(1), open.EventRow.Sequence)
	assert.Equal(t, "TroveOpen", open.EventRow.EventType)
	assert.NotEmpty(t, open.JournalRows)
	for _, j := range open.JournalRows {
		assert.Equal(t, int64(1), j.Sequence)
		assert.NotEmpty(t, j.DebitAccount)
		assert.NotEqual(t, "0", j.Amount)
	}

	price := <-h.projOut
	assert.Equal(t, "PriceUpdate", price.EventType)
	assert.Empty(t, price.Troves)
	trove := <-h.projOut
	require.Len(t, trove.Troves, 1)
	assert.Equal(t, "Active", trove.Troves[0].Status)
	assert.Equal(t, fpmath.Units(10).Dec(), trove.Troves[0].Colls["WETH"])

	pub := <-h.publishOut
	assert.Equal(t, hex.EncodeToString(outs[0].Envelope.StateHash[:]), pub.StateHash)
	res, ok := pub.Result.(outboundResult)
	require.True(t, ok)
	require.NotNil(t, res.Price)
	assert.True(t, res.Price.Price.Eq(fpmath.Units(2000)))
}

func TestBridge_SkipsReplayedOutputs(t *testing.T) {
	outs := captureOutputs(t, scenario())
	h := startBridge(t, 2, 16)
	h.feed(outs...)
	h.close(t)

	require.Len(t, h.persistOut, 1)
	assert.Equal(t, int64(2), (<-h.persistOut).EventRow.Sequence)
	assert.Len(t, h.publishOut, 1)
	// projections dedup against their own watermark
	assert.Len(t, h.projOut, 3)
}

func TestBridge_PublishDropsWhenFull(t *testing.T) {
	outs := captureOutputs(t, scenario())
	h := startBridge(t, 0, 1)
	h.feed(outs...)
	h.close(t)

	assert.Len(t, h.persistOut, 3, "persistence never drops")
	assert.Len(t, h.publishOut, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.PublishDrops))
}

func TestPublishable_RejectionHasNoResult(t *testing.T) {
	tc := newTestCore(t, nil)
	require.NoError(t, tc.core.ProcessEvent(context.Background(), scenario()[0]))
	<-tc.persist
	<-tc.proj

	// an unknown trove cannot be liquidated
	require.NoError(t, tc.core.ProcessEvent(context.Background(), &event.LiquidationRequest{
		RequestID:  uuid.New(),
		Liquidator: uuid.New(),
		Entry:      event.LiquidateSingle,
		Owners:     []uuid.UUID{uuid.New()},
		Timestamp:  1_005_000,
	}))
	out := <-tc.persist

	pub := publishable(out)
	assert.NotEmpty(t, pub.Rejection)
	assert.Nil(t, pub.Result)

	row := projectionRow(out)
	assert.True(t, row.Rejected)
	assert.Empty(t, row.Liquidations)
}

func TestDecAmounts(t *testing.T) {
	assert.Equal(t, "0", dec(nil))
	outs := captureOutputs(t, scenario()[:2])
	got := decAmounts(outs[1].Troves[0].Colls)
	assert.Equal(t, map[string]string{"WETH": "10000000000000000000"}, got)
}
