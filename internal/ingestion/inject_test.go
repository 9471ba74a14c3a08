package ingestion

import (
	"context"
	"testing"
	"time"

	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjector_Liquidation(t *testing.T) {
	ch := make(chan event.Event, 1)
	inj := NewInjector(ch)
	inj.now = func() time.Time { return time.UnixMicro(42) }

	owner := uuid.New()
	id, err := inj.InjectLiquidation(context.Background(), uuid.New(), event.LiquidateSingle, []uuid.UUID{owner}, 0)
	require.NoError(t, err)

	req := (<-ch).(*event.LiquidationRequest)
	assert.Equal(t, id, req.RequestID)
	assert.Equal(t, []uuid.UUID{owner}, req.Owners)
	assert.Equal(t, int64(42), req.Time())
}

func TestInjector_RejectsInvalidRequest(t *testing.T) {
	ch := make(chan event.Event, 1)
	inj := NewInjector(ch)

	_, err := inj.InjectLiquidation(context.Background(), uuid.New(), event.LiquidateSequential, nil, 0)
	require.Error(t, err)
	assert.Empty(t, ch)
}

func TestInjector_PriceUsesClockAsSequence(t *testing.T) {
	ch := make(chan event.Event, 1)
	inj := NewInjector(ch)
	inj.now = func() time.Time { return time.UnixMicro(1_700_000_000_000_000) }

	require.NoError(t, inj.InjectPrice(context.Background(), "weth", fpmath.Units(2000)))
	pu := (<-ch).(*event.PriceUpdate)
	assert.Equal(t, "WETH", pu.Asset)
	assert.Equal(t, int64(1_700_000_000_000_000), pu.PriceSequence)

	assert.Error(t, inj.InjectPrice(context.Background(), "WETH", fpmath.Zero()))
}

func TestInjector_CancelledContext(t *testing.T) {
	inj := NewInjector(make(chan event.Event))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := inj.InjectLiquidation(ctx, uuid.New(), event.LiquidateSequential, nil, 5)
	assert.ErrorIs(t, err, context.Canceled)
}
