package event_test

import (
	"encoding/json"
	"testing"

	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventTypeNamesRoundTrip(t *testing.T) {
	for et := event.EventTypePriceUpdate; et <= event.EventTypeLiquidationRequest; et++ {
		assert.Equal(t, et, event.ParseEventType(et.String()))
	}
	assert.Equal(t, event.EventTypeUnknown, event.ParseEventType("TradeFill"))
}

// The logged payload format is what replay decodes, so it must not drift.
func TestTroveOpenPayloadFormat(t *testing.T) {
	evt := &event.TroveOpen{
		CommandID:  uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		Owner:      uuid.MustParse("660e8400-e29b-41d4-a716-446655440001"),
		Collateral: event.Collateral{"WETH": fpmath.Units(2)},
		NetDebt:    fpmath.Units(1800),
		Sequence:   4,
		Timestamp:  1700000000000000,
	}
	got, err := json.MarshalIndent(evt, "", "  ")
	require.NoError(t, err)
	testutil.AssertGolden(t, "trove_open.json", got)
}

func TestDecode(t *testing.T) {
	req := &event.LiquidationRequest{
		RequestID:  uuid.New(),
		Liquidator: uuid.New(),
		Entry:      event.LiquidateBatch,
		Owners:     []uuid.UUID{uuid.New(), uuid.New()},
		Timestamp:  99,
	}
	payload, err := json.Marshal(req)
	require.NoError(t, err)

	decoded, err := event.Decode(event.EventTypeLiquidationRequest, payload)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	_, err = event.Decode(event.EventTypeUnknown, payload)
	assert.Error(t, err)
}

func TestLiquidationRequestValidate(t *testing.T) {
	owner := uuid.New()
	tests := []struct {
		name    string
		req     event.LiquidationRequest
		wantErr bool
	}{
		{"single ok", event.LiquidationRequest{Entry: event.LiquidateSingle, Owners: []uuid.UUID{owner}}, false},
		{"single two owners", event.LiquidationRequest{Entry: event.LiquidateSingle, Owners: []uuid.UUID{owner, owner}}, true},
		{"sequential ok", event.LiquidationRequest{Entry: event.LiquidateSequential, MaxCount: 3}, false},
		{"sequential zero", event.LiquidationRequest{Entry: event.LiquidateSequential}, true},
		{"batch empty", event.LiquidationRequest{Entry: event.LiquidateBatch}, true},
		{"unknown entry", event.LiquidationRequest{Entry: "all"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
