package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"TroveLedger/internal/event"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Injector provides admin/manual command injection for the HTTP API. It is
// not the high-throughput path; use NATS for that.
type Injector struct {
	eventChan chan<- event.Event
	now       func() time.Time
}

func NewInjector(eventChan chan<- event.Event) *Injector {
	return &Injector{eventChan: eventChan, now: time.Now}
}

// InjectLiquidation queues a liquidation request and returns its id.
// Liquidation requests are unordered, so no source sequence is needed.
func (s *Injector) InjectLiquidation(
	ctx context.Context,
	liquidator uuid.UUID,
	entry event.LiquidationEntry,
	owners []uuid.UUID,
	maxCount int,
) (uuid.UUID, error) {
	req := &event.LiquidationRequest{
		RequestID:  uuid.New(),
		Liquidator: liquidator,
		Entry:      entry,
		Owners:     owners,
		MaxCount:   maxCount,
		Timestamp:  s.now().UnixMicro(),
	}
	if err := req.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := s.send(ctx, req); err != nil {
		return uuid.Nil, err
	}
	return req.RequestID, nil
}

// InjectPrice queues a manual price update. The wall clock in microseconds
// is used as the price sequence, which keeps it ahead of feed sequences
// that count from zero.
func (s *Injector) InjectPrice(ctx context.Context, asset string, price *uint256.Int) error {
	if price == nil || price.IsZero() {
		return fmt.Errorf("price must be positive")
	}
	now := s.now().UnixMicro()
	return s.send(ctx, &event.PriceUpdate{
		Asset:          strings.ToUpper(asset),
		Price:          price.Clone(),
		PriceSequence:  now,
		PriceTimestamp: now,
	})
}

func (s *Injector) send(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
