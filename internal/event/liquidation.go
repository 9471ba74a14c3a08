package event

import (
	"fmt"

	"github.com/google/uuid"
)

// LiquidationEntry selects the liquidation entry point.
type LiquidationEntry string

const (
	LiquidateSingle     LiquidationEntry = "single"
	LiquidateSequential LiquidationEntry = "sequential"
	LiquidateBatch      LiquidationEntry = "batch"
)

// LiquidationRequest asks the core to run one liquidation call. Keepers
// submit these concurrently, so requests are deduplicated but not ordered.
type LiquidationRequest struct {
	RequestID  uuid.UUID        `json:"request_id"`
	Liquidator uuid.UUID        `json:"liquidator"`
	Entry      LiquidationEntry `json:"entry"`
	Owners     []uuid.UUID      `json:"owners,omitempty"` // single: exactly one; batch: the set
	MaxCount   int              `json:"max_count,omitempty"`
	Timestamp  int64            `json:"timestamp_us"`
}

func (l *LiquidationRequest) IdempotencyKey() string { return l.RequestID.String() }
func (l *LiquidationRequest) EventType() EventType   { return EventTypeLiquidationRequest }
func (l *LiquidationRequest) Partition() string      { return "" }
func (l *LiquidationRequest) SourceSequence() int64  { return 0 }
func (l *LiquidationRequest) Time() int64            { return l.Timestamp }

// Validate checks the entry-specific shape of the request.
func (l *LiquidationRequest) Validate() error {
	switch l.Entry {
	case LiquidateSingle:
		if len(l.Owners) != 1 {
			return fmt.Errorf("single liquidation needs exactly one owner, got %d", len(l.Owners))
		}
	case LiquidateSequential:
		if l.MaxCount <= 0 {
			return fmt.Errorf("sequential liquidation needs max_count > 0")
		}
	case LiquidateBatch:
		if len(l.Owners) == 0 {
			return fmt.Errorf("batch liquidation needs at least one owner")
		}
	default:
		return fmt.Errorf("unknown liquidation entry %q", l.Entry)
	}
	return nil
}
