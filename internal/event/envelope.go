package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePriceUpdate
	EventTypeTroveOpen
	EventTypeTroveAdjust
	EventTypeTroveClose
	EventTypePoolProvide
	EventTypePoolWithdraw
	EventTypeSurplusClaim
	EventTypeLiquidationRequest
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition, empty for unordered commands
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// Rejection reason when the core refused the command, empty otherwise
	Rejection string

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering partition. Commands in the same
	// partition must arrive with consecutive source sequences; an empty
	// partition is not ordered.
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Time returns the command's versioned timestamp in epoch microseconds.
	Time() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeTroveOpen:
		return "TroveOpen"
	case EventTypeTroveAdjust:
		return "TroveAdjust"
	case EventTypeTroveClose:
		return "TroveClose"
	case EventTypePoolProvide:
		return "PoolProvide"
	case EventTypePoolWithdraw:
		return "PoolWithdraw"
	case EventTypeSurplusClaim:
		return "SurplusClaim"
	case EventTypeLiquidationRequest:
		return "LiquidationRequest"
	default:
		return "Unknown"
	}
}

// ParseEventType maps a type name back to its discriminator.
func ParseEventType(name string) EventType {
	for et := EventTypePriceUpdate; et <= EventTypeLiquidationRequest; et++ {
		if et.String() == name {
			return et
		}
	}
	return EventTypeUnknown
}

// Decode restores a typed event from its logged JSON payload.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypePriceUpdate:
		evt = &PriceUpdate{}
	case EventTypeTroveOpen:
		evt = &TroveOpen{}
	case EventTypeTroveAdjust:
		evt = &TroveAdjust{}
	case EventTypeTroveClose:
		evt = &TroveClose{}
	case EventTypePoolProvide:
		evt = &PoolProvide{}
	case EventTypePoolWithdraw:
		evt = &PoolWithdraw{}
	case EventTypeSurplusClaim:
		evt = &SurplusClaim{}
	case EventTypeLiquidationRequest:
		evt = &LiquidationRequest{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
