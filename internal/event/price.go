package event

import (
	"fmt"

	"github.com/holiman/uint256"
)

// PriceUpdate carries an oracle quote for one collateral asset, 1e18-scaled
// USDE per unit. Price sequences are per asset and may have gaps.
type PriceUpdate struct {
	Asset          string       `json:"asset"`
	Price          *uint256.Int `json:"price"`
	PriceSequence  int64        `json:"price_sequence"`
	PriceTimestamp int64        `json:"price_timestamp_us"`
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", p.Asset, p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) Partition() string {
	return "price:" + p.Asset
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *PriceUpdate) Time() int64 {
	return p.PriceTimestamp
}
