package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PoolProvide deposits USDE into the stability pool.
type PoolProvide struct {
	CommandID uuid.UUID    `json:"command_id"`
	Depositor uuid.UUID    `json:"depositor"`
	Amount    *uint256.Int `json:"amount"`
	Sequence  int64        `json:"sequence"`
	Timestamp int64        `json:"timestamp_us"`
}

func (p *PoolProvide) IdempotencyKey() string { return p.CommandID.String() }
func (p *PoolProvide) EventType() EventType   { return EventTypePoolProvide }
func (p *PoolProvide) Partition() string      { return BorrowerPartition }
func (p *PoolProvide) SourceSequence() int64  { return p.Sequence }
func (p *PoolProvide) Time() int64            { return p.Timestamp }

// PoolWithdraw withdraws up to Amount of the compounded deposit and pays out
// collateral gains. A zero Amount only claims gains.
type PoolWithdraw struct {
	CommandID uuid.UUID    `json:"command_id"`
	Depositor uuid.UUID    `json:"depositor"`
	Amount    *uint256.Int `json:"amount"`
	Sequence  int64        `json:"sequence"`
	Timestamp int64        `json:"timestamp_us"`
}

func (p *PoolWithdraw) IdempotencyKey() string { return p.CommandID.String() }
func (p *PoolWithdraw) EventType() EventType   { return EventTypePoolWithdraw }
func (p *PoolWithdraw) Partition() string      { return BorrowerPartition }
func (p *PoolWithdraw) SourceSequence() int64  { return p.Sequence }
func (p *PoolWithdraw) Time() int64            { return p.Timestamp }

// SurplusClaim pays a liquidated owner's escrowed collateral to their wallet.
type SurplusClaim struct {
	CommandID uuid.UUID `json:"command_id"`
	Owner     uuid.UUID `json:"owner"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp_us"`
}

func (s *SurplusClaim) IdempotencyKey() string { return s.CommandID.String() }
func (s *SurplusClaim) EventType() EventType   { return EventTypeSurplusClaim }
func (s *SurplusClaim) Partition() string      { return BorrowerPartition }
func (s *SurplusClaim) SourceSequence() int64  { return s.Sequence }
func (s *SurplusClaim) Time() int64            { return s.Timestamp }
