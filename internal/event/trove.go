package event

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Collateral is a per-asset amount keyed by asset symbol ("WETH").
type Collateral map[string]*uint256.Int

// BorrowerPartition orders every borrower-facing command (troves, pool
// deposits, surplus claims) against each other.
const BorrowerPartition = "borrower"

// TroveOpen opens a trove with NetDebt USDE drawn against Collateral.
type TroveOpen struct {
	CommandID  uuid.UUID    `json:"command_id"`
	Owner      uuid.UUID    `json:"owner"`
	Collateral Collateral   `json:"collateral"`
	NetDebt    *uint256.Int `json:"net_debt"`
	Hint       uuid.UUID    `json:"hint"`
	Sequence   int64        `json:"sequence"`
	Timestamp  int64        `json:"timestamp_us"`
}

func (t *TroveOpen) IdempotencyKey() string { return t.CommandID.String() }
func (t *TroveOpen) EventType() EventType   { return EventTypeTroveOpen }
func (t *TroveOpen) Partition() string      { return BorrowerPartition }
func (t *TroveOpen) SourceSequence() int64  { return t.Sequence }
func (t *TroveOpen) Time() int64            { return t.Timestamp }

// TroveAdjust changes collateral and debt of an active trove.
type TroveAdjust struct {
	CommandID    uuid.UUID    `json:"command_id"`
	Owner        uuid.UUID    `json:"owner"`
	CollIn       Collateral   `json:"coll_in,omitempty"`
	CollOut      Collateral   `json:"coll_out,omitempty"`
	DebtIncrease *uint256.Int `json:"debt_increase,omitempty"`
	DebtRepay    *uint256.Int `json:"debt_repay,omitempty"`
	Hint         uuid.UUID    `json:"hint"`
	Sequence     int64        `json:"sequence"`
	Timestamp    int64        `json:"timestamp_us"`
}

func (t *TroveAdjust) IdempotencyKey() string { return t.CommandID.String() }
func (t *TroveAdjust) EventType() EventType   { return EventTypeTroveAdjust }
func (t *TroveAdjust) Partition() string      { return BorrowerPartition }
func (t *TroveAdjust) SourceSequence() int64  { return t.Sequence }
func (t *TroveAdjust) Time() int64            { return t.Timestamp }

// TroveClose repays and closes a trove.
type TroveClose struct {
	CommandID uuid.UUID `json:"command_id"`
	Owner     uuid.UUID `json:"owner"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp_us"`
}

func (t *TroveClose) IdempotencyKey() string { return t.CommandID.String() }
func (t *TroveClose) EventType() EventType   { return EventTypeTroveClose }
func (t *TroveClose) Partition() string      { return BorrowerPartition }
func (t *TroveClose) SourceSequence() int64  { return t.Sequence }
func (t *TroveClose) Time() int64            { return t.Timestamp }
