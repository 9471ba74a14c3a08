package core

import (
	fpmath "TroveLedger/internal/math"

	"github.com/holiman/uint256"
)

// LiquidationMode is the outcome of evaluating one liquidation candidate.
type LiquidationMode int

const (
	ModeSkip LiquidationMode = iota
	ModeFullRedistribution
	ModePoolThenRedistribution
	ModeCappedOffsetWithSurplus
)

func (m LiquidationMode) String() string {
	switch m {
	case ModeSkip:
		return "Skip"
	case ModeFullRedistribution:
		return "FullRedistribution"
	case ModePoolThenRedistribution:
		return "PoolThenRedistribution"
	case ModeCappedOffsetWithSurplus:
		return "CappedOffsetWithSurplus"
	default:
		return "Unknown"
	}
}

// SkipReason says why a candidate was classified ModeSkip.
type SkipReason int

const (
	SkipNone SkipReason = iota
	SkipInactive
	SkipLastTrove
	SkipHealthy      // normal mode, ICR >= MCR
	SkipAboveTCR     // recovery mode, ICR >= TCR
	SkipPoolCapacity // recovery mode, MCR <= ICR < TCR, debt > pool
)

func (r SkipReason) String() string {
	switch r {
	case SkipNone:
		return "none"
	case SkipInactive:
		return "inactive"
	case SkipLastTrove:
		return "last_trove"
	case SkipHealthy:
		return "healthy"
	case SkipAboveTCR:
		return "above_tcr"
	case SkipPoolCapacity:
		return "pool_capacity"
	default:
		return "unknown"
	}
}

// Candidate is everything Classify needs about one trove and the system at
// the moment it is evaluated.
type Candidate struct {
	Active       bool
	ActiveTroves int
	ICR          *uint256.Int // reward-applied
	Debt         *uint256.Int // reward-applied
	TCR          *uint256.Int
	RecoveryMode bool
	PoolDeposits *uint256.Int
	MCR          *uint256.Int
}

// Decision is a classified candidate.
type Decision struct {
	Mode   LiquidationMode
	Reason SkipReason
}

func skip(r SkipReason) Decision { return Decision{Mode: ModeSkip, Reason: r} }

// Classify maps a candidate to its liquidation mode. It is a pure function
// of its input.
func Classify(c Candidate) Decision {
	if !c.Active {
		return skip(SkipInactive)
	}
	if c.ActiveTroves <= 1 {
		return skip(SkipLastTrove)
	}

	if c.ICR.Lt(fpmath.DecimalPrecision) {
		return Decision{Mode: ModeFullRedistribution}
	}
	if c.ICR.Lt(c.MCR) {
		return Decision{Mode: ModePoolThenRedistribution}
	}

	if !c.RecoveryMode {
		return skip(SkipHealthy)
	}
	if !c.ICR.Lt(c.TCR) {
		return skip(SkipAboveTCR)
	}
	if c.Debt.Gt(c.PoolDeposits) {
		return skip(SkipPoolCapacity)
	}
	return Decision{Mode: ModeCappedOffsetWithSurplus}
}
