package state

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Status is the lifecycle state of a trove
type Status int32

const (
	StatusNonExistent Status = iota
	StatusActive
	StatusClosedByOwner
	StatusClosedByLiquidation
	StatusClosedByRedemption
)

func (s Status) String() string {
	switch s {
	case StatusNonExistent:
		return "NonExistent"
	case StatusActive:
		return "Active"
	case StatusClosedByOwner:
		return "ClosedByOwner"
	case StatusClosedByLiquidation:
		return "ClosedByLiquidation"
	case StatusClosedByRedemption:
		return "ClosedByRedemption"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusNonExistent: {
			StatusActive,
		},
		StatusActive: {
			StatusClosedByOwner,
			StatusClosedByLiquidation,
			StatusClosedByRedemption,
		},
		StatusClosedByOwner: {
			StatusActive, // Reopened
		},
		StatusClosedByLiquidation: {
			StatusActive,
		},
		StatusClosedByRedemption: {
			StatusActive,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// IsClosed reports whether the status is one of the terminal closed states.
func (s Status) IsClosed() bool {
	return s == StatusClosedByOwner || s == StatusClosedByLiquidation || s == StatusClosedByRedemption
}

// RewardSnapshot holds the redistribution accumulators as of a trove's last
// touch.
type RewardSnapshot struct {
	Coll Amounts
	Debt *uint256.Int
}

// Trove is a single collateralised debt position.
//
// Balances are stored values only: they exclude pending redistribution
// rewards and can only be changed through a Synced handle.
type Trove struct {
	Owner      uuid.UUID
	Status     Status
	ArrayIndex int   // Position in the owners array, -1 when not active
	Version    int64 // Bumped on every mutation

	colls    Amounts
	debt     *uint256.Int
	stake    *uint256.Int
	snapshot RewardSnapshot
}

func newTrove(owner uuid.UUID) *Trove {
	return &Trove{
		Owner:      owner,
		Status:     StatusNonExistent,
		ArrayIndex: -1,
		colls:      make(Amounts),
		debt:       new(uint256.Int),
		stake:      new(uint256.Int),
		snapshot:   RewardSnapshot{Coll: make(Amounts), Debt: new(uint256.Int)},
	}
}

func (t *Trove) IsActive() bool {
	return t.Status == StatusActive
}

// StoredColls returns a copy of the stored collateral (pending rewards excluded).
func (t *Trove) StoredColls() Amounts {
	return t.colls.Clone()
}

// StoredDebt returns a copy of the stored debt (pending rewards excluded).
func (t *Trove) StoredDebt() *uint256.Int {
	return t.debt.Clone()
}

func (t *Trove) Stake() *uint256.Int {
	return t.stake.Clone()
}

// RewardSnapshot returns a copy of the trove's accumulator snapshot.
func (t *Trove) RewardSnapshot() RewardSnapshot {
	return RewardSnapshot{Coll: t.snapshot.Coll.Clone(), Debt: t.snapshot.Debt.Clone()}
}

// CanonicalBytes returns deterministic serialization for hashing
func (t *Trove) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	// owner (16 bytes UUID binary)
	buf = append(buf, t.Owner[:]...)

	// status (1 byte)
	buf = append(buf, byte(t.Status))

	// collaterals, ascending asset id
	for _, a := range t.colls.Assets() {
		buf = append(buf, byte(a>>8), byte(a))
		buf = appendWord(buf, t.colls[a])
	}

	buf = appendWord(buf, t.debt)
	buf = appendWord(buf, t.stake)
	return buf
}

func appendWord(buf []byte, v *uint256.Int) []byte {
	w := v.Bytes32()
	return append(buf, w[:]...)
}

// TroveState is the serialisable form of a trove.
type TroveState struct {
	Owner        uuid.UUID    `json:"owner"`
	Status       Status       `json:"status"`
	ArrayIndex   int          `json:"array_index"`
	Version      int64        `json:"version"`
	Colls        Amounts      `json:"colls"`
	Debt         *uint256.Int `json:"debt"`
	Stake        *uint256.Int `json:"stake"`
	SnapshotColl Amounts      `json:"snapshot_coll"`
	SnapshotDebt *uint256.Int `json:"snapshot_debt"`
}

func (t *Trove) export() TroveState {
	return TroveState{
		Owner:        t.Owner,
		Status:       t.Status,
		ArrayIndex:   t.ArrayIndex,
		Version:      t.Version,
		Colls:        t.colls.Clone(),
		Debt:         t.debt.Clone(),
		Stake:        t.stake.Clone(),
		SnapshotColl: t.snapshot.Coll.Clone(),
		SnapshotDebt: t.snapshot.Debt.Clone(),
	}
}

func importTrove(st TroveState) *Trove {
	t := newTrove(st.Owner)
	t.Status = st.Status
	t.ArrayIndex = st.ArrayIndex
	t.Version = st.Version
	for a, v := range st.Colls {
		t.colls.Add(a, v)
	}
	if st.Debt != nil {
		t.debt = st.Debt.Clone()
	}
	if st.Stake != nil {
		t.stake = st.Stake.Clone()
	}
	for a, v := range st.SnapshotColl {
		t.snapshot.Coll[a] = v.Clone()
	}
	if st.SnapshotDebt != nil {
		t.snapshot.Debt = st.SnapshotDebt.Clone()
	}
	return t
}
