package state

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// TroveStore owns every trove record ever created and the compact array of
// active owners.
type TroveStore struct {
	troves map[uuid.UUID]*Trove
	owners []uuid.UUID // active troves, swap-with-last on close
}

func NewTroveStore() *TroveStore {
	return &TroveStore{
		troves: make(map[uuid.UUID]*Trove),
	}
}

// Get returns the trove for owner. Unknown owners report a NonExistent trove
// that is not stored.
func (s *TroveStore) Get(owner uuid.UUID) *Trove {
	if t, ok := s.troves[owner]; ok {
		return t
	}
	return newTrove(owner)
}

// Status returns the lifecycle status for owner.
func (s *TroveStore) Status(owner uuid.UUID) Status {
	if t, ok := s.troves[owner]; ok {
		return t.Status
	}
	return StatusNonExistent
}

// IsActive reports whether owner has an active trove.
func (s *TroveStore) IsActive(owner uuid.UUID) bool {
	return s.Status(owner) == StatusActive
}

// ActiveCount returns the number of active troves.
func (s *TroveStore) ActiveCount() int {
	return len(s.owners)
}

// Owners returns active owners in array order.
func (s *TroveStore) Owners() []uuid.UUID {
	out := make([]uuid.UUID, len(s.owners))
	copy(out, s.owners)
	return out
}

// activate marks the trove Active with empty balances and appends it to the
// owners array.
func (s *TroveStore) activate(owner uuid.UUID) (*Trove, error) {
	t, ok := s.troves[owner]
	if !ok {
		t = newTrove(owner)
	}
	if !t.Status.CanTransitionTo(StatusActive) {
		return nil, fmt.Errorf("trove %s: invalid state transition: %s -> Active", owner, t.Status)
	}

	reset := newTrove(owner)
	reset.Version = t.Version + 1
	reset.Status = StatusActive
	reset.ArrayIndex = len(s.owners)
	s.troves[owner] = reset
	s.owners = append(s.owners, owner)
	return reset, nil
}

// close sets a terminal status, zeroes balances and compacts the owners
// array by moving the last owner into the freed slot.
func (s *TroveStore) close(owner uuid.UUID, status Status) error {
	t, ok := s.troves[owner]
	if !ok || !t.Status.CanTransitionTo(status) || !status.IsClosed() {
		return fmt.Errorf("trove %s: invalid state transition: %s -> %s", owner, s.Status(owner), status)
	}

	idx := t.ArrayIndex
	last := len(s.owners) - 1
	if idx < 0 || idx > last || s.owners[idx] != owner {
		return fmt.Errorf("trove %s: owners array index %d out of sync", owner, idx)
	}
	moved := s.owners[last]
	s.owners[idx] = moved
	s.troves[moved].ArrayIndex = idx
	s.owners = s.owners[:last]

	t.Status = status
	t.ArrayIndex = -1
	t.colls = make(Amounts)
	t.debt.Clear()
	t.stake.Clear()
	t.snapshot = RewardSnapshot{Coll: make(Amounts), Debt: new(uint256.Int)}
	t.Version++
	return nil
}

// TroveStoreState is the serialisable form of the store.
type TroveStoreState struct {
	Troves []TroveState `json:"troves"`
	Owners []uuid.UUID  `json:"owners"`
}

func (s *TroveStore) Export() TroveStoreState {
	st := TroveStoreState{Owners: s.Owners()}
	for _, t := range s.troves {
		st.Troves = append(st.Troves, t.export())
	}
	sortTroveStates(st.Troves)
	return st
}

func (s *TroveStore) Import(st TroveStoreState) error {
	troves := make(map[uuid.UUID]*Trove, len(st.Troves))
	for _, ts := range st.Troves {
		troves[ts.Owner] = importTrove(ts)
	}
	for i, o := range st.Owners {
		t, ok := troves[o]
		if !ok || t.Status != StatusActive || t.ArrayIndex != i {
			return fmt.Errorf("trove store snapshot: owner %s at index %d is inconsistent", o, i)
		}
	}
	s.troves = troves
	s.owners = append([]uuid.UUID(nil), st.Owners...)
	return nil
}

func sortTroveStates(ts []TroveState) {
	sort.Slice(ts, func(i, j int) bool {
		return bytes.Compare(ts[i].Owner[:], ts[j].Owner[:]) < 0
	})
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
