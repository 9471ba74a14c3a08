package sorted

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrAlreadyPresent = errors.New("sorted: id already present")
	ErrNotPresent     = errors.New("sorted: id not present")
	ErrFull           = errors.New("sorted: registry full")
)

type handle int32

const nilHandle handle = -1

type node struct {
	id   uuid.UUID
	key  *uint256.Int
	prev handle
	next handle
}

// SortedTroves is an ordered set of trove owners keyed by nominal collateral
// ratio, ascending from head (riskiest) to tail (safest). Equal keys keep
// insertion order.
//
// Nodes live in an arena addressed by integer handles; freed slots are
// recycled through a free list.
type SortedTroves struct {
	nodes    []node
	free     []handle
	index    map[uuid.UUID]handle
	head     handle
	tail     handle
	capacity int // 0 = unbounded
}

func NewSortedTroves(capacity int) *SortedTroves {
	return &SortedTroves{
		index:    make(map[uuid.UUID]handle),
		head:     nilHandle,
		tail:     nilHandle,
		capacity: capacity,
	}
}

func (s *SortedTroves) Size() int {
	return len(s.index)
}

func (s *SortedTroves) Contains(id uuid.UUID) bool {
	_, ok := s.index[id]
	return ok
}

// Key returns the NICR the id was inserted with.
func (s *SortedTroves) Key(id uuid.UUID) (*uint256.Int, bool) {
	h, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.nodes[h].key.Clone(), true
}

// Insert adds id at the position implied by nicr. hint is any id believed to
// be near the final position; uuid.Nil or an unknown id walks from the head.
func (s *SortedTroves) Insert(id uuid.UUID, nicr *uint256.Int, hint uuid.UUID) error {
	if s.Contains(id) {
		return fmt.Errorf("insert %s: %w", id, ErrAlreadyPresent)
	}
	if s.capacity > 0 && s.Size() >= s.capacity {
		return fmt.Errorf("insert %s: %w", id, ErrFull)
	}

	prev, next := s.findPosition(nicr, s.handleOf(hint))

	h := s.alloc(node{id: id, key: nicr.Clone(), prev: prev, next: next})
	if prev == nilHandle {
		s.head = h
	} else {
		s.nodes[prev].next = h
	}
	if next == nilHandle {
		s.tail = h
	} else {
		s.nodes[next].prev = h
	}
	s.index[id] = h
	return nil
}

// Remove unlinks id in O(1).
func (s *SortedTroves) Remove(id uuid.UUID) error {
	h, ok := s.index[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotPresent)
	}
	n := s.nodes[h]

	if n.prev == nilHandle {
		s.head = n.next
	} else {
		s.nodes[n.prev].next = n.next
	}
	if n.next == nilHandle {
		s.tail = n.prev
	} else {
		s.nodes[n.next].prev = n.prev
	}

	delete(s.index, id)
	s.nodes[h] = node{prev: nilHandle, next: nilHandle}
	s.free = append(s.free, h)
	return nil
}

// ReInsert moves id to the position implied by a new nicr.
func (s *SortedTroves) ReInsert(id uuid.UUID, nicr *uint256.Int, hint uuid.UUID) error {
	if err := s.Remove(id); err != nil {
		return fmt.Errorf("reinsert: %w", err)
	}
	if hint == id {
		hint = uuid.Nil
	}
	return s.Insert(id, nicr, hint)
}

// First returns the head (lowest NICR).
func (s *SortedTroves) First() (uuid.UUID, bool) {
	return s.idAt(s.head)
}

// Last returns the tail (highest NICR).
func (s *SortedTroves) Last() (uuid.UUID, bool) {
	return s.idAt(s.tail)
}

func (s *SortedTroves) Next(id uuid.UUID) (uuid.UUID, bool) {
	h, ok := s.index[id]
	if !ok {
		return uuid.Nil, false
	}
	return s.idAt(s.nodes[h].next)
}

func (s *SortedTroves) Prev(id uuid.UUID) (uuid.UUID, bool) {
	h, ok := s.index[id]
	if !ok {
		return uuid.Nil, false
	}
	return s.idAt(s.nodes[h].prev)
}

// FindInsertPosition returns the neighbours a node with nicr would get.
// uuid.Nil stands for the list end.
func (s *SortedTroves) FindInsertPosition(nicr *uint256.Int, hint uuid.UUID) (prev, next uuid.UUID) {
	p, n := s.findPosition(nicr, s.handleOf(hint))
	prev, _ = s.idAt(p)
	next, _ = s.idAt(n)
	return prev, next
}

// ValidInsertPosition reports whether (prev, next) are adjacent and bracket nicr.
func (s *SortedTroves) ValidInsertPosition(nicr *uint256.Int, prev, next uuid.UUID) bool {
	ph, nh := s.handleOf(prev), s.handleOf(next)
	if (prev != uuid.Nil && ph == nilHandle) || (next != uuid.Nil && nh == nilHandle) {
		return false
	}

	switch {
	case ph == nilHandle && nh == nilHandle:
		return s.head == nilHandle
	case ph == nilHandle:
		return s.head == nh && nicr.Lt(s.nodes[nh].key)
	case nh == nilHandle:
		return s.tail == ph && !nicr.Lt(s.nodes[ph].key)
	default:
		return s.nodes[ph].next == nh &&
			!nicr.Lt(s.nodes[ph].key) && nicr.Lt(s.nodes[nh].key)
	}
}

// Entry is one registry element in traversal order.
type Entry struct {
	Owner uuid.UUID    `json:"owner"`
	NICR  *uint256.Int `json:"nicr"`
}

// Owners returns every id from head to tail.
func (s *SortedTroves) Owners() []uuid.UUID {
	out := make([]uuid.UUID, 0, s.Size())
	for h := s.head; h != nilHandle; h = s.nodes[h].next {
		out = append(out, s.nodes[h].id)
	}
	return out
}

// Entries returns ids with their keys from head to tail.
func (s *SortedTroves) Entries() []Entry {
	out := make([]Entry, 0, s.Size())
	for h := s.head; h != nilHandle; h = s.nodes[h].next {
		out = append(out, Entry{Owner: s.nodes[h].id, NICR: s.nodes[h].key.Clone()})
	}
	return out
}

// Restore rebuilds the registry from entries in traversal order.
func (s *SortedTroves) Restore(entries []Entry) error {
	*s = *NewSortedTroves(s.capacity)
	last := uuid.Nil
	for _, e := range entries {
		if err := s.Insert(e.Owner, e.NICR, last); err != nil {
			return err
		}
		last = e.Owner
	}
	return nil
}

func (s *SortedTroves) idAt(h handle) (uuid.UUID, bool) {
	if h == nilHandle {
		return uuid.Nil, false
	}
	return s.nodes[h].id, true
}

func (s *SortedTroves) handleOf(id uuid.UUID) handle {
	if id == uuid.Nil {
		return nilHandle
	}
	if h, ok := s.index[id]; ok {
		return h
	}
	return nilHandle
}

func (s *SortedTroves) alloc(n node) handle {
	if k := len(s.free); k > 0 {
		h := s.free[k-1]
		s.free = s.free[:k-1]
		s.nodes[h] = n
		return h
	}
	s.nodes = append(s.nodes, n)
	return handle(len(s.nodes) - 1)
}

// findPosition locates (prev, next) such that prev.key <= key < next.key.
// The walk starts at hint when it is valid, otherwise at the head.
func (s *SortedTroves) findPosition(key *uint256.Int, hint handle) (prev, next handle) {
	if hint != nilHandle && key.Lt(s.nodes[hint].key) {
		// walk towards the head
		prev = s.nodes[hint].prev
		for prev != nilHandle && key.Lt(s.nodes[prev].key) {
			prev = s.nodes[prev].prev
		}
		if prev == nilHandle {
			return nilHandle, s.head
		}
		return prev, s.nodes[prev].next
	}

	prev = hint
	next = s.head
	if prev != nilHandle {
		next = s.nodes[prev].next
	}
	for next != nilHandle && !key.Lt(s.nodes[next].key) {
		prev = next
		next = s.nodes[next].next
	}
	return prev, next
}
