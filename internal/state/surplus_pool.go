package state

import (
	"fmt"

	"TroveLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SurplusPool holds collateral left over from capped liquidations until the
// former trove owner claims it. Balances are also held in the ledger's
// coll_surplus_pool accounts.
type SurplusPool struct {
	pools    *Pools
	balances map[uuid.UUID]Amounts
	totals   Amounts
}

func NewSurplusPool(pools *Pools) *SurplusPool {
	return &SurplusPool{
		pools:    pools,
		balances: make(map[uuid.UUID]Amounts),
		totals:   make(Amounts),
	}
}

// Credit moves amount of asset from the active pool into escrow for owner.
// Multiple credits accumulate.
func (s *SurplusPool) Credit(owner uuid.UUID, asset ledger.AssetID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	err := s.pools.journal.Post(ledger.JournalTypeSurplusCredit,
		poolKey(ledger.SubTypeActivePool, asset), poolKey(ledger.SubTypeCollSurplusPool, asset), amount)
	if err != nil {
		return fmt.Errorf("credit surplus to %s: %w", owner, err)
	}

	bal, ok := s.balances[owner]
	if !ok {
		bal = make(Amounts)
		s.balances[owner] = bal
	}
	bal.Add(asset, amount)
	s.totals.Add(asset, amount)
	return nil
}

// Claim pays every owed asset to the owner's wallet and zeroes the balance.
// Returns an empty set and changes nothing when nothing is owed.
func (s *SurplusPool) Claim(owner uuid.UUID) (Amounts, error) {
	bal, ok := s.balances[owner]
	if !ok || bal.IsZero() {
		return make(Amounts), nil
	}

	for _, a := range bal.Assets() {
		err := s.pools.journal.Post(ledger.JournalTypeSurplusClaim,
			poolKey(ledger.SubTypeCollSurplusPool, a), ledger.NewWalletKey(owner, a), bal[a])
		if err != nil {
			return nil, fmt.Errorf("claim surplus for %s: %w", owner, err)
		}
		s.totals.Sub(a, bal[a])
	}
	delete(s.balances, owner)
	return bal, nil
}

// Balance returns what owner can claim.
func (s *SurplusPool) Balance(owner uuid.UUID) Amounts {
	return s.balances[owner].Clone()
}

// Total returns the escrowed amount of one asset across all owners.
func (s *SurplusPool) Total(asset ledger.AssetID) *uint256.Int {
	return s.totals.Get(asset)
}

// Owners returns everyone with a claimable balance, in byte order.
func (s *SurplusPool) Owners() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.balances))
	for id := range s.balances {
		out = append(out, id)
	}
	sortUUIDs(out)
	return out
}

// SurplusState is the serialisable form of the escrow.
type SurplusState struct {
	Balances map[string]Amounts `json:"balances"`
}

func (s *SurplusPool) Export() SurplusState {
	st := SurplusState{Balances: make(map[string]Amounts, len(s.balances))}
	for id, bal := range s.balances {
		st.Balances[id.String()] = bal.Clone()
	}
	return st
}

func (s *SurplusPool) Import(st SurplusState) error {
	balances := make(map[uuid.UUID]Amounts, len(st.Balances))
	totals := make(Amounts)
	for k, bal := range st.Balances {
		id, err := uuid.Parse(k)
		if err != nil {
			return fmt.Errorf("surplus snapshot: %w", err)
		}
		balances[id] = Amounts{}.Plus(bal)
		for a, v := range bal {
			totals.Add(a, v)
		}
	}
	s.balances = balances
	s.totals = totals
	return nil
}
