package oracle

import (
	"errors"
	"fmt"
	"sync"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/holiman/uint256"
)

var ErrStalePrice = errors.New("oracle: stale or invalid price")

// Prices is a point-in-time price set, 1e18-scaled USDE per unit.
type Prices map[ledger.AssetID]*uint256.Int

// Get returns the price of an asset, or zero when absent.
func (p Prices) Get(asset ledger.AssetID) *uint256.Int {
	if v, ok := p[asset]; ok {
		return v
	}
	return new(uint256.Int)
}

// PriceFeed is the read side consumed during a liquidation call.
type PriceFeed interface {
	Price(asset ledger.AssetID) (*uint256.Int, error)
	Snapshot(assets []ledger.AssetID, asOf int64) (Prices, error)
}

// Quote is the latest accepted price for one asset.
type Quote struct {
	Price     *uint256.Int `json:"price"`
	Sequence  int64        `json:"sequence"`
	Timestamp int64        `json:"timestamp"` // epoch microseconds
}

// Store keeps the latest quote per asset. Updates arrive through the core
// event loop while queries read concurrently.
type Store struct {
	mu        sync.RWMutex
	quotes    map[ledger.AssetID]Quote
	maxAge    int64 // microseconds, 0 = never stale
	gapCounts map[ledger.AssetID]int64
}

func NewStore(maxAgeMicros int64) *Store {
	return &Store{
		quotes:    make(map[ledger.AssetID]Quote),
		maxAge:    maxAgeMicros,
		gapCounts: make(map[ledger.AssetID]int64),
	}
}

// Update records a new quote. Quotes whose sequence is not ahead of the
// current one are ignored and reported as not applied. Sequence gaps are
// tolerated and counted.
func (s *Store) Update(asset ledger.AssetID, price *uint256.Int, seq, ts int64) (bool, error) {
	if price == nil || price.IsZero() {
		return false, fmt.Errorf("%s price update %d: %w", asset, seq, ErrStalePrice)
	}
	if err := fpmath.CheckRange(price); err != nil {
		return false, fmt.Errorf("%s price update %d: %w", asset, seq, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.quotes[asset]
	if ok && seq <= cur.Sequence {
		return false, nil
	}
	if ok && seq > cur.Sequence+1 {
		s.gapCounts[asset]++
	}

	s.quotes[asset] = Quote{Price: price.Clone(), Sequence: seq, Timestamp: ts}
	return true, nil
}

// Price returns the latest price regardless of age.
func (s *Store) Price(asset ledger.AssetID) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[asset]
	if !ok {
		return nil, fmt.Errorf("no price for %s: %w", asset, ErrStalePrice)
	}
	return q.Price.Clone(), nil
}

// Snapshot returns the prices of assets as seen at asOf. It fails when any
// price is missing, zero, stamped after asOf or older than the max age.
func (s *Store) Snapshot(assets []ledger.AssetID, asOf int64) (Prices, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Prices, len(assets))
	for _, a := range assets {
		q, ok := s.quotes[a]
		switch {
		case !ok:
			return nil, fmt.Errorf("no price for %s: %w", a, ErrStalePrice)
		case q.Price.IsZero():
			return nil, fmt.Errorf("zero price for %s: %w", a, ErrStalePrice)
		case q.Timestamp > asOf:
			return nil, fmt.Errorf("price for %s is ahead of command time (%d > %d): %w",
				a, q.Timestamp, asOf, ErrStalePrice)
		case s.maxAge > 0 && asOf-q.Timestamp > s.maxAge:
			return nil, fmt.Errorf("price for %s is %dus old: %w", a, asOf-q.Timestamp, ErrStalePrice)
		}
		out[a] = q.Price.Clone()
	}
	return out, nil
}

// Gaps returns how many sequence gaps were observed for an asset.
func (s *Store) Gaps(asset ledger.AssetID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gapCounts[asset]
}

// Quotes returns a copy of every stored quote (snapshotting).
func (s *Store) Quotes() map[ledger.AssetID]Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[ledger.AssetID]Quote, len(s.quotes))
	for a, q := range s.quotes {
		out[a] = Quote{Price: q.Price.Clone(), Sequence: q.Sequence, Timestamp: q.Timestamp}
	}
	return out
}

// Restore replaces stored quotes.
func (s *Store) Restore(quotes map[ledger.AssetID]Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = make(map[ledger.AssetID]Quote, len(quotes))
	for a, q := range quotes {
		s.quotes[a] = Quote{Price: q.Price.Clone(), Sequence: q.Sequence, Timestamp: q.Timestamp}
	}
}
