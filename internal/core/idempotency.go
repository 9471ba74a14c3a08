package core

import (
	"TroveLedger/internal/observability"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// CompositeKey is the LRU and event log key of a command.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU of
// recent composite keys in front of the event log. Not thread-safe; only
// the core goroutine touches it.
type IdempotencyChecker struct {
	lru         *simplelru.LRU[string, struct{}]
	dbChecker   DBIdempotencyChecker
	evictions   int64
	tier2Errors int64
	metrics     *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	ic := &IdempotencyChecker{dbChecker: dbChecker, metrics: metrics}
	lru, err := simplelru.NewLRU[string, struct{}](capacity, func(string, struct{}) {
		ic.evictions++
	})
	if err != nil {
		// only a non-positive size fails
		panic(err)
	}
	ic.lru = lru
	return ic
}

// IsDuplicate checks the LRU, then the event log. A failed log lookup is
// treated as not-a-duplicate.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := CompositeKey(eventType, idempotencyKey)

	if _, ok := ic.lru.Get(key); ok {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}
	isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		ic.tier2Errors++
		return false
	}
	if isDup {
		ic.recordDuplicate(eventType, "postgres")
		ic.lru.Add(key, struct{}{})
		return true
	}
	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(CompositeKey(eventType, idempotencyKey), struct{}{})
}

// Warm loads composite keys given oldest first.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.Add(key, struct{}{})
	}
}

// Keys returns every cached composite key, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) Size() int { return ic.lru.Len() }
func (ic *IdempotencyChecker) Evictions() int64 { return ic.evictions }
func (ic *IdempotencyChecker) Tier2Errors() int64 { return ic.tier2Errors }

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}
