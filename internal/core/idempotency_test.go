package core_test

import (
	"errors"
	"testing"

	"TroveLedger/internal/core"
	"TroveLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type mapChecker struct {
	keys  map[string]bool
	err   error
	calls int
}

func (m *mapChecker) IsDuplicate(eventType, key string) (bool, error) {
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return m.keys[core.CompositeKey(eventType, key)], nil
}

func TestIdempotency_LRUThenDatabase(t *testing.T) {
	db := &mapChecker{keys: map[string]bool{"TroveOpen:old": true}}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	ic := core.NewIdempotencyChecker(8, db, metrics)

	assert.False(t, ic.IsDuplicate("TroveOpen", "new"))
	ic.MarkProcessed("TroveOpen", "new")
	assert.True(t, ic.IsDuplicate("TroveOpen", "new"))
	assert.Equal(t, 1, db.calls, "an LRU hit must not reach the database")

	assert.True(t, ic.IsDuplicate("TroveOpen", "old"))
	assert.True(t, ic.IsDuplicate("TroveOpen", "old"))
	assert.Equal(t, 2, db.calls, "a database hit is cached")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("TroveOpen", "postgres")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("TroveOpen", "lru")))
}

func TestIdempotency_KeysAreScopedByType(t *testing.T) {
	ic := core.NewIdempotencyChecker(8, nil, nil)
	ic.MarkProcessed("PoolProvide", "k")
	assert.False(t, ic.IsDuplicate("PoolWithdraw", "k"))
}

func TestIdempotency_DatabaseErrorIsNotDuplicate(t *testing.T) {
	ic := core.NewIdempotencyChecker(8, &mapChecker{err: errors.New("down")}, nil)
	assert.False(t, ic.IsDuplicate("TroveClose", "k"))
	assert.Equal(t, int64(1), ic.Tier2Errors())
}

func TestIdempotency_EvictsOldestAndKeepsOrder(t *testing.T) {
	ic := core.NewIdempotencyChecker(3, nil, nil)
	ic.Warm([]string{"A:1", "A:2", "A:3"})
	ic.MarkProcessed("A", "4")

	assert.Equal(t, []string{"A:2", "A:3", "A:4"}, ic.Keys())
	assert.Equal(t, int64(1), ic.Evictions())
	assert.Equal(t, 3, ic.Size())
	assert.False(t, ic.IsDuplicate("A", "1"))
}
