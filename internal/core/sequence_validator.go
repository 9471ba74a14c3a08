package core

import (
	"errors"
	"fmt"

	"TroveLedger/internal/observability"
)

var (
	// ErrSequenceGap means commands are missing before this one; the
	// command is not logged and redelivery should fill the gap.
	ErrSequenceGap = errors.New("sequence gap")
	// ErrOutOfOrder means a new command arrived below the partition
	// watermark.
	ErrOutOfOrder = errors.New("out-of-order command")
)

// SequenceValidator keeps the next expected source sequence per partition.
// Borrower and pool commands must arrive gap-free; price feeds only move
// forward. Not thread-safe; only the core goroutine touches it.
type SequenceValidator struct {
	next    map[string]int64
	metrics *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{next: make(map[string]int64), metrics: metrics}
}

// ValidateSequence accepts exactly the next sequence of partition. A
// redelivered duplicate below the watermark passes so dedup can drop it.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.next[partition]
	switch {
	case sourceSequence == expected:
		sv.next[partition] = expected + 1
		return nil
	case sourceSequence < expected && isDuplicate:
		return nil
	case sourceSequence < expected:
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s expected=%d got=%d", ErrOutOfOrder, partition, expected, sourceSequence)
	default:
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: partition=%s expected=%d got=%d", ErrSequenceGap, partition, expected, sourceSequence)
	}
}

// ValidatePriceSequence reports whether a price update is newer than the
// last one applied for asset. Gaps are fine for prices and only counted.
func (sv *SequenceValidator) ValidatePriceSequence(asset string, priceSequence int64) bool {
	partition := PricePartition(asset)
	expected := sv.next[partition]
	if priceSequence < expected {
		return false
	}
	if expected > 0 && priceSequence > expected && sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	sv.next[partition] = priceSequence + 1
	return true
}

// PricePartition names the sequence partition of an asset's price feed.
func PricePartition(asset string) string {
	return "price:" + asset
}

// Expected returns the next sequence partition will accept.
func (sv *SequenceValidator) Expected(partition string) int64 {
	return sv.next[partition]
}

// RestorePartition sets the next expected sequence during recovery.
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.next[partition] = nextSeq
}

// GetAllPartitions returns a copy of every partition watermark.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.next))
	for p, s := range sv.next {
		out[p] = s
	}
	return out
}
