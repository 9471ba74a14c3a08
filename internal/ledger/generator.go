package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator builds the journal batch for one command.
// Every Post is applied to the balance tracker immediately, so later state
// checks within the same command observe earlier movements.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
	current        *Batch
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// Sequence returns the sequence number the next batch will carry.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence resets the next batch sequence (snapshot restore).
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// Begin opens a new batch for the command identified by eventRef.
// Any uncommitted batch is discarded.
func (jg *JournalGenerator) Begin(eventRef string, timestamp int64) {
	jg.current = &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 8),
	}
}

// Post moves amount from one account to another and records the entry.
// A zero amount is a no-op.
func (jg *JournalGenerator) Post(jt JournalType, from, to AccountKey, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if jg.current == nil {
		jg.Begin("", 0)
	}

	j := Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.current.BatchID,
		EventRef:      jg.current.EventRef,
		Sequence:      jg.current.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       to.AssetID,
		Amount:        amount.Clone(),
		JournalType:   jt,
		Timestamp:     jg.current.Timestamp,
	}

	if err := jg.balanceTracker.ApplyJournal(j); err != nil {
		return fmt.Errorf("%s: %w", jt, err)
	}
	jg.current.Journals = append(jg.current.Journals, j)
	return nil
}

// Commit closes the open batch and returns it. Returns nil when nothing was
// posted.
func (jg *JournalGenerator) Commit() *Batch {
	b := jg.current
	jg.current = nil
	if b == nil || len(b.Journals) == 0 {
		return nil
	}
	jg.sequence++
	return b
}

// Rollback reverts every entry posted since Begin.
func (jg *JournalGenerator) Rollback() {
	if jg.current == nil {
		return
	}
	for k := len(jg.current.Journals) - 1; k >= 0; k-- {
		jg.balanceTracker.revertJournal(jg.current.Journals[k])
	}
	jg.current = nil
}
