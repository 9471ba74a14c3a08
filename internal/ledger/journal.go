package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCollateralDeposit    JournalType = iota // external → active pool
	JournalTypeCollateralWithdrawal                    // active pool → external
	JournalTypeMint                                    // external → wallet / gas pool
	JournalTypeBurn                                    // wallet / pool → external
	JournalTypePoolDeposit                             // wallet → stability pool
	JournalTypePoolWithdrawal                          // stability pool → wallet
	JournalTypePoolGainPayout                          // stability pool collateral → wallet
	JournalTypeOffsetCollateral                        // active pool → stability pool
	JournalTypeRedistribution                          // active pool → default pool
	JournalTypeRewardApply                             // default pool → active pool
	JournalTypeGasCompReserve                          // active pool → gas pool
	JournalTypeGasCompPayout                           // gas pool → liquidator wallet
	JournalTypeSurplusCredit                           // active pool → coll surplus pool
	JournalTypeSurplusClaim                            // coll surplus pool → wallet
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeCollateralDeposit:
		return "collateral_deposit"
	case JournalTypeCollateralWithdrawal:
		return "collateral_withdrawal"
	case JournalTypeMint:
		return "mint"
	case JournalTypeBurn:
		return "burn"
	case JournalTypePoolDeposit:
		return "pool_deposit"
	case JournalTypePoolWithdrawal:
		return "pool_withdrawal"
	case JournalTypePoolGainPayout:
		return "pool_gain_payout"
	case JournalTypeOffsetCollateral:
		return "offset_collateral"
	case JournalTypeRedistribution:
		return "redistribution"
	case JournalTypeRewardApply:
		return "reward_apply"
	case JournalTypeGasCompReserve:
		return "gas_comp_reserve"
	case JournalTypeGasCompPayout:
		return "gas_comp_payout"
	case JournalTypeSurplusCredit:
		return "surplus_credit"
	case JournalTypeSurplusClaim:
		return "surplus_claim"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups entries of one command
	EventRef      string       // Idempotency key of source command
	Sequence      int64        // Global event sequence
	DebitAccount  AccountKey   // Account receiving debit (balance increases)
	CreditAccount AccountKey   // Account receiving credit (balance decreases)
	AssetID       AssetID      // Asset being transferred
	Amount        *uint256.Int // 18-decimal amount (ALWAYS positive)
	JournalType   JournalType  // Entry type
	Timestamp     int64        // Versioned input timestamp (epoch microseconds)
}

// Batch represents the set of journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry moves a single positive amount from credit account to
// debit account, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if err := j.validate(); err != nil {
			return err
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
	}

	return nil
}

func (j Journal) validate() error {
	if j.Amount == nil || j.Amount.IsZero() {
		return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
	}
	if j.DebitAccount == j.CreditAccount {
		return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
	}
	if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
		return fmt.Errorf("journal %s moves %s between accounts of a different asset", j.JournalID, j.AssetID)
	}
	return nil
}
