package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Amounts in responses are human decimals (1e18 fixed point scaled down).
// shopspring/decimal marshals them as JSON strings.

// Assets maps an asset symbol to an amount.
type Assets map[string]decimal.Decimal

// SystemResponse is the system-wide view.
type SystemResponse struct {
	ActiveTroves    int             `json:"active_troves"`
	TCR             string          `json:"tcr"`
	RecoveryMode    bool            `json:"recovery_mode"`
	PriceError      string          `json:"price_error,omitempty"`
	ActiveColls     Assets          `json:"active_colls"`
	ActiveDebt      decimal.Decimal `json:"active_debt"`
	DefaultColls    Assets          `json:"default_colls"`
	DefaultDebt     decimal.Decimal `json:"default_debt"`
	PoolDeposits    decimal.Decimal `json:"pool_deposits"`
	PoolColls       Assets          `json:"pool_colls"`
	PoolScale       uint64          `json:"pool_scale"`
	PoolEpoch       uint64          `json:"pool_epoch"`
	SurplusColls    Assets          `json:"surplus_colls"`
	GasPoolUSDE     decimal.Decimal `json:"gas_pool_usde"`
	TotalStakes     decimal.Decimal `json:"total_stakes"`
	LColl           Assets          `json:"l_coll"`
	LDebt           decimal.Decimal `json:"l_debt"`
	MCR             decimal.Decimal `json:"mcr"`
	CCR             decimal.Decimal `json:"ccr"`
	Halted          string          `json:"halted,omitempty"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// TroveResponse represents a trove for API queries. Colls and Debt include
// pending redistribution rewards.
type TroveResponse struct {
	Owner        uuid.UUID       `json:"owner"`
	Status       string          `json:"status"`
	Colls        Assets          `json:"colls"`
	Debt         decimal.Decimal `json:"debt"`
	Stake        decimal.Decimal `json:"stake"`
	NICR         string          `json:"nicr"`
	ICR          string          `json:"icr,omitempty"` // "inf" when debt is zero
	ArrayIndex   int             `json:"array_index"`
	Version      int64           `json:"version"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// DepositResponse is a stability pool position.
type DepositResponse struct {
	Depositor    uuid.UUID       `json:"depositor"`
	Compounded   decimal.Decimal `json:"compounded"`
	Gains        Assets          `json:"gains"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// SurplusResponse is the collateral an owner can claim.
type SurplusResponse struct {
	Owner        uuid.UUID `json:"owner"`
	Claimable    Assets    `json:"claimable"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// LiquidationHistoryEntry is one projected liquidation.
type LiquidationHistoryEntry struct {
	Sequence            int64           `json:"sequence"`
	Owner               uuid.UUID       `json:"owner"`
	Liquidator          uuid.UUID       `json:"liquidator"`
	Entry               string          `json:"entry"`
	Mode                string          `json:"mode"`
	ICR                 decimal.Decimal `json:"icr"`
	Debt                decimal.Decimal `json:"debt"`
	DebtOffset          decimal.Decimal `json:"debt_offset"`
	DebtRedistributed   decimal.Decimal `json:"debt_redistributed"`
	CollSurplus         Assets          `json:"coll_surplus"`
	RecoveryMode        bool            `json:"recovery_mode"`
	Timestamp           int64           `json:"timestamp"`
	AsOfSequence        int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	InvariantError  string  `json:"invariant_error,omitempty"`
}
