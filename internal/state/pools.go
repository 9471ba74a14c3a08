package state

import (
	"fmt"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Pools is the custody layer. Collateral balances live in the ledger's
// system accounts; pools track the debt side and post every collateral and
// USDE movement as a journal entry.
type Pools struct {
	params      *Params
	tracker     *ledger.BalanceTracker
	journal     *ledger.JournalGenerator
	activeDebt  *uint256.Int
	defaultDebt *uint256.Int
}

func NewPools(params *Params, tracker *ledger.BalanceTracker, journal *ledger.JournalGenerator) *Pools {
	return &Pools{
		params:      params,
		tracker:     tracker,
		journal:     journal,
		activeDebt:  fpmath.Zero(),
		defaultDebt: fpmath.Zero(),
	}
}

func poolKey(sub ledger.AccountSubType, asset ledger.AssetID) ledger.AccountKey {
	return ledger.NewSystemAccountKey(sub, asset)
}

// colls reads a pool's balance for every enabled collateral.
func (p *Pools) colls(sub ledger.AccountSubType) Amounts {
	out := make(Amounts)
	for _, a := range p.params.Collaterals {
		if v := p.tracker.GetPoolBalance(sub, a); !v.IsZero() {
			out[a] = v
		}
	}
	return out
}

func (p *Pools) ActiveColls() Amounts {
	return p.colls(ledger.SubTypeActivePool)
}

func (p *Pools) DefaultColls() Amounts {
	return p.colls(ledger.SubTypeDefaultPool)
}

func (p *Pools) GasPoolColls() Amounts {
	return p.colls(ledger.SubTypeGasPool)
}

func (p *Pools) ActiveDebt() *uint256.Int {
	return p.activeDebt.Clone()
}

func (p *Pools) DefaultDebt() *uint256.Int {
	return p.defaultDebt.Clone()
}

// EntireSystemColl is active plus default pool collateral.
func (p *Pools) EntireSystemColl() Amounts {
	return p.ActiveColls().Plus(p.DefaultColls())
}

// EntireSystemDebt is active plus default pool debt.
func (p *Pools) EntireSystemDebt() *uint256.Int {
	return fpmath.Add(p.activeDebt, p.defaultDebt)
}

// GasPoolUSDE returns the USDE held for pending gas compensation.
func (p *Pools) GasPoolUSDE() *uint256.Int {
	return p.tracker.GetPoolBalance(ledger.SubTypeGasPool, ledger.AssetUSDE)
}

func (p *Pools) moveColls(jt ledger.JournalType, from, to ledger.AccountSubType, colls Amounts) error {
	for _, a := range colls.Assets() {
		if err := p.journal.Post(jt, poolKey(from, a), poolKey(to, a), colls[a]); err != nil {
			return err
		}
	}
	return nil
}

// DepositCollateral moves collateral from outside the system into the active pool.
func (p *Pools) DepositCollateral(colls Amounts) error {
	for _, a := range colls.Assets() {
		err := p.journal.Post(ledger.JournalTypeCollateralDeposit,
			ledger.NewExternalAccountKey(a), poolKey(ledger.SubTypeActivePool, a), colls[a])
		if err != nil {
			return err
		}
	}
	return nil
}

// WithdrawCollateral sends collateral from the active pool out of the system.
func (p *Pools) WithdrawCollateral(colls Amounts) error {
	for _, a := range colls.Assets() {
		err := p.journal.Post(ledger.JournalTypeCollateralWithdrawal,
			poolKey(ledger.SubTypeActivePool, a), ledger.NewExternalAccountKey(a), colls[a])
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Pools) IncreaseActiveDebt(v *uint256.Int) {
	p.activeDebt = fpmath.Add(p.activeDebt, v)
}

func (p *Pools) DecreaseActiveDebt(v *uint256.Int) error {
	if p.activeDebt.Lt(v) {
		return fmt.Errorf("active pool debt underflow: have=%s, need=%s", p.activeDebt.Dec(), v.Dec())
	}
	p.activeDebt = fpmath.Sub(p.activeDebt, v)
	return nil
}

// MoveToDefault transfers redistributed collateral and debt from the active
// pool to the default pool.
func (p *Pools) MoveToDefault(colls Amounts, debt *uint256.Int) error {
	if err := p.DecreaseActiveDebt(debt); err != nil {
		return err
	}
	p.defaultDebt = fpmath.Add(p.defaultDebt, debt)
	return p.moveColls(ledger.JournalTypeRedistribution, ledger.SubTypeActivePool, ledger.SubTypeDefaultPool, colls)
}

// ReturnFromDefault moves applied rewards back into the active pool.
func (p *Pools) ReturnFromDefault(colls Amounts, debt *uint256.Int) error {
	if p.defaultDebt.Lt(debt) {
		return fmt.Errorf("default pool debt underflow: have=%s, need=%s", p.defaultDebt.Dec(), debt.Dec())
	}
	p.defaultDebt = fpmath.Sub(p.defaultDebt, debt)
	p.activeDebt = fpmath.Add(p.activeDebt, debt)
	return p.moveColls(ledger.JournalTypeRewardApply, ledger.SubTypeDefaultPool, ledger.SubTypeActivePool, colls)
}

// ReserveGasCompensation moves the liquidator's collateral share into the
// gas pool so it no longer counts towards system collateral.
func (p *Pools) ReserveGasCompensation(colls Amounts) error {
	return p.moveColls(ledger.JournalTypeGasCompReserve, ledger.SubTypeActivePool, ledger.SubTypeGasPool, colls)
}

// PayGasCompensation pays collateral and USDE from the gas pool to the liquidator.
func (p *Pools) PayGasCompensation(liquidator uuid.UUID, colls Amounts, usde *uint256.Int) error {
	for _, a := range colls.Assets() {
		err := p.journal.Post(ledger.JournalTypeGasCompPayout,
			poolKey(ledger.SubTypeGasPool, a), ledger.NewWalletKey(liquidator, a), colls[a])
		if err != nil {
			return err
		}
	}
	return p.journal.Post(ledger.JournalTypeGasCompPayout,
		poolKey(ledger.SubTypeGasPool, ledger.AssetUSDE), ledger.NewWalletKey(liquidator, ledger.AssetUSDE), usde)
}

// MintTo issues USDE into a wallet.
func (p *Pools) MintTo(owner uuid.UUID, amount *uint256.Int) error {
	return p.journal.Post(ledger.JournalTypeMint,
		ledger.NewExternalAccountKey(ledger.AssetUSDE), ledger.NewWalletKey(owner, ledger.AssetUSDE), amount)
}

// MintGasCompensation issues the fixed gas compensation into the gas pool.
func (p *Pools) MintGasCompensation() error {
	return p.journal.Post(ledger.JournalTypeMint,
		ledger.NewExternalAccountKey(ledger.AssetUSDE), poolKey(ledger.SubTypeGasPool, ledger.AssetUSDE), p.params.GasCompensation)
}

// BurnFrom retires USDE held by an account.
func (p *Pools) BurnFrom(from ledger.AccountKey, amount *uint256.Int) error {
	return p.journal.Post(ledger.JournalTypeBurn, from, ledger.NewExternalAccountKey(ledger.AssetUSDE), amount)
}

// PoolsState is the serialisable form of the debt side.
type PoolsState struct {
	ActiveDebt  *uint256.Int `json:"active_debt"`
	DefaultDebt *uint256.Int `json:"default_debt"`
}

func (p *Pools) Export() PoolsState {
	return PoolsState{ActiveDebt: p.activeDebt.Clone(), DefaultDebt: p.defaultDebt.Clone()}
}

func (p *Pools) Import(st PoolsState) {
	p.activeDebt = fpmath.Copy(st.ActiveDebt)
	p.defaultDebt = fpmath.Copy(st.DefaultDebt)
}
