package state

import (
	"errors"
	"fmt"
	"sort"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrNoDeposit      = errors.New("no stability pool deposit")
	ErrOffsetTooLarge = errors.New("offset exceeds pool deposits")
)

// EpochScale addresses one entry of the sum accumulator S.
type EpochScale struct {
	Epoch uint64 `json:"epoch"`
	Scale uint64 `json:"scale"`
}

// Deposit is a depositor's initial value and the accumulator snapshot taken
// when it was last touched.
type Deposit struct {
	Initial *uint256.Int `json:"initial"`
	P       *uint256.Int `json:"p"`
	S       Amounts      `json:"s"`
	Scale   uint64       `json:"scale"`
	Epoch   uint64       `json:"epoch"`
}

// StabilityPool absorbs liquidated debt with USDE deposits in exchange for
// the liquidated collateral.
//
// Every depositor's compounded deposit is initial*P/P0, and their collateral
// gain is initial*(S-S0)/P0. P is the running product of (1 - loss per unit
// deposited); S[epoch][scale][asset] is the running sum of gain per unit
// times P. When P would fall below ScaleFactor (1e9) it is multiplied by
// ScaleFactor and the scale increments; when the pool is emptied the epoch
// increments and P resets to 1e18.
type StabilityPool struct {
	params *Params
	pools  *Pools

	p            *uint256.Int
	currentScale uint64
	currentEpoch uint64
	sums         map[EpochScale]Amounts

	lastCollError     Amounts
	lastDebtLossError *uint256.Int

	totalDeposits *uint256.Int
	deposits      map[uuid.UUID]*Deposit
}

func NewStabilityPool(params *Params, pools *Pools) *StabilityPool {
	return &StabilityPool{
		params:            params,
		pools:             pools,
		p:                 fpmath.DecimalPrecision.Clone(),
		sums:              make(map[EpochScale]Amounts),
		lastCollError:     make(Amounts),
		lastDebtLossError: fpmath.Zero(),
		totalDeposits:     fpmath.Zero(),
		deposits:          make(map[uuid.UUID]*Deposit),
	}
}

func (sp *StabilityPool) TotalDeposits() *uint256.Int {
	return sp.totalDeposits.Clone()
}

// CanOffset reports whether there is anything to offset debt against.
func (sp *StabilityPool) CanOffset() bool {
	return !sp.totalDeposits.IsZero()
}

func (sp *StabilityPool) P() *uint256.Int {
	return sp.p.Clone()
}

func (sp *StabilityPool) CurrentScale() uint64 {
	return sp.currentScale
}

func (sp *StabilityPool) CurrentEpoch() uint64 {
	return sp.currentEpoch
}

// Sum returns S for an epoch and scale.
func (sp *StabilityPool) Sum(epoch, scale uint64) Amounts {
	return sp.sums[EpochScale{epoch, scale}].Clone()
}

// Collateral returns the collateral held by the pool for depositors.
func (sp *StabilityPool) Collateral() Amounts {
	return sp.pools.colls(ledger.SubTypeStabilityPool)
}

// Offset cancels debt against pool deposits and awards the collateral to
// depositors.
func (sp *StabilityPool) Offset(debtToOffset *uint256.Int, collToAdd Amounts) error {
	if sp.totalDeposits.IsZero() || debtToOffset.IsZero() {
		return nil
	}
	if debtToOffset.Gt(sp.totalDeposits) {
		return fmt.Errorf("offset %s against %s: %w", debtToOffset.Dec(), sp.totalDeposits.Dec(), ErrOffsetTooLarge)
	}

	gainPerUnit, lossPerUnit := sp.computeRewardsPerUnitStaked(collToAdd, debtToOffset)
	sp.updateRewardSumAndProduct(gainPerUnit, lossPerUnit)

	if err := sp.pools.DecreaseActiveDebt(debtToOffset); err != nil {
		return fmt.Errorf("offset: %w", err)
	}
	if err := sp.pools.BurnFrom(poolKey(ledger.SubTypeStabilityPool, ledger.AssetUSDE), debtToOffset); err != nil {
		return fmt.Errorf("offset: %w", err)
	}
	sp.totalDeposits = fpmath.Sub(sp.totalDeposits, debtToOffset)

	if err := sp.pools.moveColls(ledger.JournalTypeOffsetCollateral,
		ledger.SubTypeActivePool, ledger.SubTypeStabilityPool, collToAdd); err != nil {
		return fmt.Errorf("offset: %w", err)
	}
	return nil
}

// computeRewardsPerUnitStaked returns gain and loss per unit deposited,
// feeding the division remainders back into the next offset. The loss is
// rounded up so depositors never claim more than the pool holds.
func (sp *StabilityPool) computeRewardsPerUnitStaked(collToAdd Amounts, debtToOffset *uint256.Int) (Amounts, *uint256.Int) {
	total := sp.totalDeposits

	gains := make(Amounts)
	for _, a := range collToAdd.Assets() {
		num := fpmath.Add(fpmath.Mul(collToAdd[a], fpmath.DecimalPrecision), sp.lastCollError.Get(a))
		g := fpmath.Div(num, total)
		sp.lastCollError[a] = fpmath.Sub(num, fpmath.Mul(g, total))
		gains[a] = g
	}

	var loss *uint256.Int
	if debtToOffset.Eq(total) {
		loss = fpmath.DecimalPrecision.Clone()
		sp.lastDebtLossError = fpmath.Zero()
	} else {
		num := fpmath.SubOrZero(fpmath.Mul(debtToOffset, fpmath.DecimalPrecision), sp.lastDebtLossError)
		loss = fpmath.Add(fpmath.Div(num, total), fpmath.FromUint64(1))
		sp.lastDebtLossError = fpmath.Sub(fpmath.Mul(loss, total), num)
	}
	return gains, loss
}

func (sp *StabilityPool) updateRewardSumAndProduct(gainPerUnit Amounts, lossPerUnit *uint256.Int) {
	key := EpochScale{sp.currentEpoch, sp.currentScale}
	sum := sp.sums[key].Clone()
	for _, a := range gainPerUnit.Assets() {
		sum.Add(a, fpmath.Mul(gainPerUnit[a], sp.p))
	}
	sp.sums[key] = sum

	factor := fpmath.SubOrZero(fpmath.DecimalPrecision, lossPerUnit)
	switch {
	case factor.IsZero():
		sp.currentEpoch++
		sp.currentScale = 0
		sp.p = fpmath.DecimalPrecision.Clone()
	case fpmath.MulDiv(sp.p, factor, fpmath.DecimalPrecision, fpmath.RoundDown).Lt(fpmath.ScaleFactor):
		sp.p = fpmath.MulDiv(fpmath.Mul(sp.p, factor), fpmath.ScaleFactor, fpmath.DecimalPrecision, fpmath.RoundDown)
		sp.currentScale++
	default:
		sp.p = fpmath.MulDiv(sp.p, factor, fpmath.DecimalPrecision, fpmath.RoundDown)
	}
}

// CompoundedDeposit returns the depositor's deposit after all offsets since
// their last touch.
func (sp *StabilityPool) CompoundedDeposit(depositor uuid.UUID) *uint256.Int {
	d, ok := sp.deposits[depositor]
	if !ok || d.Initial.IsZero() {
		return fpmath.Zero()
	}
	if d.Epoch < sp.currentEpoch {
		return fpmath.Zero()
	}

	var compounded *uint256.Int
	switch sp.currentScale - d.Scale {
	case 0:
		compounded = fpmath.MulDiv(d.Initial, sp.p, d.P, fpmath.RoundDown)
	case 1:
		compounded = fpmath.Div(fpmath.MulDiv(d.Initial, sp.p, d.P, fpmath.RoundDown), fpmath.ScaleFactor)
	default:
		return fpmath.Zero()
	}

	// dust below a billionth of the initial deposit is treated as zero
	if compounded.Lt(fpmath.Div(d.Initial, fpmath.ScaleFactor)) {
		return fpmath.Zero()
	}
	return compounded
}

// CollateralGain returns the collateral the depositor has earned since their
// last touch.
func (sp *StabilityPool) CollateralGain(depositor uuid.UUID) Amounts {
	gains := make(Amounts)
	d, ok := sp.deposits[depositor]
	if !ok || d.Initial.IsZero() {
		return gains
	}

	first := sp.sums[EpochScale{d.Epoch, d.Scale}]
	second := sp.sums[EpochScale{d.Epoch, d.Scale + 1}]
	for _, a := range first.Plus(second).Assets() {
		portion := fpmath.SubOrZero(first.Get(a), d.S.Get(a))
		portion = fpmath.Add(portion, fpmath.Div(second.Get(a), fpmath.ScaleFactor))
		g := fpmath.Div(fpmath.MulDiv(d.Initial, portion, d.P, fpmath.RoundDown), fpmath.DecimalPrecision)
		gains.Add(a, g)
	}
	return gains
}

// Deposit returns a copy of the depositor's stored deposit record.
func (sp *StabilityPool) Deposit(depositor uuid.UUID) (Deposit, bool) {
	d, ok := sp.deposits[depositor]
	if !ok {
		return Deposit{}, false
	}
	return Deposit{Initial: d.Initial.Clone(), P: d.P.Clone(), S: d.S.Clone(), Scale: d.Scale, Epoch: d.Epoch}, true
}

// Depositors returns every depositor with a live deposit, in byte order.
func (sp *StabilityPool) Depositors() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(sp.deposits))
	for id := range sp.deposits {
		out = append(out, id)
	}
	sortUUIDs(out)
	return out
}

// Provide pays out pending gains, compounds the deposit and adds amount from
// the depositor's wallet. Returns the gains paid.
func (sp *StabilityPool) Provide(depositor uuid.UUID, amount *uint256.Int) (Amounts, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("provide: amount must be > 0")
	}

	compounded := sp.CompoundedDeposit(depositor)
	gains, err := sp.payGains(depositor)
	if err != nil {
		return nil, err
	}

	err = sp.pools.journal.Post(ledger.JournalTypePoolDeposit,
		ledger.NewWalletKey(depositor, ledger.AssetUSDE), poolKey(ledger.SubTypeStabilityPool, ledger.AssetUSDE), amount)
	if err != nil {
		return nil, fmt.Errorf("provide: %w", err)
	}
	sp.totalDeposits = fpmath.Add(sp.totalDeposits, amount)

	sp.updateDeposit(depositor, fpmath.Add(compounded, amount))
	return gains, nil
}

// Withdraw pays out pending gains and returns up to amount of the
// compounded deposit to the depositor's wallet. A zero amount only claims
// gains. Returns the USDE withdrawn and the gains paid.
func (sp *StabilityPool) Withdraw(depositor uuid.UUID, amount *uint256.Int) (*uint256.Int, Amounts, error) {
	d, ok := sp.deposits[depositor]
	if !ok || d.Initial.IsZero() {
		return nil, nil, fmt.Errorf("withdraw %s: %w", depositor, ErrNoDeposit)
	}

	compounded := sp.CompoundedDeposit(depositor)
	gains, err := sp.payGains(depositor)
	if err != nil {
		return nil, nil, err
	}

	out := fpmath.Min(fpmath.Copy(amount), compounded)
	err = sp.pools.journal.Post(ledger.JournalTypePoolWithdrawal,
		poolKey(ledger.SubTypeStabilityPool, ledger.AssetUSDE), ledger.NewWalletKey(depositor, ledger.AssetUSDE), out)
	if err != nil {
		return nil, nil, fmt.Errorf("withdraw: %w", err)
	}
	sp.totalDeposits = fpmath.Sub(sp.totalDeposits, out)

	sp.updateDeposit(depositor, fpmath.Sub(compounded, out))
	return out, gains, nil
}

func (sp *StabilityPool) payGains(depositor uuid.UUID) (Amounts, error) {
	gains := sp.CollateralGain(depositor)
	for _, a := range gains.Assets() {
		err := sp.pools.journal.Post(ledger.JournalTypePoolGainPayout,
			poolKey(ledger.SubTypeStabilityPool, a), ledger.NewWalletKey(depositor, a), gains[a])
		if err != nil {
			return nil, fmt.Errorf("pay gains to %s: %w", depositor, err)
		}
	}
	return gains, nil
}

func (sp *StabilityPool) updateDeposit(depositor uuid.UUID, value *uint256.Int) {
	if value.IsZero() {
		delete(sp.deposits, depositor)
		return
	}
	sp.deposits[depositor] = &Deposit{
		Initial: value.Clone(),
		P:       sp.p.Clone(),
		S:       sp.sums[EpochScale{sp.currentEpoch, sp.currentScale}].Clone(),
		Scale:   sp.currentScale,
		Epoch:   sp.currentEpoch,
	}
}

// SumEntry is one S value in serialisable form.
type SumEntry struct {
	EpochScale
	Sum Amounts `json:"sum"`
}

// StabilityPoolState is the serialisable form of the pool.
type StabilityPoolState struct {
	P                 *uint256.Int       `json:"p"`
	CurrentScale      uint64             `json:"current_scale"`
	CurrentEpoch      uint64             `json:"current_epoch"`
	Sums              []SumEntry         `json:"sums"`
	LastCollError     Amounts            `json:"last_coll_error"`
	LastDebtLossError *uint256.Int       `json:"last_debt_loss_error"`
	TotalDeposits     *uint256.Int       `json:"total_deposits"`
	Deposits          map[string]Deposit `json:"deposits"`
}

func (sp *StabilityPool) Export() StabilityPoolState {
	st := StabilityPoolState{
		P:                 sp.p.Clone(),
		CurrentScale:      sp.currentScale,
		CurrentEpoch:      sp.currentEpoch,
		LastCollError:     sp.lastCollError.Clone(),
		LastDebtLossError: sp.lastDebtLossError.Clone(),
		TotalDeposits:     sp.totalDeposits.Clone(),
		Deposits:          make(map[string]Deposit, len(sp.deposits)),
	}
	for k, v := range sp.sums {
		st.Sums = append(st.Sums, SumEntry{EpochScale: k, Sum: v.Clone()})
	}
	sort.Slice(st.Sums, func(i, j int) bool {
		if st.Sums[i].Epoch != st.Sums[j].Epoch {
			return st.Sums[i].Epoch < st.Sums[j].Epoch
		}
		return st.Sums[i].Scale < st.Sums[j].Scale
	})
	for _, id := range sp.Depositors() {
		d, _ := sp.Deposit(id)
		st.Deposits[id.String()] = d
	}
	return st
}

func (sp *StabilityPool) Import(st StabilityPoolState) error {
	deposits := make(map[uuid.UUID]*Deposit, len(st.Deposits))
	for k, d := range st.Deposits {
		id, err := uuid.Parse(k)
		if err != nil {
			return fmt.Errorf("stability pool snapshot: %w", err)
		}
		deposits[id] = &Deposit{
			Initial: fpmath.Copy(d.Initial),
			P:       fpmath.Copy(d.P),
			S:       Amounts{}.Plus(d.S),
			Scale:   d.Scale,
			Epoch:   d.Epoch,
		}
	}

	sp.p = fpmath.Copy(st.P)
	if sp.p.IsZero() {
		sp.p = fpmath.DecimalPrecision.Clone()
	}
	sp.currentScale = st.CurrentScale
	sp.currentEpoch = st.CurrentEpoch
	sp.sums = make(map[EpochScale]Amounts, len(st.Sums))
	for _, e := range st.Sums {
		sp.sums[e.EpochScale] = Amounts{}.Plus(e.Sum)
	}
	sp.lastCollError = Amounts{}.Plus(st.LastCollError)
	sp.lastDebtLossError = fpmath.Copy(st.LastDebtLossError)
	sp.totalDeposits = fpmath.Copy(st.TotalDeposits)
	sp.deposits = deposits
	return nil
}
