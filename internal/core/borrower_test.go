package core_test

import (
	"context"
	"testing"

	"TroveLedger/internal/core"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenTrove_RecordsDebtWithGasCompensation(t *testing.T) {
	h := newHarness(t)
	owner := uuid.New()
	up, err := h.e.OpenTrove(context.Background(), owner, weth("2"), fpmath.Units(1800), uuid.Nil, h.now)
	require.NoError(t, err)
	require.NotNil(t, up.Batch)

	assert.Equal(t, "Active", up.Trove.Status)
	assert.Equal(t, fpmath.Units(2000), up.Trove.Debt)
	assert.Equal(t, fpmath.Units(2), up.Trove.Stake)
	assert.Equal(t, fpmath.Units(1800), h.e.WalletBalance(owner, ledger.AssetUSDE))

	sys := h.e.SystemState()
	assert.Equal(t, fpmath.Units(200), sys.GasPoolUSDE)
	assert.Equal(t, fpmath.Units(2000), sys.ActiveDebt)
	assert.Equal(t, fpmath.Units(2), sys.ActiveColls.Get(ledger.AssetWETH))
	require.NoError(t, h.e.CheckInvariants())
}

func TestOpenTrove_Rejections(t *testing.T) {
	h := newHarness(t)
	owner := h.open("2", "1800")
	ctx := context.Background()

	tests := []struct {
		name    string
		owner   uuid.UUID
		colls   state.Amounts
		netDebt string
		wantErr error
	}{
		{"already active", owner, weth("2"), "1800", core.ErrTroveExists},
		{"below mcr", uuid.New(), weth("1"), "1800", core.ErrInsufficientCollateralRatio},
		{"unknown asset", uuid.New(), state.Amounts{ledger.AssetWBTC: fpmath.Units(1)}, "1800", core.ErrUnknownAsset},
		{"min net debt", uuid.New(), weth("2"), "1799", core.ErrInvalidInput},
		{"no collateral", uuid.New(), state.Amounts{}, "1800", core.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.e.OpenTrove(ctx, tt.owner, tt.colls, fpmath.MustParse(tt.netDebt), uuid.Nil, h.now)
			require.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, core.ErrInvalidInput)
		})
	}
	assert.Equal(t, 1, h.e.SystemState().ActiveTroves)
	assert.NoError(t, h.e.Halted())
}

func TestOpenTrove_RecoveryModeRequiresCCR(t *testing.T) {
	h := newHarness(t)
	h.open("1.31", "1800")
	h.setPrice("1900") // TCR 124.45%

	_, err := h.e.OpenTrove(context.Background(), uuid.New(), weth("1.36"), fpmath.Units(1800), uuid.Nil, h.now)
	require.ErrorIs(t, err, core.ErrInsufficientCollateralRatio)

	_, err = h.e.OpenTrove(context.Background(), uuid.New(), weth("1.4"), fpmath.Units(1800), uuid.Nil, h.now)
	require.NoError(t, err)
}

func TestAdjustTrove_AddCollateralAndRepay(t *testing.T) {
	h := newHarness(t)
	h.open("5", "1800")
	owner := h.open("2", "2800") // debt 3000

	_, err := h.e.AdjustTrove(context.Background(), owner, core.Adjustment{
		CollIn:    weth("1"),
		DebtRepay: fpmath.Units(500),
	}, h.now)
	require.NoError(t, err)

	assert.Equal(t, fpmath.Units(3), h.e.TroveColls(owner).Get(ledger.AssetWETH))
	assert.Equal(t, fpmath.Units(2500), h.e.TroveDebt(owner))
	assert.Equal(t, fpmath.Units(3), h.e.TroveStake(owner))
	assert.Equal(t, fpmath.Units(2300), h.e.WalletBalance(owner, ledger.AssetUSDE))
	require.NoError(t, h.e.CheckInvariants())
}

func TestAdjustTrove_ReordersRegistry(t *testing.T) {
	h := newHarness(t)
	a := h.open("3", "1800")
	b := h.open("4", "1800")

	order := func() []uuid.UUID {
		var out []uuid.UUID
		for _, tv := range h.e.Troves() {
			out = append(out, tv.Owner)
		}
		return out
	}
	assert.Equal(t, []uuid.UUID{a, b}, order())

	_, err := h.e.AdjustTrove(context.Background(), a, core.Adjustment{CollIn: weth("2")}, h.now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b, a}, order())
}

func TestAdjustTrove_Rejections(t *testing.T) {
	h := newHarness(t)
	h.open("5", "1800")
	owner := h.open("2", "1800")
	ctx := context.Background()

	_, err := h.e.AdjustTrove(ctx, owner, core.Adjustment{}, h.now)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = h.e.AdjustTrove(ctx, owner, core.Adjustment{CollOut: weth("3")}, h.now)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = h.e.AdjustTrove(ctx, owner, core.Adjustment{CollOut: weth("1")}, h.now)
	assert.ErrorIs(t, err, core.ErrInsufficientCollateralRatio)

	_, err = h.e.AdjustTrove(ctx, owner, core.Adjustment{DebtRepay: fpmath.Units(1)}, h.now)
	assert.ErrorIs(t, err, core.ErrInvalidInput, "repay below min net debt")

	_, err = h.e.AdjustTrove(ctx, uuid.New(), core.Adjustment{CollIn: weth("1")}, h.now)
	assert.ErrorIs(t, err, core.ErrTroveNotActive)
}

func TestAdjustTrove_RecoveryModeRestrictions(t *testing.T) {
	h := newHarness(t)
	h.open("1.31", "1800")
	owner := h.open("1.31", "1800")
	h.setPrice("1900") // both troves and the system at 124.45%
	ctx := context.Background()

	_, err := h.e.AdjustTrove(ctx, owner, core.Adjustment{CollOut: weth("0.01")}, h.now)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	_, err = h.e.AdjustTrove(ctx, owner, core.Adjustment{DebtIncrease: fpmath.Units(100)}, h.now)
	assert.ErrorIs(t, err, core.ErrInsufficientCollateralRatio)

	_, err = h.e.AdjustTrove(ctx, owner, core.Adjustment{CollIn: weth("0.1")}, h.now)
	require.NoError(t, err)
}

func TestOpenTrove_RejectedWhenTCRWouldDropBelowCCR(t *testing.T) {
	h := newHarness(t)
	h.open("1.4", "1800") // 140%

	// 115% on its own, but the system would land at 127.5%.
	_, err := h.e.OpenTrove(context.Background(), uuid.New(), weth("1.15"), fpmath.Units(1800), uuid.Nil, h.now)
	require.ErrorIs(t, err, core.ErrInsufficientCollateralRatio)
	assert.Equal(t, 1, h.e.SystemState().ActiveTroves)
}

func TestAdjustTrove_AppliesPendingRewardsFirst(t *testing.T) {
	h := newHarness(t)
	survivor := h.open("20", "1800")
	h.open("20", "1800")
	victim := h.open("2", "1800")

	h.setPrice("1000")
	_, err := h.e.Liquidate(context.Background(), uuid.New(), victim, h.now)
	require.NoError(t, err)

	debt := h.e.TroveDebt(survivor)
	colls := h.e.TroveColls(survivor)
	require.True(t, debt.Gt(fpmath.Units(2000)))

	_, err = h.e.AdjustTrove(context.Background(), survivor, core.Adjustment{CollIn: weth("1")}, h.now)
	require.NoError(t, err)

	tv := h.e.Trove(survivor)
	assert.Equal(t, debt, tv.StoredDebt)
	assert.Equal(t, fpmath.Add(colls.Get(ledger.AssetWETH), fpmath.Units(1)), tv.StoredColls.Get(ledger.AssetWETH))
	require.NoError(t, h.e.CheckInvariants())
}

func TestCloseTrove_BurnsDebtAndReturnsCollateral(t *testing.T) {
	h := newHarness(t)
	h.open("5", "1800")
	owner := h.open("2", "1800")

	up, err := h.e.CloseTrove(context.Background(), owner, h.now)
	require.NoError(t, err)
	assert.Equal(t, "ClosedByOwner", up.Trove.Status)
	assert.Equal(t, -1, up.Trove.ArrayIndex)
	assert.True(t, h.e.WalletBalance(owner, ledger.AssetUSDE).IsZero())

	sys := h.e.SystemState()
	assert.Equal(t, 1, sys.ActiveTroves)
	assert.Equal(t, fpmath.Units(200), sys.GasPoolUSDE)
	assert.Equal(t, fpmath.Units(2000), sys.ActiveDebt)
	assert.Equal(t, fpmath.Units(5), sys.TotalStakes)
	require.NoError(t, h.e.CheckInvariants())

	// A closed trove can be reopened.
	_, err = h.e.OpenTrove(context.Background(), owner, weth("2"), fpmath.Units(1800), uuid.Nil, h.now)
	require.NoError(t, err)
}

func TestCloseTrove_Rejections(t *testing.T) {
	h := newHarness(t)
	first := h.open("5", "1800")
	ctx := context.Background()

	_, err := h.e.CloseTrove(ctx, first, h.now)
	assert.ErrorIs(t, err, core.ErrInvalidInput, "last trove")

	second := h.open("2", "1800")
	_, err = h.e.ProvideToPool(ctx, second, fpmath.Units(1), h.now)
	require.NoError(t, err)
	_, err = h.e.CloseTrove(ctx, second, h.now)
	assert.ErrorIs(t, err, core.ErrInvalidInput, "wallet short by 1 USDE")
	assert.Equal(t, state.StatusActive, h.e.TroveStatus(second))
}

func TestAmountsAboveRangeRejected(t *testing.T) {
	h := newHarness(t)
	h.open("5", "1800")
	owner := h.open("2", "1800")
	ctx := context.Background()
	over := new(uint256.Int).Add(fpmath.MaxAmount, uint256.NewInt(1))
	nearMax := new(uint256.Int).Sub(fpmath.MaxAmount, uint256.NewInt(1))

	_, err := h.e.OpenTrove(ctx, uuid.New(), state.Amounts{ledger.AssetWETH: over}, fpmath.Units(1800), uuid.Nil, h.now)
	require.ErrorIs(t, err, core.ErrInvalidInput)
	assert.ErrorIs(t, err, fpmath.ErrOutOfRange)

	_, err = h.e.OpenTrove(ctx, uuid.New(), weth("1000"), over, uuid.Nil, h.now)
	assert.ErrorIs(t, err, fpmath.ErrOutOfRange, "net debt")

	_, err = h.e.AdjustTrove(ctx, owner, core.Adjustment{CollIn: state.Amounts{ledger.AssetWETH: over}}, h.now)
	assert.ErrorIs(t, err, fpmath.ErrOutOfRange, "coll in")

	_, err = h.e.AdjustTrove(ctx, owner, core.Adjustment{CollIn: state.Amounts{ledger.AssetWETH: nearMax}}, h.now)
	assert.ErrorIs(t, err, fpmath.ErrOutOfRange, "resulting collateral")

	_, err = h.e.AdjustTrove(ctx, owner, core.Adjustment{DebtIncrease: over}, h.now)
	assert.ErrorIs(t, err, fpmath.ErrOutOfRange, "debt increase")

	_, err = h.e.ProvideToPool(ctx, owner, over, h.now)
	assert.ErrorIs(t, err, fpmath.ErrOutOfRange, "deposit")

	assert.Equal(t, 2, h.e.SystemState().ActiveTroves)
	assert.Equal(t, fpmath.Units(2), h.e.TroveColls(owner).Get(ledger.AssetWETH))
	require.NoError(t, h.e.Halted())
}

func TestLiquidate_LargestAcceptedTroveDoesNotOverflow(t *testing.T) {
	h := newHarness(t)
	h.open("10", "1800")
	big := uuid.New()
	_, err := h.e.OpenTrove(context.Background(), big, state.Amounts{ledger.AssetWETH: fpmath.MaxAmount}, fpmath.Units(1800), uuid.Nil, h.now)
	require.NoError(t, err)

	h.setPrice("0.000000000000000001")
	require.NotPanics(t, func() {
		res, err := h.e.Liquidate(context.Background(), uuid.New(), big, h.now)
		require.NoError(t, err)
		require.Len(t, res.Troves, 1)
	})
	assert.Equal(t, state.StatusClosedByLiquidation, h.e.TroveStatus(big))
	require.NoError(t, h.e.CheckInvariants())
}

func TestStabilityPool_ProvideAndWithdraw(t *testing.T) {
	h := newHarness(t)
	depositor := h.open("5", "3000")
	h.open("2", "1800")
	ctx := context.Background()

	_, err := h.e.ProvideToPool(ctx, depositor, fpmath.Units(3001), h.now)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	h.provide(depositor, "2500")
	assert.Equal(t, fpmath.Units(500), h.e.WalletBalance(depositor, ledger.AssetUSDE))

	up, err := h.e.WithdrawFromPool(ctx, depositor, fpmath.Units(1000), h.now)
	require.NoError(t, err)
	assert.Equal(t, fpmath.Units(1000), up.Withdrawn)
	assert.Equal(t, fpmath.Units(1500), up.Deposit.Compounded)
	assert.Equal(t, fpmath.Units(1500), h.e.WalletBalance(depositor, ledger.AssetUSDE))

	_, err = h.e.WithdrawFromPool(ctx, uuid.New(), fpmath.Units(1), h.now)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestStabilityPool_WithdrawBlockedByUndercollateralizedTrove(t *testing.T) {
	h := newHarness(t)
	depositor := h.open("20", "3000")
	h.open("2", "1800")
	h.provide(depositor, "1000")

	h.setPrice("1000") // second trove at 100%
	_, err := h.e.WithdrawFromPool(context.Background(), depositor, fpmath.Units(1), h.now)
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	// Claiming gains alone is still allowed.
	_, err = h.e.WithdrawFromPool(context.Background(), depositor, fpmath.Zero(), h.now)
	assert.NoError(t, err)
}

func TestStabilityPool_GainsPaidOnWithdraw(t *testing.T) {
	h := newHarness(t)
	depositor := h.open("20", "3000")
	victim := h.open("2.1", "1800")
	h.provide(depositor, "3000")

	h.setPrice("1000")
	res, err := h.e.Liquidate(context.Background(), uuid.New(), victim, h.now)
	require.NoError(t, err)
	toPool := res.Troves[0].CollToPool.Get(ledger.AssetWETH)
	assert.Equal(t, fpmath.Units(2000), res.Troves[0].DebtOffset)

	up, err := h.e.WithdrawFromPool(context.Background(), depositor, fpmath.Units(1000), h.now)
	require.NoError(t, err)
	assertClose(t, toPool, up.GainsPaid.Get(ledger.AssetWETH), 1_000_000)
	assertClose(t, fpmath.Units(1000), up.Withdrawn, 1_000_000)
	assertClose(t, toPool, h.e.WalletBalance(depositor, ledger.AssetWETH), 1_000_000)
	require.NoError(t, h.e.CheckInvariants())
}
