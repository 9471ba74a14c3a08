package core

import (
	"context"
	"errors"
	"testing"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wethAmounts(v string) state.Amounts {
	return state.Amounts{ledger.AssetWETH: fpmath.MustParse(v)}
}

func TestSplitLiquidation_FullRedistribution(t *testing.T) {
	p := state.DefaultParams()
	l := splitLiquidation(p, ModeFullRedistribution, wethAmounts("1"), fpmath.Units(2000), fpmath.Percent(90), fpmath.Units(5000))

	assert.Equal(t, fpmath.MustParse("0.005"), l.CollGasCompensation.Get(ledger.AssetWETH))
	assert.Equal(t, fpmath.MustParse("0.995"), l.CollRedistributed.Get(ledger.AssetWETH))
	assert.Equal(t, fpmath.Units(2000), l.DebtRedistributed)
	assert.True(t, l.DebtOffset.IsZero(), "pool is ignored below 100%")
	assert.Empty(t, l.CollToPool)
	assert.Empty(t, l.CollSurplus)
}

func TestSplitLiquidation_PoolThenRedistribution(t *testing.T) {
	p := state.DefaultParams()
	l := splitLiquidation(p, ModePoolThenRedistribution, wethAmounts("2"), fpmath.Units(2000), fpmath.Percent(105), fpmath.Units(1000))

	assert.Equal(t, fpmath.MustParse("0.01"), l.CollGasCompensation.Get(ledger.AssetWETH))
	assert.Equal(t, fpmath.Units(1000), l.DebtOffset)
	assert.Equal(t, fpmath.MustParse("0.995"), l.CollToPool.Get(ledger.AssetWETH))
	assert.Equal(t, fpmath.MustParse("0.995"), l.CollRedistributed.Get(ledger.AssetWETH))
	assert.Equal(t, fpmath.Units(1000), l.DebtRedistributed)

	// Pool covers everything: nothing left to redistribute.
	l = splitLiquidation(p, ModePoolThenRedistribution, wethAmounts("2"), fpmath.Units(2000), fpmath.Percent(105), fpmath.Units(9000))
	assert.Equal(t, fpmath.Units(2000), l.DebtOffset)
	assert.Equal(t, fpmath.MustParse("1.99"), l.CollToPool.Get(ledger.AssetWETH))
	assert.Empty(t, l.CollRedistributed)
	assert.True(t, l.DebtRedistributed.IsZero())

	// Empty pool: everything redistributed.
	l = splitLiquidation(p, ModePoolThenRedistribution, wethAmounts("2"), fpmath.Units(2000), fpmath.Percent(105), fpmath.Zero())
	assert.Empty(t, l.CollToPool)
	assert.Equal(t, fpmath.MustParse("1.99"), l.CollRedistributed.Get(ledger.AssetWETH))
}

func TestSplitLiquidation_CappedOffsetWithSurplus(t *testing.T) {
	p := state.DefaultParams()
	colls := state.Amounts{
		ledger.AssetWETH: fpmath.Units(2),
		ledger.AssetWBTC: fpmath.Units(1),
	}
	l := splitLiquidation(p, ModeCappedOffsetWithSurplus, colls, fpmath.Units(1800), fpmath.Percent(120), fpmath.Units(5000))

	for _, a := range colls.Assets() {
		capped := fpmath.MulDiv(colls[a], p.MCR, fpmath.Percent(120), fpmath.RoundDown)
		gas := fpmath.Div(capped, fpmath.FromUint64(p.PercentDivisor))
		assert.Equal(t, gas, l.CollGasCompensation.Get(a))
		assert.Equal(t, fpmath.Sub(capped, gas), l.CollToPool.Get(a))
		assert.Equal(t, fpmath.Sub(colls[a], capped), l.CollSurplus.Get(a))

		total := fpmath.Add(fpmath.Add(l.CollGasCompensation.Get(a), l.CollToPool.Get(a)), l.CollSurplus.Get(a))
		assert.Equal(t, colls[a], total, "collateral is conserved per asset")
	}
	assert.Equal(t, fpmath.Units(1800), l.DebtOffset)
	assert.True(t, l.DebtRedistributed.IsZero())
	assert.Empty(t, l.CollRedistributed)

	// The input map is not modified.
	assert.Equal(t, fpmath.Units(2), colls[ledger.AssetWETH])
}

func TestEngine_HaltRejectsLaterCommands(t *testing.T) {
	p := state.DefaultParams()
	p.Collaterals = []ledger.AssetID{ledger.AssetWETH}
	feed := oracle.NewStore(0)
	_, err := feed.Update(ledger.AssetWETH, fpmath.Units(2000), 1, 1000)
	require.NoError(t, err)

	e, err := NewEngine(p, feed)
	require.NoError(t, err)
	owner := uuid.New()
	_, err = e.OpenTrove(context.Background(), owner, wethAmounts("2"), fpmath.Units(1800), uuid.Nil, 1000)
	require.NoError(t, err)

	err = e.halt(errors.New("pool balance mismatch"))
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.ErrorIs(t, e.Halted(), ErrInvariantViolation)

	_, err = e.OpenTrove(context.Background(), uuid.New(), wethAmounts("2"), fpmath.Units(1800), uuid.Nil, 1000)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	_, err = e.Liquidate(context.Background(), uuid.New(), owner, 1000)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	_, err = e.ClaimSurplus(context.Background(), owner, 1000)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestEngine_ApplyRollsBackAndHalts(t *testing.T) {
	p := state.DefaultParams()
	p.Collaterals = []ledger.AssetID{ledger.AssetWETH}
	e, err := NewEngine(p, oracle.NewStore(0))
	require.NoError(t, err)

	_, err = e.apply(context.Background(), 1000, func() error {
		if err := e.pools.DepositCollateral(wethAmounts("1")); err != nil {
			return err
		}
		return errors.New("stake update failed")
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.True(t, e.pools.ActiveColls().IsZero(), "journal rolled back")
	assert.Error(t, e.Halted())
}
