package oracle_test

import (
	"testing"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestStore_SnapshotFresh(t *testing.T) {
	s := oracle.NewStore(60_000_000)
	applied, err := s.Update(ledger.AssetWETH, fpmath.Units(2000), 1, 1_000)
	require.NoError(t, err)
	require.True(t, applied)

	prices, err := s.Snapshot([]ledger.AssetID{ledger.AssetWETH}, 2_000)
	require.NoError(t, err)
	require.True(t, prices.Get(ledger.AssetWETH).Eq(fpmath.Units(2000)))
	require.True(t, prices.Get(ledger.AssetWBTC).IsZero())
}

func TestStore_SnapshotRejects(t *testing.T) {
	s := oracle.NewStore(1_000)
	_, _ = s.Update(ledger.AssetWETH, fpmath.Units(2000), 1, 10_000)

	_, err := s.Snapshot([]ledger.AssetID{ledger.AssetWBTC}, 10_000)
	require.ErrorIs(t, err, oracle.ErrStalePrice, "missing")

	_, err = s.Snapshot([]ledger.AssetID{ledger.AssetWETH}, 20_000)
	require.ErrorIs(t, err, oracle.ErrStalePrice, "too old")

	_, err = s.Snapshot([]ledger.AssetID{ledger.AssetWETH}, 5_000)
	require.ErrorIs(t, err, oracle.ErrStalePrice, "ahead of command time")

	_, err = s.Update(ledger.AssetWETH, fpmath.Zero(), 2, 10_500)
	require.ErrorIs(t, err, oracle.ErrStalePrice, "zero price")
}

func TestStore_RejectsPriceAboveRange(t *testing.T) {
	s := oracle.NewStore(0)
	over := new(uint256.Int).Add(fpmath.MaxAmount, uint256.NewInt(1))
	applied, err := s.Update(ledger.AssetWETH, over, 1, 1)
	require.ErrorIs(t, err, fpmath.ErrOutOfRange)
	require.False(t, applied)

	_, err = s.Price(ledger.AssetWETH)
	require.Error(t, err)
}

func TestStore_IgnoresOldSequence(t *testing.T) {
	s := oracle.NewStore(0)
	_, _ = s.Update(ledger.AssetWETH, fpmath.Units(2000), 5, 1)

	applied, err := s.Update(ledger.AssetWETH, fpmath.Units(1), 4, 2)
	require.NoError(t, err)
	require.False(t, applied)

	p, err := s.Price(ledger.AssetWETH)
	require.NoError(t, err)
	require.True(t, p.Eq(fpmath.Units(2000)))

	_, _ = s.Update(ledger.AssetWETH, fpmath.Units(1900), 9, 3)
	require.Equal(t, int64(1), s.Gaps(ledger.AssetWETH))
}
