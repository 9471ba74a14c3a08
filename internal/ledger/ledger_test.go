package ledger_test

import (
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewWalletKey(userID, ledger.AssetUSDE)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:USDE"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SubTypeStabilityPool, ledger.AssetWETH)

	path := key.AccountPath()
	if path != "system:stability_pool:WETH" {
		t.Errorf("got %q, want %q", path, "system:stability_pool:WETH")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.AssetUSDE)

	path := key.AccountPath()
	if path != "external:supply:USDE" {
		t.Errorf("got %q, want %q", path, "external:supply:USDE")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewWalletKey(uuid.New(), ledger.AssetWBTC),
		ledger.NewSystemAccountKey(ledger.SubTypeCollSurplusPool, ledger.AssetRETH),
		ledger.NewExternalAccountKey(ledger.AssetWSTETH),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %q: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("round trip %q: got %+v", k.AccountPath(), got)
		}
	}

	if _, err := ledger.ParseAccountPath("system:nope:WETH"); err == nil {
		t.Error("expected error for unknown sub-type")
	}
}

func TestGetAssetID_Known(t *testing.T) {
	id, ok := ledger.GetAssetID("weth")
	if !ok {
		t.Fatal("WETH should be a known asset")
	}
	if id != ledger.AssetWETH {
		t.Errorf("got %d, want %d", id, ledger.AssetWETH)
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func deposit(userID uuid.UUID, amount uint64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewWalletKey(userID, ledger.AssetWETH),
		CreditAccount: ledger.NewExternalAccountKey(ledger.AssetWETH),
		AssetID:       ledger.AssetWETH,
		Amount:        fpmath.Units(amount),
	}
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetWalletBalance(uuid.New(), ledger.AssetWETH)
	if !balance.IsZero() {
		t.Errorf("initial balance should be 0, got %s", balance.Dec())
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	if err := bt.ApplyJournal(deposit(userID, 5)); err != nil {
		t.Fatalf("ApplyJournal: %v", err)
	}

	got := bt.GetWalletBalance(userID, ledger.AssetWETH)
	if !got.Eq(fpmath.Units(5)) {
		t.Errorf("wallet: got %s, want 5e18", got.Dec())
	}
}

func TestBalanceTracker_RejectsOverdraft(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	_ = bt.ApplyJournal(deposit(userID, 1))

	err := bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewSystemAccountKey(ledger.SubTypeActivePool, ledger.AssetWETH),
		CreditAccount: ledger.NewWalletKey(userID, ledger.AssetWETH),
		AssetID:       ledger.AssetWETH,
		Amount:        fpmath.Units(2),
	})
	if err == nil {
		t.Fatal("expected overdraft to be rejected")
	}
	if !bt.GetWalletBalance(userID, ledger.AssetWETH).Eq(fpmath.Units(1)) {
		t.Error("rejected journal must not change balances")
	}
}

func TestBalanceTracker_ApplyBatchAllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	batchID := uuid.New()
	active := ledger.NewSystemAccountKey(ledger.SubTypeActivePool, ledger.AssetWETH)

	first := deposit(userID, 3)
	first.BatchID = batchID
	second := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  active,
		CreditAccount: ledger.NewWalletKey(userID, ledger.AssetWETH),
		AssetID:       ledger.AssetWETH,
		Amount:        fpmath.Units(4),
	}

	err := bt.ApplyBatch(&ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{first, second}})
	if err == nil {
		t.Fatal("expected batch to fail")
	}
	if !bt.GetWalletBalance(userID, ledger.AssetWETH).IsZero() {
		t.Error("first journal should have been reverted")
	}
	if _, ok := bt.NetInflow(ledger.AssetWETH); !ok {
		t.Error("inflow counter should have been reverted to zero")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	_ = bt.ApplyJournal(deposit(userID, 7))

	snap := bt.Snapshot()

	restored := ledger.NewBalanceTracker()
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !restored.GetWalletBalance(userID, ledger.AssetWETH).Eq(fpmath.Units(7)) {
		t.Error("restored wallet balance mismatch")
	}
	net, _ := restored.NetInflow(ledger.AssetWETH)
	if !net.Eq(fpmath.Units(7)) {
		t.Errorf("restored net inflow: got %s", net.Dec())
	}
}

// ============================================================================
// Test: JournalGenerator + InvariantValidator
// ============================================================================

func TestJournalGenerator_PostAndCommit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	userID := uuid.New()
	active := ledger.NewSystemAccountKey(ledger.SubTypeActivePool, ledger.AssetWETH)
	ext := ledger.NewExternalAccountKey(ledger.AssetWETH)

	jg.Begin("cmd-1", 1000)
	if err := jg.Post(ledger.JournalTypeCollateralDeposit, ext, active, fpmath.Units(10)); err != nil {
		t.Fatal(err)
	}
	if err := jg.Post(ledger.JournalTypePoolGainPayout, active, ledger.NewWalletKey(userID, ledger.AssetWETH), fpmath.Zero()); err != nil {
		t.Fatal(err)
	}
	batch := jg.Commit()

	if batch == nil || len(batch.Journals) != 1 {
		t.Fatalf("expected one journal (zero amounts skipped), got %+v", batch)
	}
	if batch.Sequence != 1 || jg.Sequence() != 2 {
		t.Errorf("sequence: batch=%d next=%d", batch.Sequence, jg.Sequence())
	}
	if batch.Journals[0].DebitAccount != active {
		t.Error("debit account should be the destination")
	}
	if err := batch.Validate(); err != nil {
		t.Errorf("batch should validate: %v", err)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateConservation(); err != nil {
		t.Errorf("conservation: %v", err)
	}
}

func TestJournalGenerator_Rollback(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	active := ledger.NewSystemAccountKey(ledger.SubTypeActivePool, ledger.AssetWETH)

	jg.Begin("cmd-2", 1000)
	_ = jg.Post(ledger.JournalTypeCollateralDeposit, ledger.NewExternalAccountKey(ledger.AssetWETH), active, fpmath.Units(10))
	jg.Rollback()

	if !bt.GetBalance(active).IsZero() {
		t.Error("rollback should restore balances")
	}
	if jg.Commit() != nil {
		t.Error("nothing should be committed after rollback")
	}
	if jg.Sequence() != 1 {
		t.Errorf("sequence should not advance, got %d", jg.Sequence())
	}
}

func TestBatch_ValidateRejectsEmptyAndMixedAssets(t *testing.T) {
	empty := &ledger.Batch{BatchID: uuid.New()}
	if err := empty.Validate(); err == nil {
		t.Error("empty batch should not validate")
	}

	batchID := uuid.New()
	mixed := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewSystemAccountKey(ledger.SubTypeActivePool, ledger.AssetWBTC),
			CreditAccount: ledger.NewExternalAccountKey(ledger.AssetWETH),
			AssetID:       ledger.AssetWETH,
			Amount:        fpmath.Units(1),
		}},
	}
	if err := mixed.Validate(); err == nil {
		t.Error("cross-asset journal should not validate")
	}
}

func TestInvariantValidator_PoolEmpty(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidatePoolEmpty(ledger.SubTypeDefaultPool, ledger.AssetWETH); err != nil {
		t.Errorf("fresh pool should be empty: %v", err)
	}
}
