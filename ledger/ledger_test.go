package ledger_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yardstack/inventory-engine/catalog"
	"github.com/yardstack/inventory-engine/ledger"
	"github.com/yardstack/inventory-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestCatalog(t *testing.T) *catalog.Memory {
	t.Helper()
	cat := catalog.NewMemory()
	ctx := context.Background()

	materials := []catalog.Material{
		{Code: "cement-425", Name: "Cement 42.5", Category: "cement", Unit: "bag", StandardPrice: dec("1000")},
		{Code: "rebar-12", Name: "Rebar 12mm", Category: "steel", Unit: "ton", StandardPrice: dec("800")},
		{Code: "sand-river", Name: "River Sand", Category: "aggregate", Unit: "m3", StandardPrice: dec("50")},
	}
	for _, m := range materials {
		require.NoError(t, cat.Save(ctx, m))
	}
	return cat
}

func newTestEngine(t *testing.T) (*ledger.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.New(mem, newTestCatalog(t)), mem
}

func incomingIntent(site, material, quantity string) ledger.TransactionIntent {
	return ledger.TransactionIntent{
		SiteID:     ledger.SiteID(site),
		MaterialID: ledger.MaterialID(material),
		Type:       ledger.TxIncoming,
		Quantity:   dec(quantity),
		ActorID:    "mgr-1",
	}
}

func usageIntent(site, material, quantity string) ledger.TransactionIntent {
	return ledger.TransactionIntent{
		SiteID:     ledger.SiteID(site),
		MaterialID: ledger.MaterialID(material),
		Type:       ledger.TxUsage,
		Quantity:   dec(quantity),
		ActorID:    "mgr-1",
	}
}

// =============================================================================
// APPEND
// =============================================================================

func TestAppend_Incoming_ProjectsAndRecords(t *testing.T) {
	// GIVEN: An empty account
	// WHEN: A delivery of 200 bags at 1000 each is appended
	// THEN: The account shows 200 and the transaction carries seq 1

	eng, mem := newTestEngine(t)
	ctx := context.Background()

	in := incomingIntent("site-a", "cement-425", "200")
	in.UnitPrice = dec("1000")
	tx, err := eng.Append(ctx, in)

	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.Sequence)
	assert.True(t, tx.Quantity.Equal(dec("200")))
	assert.True(t, tx.UnitPrice.Equal(dec("1000")))

	acc, err := mem.GetAccount(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	assert.True(t, acc.CurrentStock.Equal(dec("200")))
	assert.Equal(t, int64(1), acc.LastSequence)
	assert.Equal(t, int64(1), acc.Version)
}

func TestAppend_NoUnitPrice_FallsBackToCatalog(t *testing.T) {
	// GIVEN: cement-425 has standard price 1000
	// WHEN: A delivery is appended without a price
	// THEN: The recorded transaction carries the catalog price

	eng, _ := newTestEngine(t)

	tx, err := eng.Append(context.Background(), incomingIntent("site-a", "cement-425", "10"))

	require.NoError(t, err)
	assert.True(t, tx.UnitPrice.Equal(dec("1000")))
}

func TestAppend_UnknownMaterial_Rejected(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Append(context.Background(), incomingIntent("site-a", "unobtainium", "10"))

	assert.ErrorIs(t, err, ledger.ErrUnknownMaterial)
}

func TestAppend_ValidationErrors(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*ledger.TransactionIntent)
	}{
		{"missing site", func(i *ledger.TransactionIntent) { i.SiteID = "" }},
		{"missing material", func(i *ledger.TransactionIntent) { i.MaterialID = "" }},
		{"missing actor", func(i *ledger.TransactionIntent) { i.ActorID = "" }},
		{"unknown type", func(i *ledger.TransactionIntent) { i.Type = "teleport" }},
		{"zero quantity", func(i *ledger.TransactionIntent) { i.Quantity = decimal.Zero }},
		{"negative usage magnitude", func(i *ledger.TransactionIntent) {
			i.Type = ledger.TxUsage
			i.Quantity = dec("-5")
		}},
		{"negative price", func(i *ledger.TransactionIntent) { i.UnitPrice = dec("-1") }},
		{"lone transfer out leg", func(i *ledger.TransactionIntent) { i.Type = ledger.TxTransferOut }},
		{"lone transfer in leg", func(i *ledger.TransactionIntent) { i.Type = ledger.TxTransferIn }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := incomingIntent("site-a", "cement-425", "10")
			tc.mutate(&in)

			_, err := eng.Append(ctx, in)
			assert.ErrorIs(t, err, ledger.ErrInvalidIntent)
		})
	}
}

func TestAppend_TransferLeg_RejectedUnpaired(t *testing.T) {
	// GIVEN: Stock on hand
	// WHEN: A transfer_out intent is appended directly
	// THEN: Rejected as invalid; transfer legs exist only in linked pairs
	//       committed by the transfer protocol

	eng, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)

	out := incomingIntent("site-a", "cement-425", "40")
	out.Type = ledger.TxTransferOut
	_, err = eng.Append(ctx, out)
	assert.ErrorIs(t, err, ledger.ErrInvalidIntent)

	txs, err := mem.Transactions(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	assert.Len(t, txs, 1, "no unpaired leg may reach the ledger")
}

func TestAppend_RejectedIntent_PersistsNothing(t *testing.T) {
	// GIVEN: 10 units on hand
	// WHEN: A usage of 15 is rejected
	// THEN: No transaction is recorded and stock is untouched

	eng, mem := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "10"))
	require.NoError(t, err)

	_, err = eng.Append(ctx, usageIntent("site-a", "cement-425", "15"))
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)

	txs, err := mem.Transactions(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	acc, err := mem.GetAccount(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	assert.True(t, acc.CurrentStock.Equal(dec("10")))
}

func TestAppend_SequencesAreMonotonicPerAccount(t *testing.T) {
	// GIVEN: Two accounts receiving interleaved appends
	// WHEN: Reading each history
	// THEN: Sequences are 1..N per account with no gaps

	eng, mem := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "10"))
		require.NoError(t, err)
		_, err = eng.Append(ctx, incomingIntent("site-b", "rebar-12", "2"))
		require.NoError(t, err)
	}

	for _, k := range []ledger.AccountKey{key("site-a", "cement-425"), key("site-b", "rebar-12")} {
		txs, err := mem.Transactions(ctx, k)
		require.NoError(t, err)
		require.Len(t, txs, 5)
		for i, tx := range txs {
			assert.Equal(t, int64(i+1), tx.Sequence)
		}
	}
}

// =============================================================================
// REPLAY INVARIANT
// =============================================================================

func TestReplayInvariant_RandomizedHistory(t *testing.T) {
	// GIVEN: A random mix of deliveries, usage and adjustments
	// WHEN: Replaying the committed history from zero
	// THEN: The fold equals the stored projection exactly

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	k := key("site-a", "cement-425")

	for i := 0; i < 200; i++ {
		quantity := fmt.Sprintf("%d", 1+rng.Intn(50))
		var in ledger.TransactionIntent
		switch rng.Intn(3) {
		case 0:
			in = incomingIntent("site-a", "cement-425", quantity)
		case 1:
			in = usageIntent("site-a", "cement-425", quantity)
		default:
			in = incomingIntent("site-a", "cement-425", quantity)
			in.Type = ledger.TxAdjustment
			if rng.Intn(2) == 0 {
				in.Quantity = in.Quantity.Neg()
			}
		}

		_, err := eng.Append(ctx, in)
		if err != nil {
			// Draining below zero is a legitimate rejection; the
			// invariant only covers committed history.
			require.ErrorIs(t, err, ledger.ErrInvariantViolation)
		}
	}

	acc, err := mem.GetAccount(ctx, k)
	require.NoError(t, err)
	txs, err := mem.Transactions(ctx, k)
	require.NoError(t, err)

	replayed := ledger.Replay(k, txs)
	assert.True(t, replayed.CurrentStock.Equal(acc.CurrentStock),
		"replayed %s, stored %s", replayed.CurrentStock, acc.CurrentStock)
	assert.Equal(t, replayed.LastSequence, acc.LastSequence)
	assert.False(t, acc.CurrentStock.IsNegative())
}

// =============================================================================
// OPTIMISTIC CONCURRENCY
// =============================================================================

// flakyStore injects version conflicts into the first N commits.
type flakyStore struct {
	*store.Memory
	conflicts int
}

func (f *flakyStore) Commit(ctx context.Context, expectedVersion int64, updated ledger.Account, txs []ledger.Transaction) error {
	if f.conflicts > 0 {
		f.conflicts--
		return &ledger.ConflictError{
			SiteID:          updated.SiteID,
			MaterialID:      updated.MaterialID,
			ExpectedVersion: expectedVersion,
		}
	}
	return f.Memory.Commit(ctx, expectedVersion, updated, txs)
}

func TestAppendWithRetry_ConflictWithinBudget_Succeeds(t *testing.T) {
	// GIVEN: A store that conflicts twice before accepting
	// WHEN: Appending with the default retry budget
	// THEN: The intent commits exactly once

	flaky := &flakyStore{Memory: store.NewMemory(), conflicts: 2}
	eng := ledger.New(flaky, newTestCatalog(t))
	ctx := context.Background()

	tx, err := eng.AppendWithRetry(ctx, incomingIntent("site-a", "cement-425", "10"))

	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.Sequence)

	txs, err := flaky.Transactions(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestAppendWithRetry_BudgetExhausted_DefiniteFailure(t *testing.T) {
	// GIVEN: A store that conflicts more times than the retry budget
	// WHEN: Appending with a budget of 2
	// THEN: The conflict surfaces and nothing is persisted

	flaky := &flakyStore{Memory: store.NewMemory(), conflicts: 100}
	eng := ledger.New(flaky, newTestCatalog(t), ledger.WithMaxRetries(2))
	ctx := context.Background()

	_, err := eng.AppendWithRetry(ctx, incomingIntent("site-a", "cement-425", "10"))

	assert.ErrorIs(t, err, ledger.ErrConcurrentConflict)

	txs, err := flaky.Transactions(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestAppendWithRetry_RejectionNotRetried(t *testing.T) {
	// GIVEN: An intent that violates the non-negativity invariant
	// WHEN: Appending with retries enabled
	// THEN: The rejection surfaces immediately (rejections are not transient)

	eng, _ := newTestEngine(t)

	_, err := eng.AppendWithRetry(context.Background(), usageIntent("site-a", "cement-425", "5"))

	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func TestReserve_ReducesAvailableNotCurrent(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	k := key("site-a", "cement-425")

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)

	acc, err := eng.Reserve(ctx, k, dec("30"))
	require.NoError(t, err)
	assert.True(t, acc.CurrentStock.Equal(dec("100")))
	assert.True(t, acc.ReservedStock.Equal(dec("30")))
	assert.True(t, acc.AvailableStock().Equal(dec("70")))
}

func TestReserve_BeyondCurrent_Rejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	k := key("site-a", "cement-425")

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "10"))
	require.NoError(t, err)

	_, err = eng.Reserve(ctx, k, dec("11"))
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

func TestRelease_FreesReservedStock(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	k := key("site-a", "cement-425")

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)
	_, err = eng.Reserve(ctx, k, dec("30"))
	require.NoError(t, err)

	acc, err := eng.Release(ctx, k, dec("20"))
	require.NoError(t, err)
	assert.True(t, acc.ReservedStock.Equal(dec("10")))
}

func TestRelease_MoreThanReserved_Rejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	k := key("site-a", "cement-425")

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)
	_, err = eng.Reserve(ctx, k, dec("10"))
	require.NoError(t, err)

	_, err = eng.Release(ctx, k, dec("15"))
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

func TestReservation_DoesNotAppearInHistory(t *testing.T) {
	// GIVEN: An account with stock
	// WHEN: Reserving and releasing
	// THEN: The transaction log is untouched; only the snapshot changed

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	k := key("site-a", "cement-425")

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)
	_, err = eng.Reserve(ctx, k, dec("30"))
	require.NoError(t, err)
	_, err = eng.Release(ctx, k, dec("30"))
	require.NoError(t, err)

	txs, err := mem.Transactions(ctx, k)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	acc, err := mem.GetAccount(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.LastSequence)
	assert.Equal(t, int64(3), acc.Version, "reservation changes still bump the version stamp")
}

// =============================================================================
// READS
// =============================================================================

func TestAccount_UnknownKey_ReadsAsZero(t *testing.T) {
	eng, _ := newTestEngine(t)

	acc, err := eng.Account(context.Background(), key("site-x", "cement-425"))

	require.NoError(t, err)
	assert.True(t, acc.CurrentStock.IsZero())
	assert.Equal(t, int64(0), acc.Version)
}

func TestHistory_Pagination(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	k := key("site-a", "cement-425")

	for i := 0; i < 7; i++ {
		_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "1"))
		require.NoError(t, err)
	}

	page, err := eng.History(ctx, k, 5, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), page.Total)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, int64(6), page.Transactions[0].Sequence)
	assert.Equal(t, int64(7), page.Transactions[1].Sequence)
}
