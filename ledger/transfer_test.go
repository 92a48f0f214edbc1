package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yardstack/inventory-engine/ledger"
	"github.com/yardstack/inventory-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestTransfers(t *testing.T) (*ledger.TransferService, *ledger.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	eng := ledger.New(mem, newTestCatalog(t))
	return ledger.NewTransferService(eng, mem), eng, mem
}

func transferReq(material, from, to, quantity string) ledger.TransferRequest {
	return ledger.TransferRequest{
		MaterialID: ledger.MaterialID(material),
		FromSite:   ledger.SiteID(from),
		ToSite:     ledger.SiteID(to),
		Quantity:   dec(quantity),
		ActorID:    "mgr-1",
	}
}

// =============================================================================
// TWO-LEG COMMIT
// =============================================================================

func TestTransfer_MovesStockBetweenSites(t *testing.T) {
	// GIVEN: site-a holds 100 bags, site-b holds none
	// WHEN: Transferring 40 bags a -> b
	// THEN: Both legs commit, linked to each other, totals conserved

	svc, eng, mem := newTestTransfers(t)
	ctx := context.Background()

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)

	result, err := svc.Execute(ctx, transferReq("cement-425", "site-a", "site-b", "40"))

	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCommitted, result.State)
	assert.Equal(t, ledger.TxTransferOut, result.Out.Type)
	assert.True(t, result.Out.Quantity.Equal(dec("-40")))
	assert.Equal(t, ledger.TxTransferIn, result.In.Type)
	assert.True(t, result.In.Quantity.Equal(dec("40")))

	// Legs reference each other for audit traversal.
	assert.Equal(t, result.In.ID, result.Out.LinkedTxID)
	assert.Equal(t, result.Out.ID, result.In.LinkedTxID)

	src, err := mem.GetAccount(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	dst, err := mem.GetAccount(ctx, key("site-b", "cement-425"))
	require.NoError(t, err)
	assert.True(t, src.CurrentStock.Equal(dec("60")))
	assert.True(t, dst.CurrentStock.Equal(dec("40")))
	assert.True(t, src.CurrentStock.Add(dst.CurrentStock).Equal(dec("100")),
		"transfer must conserve total stock")
}

func TestTransfer_BothLegsCarrySamePrice(t *testing.T) {
	// GIVEN: Stock delivered at the catalog price
	// WHEN: Transferring part of it
	// THEN: Both legs record the same unit price (no revaluation in transit)

	svc, eng, _ := newTestTransfers(t)
	ctx := context.Background()

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)

	result, err := svc.Execute(ctx, transferReq("cement-425", "site-a", "site-b", "10"))

	require.NoError(t, err)
	assert.True(t, result.Out.UnitPrice.Equal(result.In.UnitPrice))
	assert.True(t, result.Out.UnitPrice.Equal(dec("1000")))
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestTransfer_ExceedsAvailable_Rejected(t *testing.T) {
	// GIVEN: site-a holds 30 bags
	// WHEN: Transferring 50
	// THEN: Rejected; neither account moves

	svc, eng, mem := newTestTransfers(t)
	ctx := context.Background()

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "30"))
	require.NoError(t, err)

	_, err = svc.Execute(ctx, transferReq("cement-425", "site-a", "site-b", "50"))
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)

	src, err := mem.GetAccount(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	assert.True(t, src.CurrentStock.Equal(dec("30")))

	dstTxs, err := mem.Transactions(ctx, key("site-b", "cement-425"))
	require.NoError(t, err)
	assert.Empty(t, dstTxs)
}

func TestTransfer_ReservedStockCannotLeave(t *testing.T) {
	// GIVEN: 100 bags with 80 reserved (20 available)
	// WHEN: Transferring 40
	// THEN: Rejected; reservations pin stock to the site

	svc, eng, _ := newTestTransfers(t)
	ctx := context.Background()

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)
	_, err = eng.Reserve(ctx, key("site-a", "cement-425"), dec("80"))
	require.NoError(t, err)

	_, err = svc.Execute(ctx, transferReq("cement-425", "site-a", "site-b", "40"))
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

func TestTransfer_InvalidRequests_Rejected(t *testing.T) {
	svc, _, _ := newTestTransfers(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  ledger.TransferRequest
		want error
	}{
		{"same site", transferReq("cement-425", "site-a", "site-a", "10"), ledger.ErrInvalidIntent},
		{"zero quantity", transferReq("cement-425", "site-a", "site-b", "0"), ledger.ErrInvalidIntent},
		{"negative quantity", transferReq("cement-425", "site-a", "site-b", "-5"), ledger.ErrInvalidIntent},
		{"unknown material", transferReq("unobtainium", "site-a", "site-b", "10"), ledger.ErrUnknownMaterial},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Execute(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

// =============================================================================
// ATOMICITY
// =============================================================================

func TestTransfer_SecondLegFails_NothingVisible(t *testing.T) {
	// GIVEN: A store that fails between the two legs
	// WHEN: Executing a transfer
	// THEN: The error surfaces and no partial state survives

	svc, eng, mem := newTestTransfers(t)
	ctx := context.Background()

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)

	boom := errors.New("disk full")
	mem.CommitHook = func(leg int) error { return boom }

	_, err = svc.Execute(ctx, transferReq("cement-425", "site-a", "site-b", "40"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	mem.CommitHook = nil

	src, err := mem.GetAccount(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	dst, err := mem.GetAccount(ctx, key("site-b", "cement-425"))
	require.NoError(t, err)
	assert.True(t, src.CurrentStock.Equal(dec("100")), "source leg must have rolled back")
	assert.True(t, dst.CurrentStock.IsZero())

	srcTxs, err := mem.Transactions(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	assert.Len(t, srcTxs, 1, "only the original delivery remains")
}

func TestTransfer_AfterFailedAttempt_RetrySucceeds(t *testing.T) {
	// GIVEN: A transfer that failed mid-commit and rolled back
	// WHEN: The same transfer is executed again without the fault
	// THEN: It commits cleanly from the restored state

	svc, eng, mem := newTestTransfers(t)
	ctx := context.Background()

	_, err := eng.Append(ctx, incomingIntent("site-a", "cement-425", "100"))
	require.NoError(t, err)

	mem.CommitHook = func(leg int) error { return errors.New("transient") }
	_, err = svc.Execute(ctx, transferReq("cement-425", "site-a", "site-b", "40"))
	require.Error(t, err)
	mem.CommitHook = nil

	result, err := svc.Execute(ctx, transferReq("cement-425", "site-a", "site-b", "40"))
	require.NoError(t, err)
	assert.Equal(t, ledger.TransferCommitted, result.State)

	src, err := mem.GetAccount(ctx, key("site-a", "cement-425"))
	require.NoError(t, err)
	assert.True(t, src.CurrentStock.Equal(dec("60")))
}
