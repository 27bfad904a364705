package quote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcraft/quoterd/errs"
	"github.com/marketcraft/quoterd/internal/config"
	"github.com/marketcraft/quoterd/internal/exchange/exchangetest"
	"github.com/marketcraft/quoterd/internal/schema"
)

func reconcilerForTest() (*Reconciler, *exchangetest.Fake, *config.Config) {
	cfg := config.Default()
	cfg.OrderThrottle = 1000
	client := exchangetest.NewFake()
	return NewReconciler(&cfg, client), client, &cfg
}

func notFoundErr() error {
	return errs.New("thalex", errs.CodeExchange, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))
}

func TestReconcileInsertsWhenSlotEmpty(t *testing.T) {
	r, client, cfg := reconcilerForTest()

	require.NoError(t, r.Reconcile(context.Background(), schema.SideBid, 29998, 0.01, false))

	inserts := client.Calls("insert")
	require.Len(t, inserts, 1)
	assert.Equal(t, cfg.BidQuoteID, inserts[0].Args["client_order_id"])
	assert.Equal(t, cfg.OrderLabel, inserts[0].Args["label"])
	// optimistic cache write
	assert.Equal(t, schema.StatusOpen, r.SlotState(schema.SideBid).Status)
	assert.Equal(t, 29998.0, r.SlotState(schema.SideBid).Price)
}

func TestReconcileNoOpWhenEmptyAndZeroSize(t *testing.T) {
	r, client, _ := reconcilerForTest()
	require.NoError(t, r.Reconcile(context.Background(), schema.SideAsk, 30002, 0, false))
	assert.Zero(t, client.CallCount("insert"))
	assert.Zero(t, client.CallCount("amend"))
}

func TestReconcileAmendsBeyondThreshold(t *testing.T) {
	r, client, _ := reconcilerForTest()
	_, ok := r.ApplyNotification(schema.Order{ClientOrderID: 1001, Status: "open", Price: 29990, Direction: "buy"})
	require.True(t, ok)

	// within threshold (5): untouched
	require.NoError(t, r.Reconcile(context.Background(), schema.SideBid, 29994, 0.01, false))
	assert.Zero(t, client.CallCount("amend"))

	// beyond threshold: amended, cache updated optimistically
	require.NoError(t, r.Reconcile(context.Background(), schema.SideBid, 29998, 0.01, false))
	require.Equal(t, 1, client.CallCount("amend"))
	assert.Equal(t, 29998.0, r.SlotState(schema.SideBid).Price)
	assert.Equal(t, schema.StatusOpen, r.SlotState(schema.SideBid).Status)
}

func TestReconcileAmendsOpenOrderToZeroSize(t *testing.T) {
	r, client, _ := reconcilerForTest()
	r.ApplyNotification(schema.Order{ClientOrderID: 1002, Status: "open", Price: 30002, Direction: "sell"})

	require.NoError(t, r.Reconcile(context.Background(), schema.SideAsk, 30002, 0, false))
	require.Equal(t, 1, client.CallCount("amend"))
	assert.Equal(t, 0.0, client.Calls("amend")[0].Args["amount"])
}

func TestAmendNotFoundFallsBackToSingleInsert(t *testing.T) {
	r, client, _ := reconcilerForTest()
	r.ApplyNotification(schema.Order{ClientOrderID: 1001, Status: "open", Price: 29990, Direction: "buy"})
	client.AmendHook = func(uint64, float64, float64) error { return notFoundErr() }

	err := r.Reconcile(context.Background(), schema.SideBid, 29998, 0.01, false)
	require.NoError(t, err, "expected race must not surface")
	assert.Equal(t, 1, client.CallCount("amend"))
	assert.Equal(t, 1, client.CallCount("insert"), "exactly one fallback insert")
	assert.Equal(t, schema.StatusOpen, r.SlotState(schema.SideBid).Status)
}

func TestAmendNotFoundWithZeroSizeOnlyCorrectsCache(t *testing.T) {
	r, client, _ := reconcilerForTest()
	r.ApplyNotification(schema.Order{ClientOrderID: 1001, Status: "open", Price: 29990, Direction: "buy"})
	client.AmendHook = func(uint64, float64, float64) error { return notFoundErr() }

	require.NoError(t, r.Reconcile(context.Background(), schema.SideBid, 29998, 0, false))
	assert.Zero(t, client.CallCount("insert"))
	assert.Equal(t, schema.StatusUnknown, r.SlotState(schema.SideBid).Status)
}

func TestAmendOtherErrorSurfaces(t *testing.T) {
	r, client, _ := reconcilerForTest()
	r.ApplyNotification(schema.Order{ClientOrderID: 1001, Status: "open", Price: 29990, Direction: "buy"})
	client.AmendHook = func(uint64, float64, float64) error {
		return errs.New("thalex", errs.CodeExchange, errs.WithMessage("margin check failed"))
	}

	err := r.Reconcile(context.Background(), schema.SideBid, 29998, 0.01, false)
	require.Error(t, err)
	assert.Zero(t, client.CallCount("insert"))
}

func TestCooldownCancelsOpenOrder(t *testing.T) {
	r, client, _ := reconcilerForTest()
	r.ApplyNotification(schema.Order{ClientOrderID: 1001, Status: "partially_filled", Price: 29990, Direction: "buy"})

	require.NoError(t, r.Reconcile(context.Background(), schema.SideBid, 29998, 0.01, true))
	assert.Equal(t, 1, client.CallCount("cancel"))
	assert.Zero(t, client.CallCount("amend"))
	assert.Zero(t, client.CallCount("insert"))
	assert.Equal(t, schema.StatusCancelled, r.SlotState(schema.SideBid).Status)
}

func TestCooldownCancelTerminalIsNoOp(t *testing.T) {
	r, client, _ := reconcilerForTest()
	r.ApplyNotification(schema.Order{ClientOrderID: 1001, Status: "filled", Price: 29990, Direction: "buy"})

	require.NoError(t, r.Reconcile(context.Background(), schema.SideBid, 29998, 0.01, true))
	assert.Zero(t, client.CallCount("cancel"))
	assert.Zero(t, client.CallCount("order_status"))
}

func TestCooldownCancelUnknownRefreshesFirst(t *testing.T) {
	r, client, _ := reconcilerForTest()
	r.slots[schema.SideBid].setState(schema.SlotState{Status: schema.StatusUnknown, Side: schema.SideBid})

	require.NoError(t, r.Reconcile(context.Background(), schema.SideBid, 29998, 0.01, true))
	assert.Equal(t, 1, client.CallCount("order_status"))
	// refresh produced no update; order still not known open, so no cancel
	assert.Zero(t, client.CallCount("cancel"))
}

func TestCooldownWithEmptySlotIsNoOp(t *testing.T) {
	r, client, _ := reconcilerForTest()

	require.NoError(t, r.Reconcile(context.Background(), schema.SideBid, 29998, 0.01, true))
	assert.Zero(t, client.CallCount("order_status"), "nothing was ever placed, nothing to refresh")
	assert.Zero(t, client.CallCount("cancel"))
}

func TestCooldownCancelNotFoundIsBenign(t *testing.T) {
	r, client, _ := reconcilerForTest()
	r.ApplyNotification(schema.Order{ClientOrderID: 1001, Status: "open", Price: 29990, Direction: "buy"})
	client.CancelHook = func(uint64) error { return notFoundErr() }

	require.NoError(t, r.Reconcile(context.Background(), schema.SideBid, 29998, 0.01, true))
	assert.Equal(t, schema.StatusUnknown, r.SlotState(schema.SideBid).Status)
}

func TestApplyNotificationIgnoresForeignOrders(t *testing.T) {
	r, _, _ := reconcilerForTest()
	_, ok := r.ApplyNotification(schema.Order{ClientOrderID: 4242, Status: "open"})
	assert.False(t, ok)
}

func TestResetClearsBothSlots(t *testing.T) {
	r, _, _ := reconcilerForTest()
	r.ApplyNotification(schema.Order{ClientOrderID: 1001, Status: "open", Price: 29990})
	r.ApplyNotification(schema.Order{ClientOrderID: 1002, Status: "open", Price: 30010})
	r.Reset()
	assert.Equal(t, schema.StatusNone, r.SlotState(schema.SideBid).Status)
	assert.Equal(t, schema.StatusNone, r.SlotState(schema.SideAsk).Status)
}
