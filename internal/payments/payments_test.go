package payments_test

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/adminclient"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/payments"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

func newTestEngine(t *testing.T) (*payments.Engine, *storage.DB) {
	t.Helper()
	log := zerolog.New(io.Discard)
	db, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(context.Background()))

	outboxQ := outbox.New(db.Conn())
	admin := adminclient.New(adminclient.Config{BaseURL: "http://localhost:0"}, log)
	return payments.New(db, outboxQ, admin, log), db
}

func insertOrder(t *testing.T, db *storage.DB, id, supabaseID string) {
	t.Helper()
	var supabase interface{}
	if supabaseID != "" {
		supabase = supabaseID
	}
	_, err := db.Conn().Exec(`INSERT INTO orders (id, order_number, items, total, supabase_id) VALUES (?, ?, '[]', 10, ?)`, id, id, supabase)
	require.NoError(t, err)
}

func TestCreatePayment_WaitingParentWhenOrderNotSynced(t *testing.T) {
	ctx := context.Background()
	eng, db := newTestEngine(t)
	insertOrder(t, db, "order-1", "")

	id, err := eng.CreatePayment(ctx, payments.CreatePaymentPayload{OrderID: "order-1", Method: payments.MethodCash, Amount: 10})
	require.NoError(t, err)

	var syncState string
	require.NoError(t, db.Conn().Get(&syncState, `SELECT sync_state FROM order_payments WHERE id = ?`, id))
	require.Equal(t, string(payments.StateWaitingParent), syncState)

	var outboxCount int
	require.NoError(t, db.Conn().Get(&outboxCount, `SELECT COUNT(*) FROM sync_queue WHERE entity_id = ?`, id))
	require.Equal(t, 0, outboxCount)
}

func TestCreatePayment_PendingWhenOrderAlreadySynced(t *testing.T) {
	ctx := context.Background()
	eng, db := newTestEngine(t)
	insertOrder(t, db, "order-1", "remote-1")

	id, err := eng.CreatePayment(ctx, payments.CreatePaymentPayload{OrderID: "order-1", Method: payments.MethodCard, Amount: 10})
	require.NoError(t, err)

	var syncState string
	require.NoError(t, db.Conn().Get(&syncState, `SELECT sync_state FROM order_payments WHERE id = ?`, id))
	require.Equal(t, string(payments.StatePending), syncState)

	var outboxCount int
	require.NoError(t, db.Conn().Get(&outboxCount, `SELECT COUNT(*) FROM sync_queue WHERE entity_id = ?`, id))
	require.Equal(t, 1, outboxCount)
}

func TestCreatePayment_RejectsUnknownOrder(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.CreatePayment(ctx, payments.CreatePaymentPayload{OrderID: "missing-order", Method: payments.MethodCash, Amount: 10})
	require.Error(t, err)
}

func TestPromoteWaitingPaymentsForOrder_PromotesOnceOrderSynced(t *testing.T) {
	ctx := context.Background()
	eng, db := newTestEngine(t)
	insertOrder(t, db, "order-1", "")

	id, err := eng.CreatePayment(ctx, payments.CreatePaymentPayload{OrderID: "order-1", Method: payments.MethodCash, Amount: 10})
	require.NoError(t, err)

	_, err = db.Conn().Exec(`UPDATE orders SET supabase_id = 'remote-1' WHERE id = 'order-1'`)
	require.NoError(t, err)

	count, err := eng.PromoteWaitingPaymentsForOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var syncState string
	require.NoError(t, db.Conn().Get(&syncState, `SELECT sync_state FROM order_payments WHERE id = ?`, id))
	require.Equal(t, string(payments.StatePending), syncState)
}

func TestCreateAdjustment_RejectsWhenExceedingParentAmount(t *testing.T) {
	ctx := context.Background()
	eng, db := newTestEngine(t)
	insertOrder(t, db, "order-1", "remote-1")

	paymentID, err := eng.CreatePayment(ctx, payments.CreatePaymentPayload{OrderID: "order-1", Method: payments.MethodCash, Amount: 10})
	require.NoError(t, err)

	_, err = eng.CreateAdjustment(ctx, payments.CreateAdjustmentPayload{PaymentID: paymentID, AdjustmentType: payments.AdjustmentRefund, Amount: 15})
	require.Error(t, err)
}

func TestPaidTotalForOrder_SubtractsAdjustments(t *testing.T) {
	ctx := context.Background()
	eng, db := newTestEngine(t)
	insertOrder(t, db, "order-1", "remote-1")

	paymentID, err := eng.CreatePayment(ctx, payments.CreatePaymentPayload{OrderID: "order-1", Method: payments.MethodCash, Amount: 10})
	require.NoError(t, err)

	_, err = eng.CreateAdjustment(ctx, payments.CreateAdjustmentPayload{PaymentID: paymentID, AdjustmentType: payments.AdjustmentRefund, Amount: 4})
	require.NoError(t, err)

	total, err := eng.PaidTotalForOrder(ctx, "order-1")
	require.NoError(t, err)
	require.InDelta(t, 6.0, total, 0.001)
}
