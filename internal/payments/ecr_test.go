package payments_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/payments"
)

func TestRegisterEcrDevice_UpsertsOnConflict(t *testing.T) {
	ctx := context.Background()
	eng, db := newTestEngine(t)

	require.NoError(t, eng.RegisterEcrDevice(ctx, "term-a", "SumUp Air", "bluetooth://term-a"))
	require.NoError(t, eng.RegisterEcrDevice(ctx, "term-a", "SumUp Air (renamed)", "bluetooth://term-a-v2"))

	devices, err := eng.ListEcrDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "SumUp Air (renamed)", devices[0].Name)
	require.True(t, devices[0].Paired)

	var count int
	require.NoError(t, db.Conn().Get(&count, `SELECT COUNT(*) FROM ecr_devices`))
	require.Equal(t, 1, count)
}

func TestUnpairEcrDevice_ClearsPairedFlagWithoutDeletingRow(t *testing.T) {
	ctx := context.Background()
	eng, db := newTestEngine(t)

	require.NoError(t, eng.RegisterEcrDevice(ctx, "term-a", "SumUp Air", ""))
	require.NoError(t, eng.UnpairEcrDevice(ctx, "term-a"))

	devices, err := eng.ListEcrDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.False(t, devices[0].Paired)

	_ = db
}

func TestRecordEcrTransaction_StampsTransactionRefOnceOnPayment(t *testing.T) {
	ctx := context.Background()
	eng, db := newTestEngine(t)
	insertOrder(t, db, "order-1", "remote-1")

	paymentID, err := eng.CreatePayment(ctx, payments.CreatePaymentPayload{OrderID: "order-1", Method: payments.MethodCard, Amount: 10})
	require.NoError(t, err)
	require.NoError(t, eng.RegisterEcrDevice(ctx, "term-a", "SumUp Air", ""))

	txID, err := eng.RecordEcrTransaction(ctx, "term-a", paymentID, "APPROVED-123", `{"result":"approved"}`)
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	var ref string
	require.NoError(t, db.Conn().Get(&ref, `SELECT transaction_ref FROM order_payments WHERE id = ?`, paymentID))
	require.Equal(t, "APPROVED-123", ref)

	// A second authorization must not overwrite an already-stamped ref.
	_, err = eng.RecordEcrTransaction(ctx, "term-a", paymentID, "APPROVED-456", `{"result":"approved"}`)
	require.NoError(t, err)
	require.NoError(t, db.Conn().Get(&ref, `SELECT transaction_ref FROM order_payments WHERE id = ?`, paymentID))
	require.Equal(t, "APPROVED-123", ref)

	txs, err := eng.EcrTransactionsForPayment(ctx, paymentID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
}

func TestRecordEcrTransaction_RejectsUnknownPayment(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	_, err := eng.RecordEcrTransaction(ctx, "term-a", "missing-payment", "APPROVED-1", "{}")
	require.Error(t, err)
}
