package shifts_test

import (
	"context"
	"io"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/shifts"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

func newTestStore(t *testing.T) *storage.DB {
	t.Helper()
	log := zerolog.New(io.Discard)
	db, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(context.Background()))
	return db
}

func TestOpenShift_RejectsSecondActiveShiftForSameStaff(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	log := zerolog.New(io.Discard)
	svc := shifts.New(db, outbox.New(db.Conn()), nil, log)

	_, err := svc.OpenShift(ctx, shifts.OpenShiftPayload{
		StaffID: "staff-1", BranchID: "branch-1", TerminalID: "term-1", RoleType: shifts.RoleCashier, OpeningCash: 100,
	})
	require.NoError(t, err)

	_, err = svc.OpenShift(ctx, shifts.OpenShiftPayload{
		StaffID: "staff-1", BranchID: "branch-1", TerminalID: "term-1", RoleType: shifts.RoleCashier, OpeningCash: 50,
	})
	require.Error(t, err)
}

func TestCloseShift_RejectsNonActiveShift(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	log := zerolog.New(io.Discard)
	svc := shifts.New(db, outbox.New(db.Conn()), nil, log)

	shiftID, err := svc.OpenShift(ctx, shifts.OpenShiftPayload{
		StaffID: "staff-1", BranchID: "branch-1", TerminalID: "term-1", RoleType: shifts.RoleCashier, OpeningCash: 100,
	})
	require.NoError(t, err)
	require.NoError(t, svc.CloseShift(ctx, shifts.CloseShiftPayload{ShiftID: shiftID, ClosingCash: 100}))

	err = svc.CloseShift(ctx, shifts.CloseShiftPayload{ShiftID: shiftID, ClosingCash: 100})
	require.Error(t, err)
}

// TestCashierFormula_ExpectedMatchesScenarioFour exercises end-to-end
// scenario 4: open cashier with opening 100, two cash orders totaling
// 30, 5 of expenses, close with closing 125 -> expected = 125, variance = 0.
func TestCashierFormula_ExpectedMatchesScenarioFour(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	log := zerolog.New(io.Discard)
	outboxQ := outbox.New(db.Conn())
	svc := shifts.New(db, outboxQ, nil, log)

	shiftID, err := svc.OpenShift(ctx, shifts.OpenShiftPayload{
		StaffID: "staff-1", BranchID: "branch-1", TerminalID: "term-1", RoleType: shifts.RoleCashier, OpeningCash: 100,
	})
	require.NoError(t, err)

	insertCashOrderAndPayment(t, db, shiftID, 20)
	insertCashOrderAndPayment(t, db, shiftID, 10)

	require.NoError(t, svc.RecordExpense(ctx, shiftID, "expense", 5, "ice", "staff-1"))
	require.NoError(t, svc.CloseShift(ctx, shifts.CloseShiftPayload{ShiftID: shiftID, ClosingCash: 125}))

	var expected, variance float64
	require.NoError(t, db.Conn().GetContext(ctx, &expected, `
		SELECT expected_cash FROM cash_drawer_sessions WHERE staff_shift_id = ?`, shiftID))
	require.NoError(t, db.Conn().GetContext(ctx, &variance, `
		SELECT cash_variance FROM cash_drawer_sessions WHERE staff_shift_id = ?`, shiftID))

	require.InDelta(t, 125.0, expected, 0.001)
	require.InDelta(t, 0.0, variance, 0.001)
}

// TestDriverTransferRoundTrip exercises end-to-end scenario 5: closing
// a cashier with one active driver leaves the driver pending transfer;
// opening a new cashier on the same branch/terminal claims them.
func TestDriverTransferRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	log := zerolog.New(io.Discard)
	outboxQ := outbox.New(db.Conn())
	svc := shifts.New(db, outboxQ, nil, log)

	cashierID, err := svc.OpenShift(ctx, shifts.OpenShiftPayload{
		StaffID: "cashier-1", BranchID: "branch-1", TerminalID: "term-1", RoleType: shifts.RoleCashier, OpeningCash: 200,
	})
	require.NoError(t, err)

	driverID, err := svc.OpenShift(ctx, shifts.OpenShiftPayload{
		StaffID: "driver-1", BranchID: "branch-1", TerminalID: "term-1", RoleType: shifts.RoleDriver, OpeningCash: 50,
	})
	require.NoError(t, err)

	require.NoError(t, svc.CloseShift(ctx, shifts.CloseShiftPayload{ShiftID: cashierID, ClosingCash: 150}))

	var pending int
	var transferredTo *string
	require.NoError(t, db.Conn().GetContext(ctx, &pending, `SELECT is_transfer_pending FROM staff_shifts WHERE id = ?`, driverID))
	require.NoError(t, db.Conn().GetContext(ctx, &transferredTo, `SELECT transferred_to_cashier_shift_id FROM staff_shifts WHERE id = ?`, driverID))
	require.Equal(t, 1, pending)
	require.Nil(t, transferredTo)

	cashier2ID, err := svc.OpenShift(ctx, shifts.OpenShiftPayload{
		StaffID: "cashier-2", BranchID: "branch-1", TerminalID: "term-1", RoleType: shifts.RoleCashier, OpeningCash: 0,
	})
	require.NoError(t, err)

	var driverCashGiven float64
	require.NoError(t, db.Conn().GetContext(ctx, &driverCashGiven, `
		SELECT driver_cash_given FROM cash_drawer_sessions WHERE staff_shift_id = ?`, cashier2ID))
	require.GreaterOrEqual(t, driverCashGiven, 50.0)

	var firstDrawerDriverCashGiven float64
	require.NoError(t, db.Conn().GetContext(ctx, &firstDrawerDriverCashGiven, `
		SELECT driver_cash_given FROM cash_drawer_sessions WHERE staff_shift_id = ?`, cashierID))
	require.InDelta(t, 0.0, firstDrawerDriverCashGiven, 0.001)
}

func insertCashOrderAndPayment(t *testing.T, db *storage.DB, shiftID string, amount float64) {
	t.Helper()
	ctx := context.Background()
	orderID := "order-" + amount2str(amount)
	_, err := db.Conn().ExecContext(ctx, `
		INSERT INTO orders (id, order_number, items, total, staff_shift_id) VALUES (?, ?, '[]', ?, ?)`,
		orderID, "ORD-TEST-"+amount2str(amount), amount, shiftID)
	require.NoError(t, err)
	_, err = db.Conn().ExecContext(ctx, `
		INSERT INTO order_payments (id, order_id, method, amount, status, sync_state, staff_shift_id)
		VALUES (?, ?, 'cash', ?, 'completed', 'pending', ?)`,
		"payment-"+amount2str(amount), orderID, amount, shiftID)
	require.NoError(t, err)
}

func amount2str(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
