package zreport_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/coordination"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/settings"
	"github.com/EpsylonBita/smallpos/internal/storage"
	"github.com/EpsylonBita/smallpos/internal/zreport"
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

func newEngine(t *testing.T, db *storage.DB) *zreport.Engine {
	t.Helper()
	log := zerolog.New(io.Discard)
	outboxQ := outbox.New(db.Conn())
	localSet := settings.NewLocalSettings(db.Conn())
	return zreport.New(db, outboxQ, localSet, log)
}

func TestGenerate_ReturnsPreviewWhenNoClosedShifts(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	eng := newEngine(t, db)

	result, err := eng.Generate(ctx, "branch-1")
	require.NoError(t, err)
	require.True(t, result.Preview)
	require.Empty(t, result.ReportID)
}

func insertClosedShift(t *testing.T, db *storage.DB, id, branchID string) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO staff_shifts (id, staff_id, staff_name, branch_id, terminal_id, role_type, status, opening_cash, closing_cash, expected_cash, cash_variance)
		VALUES (?, 'staff-1', 'Alice', ?, 'term-1', 'cashier', 'closed', 100, 150, 150, 0)`,
		id, branchID)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`
		INSERT INTO cash_drawer_sessions (id, staff_shift_id, opening_cash, closing_cash, expected_cash, cash_variance, total_cash_sales, total_card_sales)
		VALUES (?, ?, 100, 150, 150, 0, 50, 0)`, id+"-drawer", id)
	require.NoError(t, err)
}

func insertPaidOrder(t *testing.T, db *storage.DB, id, branchID, shiftID string, total float64) {
	t.Helper()
	_, err := db.Conn().Exec(`
		INSERT INTO orders (id, order_number, items, total, payment_status, branch_id, staff_shift_id, is_ghost)
		VALUES (?, ?, '[]', ?, 'paid', ?, ?, 0)`, id, id, total, branchID, shiftID)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`
		INSERT INTO order_payments (id, order_id, method, amount, status) VALUES (?, ?, 'cash', ?, 'completed')`,
		id+"-pay", id, total)
	require.NoError(t, err)
}

func TestGenerate_AggregatesClosedShiftsAndPaidOrders(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	eng := newEngine(t, db)

	insertClosedShift(t, db, "shift-1", "branch-1")
	insertPaidOrder(t, db, "order-1", "branch-1", "shift-1", 25.0)
	insertPaidOrder(t, db, "order-2", "branch-1", "shift-1", 15.0)

	result, err := eng.Generate(ctx, "branch-1")
	require.NoError(t, err)
	require.False(t, result.Preview)
	require.NotEmpty(t, result.ReportID)
	require.Equal(t, 1, result.Report.ShiftCount)
	require.Equal(t, 2, result.Report.OrderCount)
	require.InDelta(t, 40.0, result.Report.GrossSales, 0.001)

	var count int
	require.NoError(t, db.Conn().Get(&count, `SELECT COUNT(*) FROM z_reports WHERE id = ?`, result.ReportID))
	require.Equal(t, 1, count)
}

func TestSubmit_RejectsWhenStaffStillActive(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	eng := newEngine(t, db)

	_, err := db.Conn().Exec(`
		INSERT INTO staff_shifts (id, staff_id, staff_name, branch_id, terminal_id, role_type, status, opening_cash)
		VALUES ('shift-active', 'staff-2', 'Bob', 'branch-1', 'term-1', 'cashier', 'active', 0)`)
	require.NoError(t, err)

	_, _, err = eng.Submit(ctx, zreport.SubmitPayload{BranchID: "branch-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "staff still active")
}

func TestSubmit_RejectsWhenUnpaidOrdersExist(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	eng := newEngine(t, db)

	_, err := db.Conn().Exec(`
		INSERT INTO orders (id, order_number, items, total, payment_status, branch_id, is_ghost)
		VALUES ('order-unpaid', 'ORD-U', '[]', 10, 'unpaid', 'branch-1', 0)`)
	require.NoError(t, err)

	_, _, err = eng.Submit(ctx, zreport.SubmitPayload{BranchID: "branch-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unpaid orders")
}

func TestSubmit_RejectsWithoutBranchDateOrShift(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	eng := newEngine(t, db)

	_, _, err := eng.Submit(ctx, zreport.SubmitPayload{})
	require.Error(t, err)
}

func TestSubmit_HappyPathAdvancesCursorResetsCounterAndFinalizes(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	eng := newEngine(t, db)
	localSet := settings.NewLocalSettings(db.Conn())

	insertClosedShift(t, db, "shift-1", "branch-1")
	insertPaidOrder(t, db, "order-1", "branch-1", "shift-1", 25.0)

	now := time.Now().UTC()
	dayKey := now.Format("02012006")
	require.NoError(t, localSet.Set(ctx, settings.CategoryOrders, settings.KeyOrderCounter+":"+dayKey, "7"))

	result, counts, err := eng.Submit(ctx, zreport.SubmitPayload{BranchID: "branch-1"})
	require.NoError(t, err)
	require.False(t, result.Preview)
	require.Equal(t, 1, counts.Orders)
	require.Equal(t, 1, counts.StaffShifts)
	require.Equal(t, 1, counts.CashDrawerSessions)
	require.GreaterOrEqual(t, counts.OrderPayments, 0)

	cursor, ok := localSet.Get(ctx, settings.CategorySystem, settings.KeyLastZReportTimestamp)
	require.True(t, ok)
	require.NotEmpty(t, cursor)

	counter, ok := localSet.Get(ctx, settings.CategoryOrders, settings.KeyOrderCounter+":"+dayKey)
	require.True(t, ok)
	require.Equal(t, "0", counter)

	var orderCount int
	require.NoError(t, db.Conn().Get(&orderCount, `SELECT COUNT(*) FROM orders`))
	require.Equal(t, 0, orderCount)

	var reportCount int
	require.NoError(t, db.Conn().Get(&reportCount, `SELECT COUNT(*) FROM z_reports WHERE id = ?`, result.ReportID))
	require.Equal(t, 1, reportCount)
}

func TestSubmit_WithDegradedLockerStillSucceeds(t *testing.T) {
	// A single terminal with no Redis configured degrades to a local
	// no-op locker that always grants acquisition; it never contends
	// with itself, so WithLocker must not change Submit's outcome.
	// Genuine cross-terminal mutual exclusion requires Redis and is
	// covered by internal/coordination's own tests.
	ctx := context.Background()
	db := newTestStore(t)
	log := zerolog.New(io.Discard)
	locker, err := coordination.New("", log)
	require.NoError(t, err)

	outboxQ := outbox.New(db.Conn())
	localSet := settings.NewLocalSettings(db.Conn())
	eng := zreport.New(db, outboxQ, localSet, log).WithLocker(locker)

	insertClosedShift(t, db, "shift-1", "branch-1")
	insertPaidOrder(t, db, "order-1", "branch-1", "shift-1", 25.0)

	result, _, err := eng.Submit(ctx, zreport.SubmitPayload{BranchID: "branch-1"})
	require.NoError(t, err)
	require.False(t, result.Preview)
}
