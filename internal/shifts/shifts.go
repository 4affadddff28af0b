// Package shifts implements the Shift + Cash-Drawer Lifecycle (spec.md
// §4.I): open/close shifts, cashier↔driver transfer/claim, reconcile-at-
// close re-derivation, and expense capture.
package shifts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/apperr"
	"github.com/EpsylonBita/smallpos/internal/events"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

// RoleType enumerates staff_shifts.role_type.
const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleDriver  = "driver"
	RoleKitchen = "kitchen"
	RoleServer  = "server"
)

// Status enumerates staff_shifts.status.
const (
	StatusActive    = "active"
	StatusClosed    = "closed"
	StatusAbandoned = "abandoned"
)

const calculationVersion = 2

// OpenShiftPayload is the caller-supplied open_shift request.
type OpenShiftPayload struct {
	StaffID      string
	StaffName    string
	BranchID     string
	TerminalID   string
	RoleType     string
	OpeningCash  float64
}

// CloseShiftPayload is the caller-supplied close_shift request.
type CloseShiftPayload struct {
	ShiftID       string
	ClosingCash   float64
	ClosedBy      string
	PaymentAmount float64 // driver role only: staff payment amount returned as cash
}

type shiftRow struct {
	ID                            string         `db:"id"`
	StaffID                       string         `db:"staff_id"`
	StaffName                     sql.NullString `db:"staff_name"`
	BranchID                      sql.NullString `db:"branch_id"`
	TerminalID                    sql.NullString `db:"terminal_id"`
	RoleType                      sql.NullString `db:"role_type"`
	CheckInTime                   string         `db:"check_in_time"`
	CheckOutTime                  sql.NullString `db:"check_out_time"`
	OpeningCash                   float64        `db:"opening_cash"`
	ClosingCash                   sql.NullFloat64 `db:"closing_cash"`
	ExpectedCash                  sql.NullFloat64 `db:"expected_cash"`
	CashVariance                  sql.NullFloat64 `db:"cash_variance"`
	Status                        string         `db:"status"`
	CalculationVersion            int            `db:"calculation_version"`
	IsTransferPending             int            `db:"is_transfer_pending"`
	TransferredToCashierShiftID   sql.NullString `db:"transferred_to_cashier_shift_id"`
	ClosedBy                      sql.NullString `db:"closed_by"`
	CreatedAt                     string         `db:"created_at"`
}

type drawerRow struct {
	ID                  string  `db:"id"`
	StaffShiftID        string  `db:"staff_shift_id"`
	OpeningCash         float64 `db:"opening_cash"`
	ClosingCash         sql.NullFloat64 `db:"closing_cash"`
	ExpectedCash        sql.NullFloat64 `db:"expected_cash"`
	CashVariance        sql.NullFloat64 `db:"cash_variance"`
	TotalCashSales      float64 `db:"total_cash_sales"`
	TotalCardSales      float64 `db:"total_card_sales"`
	TotalRefunds        float64 `db:"total_refunds"`
	TotalExpenses       float64 `db:"total_expenses"`
	CashDrops           float64 `db:"cash_drops"`
	DriverCashGiven     float64 `db:"driver_cash_given"`
	DriverCashReturned  float64 `db:"driver_cash_returned"`
	TotalStaffPayments  float64 `db:"total_staff_payments"`
	OpenedAt            string  `db:"opened_at"`
	ClosedAt            sql.NullString `db:"closed_at"`
	Reconciled          int     `db:"reconciled"`
}

// Service implements the shift lifecycle operations.
type Service struct {
	db      *storage.DB
	outboxQ *outbox.Queue
	bus     *events.Bus
	log     zerolog.Logger
}

// New constructs the service.
func New(db *storage.DB, outboxQ *outbox.Queue, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{db: db, outboxQ: outboxQ, bus: bus, log: log.With().Str("component", "shifts").Logger()}
}

// OpenShift implements spec.md §4.I's open_shift.
func (s *Service) OpenShift(ctx context.Context, p OpenShiftPayload) (string, error) {
	borrow := s.db.Borrow()
	var activeCount int
	err := borrow.Conn().GetContext(ctx, &activeCount, `
		SELECT COUNT(*) FROM staff_shifts WHERE staff_id = ? AND status = 'active'`, p.StaffID)
	borrow.Release()
	if err != nil {
		return "", fmt.Errorf("check active shift: %w", err)
	}
	if activeCount > 0 {
		return "", apperr.Validation("staff already has an active shift")
	}

	shiftID := uuid.NewString()

	err = s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO staff_shifts (
				id, staff_id, staff_name, branch_id, terminal_id, role_type,
				opening_cash, status, calculation_version
			) VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?)`,
			shiftID, p.StaffID, nullableString(p.StaffName), nullableString(p.BranchID), nullableString(p.TerminalID),
			p.RoleType, p.OpeningCash, calculationVersion)
		if err != nil {
			return fmt.Errorf("insert shift: %w", err)
		}

		switch p.RoleType {
		case RoleCashier, RoleManager:
			drawerID := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cash_drawer_sessions (id, staff_shift_id, opening_cash)
				VALUES (?, ?, ?)`, drawerID, shiftID, p.OpeningCash); err != nil {
				return fmt.Errorf("insert drawer: %w", err)
			}
			if err := s.claimTransferredDrivers(ctx, tx, shiftID, drawerID, p.BranchID, p.TerminalID); err != nil {
				return err
			}

		case RoleDriver:
			if p.OpeningCash > 0 {
				var cashierDrawerID string
				err := tx.GetContext(ctx, &cashierDrawerID, `
					SELECT d.id FROM cash_drawer_sessions d
					JOIN staff_shifts s ON s.id = d.staff_shift_id
					WHERE s.branch_id = ? AND s.terminal_id = ? AND s.status = 'active'
					  AND s.role_type IN ('cashier','manager')
					ORDER BY s.check_in_time DESC LIMIT 1`, p.BranchID, p.TerminalID)
				if errors.Is(err, sql.ErrNoRows) {
					return apperr.Validation("no active cashier/manager drawer found at this branch/terminal")
				}
				if err != nil {
					return fmt.Errorf("find cashier drawer: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE cash_drawer_sessions SET driver_cash_given = driver_cash_given + ? WHERE id = ?`,
					p.OpeningCash, cashierDrawerID); err != nil {
					return fmt.Errorf("update cashier drawer for driver opening cash: %w", err)
				}
			}
		}

		snapshot, _ := json.Marshal(map[string]interface{}{"id": shiftID, "staffId": p.StaffID, "roleType": p.RoleType})
		_, err = s.outboxQ.EnqueueTx(ctx, tx, "staff_shift", shiftID, outbox.OpInsert, string(snapshot), fmt.Sprintf("shift:%s:%d", shiftID, time.Now().UnixMilli()))
		return err
	})
	if err != nil {
		return "", err
	}

	if s.bus != nil {
		s.bus.Publish(events.TopicShiftUpdated, map[string]string{"shiftId": shiftID}, time.Now().UTC())
	}
	return shiftID, nil
}

// claimTransferredDrivers reassigns any driver shift pending transfer at
// the same branch/terminal to the newly opened cashier shift, folding
// its opening_cash into driver_cash_given.
func (s *Service) claimTransferredDrivers(ctx context.Context, tx *sqlx.Tx, cashierShiftID, cashierDrawerID, branchID, terminalID string) error {
	var drivers []shiftRow
	if err := tx.SelectContext(ctx, &drivers, `
		SELECT * FROM staff_shifts
		WHERE branch_id = ? AND terminal_id = ? AND role_type = 'driver'
		  AND is_transfer_pending = 1 AND status = 'active'`, branchID, terminalID); err != nil {
		return fmt.Errorf("select transferable drivers: %w", err)
	}

	for _, d := range drivers {
		if _, err := tx.ExecContext(ctx, `
			UPDATE staff_shifts SET transferred_to_cashier_shift_id = ?, is_transfer_pending = 0 WHERE id = ?`,
			cashierShiftID, d.ID); err != nil {
			return fmt.Errorf("claim driver %s: %w", d.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cash_drawer_sessions SET driver_cash_given = driver_cash_given + ? WHERE id = ?`,
			d.OpeningCash, cashierDrawerID); err != nil {
			return fmt.Errorf("fold driver %s opening cash: %w", d.ID, err)
		}
		snapshot, _ := json.Marshal(map[string]interface{}{"id": d.ID, "transferredToCashierShiftId": cashierShiftID})
		if _, err := s.outboxQ.EnqueueTx(ctx, tx, "staff_shift", d.ID, outbox.OpUpdate, string(snapshot), fmt.Sprintf("shift-claim:%s:%d", d.ID, time.Now().UnixMilli())); err != nil {
			return fmt.Errorf("enqueue driver claim outbox: %w", err)
		}
	}
	return nil
}

// CloseShift implements spec.md §4.I's close_shift as a single
// BEGIN IMMEDIATE transaction.
func (s *Service) CloseShift(ctx context.Context, p CloseShiftPayload) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var shift shiftRow
		if err := tx.GetContext(ctx, &shift, `SELECT * FROM staff_shifts WHERE id = ?`, p.ShiftID); err != nil {
			return apperr.Validation("shift not found: " + p.ShiftID)
		}
		if shift.Status != StatusActive {
			return apperr.Validation("shift is not active")
		}

		role := shift.RoleType.String
		switch role {
		case RoleCashier, RoleManager:
			return s.closeCashierShift(ctx, tx, shift, p)
		case RoleDriver:
			return s.closeDriverShift(ctx, tx, shift, p)
		default:
			_, err := tx.ExecContext(ctx, `
				UPDATE staff_shifts SET status = 'closed', check_out_time = datetime('now'), closed_by = ? WHERE id = ?`,
				nullableString(p.ClosedBy), p.ShiftID)
			return err
		}
	})
}

func (s *Service) closeCashierShift(ctx context.Context, tx *sqlx.Tx, shift shiftRow, p CloseShiftPayload) error {
	var drawer drawerRow
	if err := tx.GetContext(ctx, &drawer, `SELECT * FROM cash_drawer_sessions WHERE staff_shift_id = ?`, shift.ID); err != nil {
		return fmt.Errorf("load drawer: %w", err)
	}

	// Transfer active, not-yet-transferred drivers off this cashier.
	var drivers []shiftRow
	if err := tx.SelectContext(ctx, &drivers, `
		SELECT * FROM staff_shifts
		WHERE branch_id = ? AND terminal_id = ? AND role_type = 'driver'
		  AND status = 'active' AND is_transfer_pending = 0`, shift.BranchID, shift.TerminalID); err != nil {
		return fmt.Errorf("select active drivers: %w", err)
	}
	var driverOpeningSum float64
	for _, d := range drivers {
		if _, err := tx.ExecContext(ctx, `UPDATE staff_shifts SET is_transfer_pending = 1 WHERE id = ?`, d.ID); err != nil {
			return fmt.Errorf("flag driver %s pending transfer: %w", d.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE driver_earnings SET transferred = 1 WHERE staff_shift_id = ?`, d.ID); err != nil {
			return fmt.Errorf("flag driver earnings transferred: %w", err)
		}
		driverOpeningSum += d.OpeningCash
		snapshot, _ := json.Marshal(map[string]interface{}{"id": d.ID, "isTransferPending": true})
		if _, err := s.outboxQ.EnqueueTx(ctx, tx, "staff_shift", d.ID, outbox.OpUpdate, string(snapshot), fmt.Sprintf("shift-transfer:%s:%d", d.ID, time.Now().UnixMilli())); err != nil {
			return fmt.Errorf("enqueue driver transfer outbox: %w", err)
		}
	}

	// Re-derive drawer totals from source-of-truth tables.
	var cashSales, cardSales, refunds, expenses float64
	if err := tx.GetContext(ctx, &cashSales, `
		SELECT COALESCE(SUM(p.amount),0) FROM order_payments p
		JOIN orders o ON o.id = p.order_id
		WHERE p.staff_shift_id = ? AND p.status = 'completed' AND p.method = 'cash' AND o.is_ghost = 0`, shift.ID); err != nil {
		return fmt.Errorf("sum cash sales: %w", err)
	}
	if err := tx.GetContext(ctx, &cardSales, `
		SELECT COALESCE(SUM(p.amount),0) FROM order_payments p
		JOIN orders o ON o.id = p.order_id
		WHERE p.staff_shift_id = ? AND p.status = 'completed' AND p.method = 'card' AND o.is_ghost = 0`, shift.ID); err != nil {
		return fmt.Errorf("sum card sales: %w", err)
	}
	if err := tx.GetContext(ctx, &refunds, `
		SELECT COALESCE(SUM(pa.amount),0) FROM payment_adjustments pa
		JOIN order_payments p ON p.id = pa.payment_id
		WHERE p.staff_shift_id = ? AND pa.adjustment_type = 'refund'`, shift.ID); err != nil {
		return fmt.Errorf("sum refunds: %w", err)
	}
	if err := tx.GetContext(ctx, &expenses, `
		SELECT COALESCE(SUM(amount),0) FROM shift_expenses WHERE staff_shift_id = ?`, shift.ID); err != nil {
		return fmt.Errorf("sum expenses: %w", err)
	}

	inheritedReturns, err := s.inheritedDriverExpectedReturns(ctx, tx, shift.ID)
	if err != nil {
		return err
	}

	expected := drawer.OpeningCash + cashSales - refunds - expenses - drawer.CashDrops -
		drawer.DriverCashGiven + drawer.DriverCashReturned + inheritedReturns
	variance := p.ClosingCash - expected

	_, err = tx.ExecContext(ctx, `
		UPDATE cash_drawer_sessions SET
			closing_cash = ?, expected_cash = ?, cash_variance = ?,
			total_cash_sales = ?, total_card_sales = ?, total_refunds = ?, total_expenses = ?,
			driver_cash_given = driver_cash_given - ?, closed_at = datetime('now'), reconciled = 1
		WHERE staff_shift_id = ?`,
		p.ClosingCash, expected, variance, cashSales, cardSales, refunds, expenses, driverOpeningSum, shift.ID)
	if err != nil {
		return fmt.Errorf("update drawer: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE staff_shifts SET
			status = 'closed', check_out_time = datetime('now'), closing_cash = ?, expected_cash = ?,
			cash_variance = ?, closed_by = ?
		WHERE id = ?`,
		p.ClosingCash, expected, variance, nullableString(p.ClosedBy), shift.ID)
	if err != nil {
		return fmt.Errorf("update shift: %w", err)
	}

	snapshot, _ := json.Marshal(map[string]interface{}{"id": shift.ID, "status": "closed", "expectedCash": expected})
	_, err = s.outboxQ.EnqueueTx(ctx, tx, "staff_shift", shift.ID, outbox.OpUpdate, string(snapshot), fmt.Sprintf("shift-close:%s:%d", shift.ID, time.Now().UnixMilli()))
	return err
}

// inheritedDriverExpectedReturns computes, per driver already
// transferred into this cashier shift (still active),
// opening + cash_collected - expenses, summed (spec.md §4.I).
func (s *Service) inheritedDriverExpectedReturns(ctx context.Context, tx *sqlx.Tx, cashierShiftID string) (float64, error) {
	var drivers []shiftRow
	if err := tx.SelectContext(ctx, &drivers, `
		SELECT * FROM staff_shifts
		WHERE transferred_to_cashier_shift_id = ? AND role_type = 'driver' AND status = 'active'`, cashierShiftID); err != nil {
		return 0, fmt.Errorf("select inherited drivers: %w", err)
	}

	var total float64
	for _, d := range drivers {
		var collected, expenses float64
		if err := tx.GetContext(ctx, &collected, `
			SELECT COALESCE(SUM(amount),0) FROM driver_earnings WHERE staff_shift_id = ?`, d.ID); err != nil {
			return 0, fmt.Errorf("sum driver earnings for %s: %w", d.ID, err)
		}
		if err := tx.GetContext(ctx, &expenses, `
			SELECT COALESCE(SUM(amount),0) FROM shift_expenses WHERE staff_shift_id = ?`, d.ID); err != nil {
			return 0, fmt.Errorf("sum driver expenses for %s: %w", d.ID, err)
		}
		total += d.OpeningCash + collected - expenses
	}
	return total, nil
}

func (s *Service) closeDriverShift(ctx context.Context, tx *sqlx.Tx, shift shiftRow, p CloseShiftPayload) error {
	var collected, expenses float64
	if err := tx.GetContext(ctx, &collected, `
		SELECT COALESCE(SUM(amount),0) FROM driver_earnings WHERE staff_shift_id = ?`, shift.ID); err != nil {
		return fmt.Errorf("sum driver collected: %w", err)
	}
	if err := tx.GetContext(ctx, &expenses, `
		SELECT COALESCE(SUM(amount),0) FROM shift_expenses WHERE staff_shift_id = ?`, shift.ID); err != nil {
		return fmt.Errorf("sum driver expenses: %w", err)
	}
	expected := shift.OpeningCash + collected - expenses

	branchID := shift.BranchID.String
	terminalID := shift.TerminalID.String

	var cashierDrawerID string
	err := tx.GetContext(ctx, &cashierDrawerID, `
		SELECT d.id FROM cash_drawer_sessions d
		JOIN staff_shifts s ON s.id = d.staff_shift_id
		WHERE s.branch_id = ? AND s.terminal_id = ? AND s.status = 'active'
		  AND s.role_type IN ('cashier','manager')
		ORDER BY s.check_in_time DESC LIMIT 1`, branchID, terminalID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("find cashier drawer: %w", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		s.log.Warn().Str("shift_id", shift.ID).Msg("no active cashier found at close; cash treated as returned physically")
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE cash_drawer_sessions SET
				driver_cash_returned = driver_cash_returned + ?,
				total_staff_payments = total_staff_payments + ?
			WHERE id = ?`, expected, p.PaymentAmount, cashierDrawerID); err != nil {
			return fmt.Errorf("update cashier drawer for driver return: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE staff_shifts SET
			status = 'closed', check_out_time = datetime('now'), closing_cash = ?, expected_cash = ?,
			cash_variance = ?, closed_by = ?
		WHERE id = ?`,
		p.ClosingCash, expected, p.ClosingCash-expected, nullableString(p.ClosedBy), shift.ID)
	if err != nil {
		return fmt.Errorf("update driver shift: %w", err)
	}

	snapshot, _ := json.Marshal(map[string]interface{}{"id": shift.ID, "status": "closed", "expectedCash": expected})
	_, err = s.outboxQ.EnqueueTx(ctx, tx, "staff_shift", shift.ID, outbox.OpUpdate, string(snapshot), fmt.Sprintf("shift-close:%s:%d", shift.ID, time.Now().UnixMilli()))
	return err
}

// RecordExpense implements spec.md §4.I's record_expense.
func (s *Service) RecordExpense(ctx context.Context, shiftID, expenseType string, amount float64, description, staffID string) error {
	return s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO shift_expenses (id, staff_shift_id, expense_type, amount, description, staff_id)
			VALUES (?, ?, ?, ?, ?, ?)`, id, shiftID, expenseType, amount, nullableString(description), nullableString(staffID)); err != nil {
			return fmt.Errorf("insert expense: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cash_drawer_sessions SET total_expenses = total_expenses + ? WHERE staff_shift_id = ?`,
			amount, shiftID); err != nil {
			return fmt.Errorf("update drawer expenses: %w", err)
		}
		snapshot, _ := json.Marshal(map[string]interface{}{"id": id, "staffShiftId": shiftID, "amount": amount})
		_, err := s.outboxQ.EnqueueTx(ctx, tx, "shift_expense", id, outbox.OpInsert, string(snapshot), fmt.Sprintf("expense:%s:%d", id, time.Now().UnixMilli()))
		return err
	})
}

// RecordStaffPayment records a cash advance paid out to staff against a
// driver's collected cash (a feature supplemented from the original
// Rust shifts.rs command set, not named directly in the distilled
// spec — see DESIGN.md).
func (s *Service) RecordStaffPayment(ctx context.Context, driverShiftID string, amount float64, reason string) (string, error) {
	id := uuid.NewString()
	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var shift shiftRow
		if err := tx.GetContext(ctx, &shift, `SELECT * FROM staff_shifts WHERE id = ?`, driverShiftID); err != nil {
			return apperr.Validation("driver shift not found: " + driverShiftID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO staff_payments (id, staff_shift_id, driver_shift_id, amount, reason)
			VALUES (?, ?, ?, ?, ?)`, id, driverShiftID, driverShiftID, amount, nullableString(reason)); err != nil {
			return fmt.Errorf("insert staff payment: %w", err)
		}
		snapshot, _ := json.Marshal(map[string]interface{}{"id": id, "driverShiftId": driverShiftID, "amount": amount})
		_, err := s.outboxQ.EnqueueTx(ctx, tx, "staff_payment", id, outbox.OpInsert, string(snapshot), fmt.Sprintf("staffpayment:%s:%d", id, time.Now().UnixMilli()))
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
