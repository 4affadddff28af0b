// Package zreport implements the Z-Report / End-of-Day engine (spec.md
// §4.J): period-cursor aggregation, snapshot persistence, and the
// single-transaction finalize sweep.
package zreport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/apperr"
	"github.com/EpsylonBita/smallpos/internal/coordination"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/settings"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

// SubmitPayload is the caller-supplied submit_z_report request. Per
// spec.md §9's Open Question resolution, the multi-shift path is
// selected whenever BranchID or Date is supplied, which covers ShiftID
// together with BranchID. There is no separate single-shift generator: a
// payload with ShiftID alone passes validation and runs the same
// branch-scoped generation with an empty BranchID.
type SubmitPayload struct {
	BranchID   string
	TerminalID string
	ShiftID    string
	Date       string // YYYY-MM-DD, optional
}

// SalesByMethod aggregates one payment method's totals for the period.
type SalesByMethod struct {
	Method string  `json:"method"`
	Count  int     `json:"count"`
	Total  float64 `json:"total"`
}

// AdjustmentTotal aggregates one adjustment type for the period.
type AdjustmentTotal struct {
	Type  string  `json:"type"`
	Count int     `json:"count"`
	Total float64 `json:"total"`
}

// ExpenseTotal is a non-staff-payment expense aggregate.
type ExpenseTotal struct {
	ExpenseType string  `json:"expenseType" db:"expense_type"`
	Total       float64 `json:"total"`
}

// StaffReportRow is the per-staff shift-scoped summary in report_json.
type StaffReportRow struct {
	StaffID    string `json:"staffId" db:"staff_id"`
	StaffName  string `json:"staffName" db:"staff_name"`
	RoleType   string `json:"roleType" db:"role_type"`
	OrderCount int    `json:"orderCount" db:"order_count"`
}

// Report is the structured report_json body.
type Report struct {
	BranchID        string            `json:"branchId"`
	PeriodStart     string            `json:"periodStart"`
	PeriodEnd       string            `json:"periodEnd"`
	ShiftCount      int               `json:"shiftCount"`
	OrderCount      int               `json:"orderCount"`
	GrossSales      float64           `json:"grossSales"`
	Discounts       float64           `json:"discounts"`
	Tips            float64           `json:"tips"`
	NetSales        float64           `json:"netSales"`
	SalesByMethod   []SalesByMethod   `json:"salesByMethod"`
	Adjustments     []AdjustmentTotal `json:"adjustments"`
	Expenses        []ExpenseTotal    `json:"expenses"`
	OpeningTotal    float64           `json:"openingTotal"`
	ClosingTotal    float64           `json:"closingTotal"`
	ExpectedTotal   float64           `json:"expectedTotal"`
	VarianceTotal   float64           `json:"varianceTotal"`
	StaffReports    []StaffReportRow  `json:"staffReports"`
}

// GenerateResult is returned by Generate. Preview is true for the
// zero-shift edge case, meaning nothing was persisted.
type GenerateResult struct {
	ReportID   string
	ReportDate string
	Report     Report
	Preview    bool
}

// FinalizeCounts reports the number of rows deleted per table during
// finalize_end_of_day.
type FinalizeCounts struct {
	PaymentAdjustments int `json:"paymentAdjustments"`
	OrderPayments      int `json:"orderPayments"`
	DriverEarnings     int `json:"driverEarnings"`
	SyncQueue          int `json:"syncQueue"`
	ShiftExpenses      int `json:"shiftExpenses"`
	StaffPayments      int `json:"staffPayments"`
	PrintJobs          int `json:"printJobs"`
	CashDrawerSessions int `json:"cashDrawerSessions"`
	StaffShifts        int `json:"staffShifts"`
	Orders             int `json:"orders"`
}

// Engine implements the Z-report generation, submission precondition
// checks, and finalize sweep.
type Engine struct {
	db       *storage.DB
	outboxQ  *outbox.Queue
	localSet *settings.LocalSettings
	locker   *coordination.Locker
	log      zerolog.Logger
}

// New constructs the engine.
func New(db *storage.DB, outboxQ *outbox.Queue, localSet *settings.LocalSettings, log zerolog.Logger) *Engine {
	return &Engine{db: db, outboxQ: outboxQ, localSet: localSet, log: log.With().Str("component", "zreport").Logger()}
}

// WithLocker attaches a branch-local coordination lock so that two
// terminals on the same branch never run submit_z_report concurrently
// and double-finalize the same period.
func (e *Engine) WithLocker(locker *coordination.Locker) *Engine {
	e.locker = locker
	return e
}

func (e *Engine) periodStart(ctx context.Context) (time.Time, error) {
	raw, ok := e.localSet.Get(ctx, settings.CategorySystem, settings.KeyLastZReportTimestamp)
	if !ok || raw == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Unix(0, 0).UTC(), nil
	}
	return t, nil
}

// usesMultiShiftPath resolves spec.md §9's Open Question: multi-shift
// whenever BranchID or Date is present, which includes ShiftID together
// with BranchID. It returns false for ShiftID alone; Submit then still
// calls Generate, as no single-shift generator exists.
func usesMultiShiftPath(p SubmitPayload) bool {
	if p.BranchID != "" || p.Date != "" {
		return true
	}
	return false
}

// Generate runs the multi-shift generation steps of spec.md §4.J.
func (e *Engine) Generate(ctx context.Context, branchID string) (GenerateResult, error) {
	periodStart, err := e.periodStart(ctx)
	if err != nil {
		return GenerateResult{}, err
	}
	periodEnd := time.Now().UTC()
	conn := e.db.Conn()

	var shiftCount int
	if err := conn.GetContext(ctx, &shiftCount, `
		SELECT COUNT(*) FROM staff_shifts WHERE branch_id = ? AND status = 'closed' AND check_in_time > ?`,
		branchID, periodStart.Format(time.RFC3339)); err != nil {
		return GenerateResult{}, fmt.Errorf("count closed shifts: %w", err)
	}
	if shiftCount == 0 {
		return GenerateResult{
			Preview: true,
			Report: Report{
				BranchID: branchID, PeriodStart: periodStart.Format(time.RFC3339), PeriodEnd: periodEnd.Format(time.RFC3339),
			},
		}, nil
	}

	report, err := e.aggregate(ctx, conn, branchID, periodStart, periodEnd)
	if err != nil {
		return GenerateResult{}, err
	}
	report.ShiftCount = shiftCount

	reportID := uuid.NewString()
	reportDate := periodEnd.Format("2006-01-02")
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal report: %w", err)
	}

	err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO z_reports (id, branch_id, terminal_id, report_date, period_start, period_end, report_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			reportID, branchID, nullableString(""), reportDate, periodStart.Format(time.RFC3339), periodEnd.Format(time.RFC3339), string(reportJSON)); err != nil {
			return fmt.Errorf("insert z_report: %w", err)
		}
		idempotencyKey := fmt.Sprintf("zreport:%s:%s", branchID, reportDate)
		_, err := e.outboxQ.EnqueueTx(ctx, tx, "z_report", reportID, outbox.OpInsert, string(reportJSON), idempotencyKey)
		if err != nil && !errors.Is(err, outbox.ErrDuplicateIdempotencyKey) {
			return fmt.Errorf("enqueue z_report outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}

	return GenerateResult{ReportID: reportID, ReportDate: reportDate, Report: report, Preview: false}, nil
}

func (e *Engine) aggregate(ctx context.Context, conn *sqlx.DB, branchID string, periodStart, periodEnd time.Time) (Report, error) {
	start := periodStart.Format(time.RFC3339)

	var orderCount int
	var grossSales, discounts, tips float64
	if err := conn.GetContext(ctx, &orderCount, `
		SELECT COUNT(*) FROM orders WHERE branch_id = ? AND is_ghost = 0 AND created_at > ?`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("order count: %w", err)
	}
	if err := conn.GetContext(ctx, &grossSales, `
		SELECT COALESCE(SUM(total),0) FROM orders WHERE branch_id = ? AND is_ghost = 0 AND created_at > ?`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("gross sales: %w", err)
	}
	if err := conn.GetContext(ctx, &discounts, `
		SELECT COALESCE(SUM(discount),0) FROM orders WHERE branch_id = ? AND is_ghost = 0 AND created_at > ?`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("discounts: %w", err)
	}
	if err := conn.GetContext(ctx, &tips, `
		SELECT COALESCE(SUM(tip),0) FROM orders WHERE branch_id = ? AND is_ghost = 0 AND created_at > ?`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("tips: %w", err)
	}

	var salesByMethod []SalesByMethod
	if err := conn.SelectContext(ctx, &salesByMethod, `
		SELECT p.method as method, COUNT(*) as count, COALESCE(SUM(p.amount),0) as total
		FROM order_payments p
		JOIN orders o ON o.id = p.order_id
		WHERE o.branch_id = ? AND o.is_ghost = 0 AND p.created_at > ? AND p.status = 'completed'
		GROUP BY p.method`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("sales by method: %w", err)
	}

	var adjustments []AdjustmentTotal
	if err := conn.SelectContext(ctx, &adjustments, `
		SELECT pa.adjustment_type as type, COUNT(*) as count, COALESCE(SUM(pa.amount),0) as total
		FROM payment_adjustments pa
		JOIN orders o ON o.id = pa.order_id
		WHERE o.branch_id = ? AND pa.created_at > ?
		GROUP BY pa.adjustment_type`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("adjustments: %w", err)
	}
	var refundTotal, voidTotal float64
	for _, a := range adjustments {
		switch a.Type {
		case "refund":
			refundTotal = a.Total
		case "void":
			voidTotal = a.Total
		}
	}

	var expenses []ExpenseTotal
	if err := conn.SelectContext(ctx, &expenses, `
		SELECT se.expense_type as expense_type, COALESCE(SUM(se.amount),0) as total
		FROM shift_expenses se
		JOIN staff_shifts s ON s.id = se.staff_shift_id
		WHERE s.branch_id = ? AND se.expense_type != 'staff_payment' AND se.created_at > ?
		GROUP BY se.expense_type`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("expenses: %w", err)
	}

	var opening, closing, expected, variance float64
	if err := conn.GetContext(ctx, &opening, `
		SELECT COALESCE(SUM(d.opening_cash),0) FROM cash_drawer_sessions d
		JOIN staff_shifts s ON s.id = d.staff_shift_id
		WHERE s.branch_id = ? AND s.status = 'closed' AND s.check_in_time > ?`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("opening sum: %w", err)
	}
	if err := conn.GetContext(ctx, &closing, `
		SELECT COALESCE(SUM(d.closing_cash),0) FROM cash_drawer_sessions d
		JOIN staff_shifts s ON s.id = d.staff_shift_id
		WHERE s.branch_id = ? AND s.status = 'closed' AND s.check_in_time > ?`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("closing sum: %w", err)
	}
	if err := conn.GetContext(ctx, &expected, `
		SELECT COALESCE(SUM(d.expected_cash),0) FROM cash_drawer_sessions d
		JOIN staff_shifts s ON s.id = d.staff_shift_id
		WHERE s.branch_id = ? AND s.status = 'closed' AND s.check_in_time > ?`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("expected sum: %w", err)
	}
	if err := conn.GetContext(ctx, &variance, `
		SELECT COALESCE(SUM(d.cash_variance),0) FROM cash_drawer_sessions d
		JOIN staff_shifts s ON s.id = d.staff_shift_id
		WHERE s.branch_id = ? AND s.status = 'closed' AND s.check_in_time > ?`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("variance sum: %w", err)
	}

	var staffReports []StaffReportRow
	if err := conn.SelectContext(ctx, &staffReports, `
		SELECT s.staff_id as staff_id, COALESCE(s.staff_name,'') as staff_name, COALESCE(s.role_type,'') as role_type,
		       (SELECT COUNT(*) FROM orders o WHERE o.staff_shift_id = s.id) as order_count
		FROM staff_shifts s
		WHERE s.branch_id = ? AND s.status = 'closed' AND s.check_in_time > ?`, branchID, start); err != nil {
		return Report{}, fmt.Errorf("staff reports: %w", err)
	}

	netSales := grossSales - refundTotal - voidTotal - discounts

	return Report{
		BranchID:      branchID,
		PeriodStart:   periodStart.Format(time.RFC3339),
		PeriodEnd:     periodEnd.Format(time.RFC3339),
		OrderCount:    orderCount,
		GrossSales:    grossSales,
		Discounts:     discounts,
		Tips:          tips,
		NetSales:      netSales,
		SalesByMethod: salesByMethod,
		Adjustments:   adjustments,
		Expenses:      expenses,
		OpeningTotal:  opening,
		ClosingTotal:  closing,
		ExpectedTotal: expected,
		VarianceTotal: variance,
		StaffReports:  staffReports,
	}, nil
}

// Submit implements submit_z_report: preconditions, generation, cursor
// reset, and finalize.
func (e *Engine) Submit(ctx context.Context, p SubmitPayload) (GenerateResult, FinalizeCounts, error) {
	if !usesMultiShiftPath(p) && p.ShiftID == "" {
		return GenerateResult{}, FinalizeCounts{}, apperr.Validation("submit_z_report requires branchId, date, or shiftId")
	}

	if e.locker != nil {
		ok, unlock, err := e.locker.Acquire(ctx, "zreport:"+p.BranchID, 2*time.Minute)
		if err != nil {
			return GenerateResult{}, FinalizeCounts{}, fmt.Errorf("acquire z-report lock: %w", err)
		}
		if !ok {
			return GenerateResult{}, FinalizeCounts{}, apperr.Validation("z-report submission already in progress for this branch")
		}
		defer unlock(ctx)
	}

	conn := e.db.Conn()
	var activeStaff []string
	if err := conn.SelectContext(ctx, &activeStaff, `
		SELECT staff_name FROM staff_shifts WHERE branch_id = ? AND status = 'active'`, p.BranchID); err != nil {
		return GenerateResult{}, FinalizeCounts{}, fmt.Errorf("check active staff: %w", err)
	}
	if len(activeStaff) > 0 {
		return GenerateResult{}, FinalizeCounts{}, apperr.Validation(fmt.Sprintf("staff still active: %v", activeStaff))
	}

	periodStart, err := e.periodStart(ctx)
	if err != nil {
		return GenerateResult{}, FinalizeCounts{}, err
	}
	var unpaidCount int
	if err := conn.GetContext(ctx, &unpaidCount, `
		SELECT COUNT(*) FROM orders
		WHERE branch_id = ? AND is_ghost = 0 AND payment_status != 'paid' AND created_at > ?`,
		p.BranchID, periodStart.Format(time.RFC3339)); err != nil {
		return GenerateResult{}, FinalizeCounts{}, fmt.Errorf("check unpaid orders: %w", err)
	}
	if unpaidCount > 0 {
		return GenerateResult{}, FinalizeCounts{}, apperr.Validation(fmt.Sprintf("%d unpaid orders since last report", unpaidCount))
	}

	result, err := e.Generate(ctx, p.BranchID)
	if err != nil {
		return GenerateResult{}, FinalizeCounts{}, err
	}
	if result.Preview {
		return result, FinalizeCounts{}, nil
	}

	now := time.Now().UTC()
	if err := e.localSet.Set(ctx, settings.CategorySystem, settings.KeyLastZReportTimestamp, now.Format(time.RFC3339)); err != nil {
		return result, FinalizeCounts{}, fmt.Errorf("update cursor: %w", err)
	}
	dayKey := now.Format("02012006")
	if err := e.localSet.Set(ctx, settings.CategoryOrders, settings.KeyOrderCounter+":"+dayKey, "0"); err != nil {
		return result, FinalizeCounts{}, fmt.Errorf("reset order counter: %w", err)
	}

	counts, err := e.FinalizeEndOfDay(ctx, result.ReportDate)
	if err != nil {
		return result, FinalizeCounts{}, err
	}
	return result, counts, nil
}

// FinalizeEndOfDay implements the single finalize transaction, turning
// foreign keys off so no delete cascades beyond the listed steps,
// deleting in FK-safe order, and re-enabling foreign keys on both
// success and failure paths. z_reports has no foreign key in this schema
// and is not touched by the sweep.
func (e *Engine) FinalizeEndOfDay(ctx context.Context, reportDate string) (FinalizeCounts, error) {
	conn := e.db.Conn()
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return FinalizeCounts{}, fmt.Errorf("disable foreign keys: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			e.log.Error().Err(err).Msg("re-enable foreign keys failed")
		}
	}()

	var counts FinalizeCounts
	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		type step struct {
			query  string
			target *int
		}
		steps := []step{
			{`DELETE FROM payment_adjustments WHERE order_id IN (SELECT id FROM orders WHERE date(created_at) <= ?)`, &counts.PaymentAdjustments},
			{`DELETE FROM order_payments WHERE order_id IN (SELECT id FROM orders WHERE date(created_at) <= ?)`, &counts.OrderPayments},
			{`DELETE FROM driver_earnings WHERE order_id IN (SELECT id FROM orders WHERE date(created_at) <= ?)`, &counts.DriverEarnings},
			{`DELETE FROM sync_queue WHERE status = 'synced' AND created_at <= ?`, &counts.SyncQueue},
			{`DELETE FROM shift_expenses WHERE date(created_at) <= ?`, &counts.ShiftExpenses},
			{`DELETE FROM staff_payments WHERE date(created_at) <= ?`, &counts.StaffPayments},
			{`DELETE FROM print_jobs WHERE date(created_at) <= ?`, &counts.PrintJobs},
			{`DELETE FROM cash_drawer_sessions WHERE staff_shift_id IN (SELECT id FROM staff_shifts WHERE date(check_in_time) <= ?)`, &counts.CashDrawerSessions},
			{`DELETE FROM staff_shifts WHERE date(check_in_time) <= ?`, &counts.StaffShifts},
			{`DELETE FROM orders WHERE date(created_at) <= ?`, &counts.Orders},
		}
		for _, st := range steps {
			res, err := tx.ExecContext(ctx, st.query, reportDate)
			if err != nil {
				return fmt.Errorf("finalize step %q: %w", st.query, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			*st.target = int(n)
		}
		return nil
	})
	if err != nil {
		return FinalizeCounts{}, err
	}
	return counts, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
