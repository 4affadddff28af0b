package shifts

import (
	"context"
	"fmt"
)

// SalesBreakdownRow groups sales by order type and payment method.
type SalesBreakdownRow struct {
	OrderType     string  `db:"order_type" json:"orderType"`
	PaymentMethod string  `db:"payment_method" json:"paymentMethod"`
	Count         int     `db:"count" json:"count"`
	Total         float64 `db:"total" json:"total"`
}

// ExpenseRow is one line in the shift's expense list.
type ExpenseRow struct {
	ID          string  `db:"id" json:"id"`
	ExpenseType string  `db:"expense_type" json:"expenseType"`
	Amount      float64 `db:"amount" json:"amount"`
	Description string  `db:"description" json:"description"`
}

// Summary is the projection returned by GetShiftSummary.
type Summary struct {
	Shift              shiftRow            `json:"-"`
	Drawer             *drawerRow          `json:"-"`
	SalesBreakdown     []SalesBreakdownRow `json:"salesBreakdown"`
	CanceledOrderCount int                 `json:"canceledOrderCount"`
	CashRefunds        float64             `json:"cashRefunds"`
	Expenses           []ExpenseRow        `json:"expenses"`
	TotalExpenses       float64            `json:"totalExpenses"`
}

// GetShiftSummary implements spec.md §4.I's get_shift_summary: shift +
// drawer + sales breakdown grouped by the raw (order_type,
// payment_method) pair, the number of canceled orders, cash refunds, and
// the expense list with its total. Order types are not grouped into
// in-store vs delivery, and canceled orders are only counted, with no
// per-order breakdown.
func (s *Service) GetShiftSummary(ctx context.Context, shiftID string) (Summary, error) {
	conn := s.db.Conn()

	var shift shiftRow
	if err := conn.GetContext(ctx, &shift, `SELECT * FROM staff_shifts WHERE id = ?`, shiftID); err != nil {
		return Summary{}, fmt.Errorf("load shift: %w", err)
	}

	var drawer *drawerRow
	var d drawerRow
	if err := conn.GetContext(ctx, &d, `SELECT * FROM cash_drawer_sessions WHERE staff_shift_id = ?`, shiftID); err == nil {
		drawer = &d
	}

	var breakdown []SalesBreakdownRow
	if err := conn.SelectContext(ctx, &breakdown, `
		SELECT o.order_type as order_type, p.method as payment_method, COUNT(*) as count, SUM(p.amount) as total
		FROM order_payments p
		JOIN orders o ON o.id = p.order_id
		WHERE p.staff_shift_id = ? AND p.status = 'completed'
		GROUP BY o.order_type, p.method`, shiftID); err != nil {
		return Summary{}, fmt.Errorf("sales breakdown: %w", err)
	}

	var canceled int
	if err := conn.GetContext(ctx, &canceled, `
		SELECT COUNT(*) FROM orders WHERE staff_shift_id = ? AND status = 'cancelled'`, shiftID); err != nil {
		return Summary{}, fmt.Errorf("canceled orders: %w", err)
	}

	var cashRefunds float64
	if err := conn.GetContext(ctx, &cashRefunds, `
		SELECT COALESCE(SUM(pa.amount),0) FROM payment_adjustments pa
		JOIN order_payments p ON p.id = pa.payment_id
		WHERE p.staff_shift_id = ? AND pa.adjustment_type = 'refund' AND p.method = 'cash'`, shiftID); err != nil {
		return Summary{}, fmt.Errorf("cash refunds: %w", err)
	}

	var expenses []ExpenseRow
	if err := conn.SelectContext(ctx, &expenses, `
		SELECT id, expense_type, amount, COALESCE(description,'') as description
		FROM shift_expenses WHERE staff_shift_id = ? ORDER BY created_at`, shiftID); err != nil {
		return Summary{}, fmt.Errorf("expenses: %w", err)
	}
	var totalExpenses float64
	for _, e := range expenses {
		totalExpenses += e.Amount
	}

	return Summary{
		Shift:              shift,
		Drawer:             drawer,
		SalesBreakdown:     breakdown,
		CanceledOrderCount: canceled,
		CashRefunds:        cashRefunds,
		Expenses:           expenses,
		TotalExpenses:      totalExpenses,
	}, nil
}
