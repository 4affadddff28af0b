package printspool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/printrender"
	"github.com/EpsylonBita/smallpos/internal/settings"
)

// SQLDocumentBuilder assembles a printrender.Document straight from the
// local database for order/kitchen/checkout jobs, and from the job's
// own stored payload for z_report jobs (the Z-report engine has no
// single row to join against once finalize_end_of_day has run).
type SQLDocumentBuilder struct {
	conn     *sqlx.DB
	localSet *settings.LocalSettings
}

// NewSQLDocumentBuilder constructs a SQLDocumentBuilder.
func NewSQLDocumentBuilder(conn *sqlx.DB, localSet *settings.LocalSettings) *SQLDocumentBuilder {
	return &SQLDocumentBuilder{conn: conn, localSet: localSet}
}

type lineItemJSON struct {
	Name         string   `json:"name"`
	Quantity     int      `json:"quantity"`
	UnitPrice    float64  `json:"unitPrice"`
	Total        float64  `json:"total"`
	With         []string `json:"with"`
	Without      []string `json:"without"`
	Instructions string   `json:"instructions"`
}

func toLineItems(raw string) []printrender.LineItem {
	var parsed []lineItemJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	items := make([]printrender.LineItem, 0, len(parsed))
	for _, p := range parsed {
		total := p.Total
		if total == 0 {
			total = p.UnitPrice * float64(p.Quantity)
		}
		items = append(items, printrender.LineItem{
			Name: p.Name, Quantity: p.Quantity, UnitPrice: p.UnitPrice, Total: total,
			Customizations: printrender.LineItemCustomization{With: p.With, Without: p.Without},
			Instructions:   p.Instructions,
		})
	}
	return items
}

// Build implements DocumentBuilder.
func (b *SQLDocumentBuilder) Build(ctx context.Context, job Job) (printrender.Document, printrender.LayoutConfig, error) {
	cfg, err := b.layoutFor(ctx, job)
	if err != nil {
		return printrender.Document{}, printrender.LayoutConfig{}, err
	}

	switch job.EntityType {
	case "order_receipt", "checkout":
		doc, err := b.buildOrderReceipt(ctx, job.EntityID)
		return doc, cfg, err
	case "kitchen_ticket":
		doc, err := b.buildKitchenTicket(ctx, job.EntityID)
		return doc, cfg, err
	case "shift_checkout":
		doc, err := b.buildShiftCheckout(ctx, job.EntityID)
		return doc, cfg, err
	case "z_report":
		doc, err := b.buildZReport(job)
		return doc, cfg, err
	default:
		return printrender.Document{}, printrender.LayoutConfig{}, fmt.Errorf("unknown print job entity_type %q", job.EntityType)
	}
}

type orderRow struct {
	ID              string         `db:"id"`
	OrderNumber     string         `db:"order_number"`
	Items           string         `db:"items"`
	Total           float64        `db:"total"`
	Tax             float64        `db:"tax"`
	Discount        float64        `db:"discount"`
	Tip             float64        `db:"tip"`
	DeliveryFee     float64        `db:"delivery_fee"`
	Status          string         `db:"status"`
	OrderType       string         `db:"order_type"`
	DriverName      sql.NullString `db:"driver_name"`
	DeliveryAddress sql.NullString `db:"delivery_address"`
	CreatedAt       string         `db:"created_at"`
}

func (b *SQLDocumentBuilder) buildOrderReceipt(ctx context.Context, orderID string) (printrender.Document, error) {
	var o orderRow
	if err := b.conn.GetContext(ctx, &o, `
		SELECT id, order_number, items, total, tax, discount, tip, delivery_fee, status, order_type, driver_name, delivery_address, created_at
		FROM orders WHERE id = ?`, orderID); err != nil {
		return printrender.Document{}, fmt.Errorf("load order for receipt: %w", err)
	}

	var payments []struct {
		Method         string         `db:"method"`
		Amount         float64        `db:"amount"`
		TransactionRef sql.NullString `db:"transaction_ref"`
	}
	if err := b.conn.SelectContext(ctx, &payments, `
		SELECT method, amount, transaction_ref FROM order_payments WHERE order_id = ? ORDER BY created_at`, orderID); err != nil {
		return printrender.Document{}, fmt.Errorf("load payments for receipt: %w", err)
	}

	var adjustments []struct {
		Type   string         `db:"adjustment_type"`
		Amount float64        `db:"amount"`
		Reason sql.NullString `db:"reason"`
	}
	if err := b.conn.SelectContext(ctx, &adjustments, `
		SELECT adjustment_type, amount, reason FROM payment_adjustments WHERE order_id = ? ORDER BY created_at`, orderID); err != nil {
		return printrender.Document{}, fmt.Errorf("load adjustments for receipt: %w", err)
	}

	receipt := &printrender.OrderReceipt{
		OrderNumber: o.OrderNumber,
		OrderType:   o.OrderType,
		Status:      o.Status,
		Items:       toLineItems(o.Items),
		Totals: []printrender.TotalLine{
			{Label: "Tax", Amount: o.Tax},
			{Label: "Discount", Amount: -o.Discount},
			{Label: "Tip", Amount: o.Tip},
			{Label: "Delivery Fee", Amount: o.DeliveryFee},
			{Label: "Total", Amount: o.Total, Emphasize: true},
		},
		DriverName: o.DriverName.String,
		CreatedAt:  o.CreatedAt,
	}
	for _, p := range payments {
		receipt.Payments = append(receipt.Payments, printrender.PaymentLine{
			Method: p.Method, Amount: p.Amount, MaskedCardRef: p.TransactionRef.String,
		})
	}
	for _, a := range adjustments {
		receipt.Adjustments = append(receipt.Adjustments, printrender.AdjustmentLine{
			Type: a.Type, Amount: a.Amount, Reason: a.Reason.String,
		})
	}
	if o.DeliveryAddress.Valid {
		receipt.Delivery = &printrender.DeliveryBlock{DriverName: o.DriverName.String, Address: o.DeliveryAddress.String}
	}

	return printrender.Document{Kind: printrender.KindOrderReceipt, OrderReceipt: receipt}, nil
}

func (b *SQLDocumentBuilder) buildKitchenTicket(ctx context.Context, orderID string) (printrender.Document, error) {
	var o orderRow
	if err := b.conn.GetContext(ctx, &o, `
		SELECT id, order_number, items, total, tax, discount, tip, delivery_fee, status, order_type, driver_name, delivery_address, created_at
		FROM orders WHERE id = ?`, orderID); err != nil {
		return printrender.Document{}, fmt.Errorf("load order for kitchen ticket: %w", err)
	}
	ticket := &printrender.KitchenTicket{
		OrderNumber: o.OrderNumber,
		Items:       toLineItems(o.Items),
		CreatedAt:   o.CreatedAt,
	}
	return printrender.Document{Kind: printrender.KindKitchenTicket, KitchenTicket: ticket}, nil
}

type shiftRow struct {
	StaffName    sql.NullString `db:"staff_name"`
	BranchID     string         `db:"branch_id"`
	CheckInTime  string         `db:"check_in_time"`
	CheckOutTime sql.NullString `db:"check_out_time"`
	OpeningCash  float64        `db:"opening_cash"`
	ClosingCash  sql.NullFloat64 `db:"closing_cash"`
	ExpectedCash sql.NullFloat64 `db:"expected_cash"`
	CashVariance sql.NullFloat64 `db:"cash_variance"`
}

func (b *SQLDocumentBuilder) buildShiftCheckout(ctx context.Context, shiftID string) (printrender.Document, error) {
	var s shiftRow
	if err := b.conn.GetContext(ctx, &s, `
		SELECT staff_name, branch_id, check_in_time, check_out_time, opening_cash, closing_cash, expected_cash, cash_variance
		FROM staff_shifts WHERE id = ?`, shiftID); err != nil {
		return printrender.Document{}, fmt.Errorf("load shift for checkout: %w", err)
	}
	var d struct {
		TotalCashSales float64 `db:"total_cash_sales"`
		TotalCardSales float64 `db:"total_card_sales"`
		TotalExpenses  float64 `db:"total_expenses"`
		TotalRefunds   float64 `db:"total_refunds"`
	}
	if err := b.conn.GetContext(ctx, &d, `SELECT total_cash_sales, total_card_sales, total_expenses, total_refunds FROM cash_drawer_sessions WHERE staff_shift_id = ?`, shiftID); err != nil {
		return printrender.Document{}, fmt.Errorf("load drawer for checkout: %w", err)
	}

	checkout := &printrender.ShiftCheckout{
		StaffName: s.StaffName.String, BranchName: s.BranchID,
		OpenedAt: s.CheckInTime, ClosedAt: s.CheckOutTime.String,
		OpeningCash: s.OpeningCash, ClosingCash: s.ClosingCash.Float64,
		ExpectedCash: s.ExpectedCash.Float64, CashVariance: s.CashVariance.Float64,
		TotalCashSales: d.TotalCashSales, TotalCardSales: d.TotalCardSales,
		TotalExpenses: d.TotalExpenses, TotalRefunds: d.TotalRefunds,
	}
	return printrender.Document{Kind: printrender.KindShiftCheckout, ShiftCheckout: checkout}, nil
}

// buildZReport reconstructs the print document from the outbox/print
// job's own stored payload, since a z_report print job is enqueued with
// the full report already serialized (the underlying rows may already
// be gone by the time the job drains, after finalize_end_of_day).
func (b *SQLDocumentBuilder) buildZReport(job Job) (printrender.Document, error) {
	if !job.EntityPayloadJSON.Valid {
		return printrender.Document{}, fmt.Errorf("z_report print job %s missing stored payload", job.ID)
	}
	var payload struct {
		BranchName  string `json:"branchName"`
		ReportDate  string `json:"reportDate"`
		PeriodStart string `json:"periodStart"`
		PeriodEnd   string `json:"periodEnd"`
		Sections    []printrender.ZReportSection `json:"sections"`
	}
	if err := json.Unmarshal([]byte(job.EntityPayloadJSON.String), &payload); err != nil {
		return printrender.Document{}, fmt.Errorf("unmarshal z_report payload: %w", err)
	}
	report := &printrender.ZReport{
		BranchName: payload.BranchName, ReportDate: payload.ReportDate,
		PeriodStart: payload.PeriodStart, PeriodEnd: payload.PeriodEnd,
		Sections: payload.Sections,
	}
	return printrender.Document{Kind: printrender.KindZReport, ZReport: report}, nil
}

func (b *SQLDocumentBuilder) layoutFor(ctx context.Context, job Job) (printrender.LayoutConfig, error) {
	role := roleFor(job.EntityType)
	var profile PrinterProfile
	var err error
	if job.PrinterProfileID.Valid {
		err = b.conn.GetContext(ctx, &profile, `SELECT * FROM printer_profiles WHERE id = ?`, job.PrinterProfileID.String)
	}
	if err != nil || !job.PrinterProfileID.Valid {
		err = b.conn.GetContext(ctx, &profile, `SELECT * FROM printer_profiles WHERE role = ? ORDER BY is_default DESC LIMIT 1`, string(role))
	}
	if err != nil {
		return printrender.LayoutConfig{}, ErrNoHardwareProfile
	}

	orgName, _ := b.localSet.Get(ctx, settings.CategoryReceipt, settings.KeyOrganizationName)
	charSet, ok := b.localSet.Get(ctx, settings.CategoryReceipt, settings.KeyCharacterSet)
	footer, _ := b.localSet.Get(ctx, settings.CategoryReceipt, settings.KeyFooterText)
	if !ok || charSet == "" {
		charSet = "PC437"
	}

	return printrender.LayoutConfig{
		PaperWidthMM:     profile.PaperWidthMM,
		Template:         printrender.TemplateClassic,
		OrganizationName: orgName,
		CharacterSet:     charSet,
		FooterText:       footer,
		CutOnFinish:      profile.CutOnFinish != 0,
	}, nil
}

// NoopDispatcher logs the bytes it would have sent instead of talking
// to an OS printer driver, satisfying the Dispatcher interface for
// environments with no attached hardware (host-level dispatch is
// outside this core's scope, per spec.md §1).
type NoopDispatcher struct {
	Log zerolog.Logger
}

// Dispatch implements Dispatcher.
func (d NoopDispatcher) Dispatch(ctx context.Context, printerName string, data []byte) error {
	d.Log.Info().Str("printer", printerName).Int("bytes", len(data)).Msg("print job dispatched (no hardware backend configured)")
	return nil
}
