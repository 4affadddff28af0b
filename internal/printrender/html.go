package printrender

import (
	"fmt"
	"html"
	"strings"
)

// RenderHTML renders doc into a standalone HTML artifact suitable for
// archival under the receipts/ directory, and returns the same warning
// list RenderESCPOS would (the fallback rules are cosmetic-only in HTML
// but are still reported so the caller can attach them to the print
// job consistently across renderers).
func RenderHTML(doc Document, cfg LayoutConfig) (string, []string) {
	var warnings []string
	if _, ok := knownCharacterSets[cfg.CharacterSet]; !ok {
		warnings = append(warnings, WarningCharacterSetFallback)
	}
	if cfg.GreekRenderMode == GreekRenderBitmap {
		warnings = append(warnings, WarningGreekBitmapFallback)
	}

	var b strings.Builder
	b.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><style>")
	b.WriteString(htmlStyle(cfg))
	b.WriteString("</style></head><body><div class=\"receipt\">")

	switch doc.Kind {
	case KindOrderReceipt:
		writeOrderReceiptHTML(&b, doc.OrderReceipt, cfg)
	case KindKitchenTicket:
		writeKitchenTicketHTML(&b, doc.KitchenTicket)
	case KindShiftCheckout:
		writeShiftCheckoutHTML(&b, doc.ShiftCheckout)
	case KindZReport:
		writeZReportHTML(&b, doc.ZReport)
	}

	if cfg.ShowQRCode && cfg.QRData != "" {
		b.WriteString(fmt.Sprintf(`<div class="qr" data-qr="%s">[QR CODE]</div>`, html.EscapeString(cfg.QRData)))
	}
	if cfg.FooterText != "" {
		b.WriteString(fmt.Sprintf(`<div class="footer">%s</div>`, html.EscapeString(cfg.FooterText)))
	}

	b.WriteString("</div></body></html>")
	return b.String(), warnings
}

func htmlStyle(cfg LayoutConfig) string {
	width := "280px"
	switch {
	case cfg.PaperWidthMM == 58:
		width = "200px"
	case cfg.PaperWidthMM == 112:
		width = "360px"
	}
	return fmt.Sprintf(`.receipt{width:%s;font-family:monospace;font-size:12px}
.total{font-weight:bold}.section{font-weight:%s}`, width, boldFor(cfg.Template))
}

func boldFor(t Template) string {
	if t == TemplateModern {
		return "bold"
	}
	return "normal"
}

func writeOrderReceiptHTML(b *strings.Builder, r *OrderReceipt, cfg LayoutConfig) {
	fmt.Fprintf(b, `<div class="section">%s</div>`, html.EscapeString(cfg.OrganizationName))
	fmt.Fprintf(b, `<div>Order #%s</div><hr/>`, html.EscapeString(r.OrderNumber))
	b.WriteString("<ul>")
	for _, item := range r.Items {
		fmt.Fprintf(b, `<li>%dx %s`, item.Quantity, html.EscapeString(item.Name))
		if len(item.Customizations.With) > 0 || len(item.Customizations.Without) > 0 {
			b.WriteString("<ul>")
			for _, w := range item.Customizations.With {
				fmt.Fprintf(b, `<li>+ %s</li>`, html.EscapeString(w))
			}
			for _, w := range item.Customizations.Without {
				fmt.Fprintf(b, `<li>- %s</li>`, html.EscapeString(w))
			}
			b.WriteString("</ul>")
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul><hr/>")
	for _, t := range r.Totals {
		cls := ""
		if t.Emphasize {
			cls = ` class="total"`
		}
		fmt.Fprintf(b, `<div%s>%s: %s</div>`, cls, html.EscapeString(t.Label), formatMoney(t.Amount))
	}
	for _, p := range r.Payments {
		fmt.Fprintf(b, `<div>%s: %s</div>`, html.EscapeString(p.Method), formatMoney(p.Amount))
	}
	for _, a := range r.Adjustments {
		fmt.Fprintf(b, `<div>%s (%s): %s</div>`, html.EscapeString(a.Type), html.EscapeString(a.Reason), formatMoney(a.Amount))
	}
	if r.ShowDeliveryBlock() {
		b.WriteString("<hr/>")
		fmt.Fprintf(b, `<div>Driver: %s</div>`, html.EscapeString(r.DriverName))
		if r.Delivery != nil && r.Delivery.Address != "" {
			fmt.Fprintf(b, `<div>Address: %s</div>`, html.EscapeString(r.Delivery.Address))
		}
	}
}

func writeKitchenTicketHTML(b *strings.Builder, t *KitchenTicket) {
	fmt.Fprintf(b, `<div class="section">KITCHEN #%s</div><hr/><ul>`, html.EscapeString(t.OrderNumber))
	for _, item := range t.Items {
		fmt.Fprintf(b, `<li>%dx %s`, item.Quantity, html.EscapeString(item.Name))
		if item.Instructions != "" {
			fmt.Fprintf(b, ` — %s`, html.EscapeString(item.Instructions))
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul>")
}

func writeShiftCheckoutHTML(b *strings.Builder, s *ShiftCheckout) {
	fmt.Fprintf(b, `<div class="section">Shift Checkout</div><div>%s — %s</div><hr/>`,
		html.EscapeString(s.StaffName), html.EscapeString(s.BranchName))
	rows := []struct {
		label string
		value float64
	}{
		{"Opening cash", s.OpeningCash}, {"Closing cash", s.ClosingCash},
		{"Expected cash", s.ExpectedCash}, {"Variance", s.CashVariance},
		{"Cash sales", s.TotalCashSales}, {"Card sales", s.TotalCardSales},
		{"Expenses", s.TotalExpenses}, {"Refunds", s.TotalRefunds},
	}
	for _, row := range rows {
		fmt.Fprintf(b, `<div>%s: %s</div>`, row.label, formatMoney(row.value))
	}
}

func writeZReportHTML(b *strings.Builder, z *ZReport) {
	fmt.Fprintf(b, `<div class="section">Z-Report — %s</div><div>%s</div><hr/>`,
		html.EscapeString(z.BranchName), html.EscapeString(z.ReportDate))
	for _, s := range z.Sections {
		fmt.Fprintf(b, `<div>%s: %s</div>`, html.EscapeString(s.Label), html.EscapeString(s.Value))
	}
}
