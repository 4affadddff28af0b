package printrender

import (
	"bytes"
	"fmt"
	"strings"
)

// ESC/POS control sequences used by RenderESCPOS.
var (
	escInit       = []byte{0x1B, 0x40}       // ESC @
	escBoldOn     = []byte{0x1B, 0x45, 0x01} // ESC E 1
	escBoldOff    = []byte{0x1B, 0x45, 0x00} // ESC E 0
	escDoubleOn   = []byte{0x1D, 0x21, 0x11} // GS ! 0x11 (double width+height)
	escDoubleOff  = []byte{0x1D, 0x21, 0x00}
	escAlignLeft  = []byte{0x1B, 0x61, 0x00}
	escAlignCtr   = []byte{0x1B, 0x61, 0x01}
	escFeed       = []byte{0x0A}
	escCut        = []byte{0x1D, 0x56, 0x00} // GS V 0 full cut
)

func escCodePage(selector byte) []byte {
	return []byte{0x1B, 0x74, selector} // ESC t n
}

// escQRBlock emits a QR-code print sequence for data using the common
// GS ( k store-then-print command family; the store command's prefix is
// the sequence spec.md §8 requires to appear in output: 1D 28 6B.
func escQRBlock(data string) []byte {
	var b bytes.Buffer
	payload := len(data) + 3
	pL := byte(payload % 256)
	pH := byte(payload / 256)

	// Model selection.
	b.Write([]byte{0x1D, 0x28, 0x6B, 0x04, 0x00, 0x31, 0x41, 0x32, 0x00})
	// Module size.
	b.Write([]byte{0x1D, 0x28, 0x6B, 0x03, 0x00, 0x31, 0x43, 0x06})
	// Error correction.
	b.Write([]byte{0x1D, 0x28, 0x6B, 0x03, 0x00, 0x31, 0x45, 0x31})
	// Store data.
	b.Write([]byte{0x1D, 0x28, 0x6B, pL, pH, 0x31, 0x50, 0x30})
	b.WriteString(data)
	// Print.
	b.Write([]byte{0x1D, 0x28, 0x6B, 0x03, 0x00, 0x31, 0x51, 0x30})
	return b.Bytes()
}

// RenderESCPOS renders doc into a raw ESC/POS byte stream, plus a list
// of non-fatal warnings (e.g. character_set_fallback, greek_bitmap_fallback).
func RenderESCPOS(doc Document, cfg LayoutConfig) ([]byte, []string) {
	var buf bytes.Buffer
	var warnings []string

	buf.Write(escInit)

	selector, ok := knownCharacterSets[cfg.CharacterSet]
	if !ok {
		selector = knownCharacterSets["PC437"]
		warnings = append(warnings, WarningCharacterSetFallback)
	}
	buf.Write(escCodePage(selector))

	if cfg.GreekRenderMode == GreekRenderBitmap {
		warnings = append(warnings, WarningGreekBitmapFallback)
	}

	if cfg.LogoRaster != nil {
		buf.Write(cfg.LogoRaster)
	}

	cols := cfg.Columns()
	wide := cfg.IsWide()

	switch doc.Kind {
	case KindOrderReceipt:
		renderOrderReceiptESCPOS(&buf, doc.OrderReceipt, cfg, cols, wide)
	case KindKitchenTicket:
		renderKitchenTicketESCPOS(&buf, doc.KitchenTicket, cfg, cols)
	case KindShiftCheckout:
		renderShiftCheckoutESCPOS(&buf, doc.ShiftCheckout, cfg, cols, wide)
	case KindZReport:
		renderZReportESCPOS(&buf, doc.ZReport, cfg, cols, wide)
	}

	if cfg.ShowQRCode && cfg.QRData != "" {
		buf.Write(escFeed)
		buf.Write(escAlignCtr)
		buf.Write(escQRBlock(cfg.QRData))
		buf.Write(escAlignLeft)
	}

	if cfg.FooterText != "" {
		buf.Write(escFeed)
		buf.WriteString(centered(cfg.FooterText, cols))
		buf.Write(escFeed)
	}

	buf.Write(bytes.Repeat(escFeed, 3))
	if cfg.CutOnFinish {
		buf.Write(escCut)
	}

	return buf.Bytes(), warnings
}

func renderOrderReceiptESCPOS(buf *bytes.Buffer, r *OrderReceipt, cfg LayoutConfig, cols int, wide bool) {
	buf.Write(escAlignCtr)
	writeSectionHeader(buf, cfg.OrganizationName, wide)
	buf.WriteString(fmt.Sprintf("Order #%s\n", r.OrderNumber))
	buf.Write(escAlignLeft)
	buf.WriteString(strings.Repeat("-", cols) + "\n")

	for _, item := range r.Items {
		buf.WriteString(fmt.Sprintf("%dx %s\n", item.Quantity, item.Name))
		for _, w := range item.Customizations.With {
			buf.WriteString("  + " + w + "\n")
		}
		for _, w := range item.Customizations.Without {
			buf.WriteString("  - " + w + "\n")
		}
		if item.Instructions != "" {
			buf.WriteString("  * " + item.Instructions + "\n")
		}
	}

	buf.WriteString(strings.Repeat("-", cols) + "\n")
	for _, t := range r.Totals {
		line := padLine(t.Label, formatMoney(t.Amount), cols)
		if t.Emphasize {
			buf.Write(escBoldOn)
			if wide {
				buf.Write(escDoubleOn)
			}
			buf.WriteString(line)
			if wide {
				buf.Write(escDoubleOff)
			}
			buf.Write(escBoldOff)
		} else {
			buf.WriteString(line)
		}
	}

	for _, p := range r.Payments {
		label := p.Method
		if p.MaskedCardRef != "" {
			label += " " + p.MaskedCardRef
		}
		buf.WriteString(padLine(label, formatMoney(p.Amount), cols))
	}
	for _, a := range r.Adjustments {
		buf.WriteString(padLine(a.Type+": "+a.Reason, formatMoney(a.Amount), cols))
	}

	if r.ShowDeliveryBlock() {
		buf.WriteString(strings.Repeat("-", cols) + "\n")
		buf.WriteString("Driver: " + r.DriverName + "\n")
		if r.Delivery != nil && r.Delivery.Address != "" {
			buf.WriteString("Address: " + r.Delivery.Address + "\n")
		}
	}
}

func renderKitchenTicketESCPOS(buf *bytes.Buffer, t *KitchenTicket, cfg LayoutConfig, cols int) {
	buf.Write(escAlignCtr)
	buf.Write(escBoldOn)
	buf.WriteString(fmt.Sprintf("KITCHEN #%s\n", t.OrderNumber))
	buf.Write(escBoldOff)
	buf.Write(escAlignLeft)
	buf.WriteString(strings.Repeat("-", cols) + "\n")
	for _, item := range t.Items {
		buf.WriteString(fmt.Sprintf("%dx %s\n", item.Quantity, item.Name))
		for _, w := range item.Customizations.With {
			buf.WriteString("  + " + w + "\n")
		}
		for _, w := range item.Customizations.Without {
			buf.WriteString("  - " + w + "\n")
		}
		if item.Instructions != "" {
			buf.WriteString("  * " + item.Instructions + "\n")
		}
	}
}

func renderShiftCheckoutESCPOS(buf *bytes.Buffer, s *ShiftCheckout, cfg LayoutConfig, cols int, wide bool) {
	buf.Write(escAlignCtr)
	writeSectionHeader(buf, "Shift Checkout", wide)
	buf.Write(escAlignLeft)
	buf.WriteString(s.StaffName + " — " + s.BranchName + "\n")
	buf.WriteString(strings.Repeat("-", cols) + "\n")
	buf.WriteString(padLine("Opening cash", formatMoney(s.OpeningCash), cols))
	buf.WriteString(padLine("Closing cash", formatMoney(s.ClosingCash), cols))
	buf.WriteString(padLine("Expected cash", formatMoney(s.ExpectedCash), cols))
	buf.WriteString(padLine("Variance", formatMoney(s.CashVariance), cols))
	buf.WriteString(padLine("Cash sales", formatMoney(s.TotalCashSales), cols))
	buf.WriteString(padLine("Card sales", formatMoney(s.TotalCardSales), cols))
	buf.WriteString(padLine("Expenses", formatMoney(s.TotalExpenses), cols))
	buf.WriteString(padLine("Refunds", formatMoney(s.TotalRefunds), cols))
}

func renderZReportESCPOS(buf *bytes.Buffer, z *ZReport, cfg LayoutConfig, cols int, wide bool) {
	buf.Write(escAlignCtr)
	writeSectionHeader(buf, "Z-Report — "+z.BranchName, wide)
	buf.WriteString(z.ReportDate + "\n")
	buf.Write(escAlignLeft)
	buf.WriteString(strings.Repeat("-", cols) + "\n")
	for _, s := range z.Sections {
		buf.WriteString(padLine(s.Label, s.Value, cols))
	}
}

func writeSectionHeader(buf *bytes.Buffer, text string, wide bool) {
	if wide {
		buf.Write(escBoldOn)
	}
	buf.WriteString(text + "\n")
	if wide {
		buf.Write(escBoldOff)
	}
}

func padLine(label, value string, cols int) string {
	pad := cols - len(label) - len(value)
	if pad < 1 {
		pad = 1
	}
	return label + strings.Repeat(" ", pad) + value + "\n"
}

func centered(text string, cols int) string {
	if len(text) >= cols {
		return text + "\n"
	}
	left := (cols - len(text)) / 2
	return strings.Repeat(" ", left) + text + "\n"
}

func formatMoney(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
