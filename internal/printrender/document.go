package printrender

// DocumentKind distinguishes the four document variants spec.md §4.E
// names.
type DocumentKind string

const (
	KindOrderReceipt  DocumentKind = "order_receipt"
	KindKitchenTicket DocumentKind = "kitchen_ticket"
	KindShiftCheckout DocumentKind = "shift_checkout"
	KindZReport       DocumentKind = "z_report"
)

// LineItemCustomization splits a line item's customizations into
// additions and removals. Rendered ordering always places additions
// ("+ Ingredients") before removals ("- Without"), per spec.md §4.E.
type LineItemCustomization struct {
	With    []string
	Without []string
}

// LineItem is one order line, used by both OrderReceipt and
// KitchenTicket.
type LineItem struct {
	Name           string
	Quantity       int
	UnitPrice      float64
	Total          float64
	Customizations LineItemCustomization
	Instructions   string
}

// TotalLine is one line in the totals block; Emphasize marks the grand
// total for bold/double-height rendering on wide paper.
type TotalLine struct {
	Label     string
	Amount    float64
	Emphasize bool
}

// PaymentLine describes one payment applied to the order.
type PaymentLine struct {
	Method        string
	Amount        float64
	MaskedCardRef string
}

// AdjustmentLine describes one payment adjustment (void or refund).
type AdjustmentLine struct {
	Type   string
	Amount float64
	Reason string
}

// DeliveryBlock is only rendered when OrderReceipt.ShowDeliveryBlock
// reports true.
type DeliveryBlock struct {
	DriverName string
	Address    string
}

// OrderReceipt is the structured input for a customer-facing or
// kitchen-facing order document.
type OrderReceipt struct {
	OrderNumber string
	OrderType   string // dine-in, takeout, delivery
	Status      string
	Items       []LineItem
	Totals      []TotalLine
	Payments    []PaymentLine
	Adjustments []AdjustmentLine
	Delivery    *DeliveryBlock
	DriverName  string
	CreatedAt   string
}

// ShowDeliveryBlock applies the guard from spec.md §4.E: only emitted
// when order_type = delivery, status is completed or delivered, and a
// non-empty driver name is present.
func (r OrderReceipt) ShowDeliveryBlock() bool {
	if r.OrderType != "delivery" {
		return false
	}
	if r.Status != "completed" && r.Status != "delivered" {
		return false
	}
	return r.DriverName != ""
}

// KitchenTicket carries only items and instructions, no totals or
// payments.
type KitchenTicket struct {
	OrderNumber string
	Items       []LineItem
	CreatedAt   string
}

// ShiftCheckout is the shift-close receipt: identity plus cash-drawer
// numbers.
type ShiftCheckout struct {
	StaffName      string
	BranchName     string
	OpenedAt       string
	ClosedAt       string
	OpeningCash    float64
	ClosingCash    float64
	ExpectedCash   float64
	CashVariance   float64
	TotalCashSales float64
	TotalCardSales float64
	TotalExpenses  float64
	TotalRefunds   float64
}

// ZReportSection is one labeled aggregate line in the Z-report body.
type ZReportSection struct {
	Label string
	Value string
}

// ZReport is the end-of-day aggregate document.
type ZReport struct {
	BranchName  string
	ReportDate  string
	PeriodStart string
	PeriodEnd   string
	Sections    []ZReportSection
}

// Document is a tagged union over the four variants; exactly one of the
// typed fields is set, matching Kind.
type Document struct {
	Kind          DocumentKind
	OrderReceipt  *OrderReceipt
	KitchenTicket *KitchenTicket
	ShiftCheckout *ShiftCheckout
	ZReport       *ZReport
}
