// Package orders implements the Order Service (spec.md §4.G): create and
// query orders, enforcing menu validation, idempotency, and the
// sequential per-business-day order number.
package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/apperr"
	"github.com/EpsylonBita/smallpos/internal/events"
	"github.com/EpsylonBita/smallpos/internal/menucache"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/printspool"
	"github.com/EpsylonBita/smallpos/internal/settings"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

// LineItem is one entry in an order's items blob.
type LineItem struct {
	MenuItemID      string                 `json:"menu_item_id"`
	Name            string                 `json:"name"`
	Quantity        float64                `json:"quantity"`
	UnitPrice       float64                `json:"unit_price"`
	TotalPrice      float64                `json:"total_price"`
	Customizations  map[string]interface{} `json:"customizations,omitempty"`
	Notes           string                 `json:"notes,omitempty"`
}

// CreatePayload is the caller-supplied order creation request.
type CreatePayload struct {
	CustomerName    string     `json:"customer_name,omitempty"`
	CustomerPhone   string     `json:"customer_phone,omitempty"`
	CustomerEmail   string     `json:"customer_email,omitempty"`
	Items           []LineItem `json:"items"`
	Subtotal        *float64   `json:"subtotal,omitempty"`
	Tax             float64    `json:"tax,omitempty"`
	Discount        float64    `json:"discount,omitempty"`
	Tip             float64    `json:"tip,omitempty"`
	DeliveryFee     float64    `json:"delivery_fee,omitempty"`
	Total           *float64   `json:"total,omitempty"`
	OrderType       string     `json:"order_type,omitempty"`
	DriverName      string     `json:"driver_name,omitempty"`
	DeliveryAddress string     `json:"delivery_address,omitempty"`
	ClientRequestID string     `json:"client_request_id,omitempty"`
	StaffID         string     `json:"staff_id,omitempty"`
	StaffShiftID    string     `json:"staff_shift_id,omitempty"`
	TerminalID      string     `json:"terminal_id,omitempty"`
	BranchID        string     `json:"branch_id,omitempty"`
	IsGhost         bool       `json:"is_ghost,omitempty"`
}

// Order is the camelCase projection returned to callers.
type Order struct {
	ID              string     `json:"id"`
	OrderNumber     string     `json:"orderNumber"`
	CustomerName    string     `json:"customerName,omitempty"`
	CustomerPhone   string     `json:"customerPhone,omitempty"`
	CustomerEmail   string     `json:"customerEmail,omitempty"`
	Items           []LineItem `json:"items"`
	Subtotal        float64    `json:"subtotal"`
	Tax             float64    `json:"tax"`
	Discount        float64    `json:"discount"`
	Tip             float64    `json:"tip"`
	DeliveryFee     float64    `json:"deliveryFee"`
	Total           float64    `json:"total"`
	Status          string     `json:"status"`
	PaymentStatus   string     `json:"paymentStatus"`
	OrderType       string     `json:"orderType"`
	DriverName      string     `json:"driverName,omitempty"`
	DeliveryAddress string     `json:"deliveryAddress,omitempty"`
	SyncStatus      string     `json:"syncStatus"`
	SupabaseID      string     `json:"supabaseId,omitempty"`
	ClientRequestID string     `json:"clientRequestId,omitempty"`
	IsGhost         bool       `json:"isGhost"`
	StaffID         string     `json:"staffId,omitempty"`
	StaffShiftID    string     `json:"staffShiftId,omitempty"`
	TerminalID      string     `json:"terminalId,omitempty"`
	BranchID        string     `json:"branchId,omitempty"`
	Version         int        `json:"version"`
	CreatedAt       string     `json:"createdAt"`
	UpdatedAt       string     `json:"updatedAt"`
}

// row mirrors the orders table for sqlx scanning.
type row struct {
	ID              string         `db:"id"`
	OrderNumber     string         `db:"order_number"`
	CustomerName    sql.NullString `db:"customer_name"`
	CustomerPhone   sql.NullString `db:"customer_phone"`
	CustomerEmail   sql.NullString `db:"customer_email"`
	Items           string         `db:"items"`
	Subtotal        float64        `db:"subtotal"`
	Tax             float64        `db:"tax"`
	Discount        float64        `db:"discount"`
	Tip             float64        `db:"tip"`
	DeliveryFee     float64        `db:"delivery_fee"`
	Total           float64        `db:"total"`
	Status          string         `db:"status"`
	PaymentStatus   string         `db:"payment_status"`
	OrderType       string         `db:"order_type"`
	DriverName      sql.NullString `db:"driver_name"`
	DeliveryAddress sql.NullString `db:"delivery_address"`
	SyncStatus      string         `db:"sync_status"`
	SupabaseID      sql.NullString `db:"supabase_id"`
	ClientRequestID sql.NullString `db:"client_request_id"`
	IsGhost         int            `db:"is_ghost"`
	StaffID         sql.NullString `db:"staff_id"`
	StaffShiftID    sql.NullString `db:"staff_shift_id"`
	TerminalID      sql.NullString `db:"terminal_id"`
	BranchID        sql.NullString `db:"branch_id"`
	Version         int            `db:"version"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
}

func (r row) toOrder() (Order, error) {
	var items []LineItem
	if r.Items != "" {
		if err := json.Unmarshal([]byte(r.Items), &items); err != nil {
			return Order{}, fmt.Errorf("parse items blob: %w", err)
		}
	}
	return Order{
		ID:              r.ID,
		OrderNumber:     r.OrderNumber,
		CustomerName:    r.CustomerName.String,
		CustomerPhone:   r.CustomerPhone.String,
		CustomerEmail:   r.CustomerEmail.String,
		Items:           items,
		Subtotal:        r.Subtotal,
		Tax:             r.Tax,
		Discount:        r.Discount,
		Tip:             r.Tip,
		DeliveryFee:     r.DeliveryFee,
		Total:           r.Total,
		Status:          r.Status,
		PaymentStatus:   r.PaymentStatus,
		OrderType:       r.OrderType,
		DriverName:      r.DriverName.String,
		DeliveryAddress: r.DeliveryAddress.String,
		SyncStatus:      r.SyncStatus,
		SupabaseID:      r.SupabaseID.String,
		ClientRequestID: r.ClientRequestID.String,
		IsGhost:         r.IsGhost != 0,
		StaffID:         r.StaffID.String,
		StaffShiftID:    r.StaffShiftID.String,
		TerminalID:      r.TerminalID.String,
		BranchID:        r.BranchID.String,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

// CreateResult is returned by CreateOrder.
type CreateResult struct {
	OrderID       string
	Order         Order
	Deduplicated  bool
}

// Service implements create_order / get_order_by_id / get_all_orders /
// validate_pending_orders / remove_invalid_orders.
type Service struct {
	db         *storage.DB
	outboxQ    *outbox.Queue
	localSet   *settings.LocalSettings
	menu       menucache.Cache
	spooler    *printspool.Spooler
	bus        *events.Bus
	terminalID string
	log        zerolog.Logger
}

// New constructs the order service.
func New(db *storage.DB, outboxQ *outbox.Queue, localSet *settings.LocalSettings, menu menucache.Cache, spooler *printspool.Spooler, bus *events.Bus, terminalID string, log zerolog.Logger) *Service {
	return &Service{
		db:         db,
		outboxQ:    outboxQ,
		localSet:   localSet,
		menu:       menu,
		spooler:    spooler,
		bus:        bus,
		terminalID: terminalID,
		log:        log.With().Str("component", "order_service").Logger(),
	}
}

// CreateOrder implements spec.md §4.G's seven-step create_order.
func (s *Service) CreateOrder(ctx context.Context, payload CreatePayload) (CreateResult, error) {
	if !s.menu.IsEmpty() {
		for _, item := range payload.Items {
			if item.MenuItemID == "" {
				continue
			}
			if !s.menu.Contains(item.MenuItemID) {
				return CreateResult{}, apperr.Validation(fmt.Sprintf("invalid menu items: unknown menu_item_id %q", item.MenuItemID))
			}
		}
	}

	borrow := s.db.Borrow()
	defer borrow.Release()
	conn := borrow.Conn()

	if payload.ClientRequestID != "" {
		var existingID string
		err := conn.GetContext(ctx, &existingID, `SELECT id FROM orders WHERE client_request_id = ?`, payload.ClientRequestID)
		if err == nil {
			existing, loadErr := s.loadOrder(ctx, conn, existingID)
			if loadErr != nil {
				return CreateResult{}, loadErr
			}
			return CreateResult{OrderID: existingID, Order: existing, Deduplicated: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return CreateResult{}, fmt.Errorf("client_request_id lookup: %w", err)
		}
	}

	orderID := uuid.NewString()
	now := time.Now().UTC()

	var orderNumber string
	var createdOrder Order
	var outboxID int64

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		orderNumber, err = nextOrderNumber(ctx, s.localSet, tx, now)
		if err != nil {
			return fmt.Errorf("compute order number: %w", err)
		}

		itemsJSON, err := json.Marshal(payload.Items)
		if err != nil {
			return fmt.Errorf("marshal items: %w", err)
		}

		subtotal := itemsSubtotal(payload.Items)
		if payload.Subtotal != nil {
			subtotal = *payload.Subtotal
		}
		total := subtotal + payload.Tax + payload.DeliveryFee - payload.Discount
		if payload.Total != nil {
			total = *payload.Total
		}
		orderType := payload.OrderType
		if orderType == "" {
			orderType = "dine-in"
		}
		isGhost := 0
		if payload.IsGhost {
			isGhost = 1
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, order_number, customer_name, customer_phone, customer_email, items,
				subtotal, tax, discount, tip, delivery_fee, total,
				status, payment_status, order_type, driver_name, delivery_address,
				sync_status, client_request_id, is_ghost, staff_id, staff_shift_id,
				terminal_id, branch_id, version
			) VALUES (
				?, ?, ?, ?, ?, ?,
				?, ?, ?, ?, ?, ?,
				'pending', 'unpaid', ?, ?, ?,
				'pending', ?, ?, ?, ?,
				?, ?, 1
			)`,
			orderID, orderNumber, nullIfEmpty(payload.CustomerName), nullIfEmpty(payload.CustomerPhone), nullIfEmpty(payload.CustomerEmail), string(itemsJSON),
			subtotal, payload.Tax, payload.Discount, payload.Tip, payload.DeliveryFee, total,
			orderType, nullIfEmpty(payload.DriverName), nullIfEmpty(payload.DeliveryAddress),
			nullIfEmpty(payload.ClientRequestID), isGhost, nullIfEmpty(payload.StaffID), nullIfEmpty(payload.StaffShiftID),
			nullIfEmpty(payload.TerminalID), nullIfEmpty(payload.BranchID),
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		snapshot := buildOutboxSnapshot(orderID, orderNumber, payload, subtotal, total, orderType, now)
		snapshotJSON, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("marshal outbox snapshot: %w", err)
		}
		idempotencyKey := fmt.Sprintf("%s:%s:%d", s.terminalID, orderID, now.UnixMilli())
		outboxID, err = s.outboxQ.EnqueueTx(ctx, tx, "order", orderID, outbox.OpInsert, string(snapshotJSON), idempotencyKey)
		if err != nil {
			return fmt.Errorf("enqueue outbox: %w", err)
		}

		var r row
		if err := tx.GetContext(ctx, &r, `SELECT * FROM orders WHERE id = ?`, orderID); err != nil {
			return fmt.Errorf("reload inserted order: %w", err)
		}
		createdOrder, err = r.toOrder()
		return err
	})
	if err != nil {
		return CreateResult{}, err
	}
	_ = outboxID

	borrow.Release()

	if s.spooler != nil {
		if _, _, err := s.spooler.EnqueuePrintJob(ctx, "order_receipt", orderID, nil, ""); err != nil {
			s.log.Warn().Err(err).Str("order_id", orderID).Msg("enqueue order receipt print job failed")
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.TopicOrderCreated, createdOrder, now)
	}

	return CreateResult{OrderID: orderID, Order: createdOrder, Deduplicated: false}, nil
}

// GetOrderByID returns the camelCase projection of a single order.
func (s *Service) GetOrderByID(ctx context.Context, id string) (Order, error) {
	return s.loadOrder(ctx, s.db.Conn(), id)
}

func (s *Service) loadOrder(ctx context.Context, conn *sqlx.DB, id string) (Order, error) {
	var r row
	err := conn.GetContext(ctx, &r, `SELECT * FROM orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, apperr.Validation("order not found: " + id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("load order: %w", err)
	}
	return r.toOrder()
}

// GetAllOrders returns every order, newest first.
func (s *Service) GetAllOrders(ctx context.Context) ([]Order, error) {
	var rows []row
	if err := s.db.Conn().SelectContext(ctx, &rows, `SELECT * FROM orders ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	out := make([]Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// ValidatePendingOrders collects pending-sync order queue entries under
// the lock, releases it, then validates each order's items against the
// menu cache; returns the ids of orders referencing menu items no longer
// valid.
func (s *Service) ValidatePendingOrders(ctx context.Context) ([]string, error) {
	if s.menu.IsEmpty() {
		return nil, nil
	}

	borrow := s.db.Borrow()
	var rows []row
	err := borrow.Conn().SelectContext(ctx, &rows, `SELECT * FROM orders WHERE sync_status = 'pending'`)
	borrow.Release()
	if err != nil {
		return nil, fmt.Errorf("select pending orders: %w", err)
	}

	var invalid []string
	for _, r := range rows {
		o, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		for _, item := range o.Items {
			if item.MenuItemID != "" && !s.menu.Contains(item.MenuItemID) {
				invalid = append(invalid, o.ID)
				break
			}
		}
	}
	return invalid, nil
}

// RemoveInvalidOrders deletes the named order rows' outbox entries,
// administrative cleanup for orders ValidatePendingOrders flagged.
func (s *Service) RemoveInvalidOrders(ctx context.Context, ids []string) error {
	return s.outboxQ.DeleteByEntityIDs(ctx, "order", ids)
}

func itemsSubtotal(items []LineItem) float64 {
	var total float64
	for _, item := range items {
		if item.TotalPrice != 0 {
			total += item.TotalPrice
			continue
		}
		total += item.UnitPrice * item.Quantity
	}
	return total
}

// nextOrderNumber computes ORD-DDMMYYYY-NNNNN using a per-business-day
// counter stored in local_settings, composed into the same transaction
// as the order insert.
func nextOrderNumber(ctx context.Context, localSet *settings.LocalSettings, tx *sqlx.Tx, now time.Time) (string, error) {
	dayKey := now.Format("02012006")
	counterKey := settings.KeyOrderCounter + ":" + dayKey

	current := 0
	if raw, ok := localSet.GetTx(ctx, tx, settings.CategoryOrders, counterKey); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			current = n
		}
	}
	next := current + 1
	if err := localSet.SetTx(ctx, tx, settings.CategoryOrders, counterKey, strconv.Itoa(next)); err != nil {
		return "", err
	}
	return fmt.Sprintf("ORD-%s-%05d", dayKey, next), nil
}

func buildOutboxSnapshot(orderID, orderNumber string, p CreatePayload, subtotal, total float64, orderType string, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":              orderID,
		"orderId":         orderID,
		"order_number":    orderNumber,
		"orderNumber":     orderNumber,
		"customer_name":   p.CustomerName,
		"customerName":    p.CustomerName,
		"items":           p.Items,
		"subtotal":        subtotal,
		"tax":             p.Tax,
		"discount":        p.Discount,
		"tip":             p.Tip,
		"delivery_fee":    p.DeliveryFee,
		"deliveryFee":     p.DeliveryFee,
		"total":           total,
		"order_type":      orderType,
		"orderType":       orderType,
		"client_request_id": p.ClientRequestID,
		"clientRequestId":   p.ClientRequestID,
		"created_at":      now.Format(time.RFC3339),
		"createdAt":       now.Format(time.RFC3339),
	}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
