// Package payments implements the Payment + Adjustment Engine (spec.md
// §4.H): a two-entity state machine (payment, adjustment) sharing the
// same status alphabet, with waiting-parent deferral, inline fast-path
// promotion, and periodic reconciliation.
package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/adminclient"
	"github.com/EpsylonBita/smallpos/internal/apperr"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

// SyncState is the shared alphabet for payments and adjustments.
type SyncState string

const (
	StatePending       SyncState = "pending"
	StateWaitingParent SyncState = "waiting_parent"
	StateSyncing       SyncState = "syncing"
	StateApplied       SyncState = "applied"
	StateFailed        SyncState = "failed"
)

// Method, Status enums for OrderPayment.
const (
	MethodCash  = "cash"
	MethodCard  = "card"
	MethodOther = "other"

	PaymentStatusCompleted = "completed"
	PaymentStatusVoided    = "voided"
	PaymentStatusRefunded  = "refunded"
)

const (
	AdjustmentVoid   = "void"
	AdjustmentRefund = "refund"
)

// CreatePaymentPayload is the caller-supplied payment request.
type CreatePaymentPayload struct {
	OrderID       string
	Method        string
	Amount        float64
	Currency      string
	CashReceived  *float64
	ChangeGiven   *float64
	TransactionRef string
	StaffID       string
	StaffShiftID  string
}

// CreateAdjustmentPayload is the caller-supplied adjustment request.
type CreateAdjustmentPayload struct {
	PaymentID      string
	AdjustmentType string
	Amount         float64
	Reason         string
	StaffID        string
}

type paymentRow struct {
	ID             string         `db:"id"`
	OrderID        string         `db:"order_id"`
	Method         string         `db:"method"`
	Amount         float64        `db:"amount"`
	Currency       string         `db:"currency"`
	Status         string         `db:"status"`
	CashReceived   sql.NullFloat64 `db:"cash_received"`
	ChangeGiven    sql.NullFloat64 `db:"change_given"`
	TransactionRef sql.NullString `db:"transaction_ref"`
	SyncState      string         `db:"sync_state"`
	RetryCount     int            `db:"retry_count"`
	NextRetryAt    sql.NullTime   `db:"next_retry_at"`
	StaffID        sql.NullString `db:"staff_id"`
	StaffShiftID   sql.NullString `db:"staff_shift_id"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

type adjustmentRow struct {
	ID             string  `db:"id"`
	PaymentID      string  `db:"payment_id"`
	OrderID        string  `db:"order_id"`
	AdjustmentType string  `db:"adjustment_type"`
	Amount         float64 `db:"amount"`
	Reason         sql.NullString `db:"reason"`
	StaffID        sql.NullString `db:"staff_id"`
	SyncState      string  `db:"sync_state"`
	CreatedAt      string  `db:"created_at"`
}

// Engine implements the payment and adjustment state machines.
type Engine struct {
	db      *storage.DB
	outboxQ *outbox.Queue
	admin   *adminclient.Client
	log     zerolog.Logger
}

// New constructs the engine.
func New(db *storage.DB, outboxQ *outbox.Queue, admin *adminclient.Client, log zerolog.Logger) *Engine {
	return &Engine{db: db, outboxQ: outboxQ, admin: admin, log: log.With().Str("component", "payments").Logger()}
}

// CreatePayment inserts a payment row. Its initial sync_state is
// `pending` when the parent order already has a remote id, or
// `waiting_parent` otherwise (spec.md §4.H).
func (e *Engine) CreatePayment(ctx context.Context, p CreatePaymentPayload) (string, error) {
	if p.Currency == "" {
		p.Currency = "EUR"
	}
	id := uuid.NewString()

	borrow := e.db.Borrow()
	defer borrow.Release()

	var supabaseID sql.NullString
	if err := borrow.Conn().GetContext(ctx, &supabaseID, `SELECT supabase_id FROM orders WHERE id = ?`, p.OrderID); err != nil {
		return "", apperr.Validation("parent order not found: " + p.OrderID)
	}
	initialState := StateWaitingParent
	if supabaseID.Valid && supabaseID.String != "" {
		initialState = StatePending
	}

	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_payments (
				id, order_id, method, amount, currency, status, cash_received, change_given,
				transaction_ref, sync_state, staff_id, staff_shift_id
			) VALUES (?, ?, ?, ?, ?, 'completed', ?, ?, ?, ?, ?, ?)`,
			id, p.OrderID, p.Method, p.Amount, p.Currency, nullableFloat(p.CashReceived), nullableFloat(p.ChangeGiven),
			nullableString(p.TransactionRef), string(initialState), nullableString(p.StaffID), nullableString(p.StaffShiftID))
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		if initialState == StatePending {
			snapshot, _ := json.Marshal(map[string]interface{}{"id": id, "orderId": p.OrderID, "amount": p.Amount, "method": p.Method})
			idempotencyKey := fmt.Sprintf("payment:%s", id)
			if _, err := e.outboxQ.EnqueueTx(ctx, tx, "payment", id, outbox.OpInsert, string(snapshot), idempotencyKey); err != nil {
				return fmt.Errorf("enqueue payment outbox: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateAdjustment inserts a void/refund row against an existing
// payment. Its initial sync_state is `pending` when the parent payment
// is already `applied`, or `waiting_parent` otherwise.
func (e *Engine) CreateAdjustment(ctx context.Context, p CreateAdjustmentPayload) (string, error) {
	id := uuid.NewString()

	borrow := e.db.Borrow()
	defer borrow.Release()

	var parent paymentRow
	if err := borrow.Conn().GetContext(ctx, &parent, `SELECT * FROM order_payments WHERE id = ?`, p.PaymentID); err != nil {
		return "", apperr.Validation("parent payment not found: " + p.PaymentID)
	}

	var sumAdjustments float64
	_ = borrow.Conn().GetContext(ctx, &sumAdjustments, `SELECT COALESCE(SUM(amount),0) FROM payment_adjustments WHERE payment_id = ?`, p.PaymentID)
	if sumAdjustments+p.Amount > parent.Amount+0.005 {
		return "", apperr.Validation("adjustment total exceeds parent payment amount")
	}

	initialState := StateWaitingParent
	if parent.SyncState == string(StateApplied) {
		initialState = StatePending
	}

	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payment_adjustments (id, payment_id, order_id, adjustment_type, amount, reason, staff_id, sync_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.PaymentID, parent.OrderID, p.AdjustmentType, p.Amount, nullableString(p.Reason), nullableString(p.StaffID), string(initialState))
		if err != nil {
			return fmt.Errorf("insert adjustment: %w", err)
		}

		if initialState == StatePending {
			snapshot, _ := json.Marshal(map[string]interface{}{"id": id, "paymentId": p.PaymentID, "amount": p.Amount, "type": p.AdjustmentType})
			idempotencyKey := fmt.Sprintf("adjustment:%s", id)
			if _, err := e.outboxQ.EnqueueTx(ctx, tx, "adjustment", id, outbox.OpInsert, string(snapshot), idempotencyKey); err != nil {
				return fmt.Errorf("enqueue adjustment outbox: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// PromoteWaitingPaymentsForOrder is the inline fast path: once an order
// sync succeeds, immediately promote its waiting_parent payments to
// pending without waiting for the periodic sweep.
func (e *Engine) PromoteWaitingPaymentsForOrder(ctx context.Context, orderID string) (int, error) {
	var ids []string
	borrow := e.db.Borrow()
	err := borrow.Conn().SelectContext(ctx, &ids, `
		SELECT id FROM order_payments WHERE order_id = ? AND sync_state = ?`, orderID, StateWaitingParent)
	borrow.Release()
	if err != nil {
		return 0, fmt.Errorf("select waiting payments: %w", err)
	}
	return e.promotePaymentsByID(ctx, ids)
}

// ReconcileDeferredPayments is the periodic sweep: promotes
// waiting_parent -> pending for every payment whose parent order now
// carries a non-empty supabase_id.
func (e *Engine) ReconcileDeferredPayments(ctx context.Context) (int, error) {
	var ids []string
	borrow := e.db.Borrow()
	err := borrow.Conn().SelectContext(ctx, &ids, `
		SELECT p.id FROM order_payments p
		JOIN orders o ON o.id = p.order_id
		WHERE p.sync_state = ? AND o.supabase_id IS NOT NULL AND o.supabase_id != ''`, StateWaitingParent)
	borrow.Release()
	if err != nil {
		return 0, fmt.Errorf("select reconcilable payments: %w", err)
	}
	return e.promotePaymentsByID(ctx, ids)
}

func (e *Engine) promotePaymentsByID(ctx context.Context, ids []string) (int, error) {
	count := 0
	for _, id := range ids {
		if err := e.promoteOnePayment(ctx, id); err != nil {
			e.log.Error().Err(err).Str("payment_id", id).Msg("promote payment failed")
			continue
		}
		count++
	}
	return count, nil
}

func (e *Engine) promoteOnePayment(ctx context.Context, id string) error {
	return e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE order_payments SET sync_state = ? WHERE id = ? AND sync_state = ?`,
			StatePending, id, StateWaitingParent)
		if err != nil {
			return err
		}
		var orderID string
		if err := tx.GetContext(ctx, &orderID, `SELECT order_id FROM order_payments WHERE id = ?`, id); err != nil {
			return err
		}
		snapshot, _ := json.Marshal(map[string]interface{}{"id": id, "orderId": orderID})
		_, err = e.outboxQ.EnqueueTx(ctx, tx, "payment", id, outbox.OpInsert, string(snapshot), fmt.Sprintf("payment-promote:%s", id))
		if err != nil && !errors.Is(err, outbox.ErrDuplicateIdempotencyKey) {
			return err
		}
		return nil
	})
}

// PromoteWaitingAdjustmentsForPayment promotes a payment's waiting
// adjustments to pending once that payment reaches applied — the
// adjustment half of the inline fast path.
func (e *Engine) PromoteWaitingAdjustmentsForPayment(ctx context.Context, paymentID string) (int, error) {
	var ids []string
	borrow := e.db.Borrow()
	err := borrow.Conn().SelectContext(ctx, &ids, `
		SELECT id FROM payment_adjustments WHERE payment_id = ? AND sync_state = ?`, paymentID, StateWaitingParent)
	borrow.Release()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := tx.ExecContext(ctx, `UPDATE payment_adjustments SET sync_state = ? WHERE id = ? AND sync_state = ?`,
				StatePending, id, StateWaitingParent)
			if err != nil {
				return err
			}
			snapshot, _ := json.Marshal(map[string]interface{}{"id": id, "paymentId": paymentID})
			_, err = e.outboxQ.EnqueueTx(ctx, tx, "adjustment", id, outbox.OpInsert, string(snapshot), fmt.Sprintf("adjustment-promote:%s", id))
			if err != nil && !errors.Is(err, outbox.ErrDuplicateIdempotencyKey) {
				return err
			}
			return nil
		})
		if err != nil {
			e.log.Error().Err(err).Str("adjustment_id", id).Msg("promote adjustment failed")
			continue
		}
		count++
	}
	return count, nil
}

// ReconcileDeferredAdjustments is the adjustment half of the periodic
// sweep: promotes waiting_parent -> pending once the parent payment
// reaches applied.
func (e *Engine) ReconcileDeferredAdjustments(ctx context.Context) (int, error) {
	var rows []struct {
		ID        string `db:"id"`
		PaymentID string `db:"payment_id"`
	}
	borrow := e.db.Borrow()
	err := borrow.Conn().SelectContext(ctx, &rows, `
		SELECT a.id, a.payment_id FROM payment_adjustments a
		JOIN order_payments p ON p.id = a.payment_id
		WHERE a.sync_state = ? AND p.sync_state = ?`, StateWaitingParent, StateApplied)
	borrow.Release()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range rows {
		n, err := e.PromoteWaitingAdjustmentsForPayment(ctx, r.PaymentID)
		if err != nil {
			continue
		}
		count += n
	}
	return count, nil
}

// SubmitPayment POSTs one payment to the admin API's payments endpoint,
// carrying its outbox idempotency_key, and applies the remote
// acceptance/rejection to both the payment row and its outbox row.
func (e *Engine) SubmitPayment(ctx context.Context, entry outbox.Entry) error {
	borrow := e.db.Borrow()
	_, err := borrow.Conn().ExecContext(ctx, `UPDATE order_payments SET sync_state = ? WHERE id = ?`, StateSyncing, entry.EntityID)
	borrow.Release()
	if err != nil {
		return fmt.Errorf("mark payment syncing: %w", err)
	}

	body := map[string]interface{}{"idempotencyKey": entry.IdempotencyKey, "payload": json.RawMessage(entry.Payload)}
	_, err = e.admin.Do(ctx, adminclient.TimeoutData, "POST", "/api/pos/payments", body)
	if err != nil {
		class := apperr.ClassOf(err)
		if class == apperr.ClassPermanent || class == apperr.ClassTerminalAuth {
			b2 := e.db.Borrow()
			_, _ = b2.Conn().ExecContext(ctx, `UPDATE order_payments SET sync_state = ? WHERE id = ?`, StateFailed, entry.EntityID)
			b2.Release()
			return e.outboxQ.FailPermanent(ctx, entry.ID, err.Error())
		}
		b2 := e.db.Borrow()
		_, _ = b2.Conn().ExecContext(ctx, `UPDATE order_payments SET sync_state = ? WHERE id = ?`, StatePending, entry.EntityID)
		b2.Release()
		return e.outboxQ.Fail(ctx, entry.ID, err.Error())
	}

	b3 := e.db.Borrow()
	_, _ = b3.Conn().ExecContext(ctx, `UPDATE order_payments SET sync_state = ? WHERE id = ?`, StateApplied, entry.EntityID)
	b3.Release()
	return e.outboxQ.MarkSynced(ctx, entry.ID)
}

// SubmitAdjustment POSTs one adjustment to the admin API's adjustments
// endpoint using the same classification rules as SubmitPayment.
func (e *Engine) SubmitAdjustment(ctx context.Context, entry outbox.Entry) error {
	borrow := e.db.Borrow()
	_, err := borrow.Conn().ExecContext(ctx, `UPDATE payment_adjustments SET sync_state = ? WHERE id = ?`, StateSyncing, entry.EntityID)
	borrow.Release()
	if err != nil {
		return fmt.Errorf("mark adjustment syncing: %w", err)
	}

	body := map[string]interface{}{"idempotencyKey": entry.IdempotencyKey, "payload": json.RawMessage(entry.Payload)}
	_, err = e.admin.Do(ctx, adminclient.TimeoutData, "POST", "/api/pos/payments/adjustments/sync", body)
	if err != nil {
		class := apperr.ClassOf(err)
		if class == apperr.ClassPermanent || class == apperr.ClassTerminalAuth {
			b2 := e.db.Borrow()
			_, _ = b2.Conn().ExecContext(ctx, `UPDATE payment_adjustments SET sync_state = ? WHERE id = ?`, StateFailed, entry.EntityID)
			b2.Release()
			return e.outboxQ.FailPermanent(ctx, entry.ID, err.Error())
		}
		b2 := e.db.Borrow()
		_, _ = b2.Conn().ExecContext(ctx, `UPDATE payment_adjustments SET sync_state = ? WHERE id = ?`, StatePending, entry.EntityID)
		b2.Release()
		return e.outboxQ.Fail(ctx, entry.ID, err.Error())
	}

	b3 := e.db.Borrow()
	_, _ = b3.Conn().ExecContext(ctx, `UPDATE payment_adjustments SET sync_state = ? WHERE id = ?`, StateApplied, entry.EntityID)
	b3.Release()
	return e.outboxQ.MarkSynced(ctx, entry.ID)
}

// PaidTotalForOrder returns the sum of completed payment amounts minus
// adjustments for an order, used by the payment_status invariant check.
func (e *Engine) PaidTotalForOrder(ctx context.Context, orderID string) (float64, error) {
	var paid, adjusted float64
	conn := e.db.Conn()
	if err := conn.GetContext(ctx, &paid, `
		SELECT COALESCE(SUM(amount),0) FROM order_payments WHERE order_id = ? AND status = 'completed'`, orderID); err != nil {
		return 0, err
	}
	if err := conn.GetContext(ctx, &adjusted, `
		SELECT COALESCE(SUM(pa.amount),0) FROM payment_adjustments pa
		JOIN order_payments p ON p.id = pa.payment_id
		WHERE p.order_id = ?`, orderID); err != nil {
		return 0, err
	}
	return paid - adjusted, nil
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
