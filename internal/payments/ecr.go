package payments

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/EpsylonBita/smallpos/internal/apperr"
)

// EcrDevice is a paired card terminal capable of authorizing a
// card-present transaction against an order_payments row. The hardware
// pairing protocol itself is out of scope (spec.md §1); this surface
// only records pairing state and links an externally-authorized
// transaction back to the payment it settled.
type EcrDevice struct {
	ID               string `db:"id" json:"id"`
	Name             string `db:"name" json:"name"`
	ConnectionTarget string `db:"connection_target" json:"connectionTarget,omitempty"`
	Paired           bool   `db:"paired" json:"paired"`
	LastSeenAt       string `db:"last_seen_at" json:"lastSeenAt,omitempty"`
	CreatedAt        string `db:"created_at" json:"createdAt"`
}

type ecrDeviceRow struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	ConnectionTarget sql.NullString `db:"connection_target"`
	Paired           int            `db:"paired"`
	LastSeenAt       sql.NullString `db:"last_seen_at"`
	CreatedAt        string         `db:"created_at"`
}

func (r ecrDeviceRow) toDevice() EcrDevice {
	return EcrDevice{
		ID: r.ID, Name: r.Name, ConnectionTarget: r.ConnectionTarget.String,
		Paired: r.Paired != 0, LastSeenAt: r.LastSeenAt.String, CreatedAt: r.CreatedAt,
	}
}

// EcrTransaction links one card-terminal authorization to the payment
// it settled.
type EcrTransaction struct {
	ID             string `db:"id" json:"id"`
	EcrDeviceID    string `db:"ecr_device_id" json:"ecrDeviceId,omitempty"`
	OrderPaymentID string `db:"order_payment_id" json:"orderPaymentId,omitempty"`
	ApprovalCode   string `db:"approval_code" json:"approvalCode,omitempty"`
	RawResponse    string `db:"raw_response" json:"rawResponse,omitempty"`
	CreatedAt      string `db:"created_at" json:"createdAt"`
}

// RegisterEcrDevice upserts a paired card terminal's identity. Callers
// invoke this once the host application's pairing flow (out of scope
// here) has completed.
func (e *Engine) RegisterEcrDevice(ctx context.Context, id, name, connectionTarget string) error {
	borrow := e.db.Borrow()
	defer borrow.Release()
	_, err := borrow.Conn().ExecContext(ctx, `
		INSERT INTO ecr_devices (id, name, connection_target, paired, last_seen_at)
		VALUES (?, ?, ?, 1, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, connection_target = excluded.connection_target,
			paired = 1, last_seen_at = datetime('now')`,
		id, name, nullableString(connectionTarget))
	if err != nil {
		return fmt.Errorf("register ecr device: %w", err)
	}
	return nil
}

// UnpairEcrDevice marks a device no longer paired without deleting its
// transaction history.
func (e *Engine) UnpairEcrDevice(ctx context.Context, id string) error {
	borrow := e.db.Borrow()
	defer borrow.Release()
	_, err := borrow.Conn().ExecContext(ctx, `UPDATE ecr_devices SET paired = 0 WHERE id = ?`, id)
	return err
}

// ListEcrDevices returns every known device, paired or not.
func (e *Engine) ListEcrDevices(ctx context.Context) ([]EcrDevice, error) {
	var rows []ecrDeviceRow
	if err := e.db.Conn().SelectContext(ctx, &rows, `SELECT * FROM ecr_devices ORDER BY last_seen_at DESC`); err != nil {
		return nil, fmt.Errorf("list ecr devices: %w", err)
	}
	out := make([]EcrDevice, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDevice())
	}
	return out, nil
}

// RecordEcrTransaction links a card terminal's authorization result to
// the order_payments row it settled, stamping transaction_ref with the
// approval code if the payment doesn't already carry one. The payment
// must already exist — a card-present authorization always follows
// CreatePayment (spec.md §4.H step 1), never precedes it.
func (e *Engine) RecordEcrTransaction(ctx context.Context, ecrDeviceID, orderPaymentID, approvalCode, rawResponse string) (string, error) {
	borrow := e.db.Borrow()
	defer borrow.Release()

	var exists int
	if err := borrow.Conn().GetContext(ctx, &exists, `SELECT COUNT(*) FROM order_payments WHERE id = ?`, orderPaymentID); err != nil {
		return "", fmt.Errorf("check parent payment: %w", err)
	}
	if exists == 0 {
		return "", apperr.Validation("parent payment not found: " + orderPaymentID)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ecr_transactions (id, ecr_device_id, order_payment_id, approval_code, raw_response, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, nullableString(ecrDeviceID), orderPaymentID, nullableString(approvalCode), nullableString(rawResponse), now); err != nil {
			return fmt.Errorf("insert ecr transaction: %w", err)
		}

		if approvalCode != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE order_payments SET transaction_ref = ? WHERE id = ? AND (transaction_ref IS NULL OR transaction_ref = '')`,
				approvalCode, orderPaymentID); err != nil {
				return fmt.Errorf("stamp transaction_ref: %w", err)
			}
		}
		if ecrDeviceID != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE ecr_devices SET last_seen_at = datetime('now') WHERE id = ?`, ecrDeviceID); err != nil {
				return fmt.Errorf("touch ecr device: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EcrTransactionsForPayment returns every recorded authorization linked
// to a payment, newest first.
func (e *Engine) EcrTransactionsForPayment(ctx context.Context, orderPaymentID string) ([]EcrTransaction, error) {
	var rows []EcrTransaction
	if err := e.db.Conn().SelectContext(ctx, &rows, `
		SELECT * FROM ecr_transactions WHERE order_payment_id = ? ORDER BY created_at DESC`, orderPaymentID); err != nil {
		return nil, fmt.Errorf("list ecr transactions: %w", err)
	}
	return rows, nil
}
