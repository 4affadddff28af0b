package settings

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// LocalSettings is a thin category/key/value accessor over the
// local_settings table for non-secret flags such as the order counter,
// last Z-report timestamp, sync cursor, and receipt customization.
type LocalSettings struct {
	conn *sqlx.DB
}

// NewLocalSettings wraps the given connection.
func NewLocalSettings(conn *sqlx.DB) *LocalSettings {
	return &LocalSettings{conn: conn}
}

// Get returns the stored value for (category, key), or ("", false) if
// unset.
func (l *LocalSettings) Get(ctx context.Context, category, key string) (string, bool) {
	var value string
	err := l.conn.GetContext(ctx, &value,
		`SELECT value FROM local_settings WHERE category = ? AND key = ?`, category, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	return value, true
}

// Set upserts (category, key) -> value.
func (l *LocalSettings) Set(ctx context.Context, category, key, value string) error {
	_, err := l.conn.ExecContext(ctx, `
		INSERT INTO local_settings (category, key, value) VALUES (?, ?, ?)
		ON CONFLICT(category, key) DO UPDATE SET value = excluded.value`,
		category, key, value)
	return err
}

// GetTx is Get using an in-flight transaction instead of the pooled
// connection, for callers composing this into a larger BEGIN IMMEDIATE
// transaction (e.g. the order counter increment).
func (l *LocalSettings) GetTx(ctx context.Context, tx *sqlx.Tx, category, key string) (string, bool) {
	var value string
	err := tx.GetContext(ctx, &value,
		`SELECT value FROM local_settings WHERE category = ? AND key = ?`, category, key)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetTx is Set using an in-flight transaction.
func (l *LocalSettings) SetTx(ctx context.Context, tx *sqlx.Tx, category, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO local_settings (category, key, value) VALUES (?, ?, ?)
		ON CONFLICT(category, key) DO UPDATE SET value = excluded.value`,
		category, key, value)
	return err
}

// Categories and keys used throughout the core.
const (
	CategoryOrders = "orders"
	KeyOrderCounter = "order_counter"

	CategorySystem = "system"
	KeyLastZReportTimestamp = "last_z_report_timestamp"

	CategorySync = "sync"
	KeyOrdersSince = "orders_since"

	CategoryReceipt         = "receipt"
	KeyOrganizationName     = "organization_name"
	KeyCharacterSet         = "character_set"
	KeyFooterText           = "footer_text"
)
