package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// VCurrent is the schema version compiled into this binary.
const VCurrent = 1

type migration struct {
	version int
	name    string
	apply   func(tx *sqlx.Tx) error
}

var migrations = []migration{
	{1, "initial_schema", migration001},
}

// RunMigrations scans the schema_version table (creating it if absent)
// and applies all unapplied numbered migrations in order. Each migration
// runs in its own transaction; the schema_version row is inserted only
// after that migration's statements succeed.
func (d *DB) RunMigrations(ctx context.Context) error {
	b := d.Borrow()
	defer b.Release()

	if _, err := d.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("fatal: create schema_version: %w", err)
	}

	applied := map[int]bool{}
	rows, err := d.conn.QueryxContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return fmt.Errorf("fatal: scan schema_version: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("fatal: scan schema_version row: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := d.WithTx(ctx, func(tx *sqlx.Tx) error {
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.version, m.name)
			return err
		}); err != nil {
			return fmt.Errorf("fatal: migration failed: %w", err)
		}
		d.log.Info().Int("version", m.version).Str("name", m.name).Msg("migration applied")
	}
	return nil
}

func migration001(tx *sqlx.Tx) error {
	stmts := []string{
		`CREATE TABLE orders (
			id TEXT PRIMARY KEY,
			order_number TEXT NOT NULL,
			customer_name TEXT,
			customer_phone TEXT,
			customer_email TEXT,
			items TEXT NOT NULL DEFAULT '[]',
			subtotal REAL NOT NULL DEFAULT 0,
			tax REAL NOT NULL DEFAULT 0,
			discount REAL NOT NULL DEFAULT 0,
			tip REAL NOT NULL DEFAULT 0,
			delivery_fee REAL NOT NULL DEFAULT 0,
			total REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			payment_status TEXT NOT NULL DEFAULT 'unpaid',
			order_type TEXT NOT NULL DEFAULT 'dine-in',
			driver_name TEXT,
			delivery_address TEXT,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			supabase_id TEXT,
			client_request_id TEXT,
			is_ghost INTEGER NOT NULL DEFAULT 0,
			staff_id TEXT,
			staff_shift_id TEXT,
			terminal_id TEXT,
			branch_id TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE UNIQUE INDEX idx_orders_client_request_id ON orders(client_request_id) WHERE client_request_id IS NOT NULL`,
		`CREATE INDEX idx_orders_created_at ON orders(created_at)`,
		`CREATE INDEX idx_orders_staff_shift_id ON orders(staff_shift_id)`,
		`CREATE INDEX idx_orders_branch_id ON orders(branch_id)`,

		`CREATE TABLE order_payments (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			method TEXT NOT NULL,
			amount REAL NOT NULL,
			currency TEXT NOT NULL DEFAULT 'EUR',
			status TEXT NOT NULL DEFAULT 'completed',
			cash_received REAL,
			change_given REAL,
			transaction_ref TEXT,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at TEXT,
			staff_id TEXT,
			staff_shift_id TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_order_payments_order_id ON order_payments(order_id)`,
		`CREATE INDEX idx_order_payments_sync_state ON order_payments(sync_state)`,

		`CREATE TABLE payment_adjustments (
			id TEXT PRIMARY KEY,
			payment_id TEXT NOT NULL REFERENCES order_payments(id) ON DELETE CASCADE,
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			adjustment_type TEXT NOT NULL,
			amount REAL NOT NULL,
			reason TEXT,
			staff_id TEXT,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_payment_adjustments_payment_id ON payment_adjustments(payment_id)`,
		`CREATE INDEX idx_payment_adjustments_order_id ON payment_adjustments(order_id)`,

		`CREATE TABLE staff_shifts (
			id TEXT PRIMARY KEY,
			staff_id TEXT NOT NULL,
			staff_name TEXT,
			branch_id TEXT NOT NULL,
			terminal_id TEXT NOT NULL,
			role_type TEXT NOT NULL,
			check_in_time TEXT NOT NULL DEFAULT (datetime('now')),
			check_out_time TEXT,
			opening_cash REAL NOT NULL DEFAULT 0,
			closing_cash REAL,
			expected_cash REAL,
			cash_variance REAL,
			status TEXT NOT NULL DEFAULT 'active',
			calculation_version INTEGER NOT NULL DEFAULT 2,
			is_transfer_pending INTEGER NOT NULL DEFAULT 0,
			transferred_to_cashier_shift_id TEXT,
			closed_by TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_staff_shifts_staff_id ON staff_shifts(staff_id)`,
		`CREATE INDEX idx_staff_shifts_branch_terminal ON staff_shifts(branch_id, terminal_id)`,
		`CREATE INDEX idx_staff_shifts_status ON staff_shifts(status)`,

		`CREATE TABLE cash_drawer_sessions (
			id TEXT PRIMARY KEY,
			staff_shift_id TEXT NOT NULL UNIQUE REFERENCES staff_shifts(id) ON DELETE CASCADE,
			opening_cash REAL NOT NULL DEFAULT 0,
			closing_cash REAL,
			expected_cash REAL,
			cash_variance REAL,
			total_cash_sales REAL NOT NULL DEFAULT 0,
			total_card_sales REAL NOT NULL DEFAULT 0,
			total_refunds REAL NOT NULL DEFAULT 0,
			total_expenses REAL NOT NULL DEFAULT 0,
			cash_drops REAL NOT NULL DEFAULT 0,
			driver_cash_given REAL NOT NULL DEFAULT 0,
			driver_cash_returned REAL NOT NULL DEFAULT 0,
			total_staff_payments REAL NOT NULL DEFAULT 0,
			opened_at TEXT NOT NULL DEFAULT (datetime('now')),
			closed_at TEXT,
			reconciled INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE shift_expenses (
			id TEXT PRIMARY KEY,
			staff_shift_id TEXT NOT NULL REFERENCES staff_shifts(id) ON DELETE CASCADE,
			expense_type TEXT NOT NULL DEFAULT 'expense',
			amount REAL NOT NULL,
			description TEXT,
			staff_id TEXT,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_shift_expenses_shift_id ON shift_expenses(staff_shift_id)`,

		`CREATE TABLE driver_earnings (
			id TEXT PRIMARY KEY,
			staff_shift_id TEXT NOT NULL REFERENCES staff_shifts(id) ON DELETE CASCADE,
			order_id TEXT REFERENCES orders(id) ON DELETE SET NULL,
			amount REAL NOT NULL DEFAULT 0,
			transferred INTEGER NOT NULL DEFAULT 0,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_driver_earnings_shift_id ON driver_earnings(staff_shift_id)`,

		`CREATE TABLE staff_payments (
			id TEXT PRIMARY KEY,
			staff_shift_id TEXT NOT NULL REFERENCES staff_shifts(id) ON DELETE CASCADE,
			driver_shift_id TEXT,
			amount REAL NOT NULL,
			reason TEXT,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE z_reports (
			id TEXT PRIMARY KEY,
			branch_id TEXT NOT NULL,
			terminal_id TEXT,
			report_date TEXT NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			report_json TEXT NOT NULL,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_z_reports_branch_date ON z_reports(branch_id, report_date)`,

		`CREATE TABLE print_jobs (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			printer_profile_id TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			next_retry_at TEXT,
			last_error TEXT,
			warning_code TEXT,
			warning_message TEXT,
			output_path TEXT,
			entity_payload_json TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE UNIQUE INDEX idx_print_jobs_active_entity ON print_jobs(entity_type, entity_id) WHERE status IN ('pending','printing')`,

		`CREATE TABLE printer_profiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			connection_type TEXT NOT NULL DEFAULT 'network',
			connection_target TEXT NOT NULL,
			paper_width_mm INTEGER NOT NULL DEFAULT 80,
			is_default INTEGER NOT NULL DEFAULT 0,
			logo_path TEXT,
			cut_on_finish INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_printer_profiles_role ON printer_profiles(role)`,

		`CREATE TABLE ecr_devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			connection_target TEXT,
			paired INTEGER NOT NULL DEFAULT 0,
			last_seen_at TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE ecr_transactions (
			id TEXT PRIMARY KEY,
			ecr_device_id TEXT REFERENCES ecr_devices(id) ON DELETE SET NULL,
			order_payment_id TEXT REFERENCES order_payments(id) ON DELETE SET NULL,
			approval_code TEXT,
			raw_response TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,

		`CREATE TABLE loyalty_settings (
			organization_id TEXT PRIMARY KEY,
			is_active INTEGER NOT NULL DEFAULT 1,
			points_per_euro REAL NOT NULL DEFAULT 1,
			min_redemption INTEGER NOT NULL DEFAULT 100,
			tier_bronze_min INTEGER NOT NULL DEFAULT 0,
			tier_silver_min INTEGER NOT NULL DEFAULT 500,
			tier_gold_min INTEGER NOT NULL DEFAULT 2000,
			tier_platinum_min INTEGER NOT NULL DEFAULT 5000
		)`,
		`CREATE TABLE loyalty_customers (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			name TEXT,
			phone TEXT,
			balance INTEGER NOT NULL DEFAULT 0,
			total_earned INTEGER NOT NULL DEFAULT 0,
			total_redeemed INTEGER NOT NULL DEFAULT 0,
			tier TEXT NOT NULL DEFAULT 'none',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE loyalty_transactions (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES loyalty_customers(id) ON DELETE CASCADE,
			points INTEGER NOT NULL,
			kind TEXT NOT NULL,
			order_id TEXT,
			sync_state TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_loyalty_transactions_customer ON loyalty_transactions(customer_id)`,

		`CREATE TABLE local_settings (
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (category, key)
		)`,

		`CREATE TABLE sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 8,
			last_error TEXT,
			next_retry_at TEXT,
			retry_delay_ms INTEGER NOT NULL DEFAULT 5000,
			remote_receipt_id TEXT,
			next_receipt_poll_at TEXT,
			synced_at TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX idx_sync_queue_status ON sync_queue(status)`,
		`CREATE INDEX idx_sync_queue_entity ON sync_queue(entity_type, entity_id)`,
		`CREATE INDEX idx_sync_queue_receipt ON sync_queue(remote_receipt_id)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt[:min(40, len(stmt))], err)
		}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
