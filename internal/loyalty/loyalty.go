// Package loyalty implements the per-organization loyalty ledger
// (spec.md §4.L): cached settings, per-customer balances, and an
// append-only transaction log feeding the outbox.
package loyalty

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/EpsylonBita/smallpos/internal/apperr"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

// Transaction kinds.
const (
	KindEarn   = "earn"
	KindRedeem = "redeem"
)

// Tier names, a step function over total_earned.
const (
	TierNone     = "none"
	TierBronze   = "bronze"
	TierSilver   = "silver"
	TierGold     = "gold"
	TierPlatinum = "platinum"
)

// Settings mirrors one organization's loyalty_settings row.
type Settings struct {
	OrganizationID  string  `db:"organization_id"`
	IsActive        bool    `db:"is_active"`
	PointsPerEuro   float64 `db:"points_per_euro"`
	MinRedemption   int     `db:"min_redemption"`
	TierBronzeMin   int     `db:"tier_bronze_min"`
	TierSilverMin   int     `db:"tier_silver_min"`
	TierGoldMin     int     `db:"tier_gold_min"`
	TierPlatinumMin int     `db:"tier_platinum_min"`
}

// DefaultSettings mirrors the migration's column defaults, used when an
// organization has no loyalty_settings row yet.
func DefaultSettings(organizationID string) Settings {
	return Settings{
		OrganizationID: organizationID, IsActive: true, PointsPerEuro: 1,
		MinRedemption: 100, TierBronzeMin: 0, TierSilverMin: 500, TierGoldMin: 2000, TierPlatinumMin: 5000,
	}
}

// Tier returns the step-function tier name for totalEarned given the
// organization's configured thresholds, matching spec.md §8's literal
// boundary cases: -1 -> none, 0 and 499 -> bronze, 500 and 1999 ->
// silver, 2000 and 4999 -> gold, 5000 and 99999 -> platinum.
func (s Settings) Tier(totalEarned int) string {
	switch {
	case totalEarned < s.TierBronzeMin:
		return TierNone
	case totalEarned < s.TierSilverMin:
		return TierBronze
	case totalEarned < s.TierGoldMin:
		return TierSilver
	case totalEarned < s.TierPlatinumMin:
		return TierGold
	default:
		return TierPlatinum
	}
}

// Customer mirrors one loyalty_customers row.
type Customer struct {
	ID            string `db:"id" json:"id"`
	OrganizationID string `db:"organization_id" json:"organizationId"`
	Name          string `db:"name" json:"name"`
	Phone         string `db:"phone" json:"phone"`
	Balance       int    `db:"balance" json:"balance"`
	TotalEarned   int    `db:"total_earned" json:"totalEarned"`
	TotalRedeemed int    `db:"total_redeemed" json:"totalRedeemed"`
	Tier          string `db:"tier" json:"tier"`
	CreatedAt     string `db:"created_at" json:"createdAt"`
}

// Ledger is the loyalty service.
type Ledger struct {
	db      *storage.DB
	outboxQ *outbox.Queue
}

// New constructs the ledger.
func New(db *storage.DB, outboxQ *outbox.Queue) *Ledger {
	return &Ledger{db: db, outboxQ: outboxQ}
}

// GetSettings loads an organization's loyalty settings, falling back to
// defaults (not persisted) when none exist yet.
func (l *Ledger) GetSettings(ctx context.Context, organizationID string) (Settings, error) {
	var s Settings
	err := l.db.Conn().GetContext(ctx, &s, `SELECT * FROM loyalty_settings WHERE organization_id = ?`, organizationID)
	if err != nil {
		return DefaultSettings(organizationID), nil
	}
	return s, nil
}

// GetCustomer loads a customer row by id.
func (l *Ledger) GetCustomer(ctx context.Context, customerID string) (Customer, error) {
	var c Customer
	err := l.db.Conn().GetContext(ctx, &c, `SELECT * FROM loyalty_customers WHERE id = ?`, customerID)
	if err != nil {
		return Customer{}, fmt.Errorf("load loyalty customer: %w", err)
	}
	return c, nil
}

// EarnPoints floor-multiplies amount by the organization's
// points_per_euro, appends a transaction, updates the customer's
// balance/total_earned/tier, and enqueues the transaction for sync.
func (l *Ledger) EarnPoints(ctx context.Context, customerID, orderID string, amount float64) (int, error) {
	var points int
	err := l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var c Customer
		if err := tx.GetContext(ctx, &c, `SELECT * FROM loyalty_customers WHERE id = ?`, customerID); err != nil {
			return fmt.Errorf("load customer: %w", err)
		}
		s, err := l.settingsTx(ctx, tx, c.OrganizationID)
		if err != nil {
			return err
		}
		points = int(math.Floor(amount * s.PointsPerEuro))
		if points <= 0 {
			return nil
		}
		txID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO loyalty_transactions (id, customer_id, points, kind, order_id)
			VALUES (?, ?, ?, ?, ?)`, txID, customerID, points, KindEarn, nullIfEmpty(orderID)); err != nil {
			return fmt.Errorf("insert earn transaction: %w", err)
		}
		newTotalEarned := c.TotalEarned + points
		newTier := s.Tier(newTotalEarned)
		if _, err := tx.ExecContext(ctx, `
			UPDATE loyalty_customers SET balance = balance + ?, total_earned = ?, tier = ?
			WHERE id = ?`, points, newTotalEarned, newTier, customerID); err != nil {
			return fmt.Errorf("update customer balance: %w", err)
		}
		snapshot := fmt.Sprintf(`{"id":%q,"customerId":%q,"points":%d,"kind":%q,"orderId":%q}`, txID, customerID, points, KindEarn, orderID)
		if _, err := l.outboxQ.EnqueueTx(ctx, tx, "loyalty_transaction", txID, outbox.OpInsert, snapshot, "loyalty_tx:"+txID); err != nil {
			return fmt.Errorf("enqueue loyalty transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return points, nil
}

// RedeemPoints gates on is_active, min_redemption, and sufficient
// balance, then appends a negative-points transaction and updates the
// customer's balance/total_redeemed.
func (l *Ledger) RedeemPoints(ctx context.Context, customerID string, points int) error {
	if points <= 0 {
		return apperr.Validation("redeem points must be positive")
	}
	return l.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var c Customer
		if err := tx.GetContext(ctx, &c, `SELECT * FROM loyalty_customers WHERE id = ?`, customerID); err != nil {
			return fmt.Errorf("load customer: %w", err)
		}
		s, err := l.settingsTx(ctx, tx, c.OrganizationID)
		if err != nil {
			return err
		}
		if !s.IsActive {
			return apperr.Validation("loyalty program is not active for this organization")
		}
		if points < s.MinRedemption {
			return apperr.Validation(fmt.Sprintf("redemption below minimum of %d points", s.MinRedemption))
		}
		if c.Balance < points {
			return apperr.Validation("insufficient loyalty balance")
		}

		txID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO loyalty_transactions (id, customer_id, points, kind)
			VALUES (?, ?, ?, ?)`, txID, customerID, -points, KindRedeem); err != nil {
			return fmt.Errorf("insert redeem transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE loyalty_customers SET balance = balance - ?, total_redeemed = total_redeemed + ?
			WHERE id = ?`, points, points, customerID); err != nil {
			return fmt.Errorf("update customer balance: %w", err)
		}
		snapshot := fmt.Sprintf(`{"id":%q,"customerId":%q,"points":%d,"kind":%q}`, txID, customerID, -points, KindRedeem)
		if _, err := l.outboxQ.EnqueueTx(ctx, tx, "loyalty_transaction", txID, outbox.OpInsert, snapshot, "loyalty_tx:"+txID); err != nil {
			return fmt.Errorf("enqueue loyalty transaction: %w", err)
		}
		return nil
	})
}

func (l *Ledger) settingsTx(ctx context.Context, tx *sqlx.Tx, organizationID string) (Settings, error) {
	var s Settings
	err := tx.GetContext(ctx, &s, `SELECT * FROM loyalty_settings WHERE organization_id = ?`, organizationID)
	if err != nil {
		return DefaultSettings(organizationID), nil
	}
	return s, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
