package loyalty_test

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/loyalty"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

func newTestStore(t *testing.T) *storage.DB {
	t.Helper()
	log := zerolog.New(io.Discard)
	db, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(context.Background()))
	return db
}

func insertCustomer(t *testing.T, db *storage.DB, id, orgID string) {
	t.Helper()
	_, err := db.Conn().ExecContext(context.Background(), `
		INSERT INTO loyalty_customers (id, organization_id, name) VALUES (?, ?, 'Test Customer')`, id, orgID)
	require.NoError(t, err)
}

func TestTier_MatchesBoundaryCases(t *testing.T) {
	s := loyalty.DefaultSettings("org-1")
	require.Equal(t, loyalty.TierNone, s.Tier(-1))
	require.Equal(t, loyalty.TierBronze, s.Tier(0))
	require.Equal(t, loyalty.TierBronze, s.Tier(499))
	require.Equal(t, loyalty.TierSilver, s.Tier(500))
	require.Equal(t, loyalty.TierSilver, s.Tier(1999))
	require.Equal(t, loyalty.TierGold, s.Tier(2000))
	require.Equal(t, loyalty.TierGold, s.Tier(4999))
	require.Equal(t, loyalty.TierPlatinum, s.Tier(5000))
	require.Equal(t, loyalty.TierPlatinum, s.Tier(99999))
}

func TestEarnPoints_UpdatesBalanceTotalEarnedAndTier(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	outboxQ := outbox.New(db.Conn())
	ledger := loyalty.New(db, outboxQ)

	insertCustomer(t, db, "cust-1", "org-1")

	points, err := ledger.EarnPoints(ctx, "cust-1", "order-1", 550)
	require.NoError(t, err)
	require.Equal(t, 550, points)

	c, err := ledger.GetCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.Equal(t, 550, c.Balance)
	require.Equal(t, 550, c.TotalEarned)
	require.Equal(t, loyalty.TierSilver, c.Tier)

	var count int
	require.NoError(t, db.Conn().GetContext(ctx, &count, `SELECT count(*) FROM sync_queue WHERE idempotency_key LIKE 'loyalty_tx:%'`))
	require.Equal(t, 1, count)
}

func TestEarnPoints_FloorsFractionalPoints(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	outboxQ := outbox.New(db.Conn())
	ledger := loyalty.New(db, outboxQ)
	insertCustomer(t, db, "cust-1", "org-1")

	_, err := db.Conn().ExecContext(ctx, `
		INSERT INTO loyalty_settings (organization_id, points_per_euro) VALUES ('org-1', 1.5)`)
	require.NoError(t, err)

	points, err := ledger.EarnPoints(ctx, "cust-1", "order-1", 10)
	require.NoError(t, err)
	require.Equal(t, 15, points)
}

func TestRedeemPoints_RejectsBelowMinimum(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	outboxQ := outbox.New(db.Conn())
	ledger := loyalty.New(db, outboxQ)
	insertCustomer(t, db, "cust-1", "org-1")

	_, err := ledger.EarnPoints(ctx, "cust-1", "order-1", 200)
	require.NoError(t, err)

	err = ledger.RedeemPoints(ctx, "cust-1", 50)
	require.Error(t, err)
}

func TestRedeemPoints_RejectsInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	outboxQ := outbox.New(db.Conn())
	ledger := loyalty.New(db, outboxQ)
	insertCustomer(t, db, "cust-1", "org-1")

	err := ledger.RedeemPoints(ctx, "cust-1", 100)
	require.Error(t, err)
}

func TestRedeemPoints_SucceedsAndDecrementsBalance(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	outboxQ := outbox.New(db.Conn())
	ledger := loyalty.New(db, outboxQ)
	insertCustomer(t, db, "cust-1", "org-1")

	_, err := ledger.EarnPoints(ctx, "cust-1", "order-1", 300)
	require.NoError(t, err)

	require.NoError(t, ledger.RedeemPoints(ctx, "cust-1", 100))

	c, err := ledger.GetCustomer(ctx, "cust-1")
	require.NoError(t, err)
	require.Equal(t, 200, c.Balance)
	require.Equal(t, 100, c.TotalRedeemed)
}

func TestRedeemPoints_RejectsWhenProgramInactive(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	outboxQ := outbox.New(db.Conn())
	ledger := loyalty.New(db, outboxQ)
	insertCustomer(t, db, "cust-1", "org-1")

	_, err := ledger.EarnPoints(ctx, "cust-1", "order-1", 300)
	require.NoError(t, err)

	_, err = db.Conn().ExecContext(ctx, `
		INSERT INTO loyalty_settings (organization_id, is_active) VALUES ('org-1', 0)`)
	require.NoError(t, err)

	err = ledger.RedeemPoints(ctx, "cust-1", 100)
	require.Error(t, err)
}
