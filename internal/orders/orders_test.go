package orders_test

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/events"
	"github.com/EpsylonBita/smallpos/internal/menucache"
	"github.com/EpsylonBita/smallpos/internal/orders"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/settings"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

func newTestService(t *testing.T) (*orders.Service, *storage.DB) {
	t.Helper()
	log := zerolog.New(io.Discard)
	db, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(context.Background()))

	outboxQ := outbox.New(db.Conn())
	localSet := settings.NewLocalSettings(db.Conn())
	menu := menucache.NewStaticCache(nil, nil, nil)
	bus := events.New()
	svc := orders.New(db, outboxQ, localSet, menu, nil, bus, "term-1", log)
	return svc, db
}

func TestCreateOrder_AssignsSequentialOrderNumbers(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	r1, err := svc.CreateOrder(ctx, orders.CreatePayload{Items: []orders.LineItem{{Name: "Burger", Quantity: 1, UnitPrice: 9.5}}})
	require.NoError(t, err)
	r2, err := svc.CreateOrder(ctx, orders.CreatePayload{Items: []orders.LineItem{{Name: "Fries", Quantity: 1, UnitPrice: 3}}})
	require.NoError(t, err)

	require.NotEqual(t, r1.Order.OrderNumber, r2.Order.OrderNumber)
	require.Contains(t, r1.Order.OrderNumber, "00001")
	require.Contains(t, r2.Order.OrderNumber, "00002")
}

func TestCreateOrder_DeduplicatesByClientRequestID(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	r1, err := svc.CreateOrder(ctx, orders.CreatePayload{
		Items:           []orders.LineItem{{Name: "Burger", Quantity: 1, UnitPrice: 9.5}},
		ClientRequestID: "req-1",
	})
	require.NoError(t, err)
	require.False(t, r1.Deduplicated)

	r2, err := svc.CreateOrder(ctx, orders.CreatePayload{
		Items:           []orders.LineItem{{Name: "Burger", Quantity: 1, UnitPrice: 9.5}},
		ClientRequestID: "req-1",
	})
	require.NoError(t, err)
	require.True(t, r2.Deduplicated)
	require.Equal(t, r1.OrderID, r2.OrderID)
}

func TestCreateOrder_RejectsUnknownMenuItem(t *testing.T) {
	ctx := context.Background()
	log := zerolog.New(io.Discard)
	db, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(context.Background()))

	outboxQ := outbox.New(db.Conn())
	localSet := settings.NewLocalSettings(db.Conn())
	menu := menucache.NewStaticCache([]string{"item-1"}, nil, nil)
	bus := events.New()
	svc := orders.New(db, outboxQ, localSet, menu, nil, bus, "term-1", log)

	_, err = svc.CreateOrder(ctx, orders.CreatePayload{
		Items: []orders.LineItem{{MenuItemID: "unknown-item", Name: "Ghost", Quantity: 1, UnitPrice: 1}},
	})
	require.Error(t, err)
}

func TestCreateOrder_ComputesSubtotalAndTotalFromLineItems(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	r, err := svc.CreateOrder(ctx, orders.CreatePayload{
		Items: []orders.LineItem{
			{Name: "Burger", Quantity: 2, UnitPrice: 9.5},
			{Name: "Fries", Quantity: 1, UnitPrice: 3},
		},
		Tax: 1.5,
	})
	require.NoError(t, err)
	require.InDelta(t, 22.0, r.Order.Subtotal, 0.001)
	require.InDelta(t, 23.5, r.Order.Total, 0.001)
}

func TestGetOrderByID_RoundTrips(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	created, err := svc.CreateOrder(ctx, orders.CreatePayload{Items: []orders.LineItem{{Name: "Burger", Quantity: 1, UnitPrice: 9.5}}})
	require.NoError(t, err)

	loaded, err := svc.GetOrderByID(ctx, created.OrderID)
	require.NoError(t, err)
	require.Equal(t, created.OrderID, loaded.ID)
	require.Equal(t, "unpaid", loaded.PaymentStatus)
}

func TestGetOrderByID_NotFound(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.GetOrderByID(ctx, "missing-id")
	require.Error(t, err)
}
