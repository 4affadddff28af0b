package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/events"
	"github.com/EpsylonBita/smallpos/internal/httpapi"
	"github.com/EpsylonBita/smallpos/internal/loyalty"
	"github.com/EpsylonBita/smallpos/internal/menucache"
	"github.com/EpsylonBita/smallpos/internal/orders"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/settings"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

func newTestServer(t *testing.T) http.Handler {
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
	ordersSvc := orders.New(db, outboxQ, localSet, menu, nil, bus, "term-1", log)
	loyaltyLedger := loyalty.New(db, outboxQ)

	return httpapi.NewRouter(httpapi.Services{
		Orders:  ordersSvc,
		Loyalty: loyaltyLedger,
		Bus:     bus,
	}, log)
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetOrder(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t))
	defer srv.Close()

	body, err := json.Marshal(map[string]interface{}{
		"items": []map[string]interface{}{{"name": "Burger", "quantity": 1, "price": 9.5}},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/orders", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created orders.CreateResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.OrderID)

	getResp, err := http.Get(srv.URL + "/api/orders/" + created.OrderID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestGetOrder_NotFoundReturnsError(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/orders/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}
