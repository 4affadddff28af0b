package sync_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/adminclient"
	"github.com/EpsylonBita/smallpos/internal/events"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/payments"
	"github.com/EpsylonBita/smallpos/internal/settings"
	"github.com/EpsylonBita/smallpos/internal/storage"
	"github.com/EpsylonBita/smallpos/internal/sync"
)

func newTestEngine(t *testing.T) *sync.Engine {
	t.Helper()
	log := zerolog.New(io.Discard)
	db, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(context.Background()))

	outboxQ := outbox.New(db.Conn())
	creds := settings.NewStore(t.TempDir())
	localSet := settings.NewLocalSettings(db.Conn())
	admin := adminclient.New(adminclient.Config{BaseURL: "http://127.0.0.1:0"}, log)
	payEng := payments.New(db, outboxQ, admin, log)
	bus := events.New()

	return sync.New(db, outboxQ, admin, creds, localSet, payEng, bus, log)
}

func TestForceSync_NoopWhenTerminalUnconfigured(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	err := eng.ForceSync(ctx)
	require.NoError(t, err)
}

func TestStartStop_DoesNotPanicWithoutConfiguredCredentials(t *testing.T) {
	eng := newTestEngine(t)
	eng.Start(time.Second)
	eng.Stop()
}
