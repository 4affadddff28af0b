package printspool_test

import (
	"context"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/printspool"
	"github.com/EpsylonBita/smallpos/internal/settings"
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

func TestEnqueueAndProcessOrderReceipt(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	log := zerolog.New(io.Discard)

	_, err := db.Conn().ExecContext(ctx, `
		INSERT INTO printer_profiles (id, name, role, connection_target, is_default)
		VALUES ('prof-1', 'Front Counter', 'receipt', '192.168.1.50', 1)`)
	require.NoError(t, err)

	_, err = db.Conn().ExecContext(ctx, `
		INSERT INTO orders (id, order_number, items, total) VALUES ('order-1', 'ORD-1', '[{"name":"Burger","quantity":1,"unitPrice":9.5,"total":9.5}]', 9.5)`)
	require.NoError(t, err)

	localSet := settings.NewLocalSettings(db.Conn())
	builder := printspool.NewSQLDocumentBuilder(db.Conn(), localSet)
	dispatcher := printspool.NoopDispatcher{Log: log}
	spooler := printspool.New(db.Conn(), t.TempDir(), builder, dispatcher, log)

	id, duplicate, err := spooler.EnqueuePrintJob(ctx, "order_receipt", "order-1", nil, "")
	require.NoError(t, err)
	require.False(t, duplicate)
	require.NotEmpty(t, id)

	require.NoError(t, spooler.ProcessPendingJobs(ctx))

	jobs, err := spooler.ListPrintJobs(ctx, "printed")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "printed", jobs[0].Status)
}

func TestEnqueuePrintJob_DeduplicatesActiveJobsForSameEntity(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	log := zerolog.New(io.Discard)
	localSet := settings.NewLocalSettings(db.Conn())
	builder := printspool.NewSQLDocumentBuilder(db.Conn(), localSet)
	spooler := printspool.New(db.Conn(), t.TempDir(), builder, printspool.NoopDispatcher{Log: log}, log)

	id1, dup1, err := spooler.EnqueuePrintJob(ctx, "order_receipt", "order-1", nil, "")
	require.NoError(t, err)
	require.False(t, dup1)

	id2, dup2, err := spooler.EnqueuePrintJob(ctx, "order_receipt", "order-1", nil, "")
	require.NoError(t, err)
	require.True(t, dup2)
	require.Equal(t, id1, id2)
}

func TestProcessPendingJobs_FailsWithoutRetryWhenNoPrinterProfileResolved(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	log := zerolog.New(io.Discard)

	_, err := db.Conn().ExecContext(ctx, `
		INSERT INTO orders (id, order_number, items, total) VALUES ('order-1', 'ORD-1', '[]', 0)`)
	require.NoError(t, err)

	localSet := settings.NewLocalSettings(db.Conn())
	builder := printspool.NewSQLDocumentBuilder(db.Conn(), localSet)
	spooler := printspool.New(db.Conn(), t.TempDir(), builder, printspool.NoopDispatcher{Log: log}, log)

	_, _, err = spooler.EnqueuePrintJob(ctx, "order_receipt", "order-1", nil, "")
	require.NoError(t, err)
	require.NoError(t, spooler.ProcessPendingJobs(ctx))

	jobs, err := spooler.ListPrintJobs(ctx, "failed")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 0, jobs[0].RetryCount)
}
