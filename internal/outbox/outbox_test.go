package outbox_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

func newTestQueue(t *testing.T) *outbox.Queue {
	q, _ := newTestQueueAndDB(t)
	return q
}

func newTestQueueAndDB(t *testing.T) (*outbox.Queue, *storage.DB) {
	t.Helper()
	log := zerolog.New(io.Discard)
	db, err := storage.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(context.Background()))
	return outbox.New(db.Conn()), db
}

func TestEnqueue_RejectsDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, "order", "order-1", outbox.OpInsert, "{}", "key-1")
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "order", "order-1", outbox.OpInsert, "{}", "key-1")
	require.ErrorIs(t, err, outbox.ErrDuplicateIdempotencyKey)
}

func TestTakeReady_MarksRowsInProgress(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, "order", "order-1", outbox.OpInsert, "{}", "key-1")
	require.NoError(t, err)

	entries, err := q.TakeReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, string(outbox.StatusInProgress), entries[0].Status)

	again, err := q.TakeReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1, "in_progress rows remain eligible until marked synced or failed")
}

func TestFail_SchedulesBackoffBeforeNextAttempt(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "order", "order-1", outbox.OpInsert, "{}", "key-1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, "transient network error"))

	entries, err := q.TakeReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 0, "row is deferred until next_retry_at elapses")
}

func TestFail_GrowsRetryDelayExponentiallyUpToCap(t *testing.T) {
	ctx := context.Background()
	q, db := newTestQueueAndDB(t)

	id, err := q.Enqueue(ctx, "order", "order-1", outbox.OpInsert, "{}", "key-1")
	require.NoError(t, err)

	var delay int
	require.NoError(t, db.Conn().Get(&delay, `SELECT retry_delay_ms FROM sync_queue WHERE id = ?`, id))
	require.Equal(t, outbox.DefaultRetryDelayMs, delay)

	require.NoError(t, q.Fail(ctx, id, "transient"))
	require.NoError(t, db.Conn().Get(&delay, `SELECT retry_delay_ms FROM sync_queue WHERE id = ?`, id))
	require.Equal(t, outbox.DefaultRetryDelayMs*2, delay)

	require.NoError(t, q.Fail(ctx, id, "transient"))
	require.NoError(t, db.Conn().Get(&delay, `SELECT retry_delay_ms FROM sync_queue WHERE id = ?`, id))
	require.Equal(t, outbox.DefaultRetryDelayMs*4, delay)

	for i := 0; i < 10; i++ {
		_ = q.Fail(ctx, id, "transient")
	}
	require.NoError(t, db.Conn().Get(&delay, `SELECT retry_delay_ms FROM sync_queue WHERE id = ?`, id))
	require.LessOrEqual(t, delay, outbox.MaxRetryDelayMs)
}

func TestFail_MarksFailedOnceRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "order", "order-1", outbox.OpInsert, "{}", "key-1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_ = q.Fail(ctx, id, "repeated failure")
	}

	counts, err := q.CountsByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[string(outbox.StatusFailed)])
}

func TestMarkSynced_ClearsErrorState(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "order", "order-1", outbox.OpInsert, "{}", "key-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, "transient"))
	require.NoError(t, q.MarkSynced(ctx, id))

	counts, err := q.CountsByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[string(outbox.StatusSynced)])
}

func TestDefer_ReschedulesWithoutConsumingRetryBudget(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "payment", "payment-1", outbox.OpInsert, "{}", "key-1")
	require.NoError(t, err)

	require.NoError(t, q.Defer(ctx, id, time.Minute, "waiting on parent"))

	entries, err := q.TakeReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 0)
}

func TestDeleteByEntityIDs_RemovesMatchingRows(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Enqueue(ctx, "order", "order-1", outbox.OpInsert, "{}", "key-1")
	require.NoError(t, err)

	require.NoError(t, q.DeleteByEntityIDs(ctx, "order", []string{"order-1"}))

	counts, err := q.CountsByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}
