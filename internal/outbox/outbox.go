// Package outbox implements the durable, ordered-by-creation staging log
// of mutations that must reach the remote admin API. It is the one
// authoritative log for outbound mutations (spec.md §5): no component
// sends state to the admin outside of it except the stateless
// remote-reconciliation reader in the sync engine.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
)

// Status is one of the sync_queue row lifecycle states.
type Status string

const (
	StatusPending       Status = "pending"
	StatusInProgress    Status = "in_progress"
	StatusQueuedRemote  Status = "queued_remote"
	StatusDeferred      Status = "deferred"
	StatusSynced        Status = "synced"
	StatusFailed        Status = "failed"
)

// Operation is the mutation kind a row represents. Delete is rejected
// for orders by design (spec.md §3) — callers simply never enqueue one.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// MaxRetryDelayMs bounds the exponential backoff curve.
const MaxRetryDelayMs = 5 * 60 * 1000 // 5 minutes

// DefaultRetryDelayMs is the starting delay for a freshly enqueued row.
const DefaultRetryDelayMs = 5000

// Entry mirrors one sync_queue row.
type Entry struct {
	ID                int64          `db:"id"`
	EntityType        string         `db:"entity_type"`
	EntityID          string         `db:"entity_id"`
	Operation         string         `db:"operation"`
	Payload           string         `db:"payload"`
	IdempotencyKey    string         `db:"idempotency_key"`
	Status            string         `db:"status"`
	RetryCount        int            `db:"retry_count"`
	MaxRetries        int            `db:"max_retries"`
	LastError         sql.NullString `db:"last_error"`
	NextRetryAt       sql.NullTime   `db:"next_retry_at"`
	RetryDelayMs      int            `db:"retry_delay_ms"`
	RemoteReceiptID   sql.NullString `db:"remote_receipt_id"`
	NextReceiptPollAt sql.NullTime   `db:"next_receipt_poll_at"`
	SyncedAt          sql.NullTime   `db:"synced_at"`
	CreatedAt         time.Time      `db:"created_at"`
}

// ErrDuplicateIdempotencyKey is returned by Enqueue when the key already
// exists.
var ErrDuplicateIdempotencyKey = errors.New("outbox: idempotency key already exists")

// Queue is the outbox data access layer.
type Queue struct {
	conn *sqlx.DB
}

// New wraps the given connection.
func New(conn *sqlx.DB) *Queue { return &Queue{conn: conn} }

// Enqueue inserts a new pending row. Rejects a duplicate idempotency_key.
// Runs against the pooled connection; callers inside a larger transaction
// should use EnqueueTx instead.
func (q *Queue) Enqueue(ctx context.Context, entityType, entityID string, op Operation, payload, idempotencyKey string) (int64, error) {
	return q.enqueue(ctx, q.conn, entityType, entityID, op, payload, idempotencyKey)
}

// EnqueueTx is Enqueue composed into an existing transaction, so the
// entity write and its outbox row commit atomically.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sqlx.Tx, entityType, entityID string, op Operation, payload, idempotencyKey string) (int64, error) {
	return q.enqueue(ctx, tx, entityType, entityID, op, payload, idempotencyKey)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (q *Queue) enqueue(ctx context.Context, ex execer, entityType, entityID string, op Operation, payload, idempotencyKey string) (int64, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO sync_queue (entity_type, entity_id, operation, payload, idempotency_key, status, retry_delay_ms)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		entityType, entityID, string(op), payload, idempotencyKey, DefaultRetryDelayMs)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateIdempotencyKey
		}
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return res.LastInsertId()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLite's constraint message verbatim.
	return err != nil && (contains(err.Error(), "UNIQUE constraint failed") || contains(err.Error(), "constraint failed: UNIQUE"))
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

// TakeReady selects up to limit rows eligible for a sync attempt —
// status in (pending, in_progress), retry budget remaining, and due for
// retry — ordered by COALESCE(next_retry_at, created_at) then
// created_at, and atomically marks them in_progress.
func (q *Queue) TakeReady(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := q.conn.SelectContext(ctx, &entries, `
		SELECT * FROM sync_queue
		WHERE status IN ('pending','in_progress')
		  AND retry_count < max_retries
		  AND (next_retry_at IS NULL OR next_retry_at <= datetime('now'))
		ORDER BY COALESCE(next_retry_at, created_at), created_at
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("take ready: %w", err)
	}
	if len(entries) == 0 {
		return entries, nil
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	query, args, err := sqlx.In(`UPDATE sync_queue SET status = 'in_progress' WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := q.conn.ExecContext(ctx, q.conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("mark in_progress: %w", err)
	}
	for i := range entries {
		entries[i].Status = string(StatusInProgress)
	}
	return entries, nil
}

// MarkSynced marks a row synced, clearing last_error and next_retry_at.
func (q *Queue) MarkSynced(ctx context.Context, id int64) error {
	_, err := q.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'synced', synced_at = datetime('now'), last_error = NULL, next_retry_at = NULL
		WHERE id = ?`, id)
	return err
}

// MarkQueuedRemote transitions rows to queued_remote, storing the batch
// receipt id and scheduling the next poll.
func (q *Queue) MarkQueuedRemote(ctx context.Context, ids []int64, receiptID string, nextPollIn time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE sync_queue
		SET status = 'queued_remote', remote_receipt_id = ?, next_receipt_poll_at = ?
		WHERE id IN (?)`,
		receiptID, time.Now().Add(nextPollIn).UTC(), ids)
	if err != nil {
		return err
	}
	_, err = q.conn.ExecContext(ctx, q.conn.Rebind(query), args...)
	return err
}

// Defer schedules a next_retry_at without consuming a retry slot — used
// for waiting_parent-style deferrals and for backpressure responses.
func (q *Queue) Defer(ctx context.Context, id int64, delay time.Duration, lastError string) error {
	_, err := q.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', next_retry_at = ?, last_error = ?
		WHERE id = ?`, time.Now().Add(delay).UTC(), nullableString(lastError), id)
	return err
}

// Fail records a transient failure: increments retry_count, grows
// retry_delay_ms along an exponential curve (bounded by
// MaxRetryDelayMs), and schedules next_retry_at = now + delay +
// deterministic jitter in [50ms, 750ms) derived from the row id. If the
// retry budget is exhausted the row is marked failed with no further
// retry scheduled.
func (q *Queue) Fail(ctx context.Context, id int64, errMsg string) error {
	var e Entry
	if err := q.conn.GetContext(ctx, &e, `SELECT * FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("fail: load row: %w", err)
	}

	newRetryCount := e.RetryCount + 1
	newDelay := growDelay(e.RetryDelayMs)

	if newRetryCount >= e.MaxRetries {
		_, err := q.conn.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'failed', retry_count = ?, retry_delay_ms = ?, last_error = ?, next_retry_at = NULL
			WHERE id = ?`, newRetryCount, newDelay, errMsg, id)
		return err
	}

	jitter := deterministicJitter(id)
	nextRetryAt := time.Now().Add(time.Duration(newDelay)*time.Millisecond + jitter)
	_, err := q.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'pending', retry_count = ?, retry_delay_ms = ?, last_error = ?, next_retry_at = ?
		WHERE id = ?`, newRetryCount, newDelay, errMsg, nextRetryAt.UTC(), id)
	return err
}

// FailPermanent marks a row failed with no further retries regardless of
// retry_count, for errors the remote classifier says will never succeed.
func (q *Queue) FailPermanent(ctx context.Context, id int64, errMsg string) error {
	_, err := q.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'failed', last_error = ?, next_retry_at = NULL
		WHERE id = ?`, errMsg, id)
	return err
}

// RequeueFailedByPredicate is the administrative sweep run once per
// process start to recover rows whose last_error indicates a
// deploy-side validation bug that has since been fixed server-side.
func (q *Queue) RequeueFailedByPredicate(ctx context.Context, pred func(lastError string) bool) (int, error) {
	var rows []Entry
	if err := q.conn.SelectContext(ctx, &rows, `SELECT * FROM sync_queue WHERE status = 'failed'`); err != nil {
		return 0, err
	}
	count := 0
	for _, r := range rows {
		if !r.LastError.Valid || !pred(r.LastError.String) {
			continue
		}
		if _, err := q.conn.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'pending', retry_count = 0, next_retry_at = NULL, last_error = NULL
			WHERE id = ?`, r.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// growDelay doubles the current retry_delay_ms, bounded by
// MaxRetryDelayMs; the deterministic jitter required by spec.md §4.C is
// applied separately in Fail.
func growDelay(currentMs int) int {
	next := currentMs * 2
	if next > MaxRetryDelayMs {
		return MaxRetryDelayMs
	}
	return next
}

// deterministicJitter derives a jitter duration in [50ms, 750ms) from the
// row id so repeated calls for the same row are reproducible.
func deterministicJitter(id int64) time.Duration {
	src := rand.New(rand.NewSource(id))
	return time.Duration(50+src.Intn(700)) * time.Millisecond
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// RowsByReceipt returns all rows carrying the given remote receipt id,
// used by the sync engine's receipt poller.
func (q *Queue) RowsByReceipt(ctx context.Context, receiptID string) ([]Entry, error) {
	var rows []Entry
	err := q.conn.SelectContext(ctx, &rows, `SELECT * FROM sync_queue WHERE remote_receipt_id = ?`, receiptID)
	return rows, err
}

// DistinctDueReceipts returns up to limit distinct remote_receipt_id
// values whose poll window has elapsed.
func (q *Queue) DistinctDueReceipts(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := q.conn.SelectContext(ctx, &ids, `
		SELECT DISTINCT remote_receipt_id FROM sync_queue
		WHERE status = 'queued_remote'
		  AND remote_receipt_id IS NOT NULL
		  AND (next_receipt_poll_at IS NULL OR next_receipt_poll_at <= datetime('now'))
		LIMIT ?`, limit)
	return ids, err
}

// DeleteDeleteOperationsForOrders removes order outbox rows with
// operation = delete, which the remote does not support (spec.md §4.K
// housekeeping step).
func (q *Queue) DeleteDeleteOperationsForOrders(ctx context.Context) (int64, error) {
	res, err := q.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE entity_type = 'order' AND operation = 'delete'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StripReceiptAndRequeue moves a dead_letter row back to pending (or
// failed if the retry budget is exhausted), stripping its receipt id and
// recording last_error.
func (q *Queue) StripReceiptAndRequeue(ctx context.Context, id int64, errMsg string) error {
	var e Entry
	if err := q.conn.GetContext(ctx, &e, `SELECT * FROM sync_queue WHERE id = ?`, id); err != nil {
		return err
	}
	if e.RetryCount+1 >= e.MaxRetries {
		_, err := q.conn.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'failed', remote_receipt_id = NULL, last_error = ?, next_retry_at = NULL, retry_count = retry_count + 1
			WHERE id = ?`, errMsg, id)
		return err
	}
	_, err := q.conn.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', remote_receipt_id = NULL, last_error = ?, next_retry_at = NULL, retry_count = retry_count + 1
		WHERE id = ?`, errMsg, id)
	return err
}

// CountsByStatus returns a map of status -> row count, for the sync
// status event emitted to the UI.
func (q *Queue) CountsByStatus(ctx context.Context) (map[string]int, error) {
	type row struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	var rows []row
	if err := q.conn.SelectContext(ctx, &rows, `SELECT status, COUNT(*) as count FROM sync_queue GROUP BY status`); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// OldestNextRetryAt returns the earliest next_retry_at among pending
// rows, if any.
func (q *Queue) OldestNextRetryAt(ctx context.Context) (*time.Time, error) {
	var t sql.NullTime
	err := q.conn.GetContext(ctx, &t, `
		SELECT MIN(next_retry_at) FROM sync_queue WHERE status = 'pending' AND next_retry_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// DeleteByEntityIDs removes outbox rows for the given entity ids
// (administrative cleanup, spec.md §4.G remove_invalid_orders).
func (q *Queue) DeleteByEntityIDs(ctx context.Context, entityType string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id IN (?)`, entityType, ids)
	if err != nil {
		return err
	}
	_, err = q.conn.ExecContext(ctx, q.conn.Rebind(query), args...)
	return err
}
