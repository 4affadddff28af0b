// Package sync implements the periodic Sync Engine (spec.md §4.K): the
// background loop that reconciles deferred monetary events, drains the
// outbox against the remote admin API, polls batch receipts, and pulls
// remote order changes back into the local store.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/adminclient"
	"github.com/EpsylonBita/smallpos/internal/apperr"
	"github.com/EpsylonBita/smallpos/internal/events"
	"github.com/EpsylonBita/smallpos/internal/outbox"
	"github.com/EpsylonBita/smallpos/internal/payments"
	"github.com/EpsylonBita/smallpos/internal/settings"
	"github.com/EpsylonBita/smallpos/internal/storage"
)

const (
	pathOrdersPrimary  = "/api/pos/orders"
	pathOrdersBatch    = "/api/pos/orders/sync"
	pathOrdersSyncStatus = "/api/pos/orders/sync/status"
	pathShifts         = "/api/pos/shifts/sync"
	pathExpenses       = "/api/pos/shifts/expenses/sync"
	pathStaffPayments  = "/api/pos/shifts/staff-payments/sync"
	pathZReports       = "/api/pos/z-report/submit"
)

func pathReceiptStatus(receiptID string) string {
	return pathOrdersSyncStatus + "?receipt_id=" + url.QueryEscape(receiptID)
}

// ErrTerminalDisabled is surfaced from a tick when the remote classified
// a request as a terminal-auth failure and the engine factory-reset
// itself and stopped.
var ErrTerminalDisabled = errors.New("sync: terminal disabled by remote, factory reset performed")

// StatusCounts is the payload of the sync_status event.
type StatusCounts struct {
	Pending               int        `json:"pending"`
	Failed                int        `json:"failed"`
	QueuedRemote          int        `json:"queuedRemote"`
	BackpressureDeferred  int        `json:"backpressureDeferred"`
	OldestNextRetryAt     *time.Time `json:"oldestNextRetryAt,omitempty"`
	Online                bool       `json:"online"`
	Configured            bool       `json:"configured"`
}

// Engine runs the sync loop described in spec.md §4.K.
type Engine struct {
	db       *storage.DB
	outboxQ  *outbox.Queue
	admin    *adminclient.Client
	creds    *settings.Store
	localSet *settings.LocalSettings
	payEng   *payments.Engine
	bus      *events.Bus
	log      zerolog.Logger

	interval time.Duration

	mu              sync.Mutex
	cancel          context.CancelFunc
	done            chan struct{}
	running         bool
	requeuedOnStart bool
}

// New constructs the sync engine.
func New(db *storage.DB, outboxQ *outbox.Queue, admin *adminclient.Client, creds *settings.Store, localSet *settings.LocalSettings, payEng *payments.Engine, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		db: db, outboxQ: outboxQ, admin: admin, creds: creds, localSet: localSet, payEng: payEng, bus: bus,
		log: log.With().Str("component", "sync").Logger(),
	}
}

// Start begins the background loop, ticking every interval.
func (e *Engine) Start(interval time.Duration) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	if interval < time.Second {
		interval = time.Second
	}
	e.interval = interval
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	e.mu.Unlock()

	e.log.Info().Dur("interval", interval).Msg("starting sync engine")
	go e.loop(ctx)
}

// Stop gracefully shuts the loop down.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	e.tick(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// ForceSync runs one full cycle synchronously, for a manually-triggered
// sync from the control surface.
func (e *Engine) ForceSync(ctx context.Context) error {
	return e.tick(ctx)
}

func (e *Engine) tick(ctx context.Context) error {
	now := time.Now().UTC()

	_, configured := e.creds.Get()
	if !configured {
		e.bus.Publish(events.TopicSyncStatus, StatusCounts{Configured: false}, now)
		return nil
	}

	online := e.admin.HealthCheck(ctx) == nil
	e.bus.Publish(events.TopicNetworkStatus, map[string]interface{}{"online": online}, now)
	if !online {
		counts, _ := e.statusCounts(ctx, false, true)
		e.bus.Publish(events.TopicSyncStatus, counts, now)
		return nil
	}

	if n, err := e.payEng.ReconcileDeferredPayments(ctx); err != nil {
		e.log.Warn().Err(err).Msg("reconcile deferred payments failed")
	} else if n > 0 {
		e.log.Debug().Int("count", n).Msg("promoted waiting_parent payments")
	}
	if n, err := e.payEng.ReconcileDeferredAdjustments(ctx); err != nil {
		e.log.Warn().Err(err).Msg("reconcile deferred adjustments failed")
	} else if n > 0 {
		e.log.Debug().Int("count", n).Msg("promoted waiting_parent adjustments")
	}

	if err := e.runSyncCycle(ctx); err != nil {
		if errors.Is(err, ErrTerminalDisabled) {
			return err
		}
		e.log.Warn().Err(err).Msg("sync cycle failed")
	}

	counts, _ := e.statusCounts(ctx, true, true)
	e.bus.Publish(events.TopicSyncStatus, counts, time.Now().UTC())
	return nil
}

func (e *Engine) statusCounts(ctx context.Context, online, configured bool) (StatusCounts, error) {
	byStatus, err := e.outboxQ.CountsByStatus(ctx)
	if err != nil {
		return StatusCounts{}, err
	}
	oldest, _ := e.outboxQ.OldestNextRetryAt(ctx)
	return StatusCounts{
		Pending:      byStatus["pending"],
		Failed:       byStatus["failed"],
		QueuedRemote: byStatus["queued_remote"],
		OldestNextRetryAt: oldest,
		Online:       online,
		Configured:   configured,
	}, nil
}

// runSyncCycle implements spec.md §4.K's run_sync_cycle steps a-g.
func (e *Engine) runSyncCycle(ctx context.Context) error {
	if _, err := e.outboxQ.DeleteDeleteOperationsForOrders(ctx); err != nil {
		e.log.Warn().Err(err).Msg("housekeeping: delete order-delete rows failed")
	}

	e.mu.Lock()
	needsRequeue := !e.requeuedOnStart
	e.requeuedOnStart = true
	e.mu.Unlock()
	if needsRequeue {
		n, err := e.outboxQ.RequeueFailedByPredicate(ctx, isDeploySideValidationBug)
		if err != nil {
			e.log.Warn().Err(err).Msg("requeue failed-validation rows failed")
		} else if n > 0 {
			e.log.Info().Int("count", n).Msg("requeued rows failed by a since-fixed validation bug")
		}
	}

	if err := e.pollReceipts(ctx); err != nil {
		if errors.Is(err, ErrTerminalDisabled) {
			return err
		}
		e.log.Warn().Err(err).Msg("receipt polling failed")
	}

	if err := e.reconcileRemoteOrders(ctx); err != nil {
		if errors.Is(err, ErrTerminalDisabled) {
			return err
		}
		e.log.Warn().Err(err).Msg("remote order reconciliation failed")
	}

	entries, err := e.outboxQ.TakeReady(ctx, 10)
	if err != nil {
		return fmt.Errorf("take ready: %w", err)
	}
	return e.dispatch(ctx, entries)
}

// isDeploySideValidationBug is the fixed, narrow predicate used by the
// once-per-process-start recovery sweep: it recognizes last_error text
// the remote emits only for validation rules that were subsequently
// relaxed or fixed server-side, never for genuinely invalid local data.
func isDeploySideValidationBug(lastError string) bool {
	return containsAny(lastError, "schema validation temporarily rejected", "deploy-side validation")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (e *Engine) dispatch(ctx context.Context, entries []outbox.Entry) error {
	var orderInsert, orderBatch []outbox.Entry
	for _, entry := range entries {
		switch entry.EntityType {
		case "order":
			if entry.Operation == string(outbox.OpInsert) {
				orderInsert = append(orderInsert, entry)
			} else {
				orderBatch = append(orderBatch, entry)
			}
		case "payment":
			if err := e.payEng.SubmitPayment(ctx, entry); err != nil {
				e.log.Warn().Err(err).Int64("outbox_id", entry.ID).Msg("submit payment failed")
			}
		case "adjustment":
			if err := e.payEng.SubmitAdjustment(ctx, entry); err != nil {
				e.log.Warn().Err(err).Int64("outbox_id", entry.ID).Msg("submit adjustment failed")
			}
		case "staff_shift":
			if err := e.submitSimple(ctx, entry, pathShifts); err != nil {
				if errors.Is(err, ErrTerminalDisabled) {
					return err
				}
				e.log.Warn().Err(err).Int64("outbox_id", entry.ID).Msg("submit shift failed")
			}
		case "shift_expense":
			if err := e.submitSimple(ctx, entry, pathExpenses); err != nil {
				if errors.Is(err, ErrTerminalDisabled) {
					return err
				}
				e.log.Warn().Err(err).Int64("outbox_id", entry.ID).Msg("submit shift expense failed")
			}
		case "staff_payment":
			if err := e.submitSimple(ctx, entry, pathStaffPayments); err != nil {
				if errors.Is(err, ErrTerminalDisabled) {
					return err
				}
				e.log.Warn().Err(err).Int64("outbox_id", entry.ID).Msg("submit staff payment failed")
			}
		case "z_report":
			if err := e.submitSimple(ctx, entry, pathZReports); err != nil {
				if errors.Is(err, ErrTerminalDisabled) {
					return err
				}
				e.log.Warn().Err(err).Int64("outbox_id", entry.ID).Msg("submit z_report failed")
			}
		default:
			e.log.Warn().Str("entity_type", entry.EntityType).Int64("outbox_id", entry.ID).Msg("unknown outbox entity type; deferring")
			_ = e.outboxQ.Defer(ctx, entry.ID, 30*time.Second, "unknown entity_type")
		}
	}

	for _, entry := range orderInsert {
		if err := e.submitOrderPrimary(ctx, entry); err != nil {
			if errors.Is(err, ErrTerminalDisabled) {
				return err
			}
			e.log.Warn().Err(err).Int64("outbox_id", entry.ID).Msg("submit order primary path failed")
		}
	}
	if len(orderBatch) > 0 {
		if err := e.submitOrderBatch(ctx, orderBatch); err != nil {
			if errors.Is(err, ErrTerminalDisabled) {
				return err
			}
			e.log.Warn().Err(err).Int("count", len(orderBatch)).Msg("submit order batch failed")
		}
	}
	return nil
}

// submitSimple POSTs the outbox row's payload to path with its
// idempotency key and applies the shared success/fail/defer/terminal-auth
// classification used by every non-order, non-payment entity type.
func (e *Engine) submitSimple(ctx context.Context, entry outbox.Entry, path string) error {
	body := map[string]interface{}{"idempotencyKey": entry.IdempotencyKey, "payload": json.RawMessage(entry.Payload)}
	_, err := e.admin.Do(ctx, adminclient.TimeoutData, "POST", path, body)
	if err == nil {
		return e.outboxQ.MarkSynced(ctx, entry.ID)
	}
	return e.classifyAndApply(ctx, entry.ID, err)
}

func (e *Engine) classifyAndApply(ctx context.Context, outboxID int64, err error) error {
	class := apperr.ClassOf(err)
	switch class {
	case apperr.ClassTerminalAuth:
		if resetErr := e.FactoryReset(ctx); resetErr != nil {
			e.log.Error().Err(resetErr).Msg("factory reset after terminal-auth failure failed")
		}
		return ErrTerminalDisabled
	case apperr.ClassPermanent:
		return e.outboxQ.FailPermanent(ctx, outboxID, err.Error())
	case apperr.ClassBackpressure:
		secs := 5
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.RetryAfterSeconds > 0 {
			secs = ae.RetryAfterSeconds
		}
		return e.outboxQ.Defer(ctx, outboxID, time.Duration(secs)*time.Second, err.Error())
	default:
		return e.outboxQ.Fail(ctx, outboxID, err.Error())
	}
}

// submitOrderPrimary implements the direct-insert primary path: one POST
// per order-insert outbox row.
func (e *Engine) submitOrderPrimary(ctx context.Context, entry outbox.Entry) error {
	body := map[string]interface{}{"idempotencyKey": entry.IdempotencyKey, "payload": json.RawMessage(entry.Payload)}
	resp, err := e.admin.Do(ctx, adminclient.TimeoutData, "POST", pathOrdersPrimary, body)
	if err != nil {
		return e.classifyAndApply(ctx, entry.ID, err)
	}
	var out struct {
		SupabaseID string `json:"supabaseId"`
	}
	_ = resp.JSON(&out)
	conn := e.db.Conn()
	if out.SupabaseID != "" {
		if _, err := conn.ExecContext(ctx, `UPDATE orders SET sync_status = 'synced', supabase_id = ? WHERE id = ?`, out.SupabaseID, entry.EntityID); err != nil {
			e.log.Warn().Err(err).Str("order_id", entry.EntityID).Msg("update order after primary sync failed")
		}
	} else {
		if _, err := conn.ExecContext(ctx, `UPDATE orders SET sync_status = 'synced' WHERE id = ?`, entry.EntityID); err != nil {
			e.log.Warn().Err(err).Str("order_id", entry.EntityID).Msg("update order after primary sync failed")
		}
	}
	if _, err := e.payEng.PromoteWaitingPaymentsForOrder(ctx, entry.EntityID); err != nil {
		e.log.Warn().Err(err).Str("order_id", entry.EntityID).Msg("promote waiting payments after order sync failed")
	}
	return e.outboxQ.MarkSynced(ctx, entry.ID)
}

// submitOrderBatch implements the fallback batch path for order outbox
// rows the primary path doesn't cover (non-insert operations).
func (e *Engine) submitOrderBatch(ctx context.Context, entries []outbox.Entry) error {
	type item struct {
		IdempotencyKey string          `json:"idempotencyKey"`
		Payload        json.RawMessage `json:"payload"`
	}
	items := make([]item, 0, len(entries))
	for _, entry := range entries {
		items = append(items, item{IdempotencyKey: entry.IdempotencyKey, Payload: json.RawMessage(entry.Payload)})
	}
	resp, err := e.admin.Do(ctx, adminclient.TimeoutData, "POST", pathOrdersBatch, map[string]interface{}{"items": items})
	if err != nil {
		class := apperr.ClassOf(err)
		if class == apperr.ClassTerminalAuth {
			if resetErr := e.FactoryReset(ctx); resetErr != nil {
				e.log.Error().Err(resetErr).Msg("factory reset after terminal-auth failure failed")
			}
			return ErrTerminalDisabled
		}
		for _, entry := range entries {
			_ = e.classifyAndApply(ctx, entry.ID, err)
		}
		return err
	}
	var out struct {
		ReceiptID string `json:"receiptId"`
	}
	if jerr := resp.JSON(&out); jerr != nil || out.ReceiptID == "" {
		for _, entry := range entries {
			_ = e.outboxQ.Fail(ctx, entry.ID, "batch response missing receiptId")
		}
		return fmt.Errorf("decode batch response: %w", jerr)
	}
	ids := make([]int64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	return e.outboxQ.MarkQueuedRemote(ctx, ids, out.ReceiptID, 30*time.Second)
}

// pollReceipts implements step b: poll up to 20 distinct batch receipts
// whose poll window elapsed and apply the server's verdict to every
// outbox row carrying that receipt.
func (e *Engine) pollReceipts(ctx context.Context) error {
	receiptIDs, err := e.outboxQ.DistinctDueReceipts(ctx, 20)
	if err != nil {
		return fmt.Errorf("distinct due receipts: %w", err)
	}
	for _, receiptID := range receiptIDs {
		rows, err := e.outboxQ.RowsByReceipt(ctx, receiptID)
		if err != nil {
			e.log.Warn().Err(err).Str("receipt_id", receiptID).Msg("load rows by receipt failed")
			continue
		}
		resp, err := e.admin.Do(ctx, adminclient.TimeoutData, "GET", pathReceiptStatus(receiptID), nil)
		if err != nil {
			class := apperr.ClassOf(err)
			if class == apperr.ClassTerminalAuth {
				if resetErr := e.FactoryReset(ctx); resetErr != nil {
					e.log.Error().Err(resetErr).Msg("factory reset after terminal-auth failure failed")
				}
				return ErrTerminalDisabled
			}
			if class == apperr.ClassBackpressure {
				secs := 5
				var ae *apperr.Error
				if errors.As(err, &ae) && ae.RetryAfterSeconds > 0 {
					secs = ae.RetryAfterSeconds
				}
				for _, row := range rows {
					_ = e.outboxQ.Defer(ctx, row.ID, time.Duration(secs)*time.Second, err.Error())
				}
			}
			continue
		}
		var out struct {
			Status string `json:"status"`
		}
		_ = resp.JSON(&out)

		switch out.Status {
		case "completed":
			conn := e.db.Conn()
			for _, row := range rows {
				if merr := e.outboxQ.MarkSynced(ctx, row.ID); merr != nil {
					e.log.Warn().Err(merr).Int64("outbox_id", row.ID).Msg("mark synced after receipt completion failed")
					continue
				}
				if row.EntityType == "order" {
					if _, uerr := conn.ExecContext(ctx, `UPDATE orders SET sync_status = 'synced' WHERE id = ?`, row.EntityID); uerr != nil {
						e.log.Warn().Err(uerr).Str("order_id", row.EntityID).Msg("mark order synced after receipt completion failed")
					}
				}
			}
		case "dead_letter":
			for _, row := range rows {
				if serr := e.outboxQ.StripReceiptAndRequeue(ctx, row.ID, "remote receipt dead_letter"); serr != nil {
					e.log.Warn().Err(serr).Int64("outbox_id", row.ID).Msg("strip receipt and requeue failed")
				}
			}
		case "failed":
			for _, row := range rows {
				if ferr := e.outboxQ.Fail(ctx, row.ID, "remote receipt reported failed"); ferr != nil {
					e.log.Warn().Err(ferr).Int64("outbox_id", row.ID).Msg("fail after receipt failure report failed")
				}
			}
		default: // "processing", "pending", or unrecognized: re-poll next cycle
		}
	}
	return nil
}

// remoteOrder is the subset of a remote order representation the
// reconciler understands well enough to materialize or merge locally.
type remoteOrder struct {
	ID              string          `json:"id"`
	ClientRequestID string          `json:"clientRequestId"`
	SupabaseID      string          `json:"supabaseId"`
	OrderNumber     string          `json:"orderNumber"`
	Status          string          `json:"status"`
	PaymentStatus   string          `json:"paymentStatus"`
	OrderType       string          `json:"orderType"`
	Total           float64         `json:"total"`
	BranchID        string          `json:"branchId"`
	TerminalID      string          `json:"terminalId"`
	Items           json.RawMessage `json:"items"`
	UpdatedAt       string          `json:"updatedAt"`
	CreatedAt       string          `json:"createdAt"`
}

// reconcileRemoteOrders implements step c: pull remote order changes
// since the sync cursor, in up to 4 pages, applying deletions and
// resolve-or-materialize merges with local-pending precedence.
func (e *Engine) reconcileRemoteOrders(ctx context.Context) error {
	cursor, ok := e.localSet.Get(ctx, settings.CategorySync, settings.KeyOrdersSince)
	if !ok || cursor == "" {
		cursor = time.Unix(0, 0).UTC().Format(time.RFC3339)
	}
	maxSeen := cursor

	for page := 0; page < 4; page++ {
		path := fmt.Sprintf("%s?since=%s&include_deleted=true&page=%d", pathOrdersBatch, url.QueryEscape(cursor), page)
		resp, err := e.admin.Do(ctx, adminclient.TimeoutData, "GET", path, nil)
		if err != nil {
			class := apperr.ClassOf(err)
			if class == apperr.ClassTerminalAuth {
				if resetErr := e.FactoryReset(ctx); resetErr != nil {
					e.log.Error().Err(resetErr).Msg("factory reset after terminal-auth failure failed")
				}
				return ErrTerminalDisabled
			}
			return fmt.Errorf("fetch remote order page %d: %w", page, err)
		}
		var payload struct {
			Orders     []remoteOrder `json:"orders"`
			DeletedIDs []string      `json:"deleted_ids"`
			HasMore    bool          `json:"has_more"`
		}
		if err := resp.JSON(&payload); err != nil {
			return fmt.Errorf("decode remote order page %d: %w", page, err)
		}

		conn := e.db.Conn()
		for _, id := range payload.DeletedIDs {
			if _, err := conn.ExecContext(ctx, `DELETE FROM orders WHERE id = ? OR supabase_id = ?`, id, id); err != nil {
				e.log.Warn().Err(err).Str("remote_id", id).Msg("delete locally-mirrored deleted order failed")
			}
		}

		for _, ro := range payload.Orders {
			if err := e.mergeRemoteOrder(ctx, ro); err != nil {
				e.log.Warn().Err(err).Str("remote_id", ro.ID).Msg("merge remote order failed")
				continue
			}
			if ro.UpdatedAt > maxSeen {
				maxSeen = ro.UpdatedAt
			}
		}

		if !payload.HasMore {
			break
		}
	}

	if maxSeen != cursor {
		if err := e.localSet.Set(ctx, settings.CategorySync, settings.KeyOrdersSince, maxSeen); err != nil {
			return fmt.Errorf("advance sync cursor: %w", err)
		}
	}
	return nil
}

func (e *Engine) mergeRemoteOrder(ctx context.Context, ro remoteOrder) error {
	conn := e.db.Conn()
	localID, found := e.resolveLocalOrderID(ctx, ro)
	if !found {
		return e.materializeRemoteOrder(ctx, ro)
	}

	var pendingCount int
	if err := conn.GetContext(ctx, &pendingCount, `
		SELECT COUNT(*) FROM sync_queue WHERE entity_type = 'order' AND entity_id = ? AND status != 'synced'`, localID); err != nil {
		return fmt.Errorf("check pending outbox for order: %w", err)
	}

	if pendingCount == 0 {
		var localUpdatedAt string
		if err := conn.GetContext(ctx, &localUpdatedAt, `SELECT updated_at FROM orders WHERE id = ?`, localID); err != nil {
			return fmt.Errorf("load local updated_at: %w", err)
		}
		if ro.UpdatedAt >= localUpdatedAt {
			if _, err := conn.ExecContext(ctx, `
				UPDATE orders SET status = ?, payment_status = ?, supabase_id = ?, updated_at = ?
				WHERE id = ?`, ro.Status, ro.PaymentStatus, nullIfEmpty(ro.SupabaseID), ro.UpdatedAt, localID); err != nil {
				return fmt.Errorf("apply remote order status: %w", err)
			}
		}
	}

	if _, err := e.payEng.PromoteWaitingPaymentsForOrder(ctx, localID); err != nil {
		e.log.Warn().Err(err).Str("order_id", localID).Msg("promote waiting payments during reconciliation failed")
	}
	return nil
}

func (e *Engine) resolveLocalOrderID(ctx context.Context, ro remoteOrder) (string, bool) {
	conn := e.db.Conn()
	var id string
	queries := []struct {
		col string
		val string
	}{
		{"client_request_id", ro.ClientRequestID},
		{"id", ro.ID},
		{"supabase_id", ro.SupabaseID},
		{"order_number", ro.OrderNumber},
	}
	for _, q := range queries {
		if q.val == "" {
			continue
		}
		err := conn.GetContext(ctx, &id, fmt.Sprintf(`SELECT id FROM orders WHERE %s = ?`, q.col), q.val)
		if err == nil {
			return id, true
		}
	}
	return "", false
}

func (e *Engine) materializeRemoteOrder(ctx context.Context, ro remoteOrder) error {
	conn := e.db.Conn()
	id := ro.ID
	if id == "" {
		id = ro.SupabaseID
	}
	if id == "" {
		return fmt.Errorf("remote order has neither id nor supabaseId, cannot materialize")
	}
	items := "[]"
	if len(ro.Items) > 0 {
		items = string(ro.Items)
	}
	orderType := ro.OrderType
	if orderType == "" {
		orderType = "dine-in"
	}
	_, err := conn.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, items, total, status, payment_status, order_type, supabase_id, client_request_id, sync_status, branch_id, terminal_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'synced', ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, ro.OrderNumber, items, ro.Total, ro.Status, ro.PaymentStatus, orderType,
		nullIfEmpty(ro.SupabaseID), nullIfEmpty(ro.ClientRequestID), nullIfEmpty(ro.BranchID), nullIfEmpty(ro.TerminalID),
		nonEmptyOr(ro.CreatedAt, time.Now().UTC().Format(time.RFC3339)), nonEmptyOr(ro.UpdatedAt, time.Now().UTC().Format(time.RFC3339)))
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonEmptyOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// FactoryReset drops all operational data and credentials and emits the
// app_reset and terminal_disabled events, per spec.md §4.K's
// terminal-auth failure response. The caller is responsible for treating
// ErrTerminalDisabled as a signal to stop relying on this tick's results.
func (e *Engine) FactoryReset(ctx context.Context) error {
	tables := []string{
		"payment_adjustments", "order_payments", "driver_earnings", "sync_queue",
		"shift_expenses", "staff_payments", "print_jobs", "cash_drawer_sessions",
		"staff_shifts", "z_reports", "orders",
	}
	err := e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	if err := e.creds.FactoryReset(); err != nil {
		return fmt.Errorf("factory reset: clear credentials: %w", err)
	}

	now := time.Now().UTC()
	e.bus.Publish(events.TopicAppReset, map[string]interface{}{"reason": "terminal_auth_failure"}, now)
	e.bus.Publish(events.TopicTerminalDisabled, map[string]interface{}{"reason": "terminal_auth_failure"}, now)

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
