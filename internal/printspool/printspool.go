// Package printspool implements the print job queue (spec.md §4.F): a
// table-backed FIFO drained by a periodic background tick, modeled on
// the teacher's HealthPoller ticker+cancel+done loop.
package printspool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/printrender"
)

// Status is a print_jobs row lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPrinting Status = "printing"
	StatusPrinted  Status = "printed"
	StatusFailed   Status = "failed"
)

// Role selects which printer_profiles row handles a given document
// kind: order/receipt/kitchen/checkout all map to "receipt" except
// kitchen tickets, which map to "kitchen" (spec.md §4.F).
type Role string

const (
	RoleReceipt Role = "receipt"
	RoleKitchen Role = "kitchen"
)

func roleFor(entityType string) Role {
	if entityType == "kitchen_ticket" {
		return RoleKitchen
	}
	return RoleReceipt
}

// Job mirrors one print_jobs row.
type Job struct {
	ID                string         `db:"id"`
	EntityType        string         `db:"entity_type"`
	EntityID          string         `db:"entity_id"`
	PrinterProfileID  sql.NullString `db:"printer_profile_id"`
	Status            string         `db:"status"`
	RetryCount        int            `db:"retry_count"`
	MaxRetries        int            `db:"max_retries"`
	NextRetryAt       sql.NullTime   `db:"next_retry_at"`
	LastError         sql.NullString `db:"last_error"`
	WarningCode       sql.NullString `db:"warning_code"`
	WarningMessage    sql.NullString `db:"warning_message"`
	OutputPath        sql.NullString `db:"output_path"`
	EntityPayloadJSON sql.NullString `db:"entity_payload_json"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// PrinterProfile mirrors one printer_profiles row.
type PrinterProfile struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	Role             string `db:"role"`
	ConnectionType   string `db:"connection_type"`
	ConnectionTarget string `db:"connection_target"`
	PaperWidthMM     int    `db:"paper_width_mm"`
	IsDefault        int    `db:"is_default"`
	LogoPath         sql.NullString `db:"logo_path"`
	CutOnFinish      int    `db:"cut_on_finish"`
	CreatedAt        string `db:"created_at"`
}

// DocumentBuilder produces the structured printrender.Document and
// LayoutConfig for a given job, backed by SQL lookups for order/ticket/
// checkout kinds. z_report documents are built only from the job's
// stored payload; no SQL lookup is made for them.
type DocumentBuilder interface {
	Build(ctx context.Context, job Job) (printrender.Document, printrender.LayoutConfig, error)
}

// Dispatcher sends raw ESC/POS bytes to an OS printer by name. The
// concrete OS-level implementation is outside this core's scope (spec.md
// §1); a Dispatcher is provided by the host application.
type Dispatcher interface {
	Dispatch(ctx context.Context, printerName string, data []byte) error
}

// ErrNoHardwareProfile is returned (and treated as non-retryable) when no
// printer profile resolves for a job's role.
var ErrNoHardwareProfile = errors.New("No hardware printer profile resolved")

// Spooler owns the print_jobs queue and its worker tick.
type Spooler struct {
	conn       *sqlx.DB
	log        zerolog.Logger
	dataDir    string
	builder    DocumentBuilder
	dispatcher Dispatcher

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New constructs a Spooler.
func New(conn *sqlx.DB, dataDir string, builder DocumentBuilder, dispatcher Dispatcher, log zerolog.Logger) *Spooler {
	return &Spooler{
		conn:       conn,
		dataDir:    dataDir,
		builder:    builder,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "print_spooler").Logger(),
	}
}

// EnqueuePrintJob inserts a new pending job, or returns the id of an
// already pending/printing job for the same (entity_type, entity_id)
// pair with duplicate=true, enforced by a partial unique index.
func (s *Spooler) EnqueuePrintJob(ctx context.Context, entityType, entityID string, printerProfileID *string, payloadJSON string) (id string, duplicate bool, err error) {
	var existing string
	err = s.conn.GetContext(ctx, &existing, `
		SELECT id FROM print_jobs
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending','printing')`,
		entityType, entityID)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("enqueue print job: lookup: %w", err)
	}

	newID := uuid.NewString()
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO print_jobs (id, entity_type, entity_id, printer_profile_id, status, entity_payload_json)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		newID, entityType, entityID, printerProfileID, nullableString(payloadJSON))
	if err != nil {
		// A race with a concurrent enqueue can still trip the unique index.
		var again string
		if lookupErr := s.conn.GetContext(ctx, &again, `
			SELECT id FROM print_jobs WHERE entity_type = ? AND entity_id = ? AND status IN ('pending','printing')`,
			entityType, entityID); lookupErr == nil {
			return again, true, nil
		}
		return "", false, fmt.Errorf("enqueue print job: insert: %w", err)
	}
	return newID, false, nil
}

// ListPrintJobs returns jobs, optionally filtered by status.
func (s *Spooler) ListPrintJobs(ctx context.Context, status string) ([]Job, error) {
	var jobs []Job
	if status == "" {
		err := s.conn.SelectContext(ctx, &jobs, `SELECT * FROM print_jobs ORDER BY created_at DESC`)
		return jobs, err
	}
	err := s.conn.SelectContext(ctx, &jobs, `SELECT * FROM print_jobs WHERE status = ? ORDER BY created_at DESC`, status)
	return jobs, err
}

// Start begins the background worker tick, modeled on the teacher's
// HealthPoller: ticker + context.CancelFunc + done channel.
func (s *Spooler) Start(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	s.log.Info().Dur("interval", interval).Msg("starting print spooler")
	go s.loop(ctx, interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Spooler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	running := s.running
	s.running = false
	s.mu.Unlock()

	if !running {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("print spooler stopped")
}

func (s *Spooler) loop(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ProcessPendingJobs(ctx); err != nil {
				s.log.Error().Err(err).Msg("process pending print jobs failed")
			}
		}
	}
}

// ProcessPendingJobs is the worker tick: reads up to 10 due pending
// jobs, marks each printing, builds its document, renders HTML and
// ESC/POS, dispatches, and marks printed. Non-fatal issues are recorded
// as job warnings without demoting status; an unresolved printer profile
// is treated as a non-retryable failure (spec.md §4.F).
func (s *Spooler) ProcessPendingJobs(ctx context.Context) error {
	var jobs []Job
	err := s.conn.SelectContext(ctx, &jobs, `
		SELECT * FROM print_jobs
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= datetime('now'))
		ORDER BY created_at
		LIMIT 10`)
	if err != nil {
		return fmt.Errorf("select pending jobs: %w", err)
	}

	for _, job := range jobs {
		if err := s.markPrinting(ctx, job.ID); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("mark printing failed")
			continue
		}
		s.processOne(ctx, job)
	}
	return nil
}

func (s *Spooler) processOne(ctx context.Context, job Job) {
	doc, cfg, err := s.builder.Build(ctx, job)
	if err != nil {
		if errors.Is(err, ErrNoHardwareProfile) {
			s.failNonRetryable(ctx, job, ErrNoHardwareProfile)
			return
		}
		s.failJob(ctx, job, err)
		return
	}

	profile, err := s.resolveProfile(ctx, job)
	if err != nil {
		s.failNonRetryable(ctx, job, ErrNoHardwareProfile)
		return
	}

	html, htmlWarnings := printrender.RenderHTML(doc, cfg)
	outputPath, err := s.writeHTMLArtifact(job.EntityType, job.EntityID, html)
	if err != nil {
		s.failJob(ctx, job, fmt.Errorf("write html artifact: %w", err))
		return
	}

	escpos, escWarnings := printrender.RenderESCPOS(doc, cfg)
	if err := s.dispatcher.Dispatch(ctx, profile.ConnectionTarget, escpos); err != nil {
		s.failJob(ctx, job, fmt.Errorf("dispatch to printer %q: %w", profile.Name, err))
		return
	}

	for _, w := range dedupeWarnings(htmlWarnings, escWarnings) {
		s.setPrintJobWarning(ctx, job.ID, w, w)
	}
	s.markPrinted(ctx, job.ID, outputPath)
}

func dedupeWarnings(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range append(append([]string{}, a...), b...) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

func (s *Spooler) resolveProfile(ctx context.Context, job Job) (PrinterProfile, error) {
	role := roleFor(job.EntityType)
	var profile PrinterProfile

	if job.PrinterProfileID.Valid {
		if err := s.conn.GetContext(ctx, &profile, `SELECT * FROM printer_profiles WHERE id = ?`, job.PrinterProfileID.String); err == nil {
			return profile, nil
		}
	}

	err := s.conn.GetContext(ctx, &profile, `
		SELECT * FROM printer_profiles WHERE role = ? ORDER BY is_default DESC LIMIT 1`, string(role))
	if err != nil {
		return PrinterProfile{}, ErrNoHardwareProfile
	}
	return profile, nil
}

func (s *Spooler) writeHTMLArtifact(entityType, entityID, html string) (string, error) {
	dir := filepath.Join(s.dataDir, "receipts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s-%d.html", entityType, entityID, time.Now().UnixNano()))
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Spooler) markPrinting(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE print_jobs SET status = 'printing', updated_at = datetime('now') WHERE id = ?`, id)
	return err
}

func (s *Spooler) markPrinted(ctx context.Context, id, outputPath string) {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE print_jobs SET status = 'printed', output_path = ?, updated_at = datetime('now') WHERE id = ?`,
		outputPath, id)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", id).Msg("mark printed failed")
	}
}

func (s *Spooler) setPrintJobWarning(ctx context.Context, id, code, message string) {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE print_jobs SET warning_code = ?, warning_message = ?, updated_at = datetime('now') WHERE id = ?`,
		code, message, id)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", id).Msg("set print job warning failed")
	}
}

// failJob routes a failure through the exponential-backoff retry
// policy, marking the job failed outright once max_retries is reached.
func (s *Spooler) failJob(ctx context.Context, job Job, cause error) {
	newRetryCount := job.RetryCount + 1
	s.log.Warn().Err(cause).Str("job_id", job.ID).Int("retry_count", newRetryCount).Msg("print job failed")

	if newRetryCount >= job.MaxRetries {
		s.failNonRetryable(ctx, job, cause)
		return
	}
	delay := backoffDelay(newRetryCount)
	_, err := s.conn.ExecContext(ctx, `
		UPDATE print_jobs
		SET status = 'pending', retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = datetime('now')
		WHERE id = ?`,
		newRetryCount, time.Now().Add(delay).UTC(), cause.Error(), job.ID)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("reschedule print job failed")
	}
}

// failNonRetryable marks a job permanently failed, used both when the
// retry budget is exhausted and when hardware resolution fails outright.
func (s *Spooler) failNonRetryable(ctx context.Context, job Job, cause error) {
	_, err := s.conn.ExecContext(ctx, `
		UPDATE print_jobs SET status = 'failed', last_error = ?, updated_at = datetime('now') WHERE id = ?`,
		cause.Error(), job.ID)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("fail print job failed")
	}
}

func backoffDelay(retryCount int) time.Duration {
	base := time.Second * time.Duration(1<<uint(minInt(retryCount, 6)))
	cap := 2 * time.Minute
	if base > cap {
		return cap
	}
	return base
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
