// Package httpapi is the terminal's local control surface (spec.md §6):
// a chi router exposing orders, payments, shifts, Z-report, and sync
// operations to the on-terminal UI, plus a server-sent events stream
// fed by the process-local event bus.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/EpsylonBita/smallpos/internal/apperr"
	"github.com/EpsylonBita/smallpos/internal/events"
	"github.com/EpsylonBita/smallpos/internal/loyalty"
	"github.com/EpsylonBita/smallpos/internal/metrics"
	"github.com/EpsylonBita/smallpos/internal/orders"
	"github.com/EpsylonBita/smallpos/internal/payments"
	"github.com/EpsylonBita/smallpos/internal/shifts"
	"github.com/EpsylonBita/smallpos/internal/sync"
	"github.com/EpsylonBita/smallpos/internal/zreport"
)

// Services bundles every domain service the router dispatches to.
type Services struct {
	Orders   *orders.Service
	Payments *payments.Engine
	Shifts   *shifts.Service
	ZReport  *zreport.Engine
	Sync     *sync.Engine
	Loyalty  *loyalty.Ledger
	Bus      *events.Bus
	Metrics  *metrics.Registry
}

// NewRouter builds the chi router with the full middleware chain and all
// routes mounted, in the order CORS -> RequestID -> Recoverer -> request
// logger -> rate limiter -> JSON content-type check.
func NewRouter(svc Services, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(log))
	r.Use(NewRateLimiter(log, 600).Handler)
	r.Use(chimw.AllowContentType("application/json"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if svc.Metrics != nil {
		r.Handle("/metrics", svc.Metrics.Handler())
	}

	h := &handlers{svc: svc, log: log}

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.createOrder)
		r.Get("/orders/{id}", h.getOrder)

		r.Post("/payments", h.createPayment)
		r.Post("/payments/{id}/adjustments", h.createAdjustment)

		r.Post("/shifts/open", h.openShift)
		r.Post("/shifts/{id}/close", h.closeShift)
		r.Post("/shifts/{id}/expenses", h.recordExpense)
		r.Get("/shifts/{id}/summary", h.shiftSummary)

		r.Post("/loyalty/{customerId}/earn", h.earnLoyaltyPoints)
		r.Post("/loyalty/{customerId}/redeem", h.redeemLoyaltyPoints)

		r.Post("/zreport/preview", h.previewZReport)
		r.Post("/zreport/submit", h.submitZReport)

		r.Get("/sync/status", h.syncStatus)
		r.Post("/sync/force", h.forceSync)

		r.Get("/events", h.streamEvents)
	})

	return r
}

type handlers struct {
	svc Services
	log zerolog.Logger
}

func (h *handlers) createOrder(w http.ResponseWriter, r *http.Request) {
	var payload orders.CreatePayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	result, err := h.svc.Orders.CreateOrder(r.Context(), payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Orders.GetOrderByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	var payload payments.CreatePaymentPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	id, err := h.svc.Payments.CreatePayment(r.Context(), payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) createAdjustment(w http.ResponseWriter, r *http.Request) {
	var payload payments.CreateAdjustmentPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	payload.PaymentID = chi.URLParam(r, "id")
	id, err := h.svc.Payments.CreateAdjustment(r.Context(), payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) openShift(w http.ResponseWriter, r *http.Request) {
	var payload shifts.OpenShiftPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	id, err := h.svc.Shifts.OpenShift(r.Context(), payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handlers) closeShift(w http.ResponseWriter, r *http.Request) {
	var payload shifts.CloseShiftPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	payload.ShiftID = chi.URLParam(r, "id")
	if err := h.svc.Shifts.CloseShift(r.Context(), payload); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) recordExpense(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExpenseType string  `json:"expenseType"`
		Amount      float64 `json:"amount"`
		Description string  `json:"description"`
		StaffID     string  `json:"staffId"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	shiftID := chi.URLParam(r, "id")
	if err := h.svc.Shifts.RecordExpense(r.Context(), shiftID, body.ExpenseType, body.Amount, body.Description, body.StaffID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) shiftSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Shifts.GetShiftSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *handlers) earnLoyaltyPoints(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID string  `json:"orderId"`
		Amount  float64 `json:"amount"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	points, err := h.svc.Loyalty.EarnPoints(r.Context(), chi.URLParam(r, "customerId"), body.OrderID, body.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pointsEarned": points})
}

func (h *handlers) redeemLoyaltyPoints(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Points int `json:"points"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := h.svc.Loyalty.RedeemPoints(r.Context(), chi.URLParam(r, "customerId"), body.Points); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) previewZReport(w http.ResponseWriter, r *http.Request) {
	branchID := r.URL.Query().Get("branch_id")
	result, err := h.svc.ZReport.Generate(r.Context(), branchID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) submitZReport(w http.ResponseWriter, r *http.Request) {
	var payload zreport.SubmitPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	result, counts, err := h.svc.ZReport.Submit(r.Context(), payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"report": result, "finalized": counts})
}

func (h *handlers) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "see sync_status events on /api/events"})
}

func (h *handlers) forceSync(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Sync.ForceSync(r.Context()); err != nil && !errors.Is(err, sync.ErrTerminalDisabled) {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// streamEvents relays the process-local event bus over SSE, matching
// spec.md §2's "all background tasks emit status events to the UI".
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsubscribe := h.svc.Bus.Subscribe(16)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, body)
			flusher.Flush()
		}
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.ClassOf(err) {
	case apperr.ClassValidation:
		status = http.StatusBadRequest
	case apperr.ClassConfiguration:
		status = http.StatusServiceUnavailable
	case apperr.ClassTerminalAuth:
		status = http.StatusForbidden
	case apperr.ClassBackpressure:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
