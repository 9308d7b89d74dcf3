// Package handler exposes the local HTTP surface: manual triggers, status
// queries and thin proxies over the broker client. Bound to loopback,
// unauthenticated by default.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/engine"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/order"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/scheduler"
)

// Engine is the slice of the order engine the HTTP surface invokes.
type Engine interface {
	ExecuteDue(ctx context.Context, now time.Time) (*order.AggregateResult, error)
	ExecuteManual(ctx context.Context, now time.Time, filter order.Frequency) (*order.AggregateResult, error)
	Snapshot() engine.Snapshot
	PreviewDue(ctx context.Context, now time.Time) ([]order.RecurringOrder, error)
}

// Clock reports scheduling state for the status endpoint.
type Clock interface {
	NextFire() time.Time
	Health() scheduler.HealthSnapshot
}

// RecurringHandler serves /recurring/execute and /recurring/status.
type RecurringHandler struct {
	engine Engine
	clock  Clock
	loc    *time.Location
}

// NewRecurringHandler creates a handler over the engine and scheduler.
func NewRecurringHandler(e Engine, clock Clock, loc *time.Location) *RecurringHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &RecurringHandler{engine: e, clock: clock, loc: loc}
}

// RegisterRoutes registers the recurring-order routes on a chi router.
func (h *RecurringHandler) RegisterRoutes(r chi.Router) {
	r.Post("/recurring/execute", h.Execute)
	r.Get("/recurring/status", h.Status)
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Status: "error", Message: message})
}

type executeRequest struct {
	Frequency string `json:"frequency,omitempty"`
	Manual    bool   `json:"manual,omitempty"`
}

// Execute synchronously invokes one engine run. A run already in flight
// yields {"status": "busy"} with 409 and no side effects.
func (h *RecurringHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
	}

	var filter order.Frequency
	if req.Frequency != "" {
		f, err := order.ParseFrequency(req.Frequency)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = f
	}

	now := time.Now().In(h.loc)
	var (
		result *order.AggregateResult
		err    error
	)
	if req.Manual || filter != "" {
		result, err = h.engine.ExecuteManual(r.Context(), now, filter)
	} else {
		result, err = h.engine.ExecuteDue(r.Context(), now)
	}

	switch {
	case errors.Is(err, engine.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

type statusResponse struct {
	Status   string                   `json:"status"`
	InFlight bool                     `json:"in_flight"`
	LastRun  *order.AggregateResult   `json:"last_run,omitempty"`
	NextFire time.Time                `json:"next_fire,omitzero"`
	Health   scheduler.HealthSnapshot `json:"health"`
	DueToday []duePreview             `json:"due_today"`
}

type duePreview struct {
	Symbol    string          `json:"symbol"`
	Frequency order.Frequency `json:"frequency"`
	QtyToBuy  int64           `json:"qty_to_buy,omitempty"`
	AmountUSD string          `json:"amount_usd,omitempty"`
}

// Status reports the last run, the next scheduled fire, and a preview of the
// orders due today.
func (h *RecurringHandler) Status(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()

	resp := statusResponse{
		Status:   "ok",
		InFlight: snap.InFlight,
		LastRun:  snap.LastRun,
		NextFire: h.clock.NextFire(),
		Health:   h.clock.Health(),
		DueToday: []duePreview{},
	}

	due, err := h.engine.PreviewDue(r.Context(), time.Now().In(h.loc))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	for _, o := range due {
		p := duePreview{Symbol: o.Symbol, Frequency: o.Frequency, QtyToBuy: o.QtyToBuy}
		if o.AmountUSD.IsPositive() {
			p.AmountUSD = o.AmountUSD.StringFixed(2)
		}
		resp.DueToday = append(resp.DueToday, p)
	}
	writeJSON(w, http.StatusOK, resp)
}
