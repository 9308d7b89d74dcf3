package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/broker/ibkr"
	"github.com/parthchandak02/ibkr-recurring-orders/pkg/logger"
)

// Broker is the client surface the proxy endpoints reuse.
type Broker interface {
	AccountID(ctx context.Context) (string, error)
	ResolveSymbol(ctx context.Context, symbol string) (int64, error)
	GetAccountPositions(ctx context.Context, accountID string, page int) ([]ibkr.Position, error)
	GetOrders(ctx context.Context) ([]ibkr.LiveOrder, error)
	OpenMarketDataStream(ctx context.Context, conid int64) (*ibkr.MarketDataStream, error)
}

// BrokerHandler exposes thin convenience proxies over the broker client.
type BrokerHandler struct {
	broker Broker
}

// NewBrokerHandler creates the proxy handler.
func NewBrokerHandler(b Broker) *BrokerHandler {
	return &BrokerHandler{broker: b}
}

// RegisterRoutes registers the proxy routes on a chi router.
func (h *BrokerHandler) RegisterRoutes(r chi.Router) {
	r.Get("/account", h.Account)
	r.Get("/positions", h.Positions)
	r.Get("/orders", h.Orders)
	r.Get("/resolve/{symbol}", h.Resolve)
	r.Get("/marketdata/stream/{symbol}", h.Stream)
}

// Account reports the active brokerage account id.
func (h *BrokerHandler) Account(w http.ResponseWriter, r *http.Request) {
	acct, err := h.broker.AccountID(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "account_id": acct})
}

// Positions returns one page of the account's positions (?page=N, default 0).
func (h *BrokerHandler) Positions(w http.ResponseWriter, r *http.Request) {
	page := 0
	if v := r.URL.Query().Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid page %q", v))
			return
		}
		page = n
	}

	acct, err := h.broker.AccountID(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	positions, err := h.broker.GetAccountPositions(r.Context(), acct, page)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "positions": positions})
}

// Orders lists the account's live orders.
func (h *BrokerHandler) Orders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.broker.GetOrders(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "orders": orders})
}

// Resolve maps a symbol to its contract id.
func (h *BrokerHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	conid, err := h.broker.ResolveSymbol(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "symbol": symbol, "conid": conid})
}

// Stream relays the broker's websocket quote stream for a symbol as
// server-sent events until the client disconnects.
func (h *BrokerHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	symbol := chi.URLParam(r, "symbol")
	conid, err := h.broker.ResolveSymbol(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	stream, err := h.broker.OpenMarketDataStream(r.Context(), conid)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case quote, open := <-stream.Quotes():
			if !open {
				return
			}
			raw, err := json.Marshal(quote)
			if err != nil {
				logger.Warnf("Failed to encode quote for conid %d: %v", conid, err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", raw)
			flusher.Flush()
		}
	}
}
