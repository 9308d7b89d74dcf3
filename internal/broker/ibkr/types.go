// Package ibkr handles interactions with the Interactive Brokers Web API.
package ibkr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Snapshot market data field ids. The snapshot endpoint keys its response by
// these numeric strings.
const (
	FieldLast = 31
	FieldBid  = 84
	FieldAsk  = 86
)

// SecdefMatch is one entry of the /iserver/secdef/search response.
type SecdefMatch struct {
	Conid       json.Number     `json:"conid"`
	CompanyName string          `json:"companyName"`
	Symbol      string          `json:"symbol"`
	Description string          `json:"description"` // primary exchange
	Sections    []SecdefSection `json:"sections"`
}

// SecdefSection describes one tradeable security type of a match.
type SecdefSection struct {
	SecType  string `json:"secType"`
	Exchange string `json:"exchange"`
	Conid    string `json:"conid"`
}

// Snapshot holds the subset of market data fields the engine prices with.
// A nil field means the broker did not return it.
type Snapshot struct {
	Conid int64
	Last  *decimal.Decimal
	Bid   *decimal.Decimal
	Ask   *decimal.Decimal
}

// Mid returns the bid/ask midpoint, or nil when either side is missing.
func (s *Snapshot) Mid() *decimal.Decimal {
	if s.Bid == nil || s.Ask == nil {
		return nil
	}
	mid := s.Bid.Add(*s.Ask).Div(decimal.NewFromInt(2))
	return &mid
}

// parseSnapshotPrice parses a snapshot price cell. IBKR prefixes some values
// with a letter marker (C = previous close, H = halted).
func parseSnapshotPrice(raw string) (*decimal.Decimal, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimLeft(v, "CH")
	if v == "" {
		return nil, fmt.Errorf("empty price value %q", raw)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("unparseable price value %q: %w", raw, err)
	}
	return &d, nil
}

// OrderRequest is one order of an /iserver/account/{acct}/orders submission.
type OrderRequest struct {
	Conid     int64   `json:"conid"`
	OrderType string  `json:"orderType"`
	Side      string  `json:"side"`
	TIF       string  `json:"tif"`
	Quantity  int64   `json:"quantity"`
	Price     float64 `json:"price,omitempty"` // limit orders only
	COID      string  `json:"cOID,omitempty"`  // client order tag
}

type orderSubmission struct {
	Orders []OrderRequest `json:"orders"`
}

// orderReply is one element of the order submission response. The broker
// either acknowledges (OrderID set) or asks a confirmation question (ID +
// Messages set); error objects carry only Error.
type orderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	LocalOrder  string   `json:"local_order_id"`
	ID          string   `json:"id"`
	Messages    []string `json:"message"`
	Error       string   `json:"error"`
}

// OrderAck is the terminal acknowledgement of a placed order.
type OrderAck struct {
	OrderID     string `json:"order_id"`
	OrderStatus string `json:"order_status"`
}

type confirmRequest struct {
	Confirmed bool `json:"confirmed"`
}

// LiveOrder is one row of the /iserver/account/orders response.
type LiveOrder struct {
	OrderID   json.Number `json:"orderId"`
	Conid     int64       `json:"conid"`
	Ticker    string      `json:"ticker"`
	Side      string      `json:"side"`
	OrderType string      `json:"origOrderType"`
	Status    string      `json:"status"`
	Quantity  float64     `json:"totalSize"`
	FilledQty float64     `json:"filledQuantity"`
	AvgPrice  string      `json:"avgPrice"`
	Account   string      `json:"account"`
}

type liveOrdersResponse struct {
	Orders []LiveOrder `json:"orders"`
}

// AccountsResponse is the /iserver/accounts payload.
type AccountsResponse struct {
	Accounts        []string `json:"accounts"`
	SelectedAccount string   `json:"selectedAccount"`
}

// Position is one row of the paginated /portfolio/{acct}/positions response.
type Position struct {
	Conid         int64   `json:"conid"`
	ContractDesc  string  `json:"contractDesc"`
	Ticker        string  `json:"ticker"`
	PositionSize  float64 `json:"position"`
	MarketPrice   float64 `json:"mktPrice"`
	MarketValue   float64 `json:"mktValue"`
	AvgCost       float64 `json:"avgCost"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	Currency      string  `json:"currency"`
}

// TickleResponse is the /tickle keep-alive payload. Session carries the
// server-side session id used by the websocket channel.
type TickleResponse struct {
	Session    string `json:"session"`
	SSOExpires int64  `json:"ssoExpires"`
	IServer    struct {
		AuthStatus struct {
			Authenticated bool `json:"authenticated"`
			Connected     bool `json:"connected"`
		} `json:"authStatus"`
	} `json:"iserver"`
}

type liveSessionTokenResponse struct {
	DiffieHellmanResponse     string `json:"diffie_hellman_response"`
	LiveSessionTokenSignature string `json:"live_session_token_signature"`
	LiveSessionTokenExpiry    int64  `json:"live_session_token_expiration"` // ms epoch
}
