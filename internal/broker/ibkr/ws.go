package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/parthchandak02/ibkr-recurring-orders/pkg/logger"
)

// The websocket channel mirrors the snapshot fields as a push stream. The
// server authenticates the upgrade with the session id returned by /tickle,
// and expects a "tic" heartbeat to keep the channel open.

const wsHeartbeatInterval = 58 * time.Second

// Quote is one streamed market data update for a contract.
type Quote struct {
	Conid    int64            `json:"conid"`
	Last     *decimal.Decimal `json:"last,omitempty"`
	Bid      *decimal.Decimal `json:"bid,omitempty"`
	Ask      *decimal.Decimal `json:"ask,omitempty"`
	Received time.Time        `json:"received"`
}

// MarketDataStream is a live subscription to one contract's quotes.
type MarketDataStream struct {
	conn   *websocket.Conn
	conid  int64
	quotes chan Quote

	closeOnce sync.Once
	done      chan struct{}
}

// OpenMarketDataStream opens the websocket channel and subscribes to the
// given contract's last/bid/ask fields. The returned stream delivers quotes
// until Close is called or the connection drops.
func (c *Client) OpenMarketDataStream(ctx context.Context, conid int64) (*MarketDataStream, error) {
	tickle, err := c.Tickle(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open session for websocket: %w", err)
	}
	if tickle.Session == "" {
		return nil, fmt.Errorf("tickle response carries no session id")
	}

	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1) + "/ws"
	header := http.Header{}
	header.Set("Cookie", "api="+tickle.Session)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial to %s failed: %w", wsURL, err)
	}

	sub := fmt.Sprintf(`smd+%d+{"fields":["%d","%d","%d"]}`, conid, FieldLast, FieldBid, FieldAsk)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("websocket subscribe failed: %w", err)
	}

	s := &MarketDataStream{
		conn:   conn,
		conid:  conid,
		quotes: make(chan Quote, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	go s.heartbeatLoop()
	logger.Infof("Market data stream open for conid %d", conid)
	return s, nil
}

// Quotes returns the stream's delivery channel. It is closed when the stream
// ends.
func (s *MarketDataStream) Quotes() <-chan Quote {
	return s.quotes
}

// Close unsubscribes and tears the connection down. Safe to call twice.
func (s *MarketDataStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		unsub := fmt.Sprintf("umd+%d+{}", s.conid)
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(unsub))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = s.conn.Close()
		close(s.done)
	})
	return err
}

func (s *MarketDataStream) readLoop() {
	defer close(s.quotes)
	wantTopic := fmt.Sprintf("smd+%d", s.conid)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Closed by us.
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Errorf("Market data stream read error for conid %d: %v", s.conid, err)
				}
			}
			return
		}

		var payload map[string]json.RawMessage
		if err := json.Unmarshal(message, &payload); err != nil {
			logger.Debugf("Ignoring non-JSON websocket frame: %s", message)
			continue
		}
		var topic string
		if raw, ok := payload["topic"]; ok {
			_ = json.Unmarshal(raw, &topic)
		}
		if topic != wantTopic {
			continue
		}

		q := Quote{Conid: s.conid, Received: time.Now().UTC()}
		for field, dst := range map[int]**decimal.Decimal{
			FieldLast: &q.Last,
			FieldBid:  &q.Bid,
			FieldAsk:  &q.Ask,
		} {
			raw, ok := payload[strconv.Itoa(field)]
			if !ok {
				continue
			}
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				continue
			}
			if price, err := parseSnapshotPrice(v); err == nil {
				*dst = price
			}
		}
		if q.Last == nil && q.Bid == nil && q.Ask == nil {
			continue
		}

		select {
		case s.quotes <- q:
		default:
			// Slow consumer; drop the update rather than stall the read loop.
		}
	}
}

func (s *MarketDataStream) heartbeatLoop() {
	ticker := time.NewTicker(wsHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte("tic")); err != nil {
				logger.Debugf("Market data heartbeat failed for conid %d: %v", s.conid, err)
				return
			}
		}
	}
}
