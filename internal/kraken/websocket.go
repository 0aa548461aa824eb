package kraken

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/broker"
)

const (
	fillBuffer     = 256
	initialBackoff = time.Second
	maxBackoff     = time.Minute
	tokenTimeout   = 10 * time.Second
)

// Fill is one executed trade observed on the private feed.
type Fill struct {
	TradeID string
	OrderID string
	Pair    string
	Side    broker.Side
	Price   float64
	Volume  float64
	Fee     float64
	Time    time.Time
}

// Feed maintains the authenticated WebSocket connection and forwards fills
// to the lifecycle owner. Tokens are short-lived, so every reconnect fetches
// a fresh one and re-issues the subscriptions.
type Feed struct {
	client *Client
	url    string
	logger zerolog.Logger

	fills chan Fill

	mu         sync.Mutex
	conn       *websocket.Conn
	running    bool
	stopChan   chan struct{}
	reconnects int
}

// NewFeed builds the feed for the given REST client, which supplies
// websocket tokens.
func NewFeed(client *Client, logger zerolog.Logger) *Feed {
	return &Feed{
		client: client,
		url:    client.cfg.WSURL,
		logger: logger.With().Str("component", "kraken_feed").Logger(),
		fills:  make(chan Fill, fillBuffer),
	}
}

// Fills is the stream of executed trades. The channel is buffered; if the
// consumer stalls, new fills are dropped with a warning.
func (f *Feed) Fills() <-chan Fill { return f.fills }

// Start validates credentials by fetching the first token, then runs the
// connect loop in the background. Calling Start on a running feed is a no-op.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.stopChan = make(chan struct{})
	f.mu.Unlock()

	token, err := f.client.WebSocketsToken(ctx)
	if err != nil {
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
		return err
	}

	go f.run(token)
	f.logger.Info().Msg("private feed started")
	return nil
}

// Stop closes the connection and ends the connect loop.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopChan)
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.logger.Info().Msg("private feed stopped")
}

// Reconnects reports how many times the feed has had to re-establish the
// connection since Start.
func (f *Feed) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func (f *Feed) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Feed) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
}

func (f *Feed) run(token string) {
	backoff := initialBackoff
	for {
		if !f.isRunning() {
			return
		}
		if token == "" {
			ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
			fresh, err := f.client.WebSocketsToken(ctx)
			cancel()
			if err != nil {
				f.logger.Warn().Err(err).Dur("backoff", backoff).Msg("websocket token refresh failed")
				if !f.sleep(backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				continue
			}
			token = fresh
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			f.logger.Warn().Err(err).Dur("backoff", backoff).Msg("websocket dial failed")
			token = ""
			if !f.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if err := f.subscribe(conn, token); err != nil {
			f.logger.Warn().Err(err).Msg("websocket subscribe failed")
			conn.Close()
			token = ""
			if !f.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		f.setConn(conn)
		backoff = initialBackoff
		f.logger.Info().Msg("private feed connected")

		f.readLoop(conn)

		f.setConn(nil)
		conn.Close()
		if !f.isRunning() {
			return
		}
		f.mu.Lock()
		f.reconnects++
		n := f.reconnects
		f.mu.Unlock()
		f.logger.Warn().Int("reconnects", n).Msg("private feed connection lost, reconnecting")
		token = ""
		if !f.sleep(backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (f *Feed) sleep(d time.Duration) bool {
	select {
	case <-f.stopChan:
		return false
	case <-time.After(d):
		return true
	}
}

type wsSubscription struct {
	Name     string `json:"name"`
	Token    string `json:"token"`
	Snapshot *bool  `json:"snapshot,omitempty"`
}

type wsSubscribe struct {
	Event        string         `json:"event"`
	Subscription wsSubscription `json:"subscription"`
}

// subscribe re-issues both private subscriptions. ownTrades is subscribed
// without the snapshot so a reconnect never replays historical fills as new.
func (f *Feed) subscribe(conn *websocket.Conn, token string) error {
	noSnapshot := false
	subs := []wsSubscribe{
		{Event: "subscribe", Subscription: wsSubscription{Name: "ownTrades", Token: token, Snapshot: &noSnapshot}},
		{Event: "subscribe", Subscription: wsSubscription{Name: "openOrders", Token: token}},
	}
	for _, sub := range subs {
		if err := conn.WriteJSON(sub); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.logger.Info().Msg("private feed closed by venue")
			}
			return
		}
		f.handleMessage(msg)
	}
}

type wsEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ChannelName  string `json:"channelName"`
	ErrorMessage string `json:"errorMessage"`
}

// handleMessage dispatches one frame. Events arrive as JSON objects, channel
// data as JSON arrays of [payload, channelName, ...].
func (f *Feed) handleMessage(msg []byte) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 {
		return
	}
	if trimmed[0] == '{' {
		var event wsEvent
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return
		}
		switch event.Event {
		case "heartbeat":
		case "subscriptionStatus":
			if event.Status == "error" {
				f.logger.Error().Str("channel", event.ChannelName).Str("error", event.ErrorMessage).Msg("subscription rejected")
			} else {
				f.logger.Info().Str("channel", event.ChannelName).Str("status", event.Status).Msg("subscription status")
			}
		case "systemStatus":
			f.logger.Debug().Str("status", event.Status).Msg("venue system status")
		}
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(trimmed, &frame); err != nil || len(frame) < 2 {
		return
	}
	var channel string
	if err := json.Unmarshal(frame[1], &channel); err != nil {
		return
	}
	switch channel {
	case "ownTrades":
		f.handleOwnTrades(frame[0])
	case "openOrders":
		f.handleOpenOrders(frame[0])
	}
}

type wsTrade struct {
	OrderTxID string  `json:"ordertxid"`
	Pair      string  `json:"pair"`
	Type      string  `json:"type"`
	Price     float64 `json:"price,string"`
	Vol       float64 `json:"vol,string"`
	Fee       float64 `json:"fee,string"`
	Time      float64 `json:"time,string"`
}

func (f *Feed) handleOwnTrades(payload json.RawMessage) {
	var entries []map[string]wsTrade
	if err := json.Unmarshal(payload, &entries); err != nil {
		f.logger.Error().Err(err).Msg("malformed ownTrades payload")
		return
	}
	for _, entry := range entries {
		for tradeID, t := range entry {
			sec := int64(t.Time)
			nsec := int64((t.Time - float64(sec)) * 1e9)
			fill := Fill{
				TradeID: tradeID,
				OrderID: t.OrderTxID,
				Pair:    NormalizePair(t.Pair),
				Side:    broker.Side(t.Type),
				Price:   t.Price,
				Volume:  t.Vol,
				Fee:     t.Fee,
				Time:    time.Unix(sec, nsec).UTC(),
			}
			select {
			case f.fills <- fill:
			default:
				f.logger.Warn().Str("pair", fill.Pair).Str("order", fill.OrderID).Msg("fill channel full, dropping")
			}
		}
	}
}

type wsOrderUpdate struct {
	Status string `json:"status"`
}

// handleOpenOrders logs order status transitions. Order state of record
// stays with the REST reconciliation pass; the feed is advisory here.
func (f *Feed) handleOpenOrders(payload json.RawMessage) {
	var entries []map[string]wsOrderUpdate
	if err := json.Unmarshal(payload, &entries); err != nil {
		return
	}
	for _, entry := range entries {
		for txid, o := range entry {
			if o.Status != "" {
				f.logger.Debug().Str("txid", txid).Str("status", o.Status).Msg("order status")
			}
		}
	}
}
