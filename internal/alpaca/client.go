// Package alpaca implements the equities venue over Alpaca's REST API.
// The client does exactly one HTTP round trip per call and maps venue
// failures onto broker error kinds; rate limiting, circuit breaking and
// retries are layered on by the resilience wrapper.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/broker"
)

const (
	defaultTradingURL = "https://paper-api.alpaca.markets"
	defaultDataURL    = "https://data.alpaca.markets"
	defaultTimeframe  = "5Min"

	requestTimeout = 15 * time.Second
)

// Config carries credentials and endpoints. TradingURL selects paper or
// live; both default to Alpaca's paper environment.
type Config struct {
	APIKey        string
	APISecret     string
	TradingURL    string
	DataURL       string
	BarTimeframe  string
	ExtendedHours bool
}

// Client is the Alpaca venue client.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// New builds the client. Keys are trimmed; stray whitespace in an env var
// otherwise produces opaque 401s.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.APISecret = strings.TrimSpace(cfg.APISecret)
	if cfg.TradingURL == "" {
		cfg.TradingURL = defaultTradingURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = defaultDataURL
	}
	if cfg.BarTimeframe == "" {
		cfg.BarTimeframe = defaultTimeframe
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger.With().Str("component", "alpaca").Logger(),
	}
}

func (c *Client) Venue() broker.Venue { return broker.VenueAlpaca }

func (c *Client) SupportsBrackets() bool   { return true }
func (c *Client) SupportsFractional() bool { return true }

// Account returns the trading account snapshot.
func (c *Client) Account(ctx context.Context) (broker.Account, error) {
	var resp accountResponse
	if err := c.do(ctx, "account", http.MethodGet, c.cfg.TradingURL+"/v2/account", nil, nil, &resp); err != nil {
		return broker.Account{}, err
	}
	return broker.Account{
		Equity:      resp.Equity,
		Cash:        resp.Cash,
		BuyingPower: resp.BuyingPower,
		Status:      resp.Status,
	}, nil
}

// Positions returns all open holdings.
func (c *Client) Positions(ctx context.Context) ([]broker.ExternalPosition, error) {
	var resp []positionResponse
	if err := c.do(ctx, "positions", http.MethodGet, c.cfg.TradingURL+"/v2/positions", nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]broker.ExternalPosition, 0, len(resp))
	for _, p := range resp {
		out = append(out, broker.ExternalPosition{
			Symbol:       broker.NormalizeSymbol(p.Symbol),
			Quantity:     p.Qty,
			AvgEntry:     p.AvgEntryPrice,
			CurrentPrice: p.CurrentPrice,
			MarketValue:  p.MarketValue,
			UnrealizedPL: p.UnrealizedPL,
		})
	}
	return out, nil
}

// LatestBar returns the most recent bar for a symbol from the data API.
func (c *Client) LatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	symbol = broker.NormalizeSymbol(symbol)
	var resp latestBarResponse
	u := c.cfg.DataURL + "/v2/stocks/" + url.PathEscape(symbol) + "/bars/latest"
	if err := c.do(ctx, "bars", http.MethodGet, u, nil, nil, &resp); err != nil {
		return broker.Bar{}, err
	}
	return toBar(resp.Bar), nil
}

// History returns up to n bars in chronological order.
func (c *Client) History(ctx context.Context, symbol string, n int) ([]broker.Bar, error) {
	symbol = broker.NormalizeSymbol(symbol)
	q := url.Values{}
	q.Set("timeframe", c.cfg.BarTimeframe)
	q.Set("limit", strconv.Itoa(n))

	var resp barsResponse
	u := c.cfg.DataURL + "/v2/stocks/" + url.PathEscape(symbol) + "/bars"
	if err := c.do(ctx, "bars", http.MethodGet, u, q, nil, &resp); err != nil {
		return nil, err
	}
	bars := make([]broker.Bar, 0, len(resp.Bars))
	for _, b := range resp.Bars {
		bars = append(bars, toBar(b))
	}
	return bars, nil
}

// PlaceOrder submits a plain order and returns the venue order ID.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	symbol := broker.NormalizeSymbol(req.Symbol)
	payload := orderPayload{
		Symbol:        symbol,
		Qty:           formatQty(symbol, req.Qty),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   string(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
		ExtendedHours: c.cfg.ExtendedHours,
	}
	if req.Type == broker.OrderTypeLimit {
		payload.LimitPrice = formatPrice(symbol, req.LimitPrice)
	}

	var resp orderResponse
	if err := c.do(ctx, "orders", http.MethodPost, c.cfg.TradingURL+"/v2/orders", nil, payload, &resp); err != nil {
		return "", err
	}
	c.logger.Debug().Str("symbol", symbol).Str("side", payload.Side).Str("order_id", resp.ID).Msg("order accepted")
	return resp.ID, nil
}

// PlaceBracket submits an entry with venue-side take-profit and stop-loss
// legs. The legs persist until filled or cancelled.
func (c *Client) PlaceBracket(ctx context.Context, req broker.BracketRequest) (string, error) {
	symbol := broker.NormalizeSymbol(req.Symbol)
	payload := orderPayload{
		Symbol:        symbol,
		Qty:           formatQty(symbol, req.Qty),
		Side:          string(req.Side),
		Type:          string(broker.OrderTypeMarket),
		TimeInForce:   string(broker.TIFGTC),
		ClientOrderID: req.ClientOrderID,
		OrderClass:    "bracket",
		TakeProfit:    &bracketLeg{LimitPrice: formatPrice(symbol, req.TakeProfit)},
		StopLoss:      &bracketLeg{StopPrice: formatPrice(symbol, req.StopLoss)},
	}
	if req.LimitPrice > 0 {
		payload.Type = string(broker.OrderTypeLimit)
		payload.LimitPrice = formatPrice(symbol, req.LimitPrice)
	}

	var resp orderResponse
	if err := c.do(ctx, "orders", http.MethodPost, c.cfg.TradingURL+"/v2/orders", nil, payload, &resp); err != nil {
		return "", err
	}
	c.logger.Debug().Str("symbol", symbol).Str("order_id", resp.ID).Msg("bracket accepted")
	return resp.ID, nil
}

// OpenOrders lists open orders, optionally filtered to one symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	q := url.Values{}
	q.Set("status", "open")
	q.Set("limit", "500")
	if symbol != "" {
		q.Set("symbols", broker.NormalizeSymbol(symbol))
	}

	var resp []orderResponse
	if err := c.do(ctx, "orders", http.MethodGet, c.cfg.TradingURL+"/v2/orders", q, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]broker.Order, 0, len(resp))
	for _, o := range resp {
		out = append(out, toOrder(o))
	}
	return out, nil
}

// ReplaceOrder patches the mutable fields of an open order.
func (c *Client) ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) error {
	payload := replacePayload{}
	if req.Qty != nil {
		payload.Qty = strconv.FormatFloat(*req.Qty, 'f', -1, 64)
	}
	if req.LimitPrice != nil {
		payload.LimitPrice = strconv.FormatFloat(*req.LimitPrice, 'f', -1, 64)
	}
	if req.StopPrice != nil {
		payload.StopPrice = strconv.FormatFloat(*req.StopPrice, 'f', -1, 64)
	}
	u := c.cfg.TradingURL + "/v2/orders/" + url.PathEscape(orderID)
	return c.do(ctx, "orders", http.MethodPatch, u, nil, payload, nil)
}

// CancelAll cancels open orders; empty symbol cancels across the account.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	if symbol == "" {
		return c.do(ctx, "orders", http.MethodDelete, c.cfg.TradingURL+"/v2/orders", nil, nil, nil)
	}
	orders, err := c.OpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range orders {
		u := c.cfg.TradingURL + "/v2/orders/" + url.PathEscape(o.ID)
		if err := c.do(ctx, "orders", http.MethodDelete, u, nil, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// CloseAll liquidates every position at market and cancels their orders.
func (c *Client) CloseAll(ctx context.Context) error {
	q := url.Values{}
	q.Set("cancel_orders", "true")
	return c.do(ctx, "positions", http.MethodDelete, c.cfg.TradingURL+"/v2/positions", q, nil, nil)
}

// MarketOpen asks the venue clock whether regular hours are in session.
func (c *Client) MarketOpen(ctx context.Context) (bool, error) {
	var resp clockResponse
	if err := c.do(ctx, "clock", http.MethodGet, c.cfg.TradingURL+"/v2/clock", nil, nil, &resp); err != nil {
		return false, err
	}
	return resp.IsOpen, nil
}

// do performs one request. Transport failures map to Network; HTTP error
// statuses go through classify so policy never parses message strings
// upstream of here.
func (c *Client) do(ctx context.Context, op, method, rawURL string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return broker.NewError(broker.KindUnknown, broker.VenueAlpaca, op, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return broker.NewError(broker.KindUnknown, broker.VenueAlpaca, op, err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.APISecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return broker.NewError(broker.KindNetwork, broker.VenueAlpaca, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return broker.NewError(broker.KindNetwork, broker.VenueAlpaca, op, err)
	}
	if resp.StatusCode >= 300 {
		kind := classify(resp.StatusCode, data)
		return broker.NewError(kind, broker.VenueAlpaca, op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return broker.NewError(broker.KindUnknown, broker.VenueAlpaca, op, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// classify maps an HTTP failure onto the error vocabulary. 5xx counts as
// Network so the retry/breaker policy treats venue hiccups as transient.
func classify(status int, body []byte) broker.Kind {
	msg := strings.ToLower(string(body))
	switch {
	case status == http.StatusTooManyRequests:
		return broker.KindRateLimited
	case status == http.StatusUnauthorized:
		return broker.KindAuth
	case status == http.StatusForbidden:
		if strings.Contains(msg, "insufficient") {
			return broker.KindInsufficientFunds
		}
		return broker.KindAuth
	case status == http.StatusUnprocessableEntity &&
		strings.Contains(msg, "market") && strings.Contains(msg, "closed"):
		return broker.KindMarketClosed
	case status >= 500:
		return broker.KindNetwork
	default:
		return broker.KindUnknown
	}
}

func toBar(b barPayload) broker.Bar {
	return broker.Bar{
		OpenTime: b.Timestamp,
		Open:     b.Open,
		High:     b.High,
		Low:      b.Low,
		Close:    b.Close,
		Volume:   b.Volume,
	}
}

func toOrder(o orderResponse) broker.Order {
	return broker.Order{
		ID:         o.ID,
		ClientID:   o.ClientOrderID,
		Symbol:     broker.NormalizeSymbol(o.Symbol),
		Side:       broker.Side(o.Side),
		Type:       broker.OrderType(o.Type),
		Qty:        deref(o.Qty),
		FilledQty:  deref(o.FilledQty),
		LimitPrice: deref(o.LimitPrice),
		StopPrice:  deref(o.StopPrice),
		Status:     o.Status,
		CreatedAt:  o.CreatedAt,
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func formatQty(symbol string, qty float64) string {
	rounded := broker.RoundOutbound(broker.VenueAlpaca, broker.FieldQuantity, symbol, qty)
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

func formatPrice(symbol string, price float64) string {
	rounded := broker.RoundOutbound(broker.VenueAlpaca, broker.FieldPrice, symbol, price)
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

func truncate(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
