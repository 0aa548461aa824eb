// Package kraken implements the crypto venue over Kraken's REST API and
// private WebSocket feed. Private calls are signed with HMAC-SHA512 over
// the URI path and SHA256(nonce || POST body), keyed by the base64-decoded
// API secret. The venue's error array is the canonical failure signal; HTTP
// status is secondary.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/broker"
)

const (
	defaultBaseURL = "https://api.kraken.com"
	defaultWSURL   = "wss://ws-auth.kraken.com"

	requestTimeout = 15 * time.Second

	// Balances below this are venue dust, not holdings.
	dustThreshold = 1e-8
)

// Config carries credentials and endpoints. The secret is Kraken's
// base64-encoded signing key.
type Config struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	WSURL          string
	BarIntervalMin int
}

// Client is the Kraken venue client.
type Client struct {
	cfg    Config
	secret []byte
	http   *http.Client
	nonce  nonceSource
	logger zerolog.Logger
}

// New builds the client. An undecodable secret fails here so a bad
// credential is caught at startup, not on the first signed call.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.APISecret = strings.TrimSpace(cfg.APISecret)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = defaultWSURL
	}
	if cfg.BarIntervalMin <= 0 {
		cfg.BarIntervalMin = 5
	}
	secret, err := base64.StdEncoding.DecodeString(cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("kraken secret is not valid base64: %w", err)
	}
	return &Client{
		cfg:    cfg,
		secret: secret,
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger.With().Str("component", "kraken").Logger(),
	}, nil
}

func (c *Client) Venue() broker.Venue { return broker.VenueKraken }

func (c *Client) SupportsBrackets() bool   { return false }
func (c *Client) SupportsFractional() bool { return true }

// nonceSource issues strictly increasing millisecond nonces. Kraken rejects
// any nonce at or below the last one it saw for the key.
type nonceSource struct {
	mu   sync.Mutex
	last int64
}

func (n *nonceSource) next() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now().UnixMilli()
	if now <= n.last {
		now = n.last + 1
	}
	n.last = now
	return strconv.FormatInt(now, 10)
}

// sign computes the API-Sign header value for one private request.
func sign(secret []byte, path, nonce, postData string) string {
	digest := sha256.Sum256([]byte(nonce + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(digest[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NormalizePair maps common symbol spellings onto Kraken pair codes:
// separators are stripped, USDT quotes collapse to USD and BTC becomes XBT.
func NormalizePair(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.NewReplacer("/", "", "-", "").Replace(s)
	if strings.HasSuffix(s, "USDT") {
		s = strings.TrimSuffix(s, "USDT") + "USD"
	}
	if strings.HasPrefix(s, "BTC") {
		s = "XBT" + s[3:]
	}
	return s
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// classify maps Kraken's error strings onto the engine vocabulary. The
// message text is matched before the class prefix because EAPI carries both
// auth failures and rate limits.
func classify(errs []string) broker.Kind {
	for _, e := range errs {
		lower := strings.ToLower(e)
		switch {
		case strings.Contains(lower, "rate limit"),
			strings.Contains(lower, "too many"),
			strings.Contains(lower, "temporary lockout"),
			strings.Contains(lower, "orders limit"):
			return broker.KindRateLimited
		case strings.Contains(lower, "insufficient funds"):
			return broker.KindInsufficientFunds
		case strings.HasPrefix(e, "EService:"):
			return broker.KindNetwork
		case strings.HasPrefix(e, "EAPI:"),
			strings.Contains(lower, "permission denied"):
			return broker.KindAuth
		}
	}
	return broker.KindUnknown
}

// private performs one signed POST. The body sent is byte-identical to the
// string covered by the signature.
func (c *Client) private(ctx context.Context, op, path string, data url.Values, out any) error {
	if data == nil {
		data = url.Values{}
	}
	nonce := c.nonce.next()
	data.Set("nonce", nonce)
	postData := data.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(postData))
	if err != nil {
		return broker.NewError(broker.KindUnknown, broker.VenueKraken, op, err)
	}
	req.Header.Set("API-Key", c.cfg.APIKey)
	req.Header.Set("API-Sign", sign(c.secret, path, nonce, postData))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	return c.send(req, op, out)
}

// public performs one unsigned GET.
func (c *Client) public(ctx context.Context, op, path string, query url.Values, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return broker.NewError(broker.KindUnknown, broker.VenueKraken, op, err)
	}
	return c.send(req, op, out)
}

func (c *Client) send(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return broker.NewError(broker.KindNetwork, broker.VenueKraken, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return broker.NewError(broker.KindNetwork, broker.VenueKraken, op, err)
	}
	if resp.StatusCode >= 500 {
		return broker.NewError(broker.KindNetwork, broker.VenueKraken, op, fmt.Errorf("status %d", resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return broker.NewError(broker.KindUnknown, broker.VenueKraken, op, fmt.Errorf("decode envelope: %w", err))
	}
	if len(env.Error) > 0 {
		kind := classify(env.Error)
		return broker.NewError(kind, broker.VenueKraken, op, errors.New(strings.Join(env.Error, "; ")))
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return broker.NewError(broker.KindUnknown, broker.VenueKraken, op, fmt.Errorf("decode result: %w", err))
		}
	}
	return nil
}

type tradeBalanceResult struct {
	EquivalentBalance float64 `json:"eb,string"`
	TradeBalance      float64 `json:"tb,string"`
}

// Account maps Kraken's trade balance onto the account snapshot. Spot has
// no separate buying power; the trade balance serves for both.
func (c *Client) Account(ctx context.Context) (broker.Account, error) {
	data := url.Values{}
	data.Set("asset", "ZUSD")
	var result tradeBalanceResult
	if err := c.private(ctx, "account", "/0/private/TradeBalance", data, &result); err != nil {
		return broker.Account{}, err
	}
	return broker.Account{
		Equity:      result.EquivalentBalance,
		Cash:        result.TradeBalance,
		BuyingPower: result.TradeBalance,
		Status:      "ACTIVE",
	}, nil
}

// quoteAssets are never holdings on their own.
var quoteAssets = map[string]bool{
	"USD": true, "ZUSD": true, "USDT": true, "USDC": true,
	"EUR": true, "ZEUR": true,
}

// Positions derives holdings from spot balances. Kraken reports balances,
// not lots, so entry price bookkeeping lives in the engine's state store;
// here each holding is priced at the last trade and reported with a zero
// cost basis.
func (c *Client) Positions(ctx context.Context) ([]broker.ExternalPosition, error) {
	var balances map[string]string
	if err := c.private(ctx, "positions", "/0/private/Balance", nil, &balances); err != nil {
		return nil, err
	}

	out := make([]broker.ExternalPosition, 0, len(balances))
	for asset, raw := range balances {
		qty, err := strconv.ParseFloat(raw, 64)
		if err != nil || qty < dustThreshold {
			continue
		}
		base := legacyBase(asset)
		if quoteAssets[base] || quoteAssets[asset] {
			continue
		}
		pair := base + "USD"
		price, err := c.lastPrice(ctx, pair)
		if err != nil {
			return nil, err
		}
		out = append(out, broker.ExternalPosition{
			Symbol:       pair,
			Quantity:     qty,
			AvgEntry:     price,
			CurrentPrice: price,
			MarketValue:  qty * price,
		})
	}
	return out, nil
}

// legacyBase strips Kraken's X/Z asset prefixes (XXBT, ZUSD).
func legacyBase(asset string) string {
	a := strings.ToUpper(asset)
	if len(a) == 4 && (a[0] == 'X' || a[0] == 'Z') {
		return a[1:]
	}
	return a
}

type tickerEntry struct {
	Close []string `json:"c"`
}

func (c *Client) lastPrice(ctx context.Context, pair string) (float64, error) {
	q := url.Values{}
	q.Set("pair", NormalizePair(pair))
	var result map[string]tickerEntry
	if err := c.public(ctx, "ticker", "/0/public/Ticker", q, &result); err != nil {
		return 0, err
	}
	// single pair requested; the response key may be the legacy pair name
	for _, entry := range result {
		if len(entry.Close) > 0 {
			price, err := strconv.ParseFloat(entry.Close[0], 64)
			if err != nil {
				return 0, broker.NewError(broker.KindUnknown, broker.VenueKraken, "ticker", fmt.Errorf("bad price %q", entry.Close[0]))
			}
			return price, nil
		}
	}
	return 0, broker.NewError(broker.KindUnknown, broker.VenueKraken, "ticker", fmt.Errorf("no ticker data for %s", pair))
}

// LatestBar returns the most recent OHLC candle, which may still be
// forming; its close tracks the last trade.
func (c *Client) LatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	bars, err := c.History(ctx, symbol, 1)
	if err != nil {
		return broker.Bar{}, err
	}
	if len(bars) == 0 {
		return broker.Bar{}, broker.NewError(broker.KindUnknown, broker.VenueKraken, "bars", fmt.Errorf("no bars for %s", symbol))
	}
	return bars[len(bars)-1], nil
}

// History returns up to n bars in chronological order.
func (c *Client) History(ctx context.Context, symbol string, n int) ([]broker.Bar, error) {
	q := url.Values{}
	q.Set("pair", NormalizePair(symbol))
	q.Set("interval", strconv.Itoa(c.cfg.BarIntervalMin))

	var result map[string]json.RawMessage
	if err := c.public(ctx, "bars", "/0/public/OHLC", q, &result); err != nil {
		return nil, err
	}

	var rows [][]any
	for key, raw := range result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, broker.NewError(broker.KindUnknown, broker.VenueKraken, "bars", fmt.Errorf("decode ohlc rows: %w", err))
		}
		break
	}

	bars := make([]broker.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		bars = append(bars, broker.Bar{
			OpenTime: time.Unix(int64(ohlcFloat(row[0])), 0).UTC(),
			Open:     ohlcFloat(row[1]),
			High:     ohlcFloat(row[2]),
			Low:      ohlcFloat(row[3]),
			Close:    ohlcFloat(row[4]),
			Volume:   ohlcFloat(row[6]),
		})
	}
	if n > 0 && len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// ohlcFloat reads one OHLC cell; Kraken mixes numbers (time, count) and
// decimal strings (prices, volume) in the same row.
func ohlcFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}

type addOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	TxID []string `json:"txid"`
}

// PlaceOrder submits a plain order and returns the transaction id.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	pair := NormalizePair(req.Symbol)
	data := url.Values{}
	data.Set("pair", pair)
	data.Set("type", string(req.Side))
	data.Set("ordertype", string(req.Type))
	data.Set("volume", formatVolume(pair, req.Qty))
	if req.Type == broker.OrderTypeLimit {
		data.Set("price", formatPrice(pair, req.LimitPrice))
	}
	if req.ClientOrderID != "" {
		data.Set("cl_ord_id", req.ClientOrderID)
	}

	var result addOrderResult
	if err := c.private(ctx, "orders", "/0/private/AddOrder", data, &result); err != nil {
		return "", err
	}
	if len(result.TxID) == 0 {
		return "", broker.NewError(broker.KindUnknown, broker.VenueKraken, "orders", errors.New("order accepted without txid"))
	}
	c.logger.Debug().Str("pair", pair).Str("side", string(req.Side)).Str("txid", result.TxID[0]).Msg("order accepted")
	return result.TxID[0], nil
}

// PlaceBracket is unsupported; the position lifecycle runs client-side
// stop and take-profit triggers for this venue instead.
func (c *Client) PlaceBracket(ctx context.Context, req broker.BracketRequest) (string, error) {
	return "", broker.NewError(broker.KindUnknown, broker.VenueKraken, "orders", errors.New("bracket orders not supported"))
}

type krakenOrder struct {
	Status  string  `json:"status"`
	OpenTm  float64 `json:"opentm"`
	Vol     float64 `json:"vol,string"`
	VolExec float64 `json:"vol_exec,string"`
	ClOrdID string  `json:"cl_ord_id"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
		Price2    string `json:"price2"`
	} `json:"descr"`
}

type openOrdersResult struct {
	Open map[string]krakenOrder `json:"open"`
}

// OpenOrders lists open orders, optionally filtered to one pair.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	var result openOrdersResult
	if err := c.private(ctx, "orders", "/0/private/OpenOrders", nil, &result); err != nil {
		return nil, err
	}
	pair := ""
	if symbol != "" {
		pair = NormalizePair(symbol)
	}
	out := make([]broker.Order, 0, len(result.Open))
	for txid, o := range result.Open {
		if pair != "" && NormalizePair(o.Descr.Pair) != pair {
			continue
		}
		out = append(out, toOrder(txid, o))
	}
	return out, nil
}

func toOrder(txid string, o krakenOrder) broker.Order {
	limit, _ := strconv.ParseFloat(o.Descr.Price, 64)
	stop, _ := strconv.ParseFloat(o.Descr.Price2, 64)
	sec, frac := int64(o.OpenTm), o.OpenTm-float64(int64(o.OpenTm))
	return broker.Order{
		ID:         txid,
		ClientID:   o.ClOrdID,
		Symbol:     NormalizePair(o.Descr.Pair),
		Side:       broker.Side(o.Descr.Type),
		Type:       broker.OrderType(o.Descr.OrderType),
		Qty:        o.Vol,
		FilledQty:  o.VolExec,
		LimitPrice: limit,
		StopPrice:  stop,
		Status:     o.Status,
		CreatedAt:  time.Unix(sec, int64(frac*1e9)).UTC(),
	}
}

// ReplaceOrder edits an open order's volume or price. Kraken reissues the
// order under a new transaction id; callers that track ids should re-list
// open orders afterwards.
func (c *Client) ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) error {
	pair, err := c.orderPair(ctx, orderID)
	if err != nil {
		return err
	}
	data := url.Values{}
	data.Set("txid", orderID)
	data.Set("pair", pair)
	if req.Qty != nil {
		data.Set("volume", formatVolume(pair, *req.Qty))
	}
	if req.LimitPrice != nil {
		data.Set("price", formatPrice(pair, *req.LimitPrice))
	}
	if req.StopPrice != nil {
		data.Set("price2", formatPrice(pair, *req.StopPrice))
	}
	return c.private(ctx, "orders", "/0/private/EditOrder", data, nil)
}

func (c *Client) orderPair(ctx context.Context, orderID string) (string, error) {
	data := url.Values{}
	data.Set("txid", orderID)
	var result map[string]krakenOrder
	if err := c.private(ctx, "orders", "/0/private/QueryOrders", data, &result); err != nil {
		return "", err
	}
	o, ok := result[orderID]
	if !ok {
		return "", broker.NewError(broker.KindUnknown, broker.VenueKraken, "orders", fmt.Errorf("order %s not found", orderID))
	}
	return NormalizePair(o.Descr.Pair), nil
}

// CancelAll cancels open orders; with a symbol it cancels that pair's
// orders one by one.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	if symbol == "" {
		return c.private(ctx, "orders", "/0/private/CancelAll", nil, nil)
	}
	orders, err := c.OpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range orders {
		data := url.Values{}
		data.Set("txid", o.ID)
		if err := c.private(ctx, "orders", "/0/private/CancelOrder", data, nil); err != nil {
			return err
		}
	}
	return nil
}

// CloseAll market-sells every holding. Cancellations go first so resting
// orders cannot race the flatten.
func (c *Client) CloseAll(ctx context.Context) error {
	if err := c.CancelAll(ctx, ""); err != nil {
		return err
	}
	positions, err := c.Positions(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range positions {
		_, err := c.PlaceOrder(ctx, broker.OrderRequest{
			Symbol:      p.Symbol,
			Qty:         p.Quantity,
			Side:        broker.SideSell,
			Type:        broker.OrderTypeMarket,
			TimeInForce: broker.TIFIOC,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarketOpen is always true: crypto trades around the clock.
func (c *Client) MarketOpen(ctx context.Context) (bool, error) {
	return true, nil
}

type wsTokenResult struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

// WebSocketsToken fetches a short-lived token for the private feed.
func (c *Client) WebSocketsToken(ctx context.Context) (string, error) {
	var result wsTokenResult
	if err := c.private(ctx, "ws_token", "/0/private/GetWebSocketsToken", nil, &result); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", broker.NewError(broker.KindAuth, broker.VenueKraken, "ws_token", errors.New("empty websocket token"))
	}
	return result.Token, nil
}

func formatVolume(pair string, qty float64) string {
	rounded := broker.RoundOutbound(broker.VenueKraken, broker.FieldQuantity, pair, qty)
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}

func formatPrice(pair string, price float64) string {
	rounded := broker.RoundOutbound(broker.VenueKraken, broker.FieldPrice, pair, price)
	return strconv.FormatFloat(rounded, 'f', -1, 64)
}
