package alpaca

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autonomous-trading-engine/internal/broker"
)

func testClient(srv *httptest.Server) *Client {
	return New(Config{
		APIKey:     "test-key",
		APISecret:  "test-secret",
		TradingURL: srv.URL,
		DataURL:    srv.URL,
	}, zerolog.Nop())
}

func TestAccountParsesDecimalStrings(t *testing.T) {
	var gotKey, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/account", r.URL.Path)
		gotKey = r.Header.Get("APCA-API-KEY-ID")
		gotSecret = r.Header.Get("APCA-API-SECRET-KEY")
		io.WriteString(w, `{"equity":"10000.25","cash":"4000.50","buying_power":"20000","status":"ACTIVE"}`)
	}))
	defer srv.Close()

	acct, err := testClient(srv).Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.25, acct.Equity)
	assert.Equal(t, 4000.50, acct.Cash)
	assert.Equal(t, 20000.0, acct.BuyingPower)
	assert.Equal(t, "ACTIVE", acct.Status)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "test-secret", gotSecret)
}

func TestPositionsNormalizeSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/positions", r.URL.Path)
		io.WriteString(w, `[{"symbol":"aapl","qty":"10","avg_entry_price":"150.10","current_price":"155","market_value":"1550","unrealized_pl":"49"}]`)
	}))
	defer srv.Close()

	positions, err := testClient(srv).Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, 10.0, positions[0].Quantity)
	assert.Equal(t, 150.10, positions[0].AvgEntry)
	assert.Equal(t, 49.0, positions[0].UnrealizedPL)
}

func TestLatestBarFromDataAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/stocks/AAPL/bars/latest", r.URL.Path)
		io.WriteString(w, `{"bar":{"t":"2024-03-05T14:30:00Z","o":154.1,"h":155.2,"l":153.9,"c":155.0,"v":120000},"symbol":"AAPL"}`)
	}))
	defer srv.Close()

	bar, err := testClient(srv).LatestBar(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, 155.0, bar.Close)
	assert.Equal(t, 120000.0, bar.Volume)
	assert.Equal(t, 2024, bar.OpenTime.Year())
}

func TestHistoryPassesTimeframeAndLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/stocks/TSLA/bars", r.URL.Path)
		assert.Equal(t, "5Min", r.URL.Query().Get("timeframe"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		io.WriteString(w, `{"bars":[{"t":"2024-03-05T14:25:00Z","o":1,"h":2,"l":0.5,"c":1.5,"v":10},{"t":"2024-03-05T14:30:00Z","o":1.5,"h":2.5,"l":1.4,"c":2.0,"v":20}],"symbol":"TSLA"}`)
	}))
	defer srv.Close()

	bars, err := testClient(srv).History(context.Background(), "TSLA", 50)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].OpenTime.Before(bars[1].OpenTime))
	assert.Equal(t, 2.0, bars[1].Close)
}

func TestPlaceBracketPayload(t *testing.T) {
	var got orderPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"id":"order-1","symbol":"AAPL","status":"accepted","created_at":"2024-03-05T14:30:00Z"}`)
	}))
	defer srv.Close()

	id, err := testClient(srv).PlaceBracket(context.Background(), broker.BracketRequest{
		Symbol:        "AAPL",
		Qty:           3,
		Side:          broker.SideBuy,
		TakeProfit:    110.567,
		StopLoss:      95.124,
		ClientOrderID: "cid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "order-1", id)
	assert.Equal(t, "bracket", got.OrderClass)
	assert.Equal(t, "market", got.Type)
	assert.Equal(t, "gtc", got.TimeInForce)
	assert.Equal(t, "3", got.Qty)
	assert.Equal(t, "cid-1", got.ClientOrderID)
	require.NotNil(t, got.TakeProfit)
	assert.Equal(t, "110.57", got.TakeProfit.LimitPrice)
	require.NotNil(t, got.StopLoss)
	assert.Equal(t, "95.12", got.StopLoss.StopPrice)
}

func TestPlaceLimitOrderIncludesPrice(t *testing.T) {
	var got orderPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"id":"order-2","symbol":"TSLA","status":"accepted","created_at":"2024-03-05T14:30:00Z"}`)
	}))
	defer srv.Close()

	_, err := testClient(srv).PlaceOrder(context.Background(), broker.OrderRequest{
		Symbol:      "TSLA",
		Qty:         1.5,
		Side:        broker.SideSell,
		Type:        broker.OrderTypeLimit,
		TimeInForce: broker.TIFDay,
		LimitPrice:  155.50,
	})
	require.NoError(t, err)
	assert.Equal(t, "limit", got.Type)
	assert.Equal(t, "155.5", got.LimitPrice)
	assert.Equal(t, "1.5", got.Qty)
	assert.Equal(t, "sell", got.Side)
}

func TestErrorKindMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   broker.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"access key verification failed"}`, broker.KindAuth},
		{"forbidden funds", http.StatusForbidden, `{"code":40310000,"message":"insufficient buying power"}`, broker.KindInsufficientFunds},
		{"forbidden other", http.StatusForbidden, `{"message":"account is restricted"}`, broker.KindAuth},
		{"rate limited", http.StatusTooManyRequests, `{"message":"too many requests"}`, broker.KindRateLimited},
		{"market closed", http.StatusUnprocessableEntity, `{"message":"market is closed"}`, broker.KindMarketClosed},
		{"server error", http.StatusInternalServerError, `{"message":"internal"}`, broker.KindNetwork},
		{"other 422", http.StatusUnprocessableEntity, `{"message":"invalid qty"}`, broker.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			_, err := testClient(srv).Account(context.Background())
			require.Error(t, err)
			assert.Equal(t, tc.want, broker.KindOf(err))
		})
	}
}

func TestTransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := testClient(srv).Account(context.Background())
	require.Error(t, err)
	assert.Equal(t, broker.KindNetwork, broker.KindOf(err))
}

func TestMarketOpenReadsClock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/clock", r.URL.Path)
		io.WriteString(w, `{"timestamp":"2024-03-05T14:30:00-05:00","is_open":true,"next_open":"2024-03-06T09:30:00-05:00","next_close":"2024-03-05T16:00:00-05:00"}`)
	}))
	defer srv.Close()

	open, err := testClient(srv).MarketOpen(context.Background())
	require.NoError(t, err)
	assert.True(t, open)
}

func TestCancelAllForSymbolCancelsEachOrder(t *testing.T) {
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v2/orders":
			assert.Equal(t, "TSLA", r.URL.Query().Get("symbols"))
			io.WriteString(w, `[{"id":"o1","symbol":"TSLA","side":"sell","type":"limit","status":"open","created_at":"2024-03-05T14:30:00Z"},{"id":"o2","symbol":"TSLA","side":"sell","type":"limit","status":"open","created_at":"2024-03-05T14:31:00Z"}]`)
		case r.Method == http.MethodDelete:
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv).CancelAll(context.Background(), "TSLA"))
	assert.Equal(t, []string{"/v2/orders/o1", "/v2/orders/o2"}, deleted)
}

func TestCloseAllCancelsOrdersToo(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/v2/positions", r.URL.Path)
		gotQuery = r.URL.Query().Get("cancel_orders")
		w.WriteHeader(http.StatusMultiStatus)
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv).CloseAll(context.Background()))
	assert.Equal(t, "true", gotQuery)
}

func TestReplaceOrderPatchesOnlySetFields(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/v2/orders/order-9", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"id":"order-9","symbol":"AAPL","status":"replaced","created_at":"2024-03-05T14:30:00Z"}`)
	}))
	defer srv.Close()

	stop := 152.25
	err := testClient(srv).ReplaceOrder(context.Background(), "order-9", broker.ReplaceRequest{StopPrice: &stop})
	require.NoError(t, err)
	assert.Equal(t, "152.25", got["stop_price"])
	_, hasQty := got["qty"]
	assert.False(t, hasQty)
	_, hasLimit := got["limit_price"]
	assert.False(t, hasLimit)
}
