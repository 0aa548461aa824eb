package position

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/journal"
)

// mockClient records orders instead of sending them.
type mockClient struct {
	venue       broker.Venue
	brackets    bool
	fractional  bool
	orders      []broker.OrderRequest
	bracketReqs []broker.BracketRequest
	replaces    map[string]broker.ReplaceRequest
	open        []broker.Order
	cancelled   []string
	failNext    error
}

func newMockClient(venue broker.Venue, brackets bool) *mockClient {
	return &mockClient{
		venue:    venue,
		brackets: brackets,
		replaces: make(map[string]broker.ReplaceRequest),
	}
}

func (m *mockClient) Venue() broker.Venue { return m.venue }

func (m *mockClient) Account(ctx context.Context) (broker.Account, error) {
	return broker.Account{Equity: 10000, BuyingPower: 10000}, nil
}

func (m *mockClient) Positions(ctx context.Context) ([]broker.ExternalPosition, error) {
	return nil, nil
}

func (m *mockClient) LatestBar(ctx context.Context, symbol string) (broker.Bar, error) {
	return broker.Bar{}, nil
}

func (m *mockClient) History(ctx context.Context, symbol string, n int) ([]broker.Bar, error) {
	return nil, nil
}

func (m *mockClient) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return "", err
	}
	m.orders = append(m.orders, req)
	return "order-1", nil
}

func (m *mockClient) PlaceBracket(ctx context.Context, req broker.BracketRequest) (string, error) {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return "", err
	}
	m.bracketReqs = append(m.bracketReqs, req)
	return "bracket-1", nil
}

func (m *mockClient) OpenOrders(ctx context.Context, symbol string) ([]broker.Order, error) {
	return m.open, nil
}

func (m *mockClient) ReplaceOrder(ctx context.Context, orderID string, req broker.ReplaceRequest) error {
	m.replaces[orderID] = req
	return nil
}

func (m *mockClient) CancelAll(ctx context.Context, symbol string) error {
	m.cancelled = append(m.cancelled, symbol)
	return nil
}

func (m *mockClient) CloseAll(ctx context.Context) error { return nil }

func (m *mockClient) MarketOpen(ctx context.Context) (bool, error) { return true, nil }

func (m *mockClient) SupportsBrackets() bool   { return m.brackets }
func (m *mockClient) SupportsFractional() bool { return m.fractional }

func newTestLifecycle(client broker.Client, store journal.Store, cfg Config) *Lifecycle {
	if cfg.Profile == "" {
		cfg.Profile = "test"
	}
	return NewLifecycle(client, store, nil, nil, zerolog.Nop(), cfg)
}

func TestOpenPlacesBracketForWholeShares(t *testing.T) {
	client := newMockClient(broker.VenueAlpaca, true)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{TrailingStopPct: 0.005})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "AAPL",
		Strategy:   "macd_trend",
		Price:      150,
		Quantity:   3,
		StopLoss:   148.50,
		TakeProfit: 153,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if len(client.bracketReqs) != 1 {
		t.Fatalf("Expected 1 bracket order, got %d (plain orders: %d)", len(client.bracketReqs), len(client.orders))
	}
	req := client.bracketReqs[0]
	if req.LimitPrice != 150.15 {
		t.Errorf("Expected limit 150.15 (0.1%% buffer), got %f", req.LimitPrice)
	}
	if req.StopLoss != 148.50 || req.TakeProfit != 153 {
		t.Errorf("Bracket legs wrong: stop=%f target=%f", req.StopLoss, req.TakeProfit)
	}

	if !lc.HasBracket(pos) {
		t.Error("Whole-share alpaca position should be bracketed")
	}

	// The journal row exists and is open.
	trades, err := store.OpenTrades(context.Background())
	if err != nil {
		t.Fatalf("OpenTrades: %v", err)
	}
	if len(trades) != 1 || trades[0].Symbol != "AAPL" {
		t.Fatalf("Expected one open AAPL trade, got %+v", trades)
	}
	if id, ok := lc.TradeID("AAPL"); !ok || id != trades[0].ID {
		t.Errorf("TradeID mismatch: got %d ok=%v want %d", id, ok, trades[0].ID)
	}
}

func TestOpenFallsBackToLimitForFractional(t *testing.T) {
	client := newMockClient(broker.VenueAlpaca, true)
	client.fractional = true
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "AAPL",
		Strategy:   "rsi_meanrev",
		Price:      150,
		Quantity:   2.5,
		StopLoss:   148.50,
		TakeProfit: 153,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if len(client.bracketReqs) != 0 {
		t.Fatal("Fractional quantity must not use a bracket")
	}
	if len(client.orders) != 1 {
		t.Fatalf("Expected 1 limit order, got %d", len(client.orders))
	}
	o := client.orders[0]
	if o.Type != broker.OrderTypeLimit || o.Qty != 2.5 {
		t.Errorf("Unexpected entry order: %+v", o)
	}
	if lc.HasBracket(pos) {
		t.Error("Fractional position must rely on client-side triggers")
	}
}

func TestOrdersCarryDistinctClientIDs(t *testing.T) {
	client := newMockClient(broker.VenueKraken, false)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "BTC/USD",
		Strategy:   "macd_trend",
		Price:      100,
		Quantity:   0.5,
		StopLoss:   98,
		TakeProfit: 104,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := lc.Close(context.Background(), pos, 104, ReasonTakeProfit); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(client.orders) != 2 {
		t.Fatalf("Expected entry and exit orders, got %d", len(client.orders))
	}
	entry, exit := client.orders[0], client.orders[1]
	if entry.ClientOrderID == "" || exit.ClientOrderID == "" {
		t.Fatalf("Orders missing client ids: entry=%q exit=%q", entry.ClientOrderID, exit.ClientOrderID)
	}
	if entry.ClientOrderID == exit.ClientOrderID {
		t.Errorf("Entry and exit reused client id %q", entry.ClientOrderID)
	}
}

func TestManageExitsClientSideStop(t *testing.T) {
	client := newMockClient(broker.VenueKraken, false)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{TrailingStopPct: 0.005})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "SOLUSD",
		Strategy:   "micro_profit",
		Price:      100,
		Quantity:   3,
		StopLoss:   99.50,
		TakeProfit: 100.75,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	entryOrders := len(client.orders)

	// Price above stop: no exit.
	pos, closed, err := lc.ManageExits(context.Background(), pos, 100.2)
	if err != nil || closed {
		t.Fatalf("Unexpected exit at 100.2: closed=%v err=%v", closed, err)
	}

	// Price at the stop triggers a market sell.
	_, closed, err = lc.ManageExits(context.Background(), pos, 99.50)
	if err != nil {
		t.Fatalf("ManageExits: %v", err)
	}
	if !closed {
		t.Fatal("Expected position to close at the stop")
	}

	sells := client.orders[entryOrders:]
	if len(sells) != 1 || sells[0].Side != broker.SideSell || sells[0].Type != broker.OrderTypeMarket {
		t.Fatalf("Expected one market sell, got %+v", sells)
	}

	// The journal row closed with the stop-loss reason and negative P&L.
	recent, err := store.RecentTrades(context.Background(), 1)
	if err != nil || len(recent) != 1 {
		t.Fatalf("RecentTrades: %v %d", err, len(recent))
	}
	rec := recent[0]
	if !rec.Closed() || rec.ExitReason != ReasonStopLoss {
		t.Errorf("Expected closed stop_loss row, got %+v", rec)
	}
	if rec.PnL == nil || *rec.PnL >= 0 {
		t.Errorf("Expected negative P&L, got %v", rec.PnL)
	}
}

func TestManageExitsTakeProfit(t *testing.T) {
	client := newMockClient(broker.VenueKraken, false)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "ETHUSD",
		Strategy:   "micro_profit",
		Price:      100,
		Quantity:   3,
		StopLoss:   99.50,
		TakeProfit: 100.75,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, closed, err := lc.ManageExits(context.Background(), pos, 100.80)
	if err != nil {
		t.Fatalf("ManageExits: %v", err)
	}
	if !closed {
		t.Fatal("Expected take-profit exit")
	}

	recent, _ := store.RecentTrades(context.Background(), 1)
	if recent[0].ExitReason != ReasonTakeProfit {
		t.Errorf("Expected take_profit reason, got %s", recent[0].ExitReason)
	}
	if recent[0].PnL == nil || *recent[0].PnL <= 0 {
		t.Errorf("Expected positive P&L, got %v", recent[0].PnL)
	}
}

func TestManageExitsTrailingStopReason(t *testing.T) {
	client := newMockClient(broker.VenueKraken, false)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{TrailingStopPct: 0.005})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "SOLUSD",
		Strategy:   "micro_profit",
		Price:      150,
		Quantity:   2,
		StopLoss:   148.50,
		TakeProfit: 160,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Ride the price up so the trailing stop crosses above entry.
	pos, closed, _ := lc.ManageExits(context.Background(), pos, 155)
	if closed {
		t.Fatal("Should not close on the way up")
	}
	if pos.StopLoss <= pos.EntryPrice {
		t.Fatalf("Trailing stop should be above entry, got %f", pos.StopLoss)
	}

	// Fall back through the raised stop.
	_, closed, err = lc.ManageExits(context.Background(), pos, 154.0)
	if err != nil {
		t.Fatalf("ManageExits: %v", err)
	}
	if !closed {
		t.Fatal("Expected trailing-stop exit at 154.0")
	}

	recent, _ := store.RecentTrades(context.Background(), 1)
	if recent[0].ExitReason != ReasonTrailingStop {
		t.Errorf("Expected trailing_stop reason, got %s", recent[0].ExitReason)
	}
	if recent[0].PnL == nil || *recent[0].PnL <= 0 {
		t.Errorf("Trailing exit above entry should be profitable, got %v", recent[0].PnL)
	}
}

func TestManageExitsSyncsServerStop(t *testing.T) {
	client := newMockClient(broker.VenueAlpaca, true)
	client.open = []broker.Order{
		{ID: "stop-leg", Symbol: "AAPL", Side: broker.SideSell, StopPrice: 148.50},
	}
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{TrailingStopPct: 0.005})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "AAPL",
		Strategy:   "macd_trend",
		Price:      150,
		Quantity:   3,
		StopLoss:   148.50,
		TakeProfit: 160,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pos, closed, _ := lc.ManageExits(context.Background(), pos, 155)
	if closed {
		t.Fatal("Bracketed position must not be closed client-side")
	}

	rep, ok := client.replaces["stop-leg"]
	if !ok {
		t.Fatal("Expected the venue stop to be replaced")
	}
	if rep.StopPrice == nil || *rep.StopPrice != 154.23 {
		t.Errorf("Expected replaced stop 154.23 (2dp), got %v", rep.StopPrice)
	}
	if pos.StopLoss <= 154 {
		t.Errorf("Position stop should track the trail, got %f", pos.StopLoss)
	}
}

func TestPartialExitsFireOncePerLevel(t *testing.T) {
	client := newMockClient(broker.VenueKraken, false)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{
		PartialExits: true,
	})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "SOLUSD",
		Strategy:   "micro_profit",
		Price:      100,
		Quantity:   8,
		StopLoss:   97,
		TakeProfit: 110,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	entryOrders := len(client.orders)

	// +1.5% crosses the first rung only.
	pos, closed, err := lc.ManageExits(context.Background(), pos, 101.5)
	if err != nil || closed {
		t.Fatalf("ManageExits: closed=%v err=%v", closed, err)
	}
	if !pos.PartialExitTaken(0) || pos.PartialExitTaken(1) {
		t.Fatalf("Expected only level 0 taken, mask=%#x", pos.PartialExitsMask)
	}
	if got := len(client.orders) - entryOrders; got != 1 {
		t.Fatalf("Expected 1 partial sell, got %d", got)
	}
	if pos.Quantity != 6 {
		t.Errorf("Expected 6 remaining after 25%% of 8, got %f", pos.Quantity)
	}

	// Same price again: nothing new fires.
	pos, _, _ = lc.ManageExits(context.Background(), pos, 101.5)
	if got := len(client.orders) - entryOrders; got != 1 {
		t.Fatalf("Level re-fired: %d sells", got)
	}

	// A gap through +2% and +3% fires both remaining rungs.
	pos, _, _ = lc.ManageExits(context.Background(), pos, 103.2)
	if got := len(client.orders) - entryOrders; got != 3 {
		t.Fatalf("Expected 3 partial sells total, got %d", got)
	}
	if pos.PartialExitsMask != 0x7 {
		t.Errorf("Expected all three bits set, mask=%#x", pos.PartialExitsMask)
	}
}

func TestPartialProfitFoldsIntoFinalPnL(t *testing.T) {
	client := newMockClient(broker.VenueKraken, false)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{PartialExits: true})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "SOLUSD",
		Strategy:   "micro_profit",
		Price:      100,
		Quantity:   8,
		StopLoss:   97,
		TakeProfit: 110,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Level 0 fires at +1.5%: sells 2 units at 101.5 (+$3 realized).
	pos, _, _ = lc.ManageExits(context.Background(), pos, 101.5)

	// Close the remaining 6 at 102: +$12 open profit.
	if err := lc.Close(context.Background(), pos, 102, ReasonSignalSell); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recent, _ := store.RecentTrades(context.Background(), 1)
	if recent[0].PnL == nil {
		t.Fatal("Expected P&L on closed trade")
	}
	if got := *recent[0].PnL; got < 14.9 || got > 15.1 {
		t.Errorf("Expected total P&L ~15 (12 open + 3 realized), got %f", got)
	}
}

func TestMicroScalingAddsOnProfit(t *testing.T) {
	client := newMockClient(broker.VenueKraken, false)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{MicroScaling: true})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "SOLUSD",
		Strategy:   "micro_profit",
		Price:      100,
		Quantity:   8,
		StopLoss:   97,
		TakeProfit: 110,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if pos.Quantity != 4 {
		t.Fatalf("Expected half-size initial entry of 4, got %f", pos.Quantity)
	}

	// Below the first trigger: nothing happens.
	pos, err = lc.CheckScaleIn(context.Background(), pos, 100.3, 10000)
	if err != nil || pos.Quantity != 4 {
		t.Fatalf("Premature scale-in: qty=%f err=%v", pos.Quantity, err)
	}

	// +0.5% places the first add-on of 2.
	pos, err = lc.CheckScaleIn(context.Background(), pos, 100.5, 10000)
	if err != nil {
		t.Fatalf("CheckScaleIn: %v", err)
	}
	if pos.Quantity != 6 {
		t.Fatalf("Expected qty 6 after first add-on, got %f", pos.Quantity)
	}

	// +1.0% completes the full size.
	pos, err = lc.CheckScaleIn(context.Background(), pos, 101, 10000)
	if err != nil {
		t.Fatalf("CheckScaleIn: %v", err)
	}
	if pos.Quantity != 8 {
		t.Fatalf("Expected full qty 8, got %f", pos.Quantity)
	}

	// Triggers never re-fire.
	pos, _ = lc.CheckScaleIn(context.Background(), pos, 102, 10000)
	if pos.Quantity != 8 {
		t.Errorf("Add-on re-fired: qty=%f", pos.Quantity)
	}
}

func TestMicroScalingRespectsBuyingPower(t *testing.T) {
	client := newMockClient(broker.VenueKraken, false)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{MicroScaling: true})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "SOLUSD",
		Strategy:   "micro_profit",
		Price:      100,
		Quantity:   8,
		StopLoss:   97,
		TakeProfit: 110,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	pos, err = lc.CheckScaleIn(context.Background(), pos, 100.5, 50)
	if err != nil {
		t.Fatalf("CheckScaleIn: %v", err)
	}
	if pos.Quantity != 4 {
		t.Errorf("Add-on should be skipped on thin buying power, qty=%f", pos.Quantity)
	}
}

func TestCloseCancelsRestingOrders(t *testing.T) {
	client := newMockClient(broker.VenueAlpaca, true)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "AAPL",
		Strategy:   "macd_trend",
		Price:      150,
		Quantity:   3,
		StopLoss:   148.50,
		TakeProfit: 153,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := lc.Close(context.Background(), pos, 151, ReasonSignalSell); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(client.cancelled) != 1 || client.cancelled[0] != "AAPL" {
		t.Errorf("Expected AAPL orders cancelled before the exit, got %v", client.cancelled)
	}
	if _, ok := lc.TradeID("AAPL"); ok {
		t.Error("Trade ID should be cleared after close")
	}
}

func TestOpenEntryFailureLeavesNoState(t *testing.T) {
	client := newMockClient(broker.VenueAlpaca, true)
	client.failNext = broker.NewError(broker.KindInsufficientFunds, broker.VenueAlpaca, "orders", context.Canceled)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{})

	_, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "AAPL",
		Strategy:   "macd_trend",
		Price:      150,
		Quantity:   3,
		StopLoss:   148.50,
		TakeProfit: 153,
	})
	if err == nil {
		t.Fatal("Expected entry failure")
	}
	if !strings.Contains(err.Error(), "AAPL") {
		t.Errorf("Error should name the symbol: %v", err)
	}

	trades, _ := store.OpenTrades(context.Background())
	if len(trades) != 0 {
		t.Errorf("No journal row should exist after a rejected entry, got %d", len(trades))
	}
	if _, ok := lc.TradeID("AAPL"); ok {
		t.Error("No trade ID should be registered after a rejected entry")
	}
}

func TestReconcileClosedJournalsWithoutOrders(t *testing.T) {
	client := newMockClient(broker.VenueAlpaca, true)
	store := journal.NewMemory()
	lc := newTestLifecycle(client, store, Config{})

	pos, err := lc.Open(context.Background(), OpenRequest{
		Symbol:     "AAPL",
		Strategy:   "macd_trend",
		Price:      150,
		Quantity:   3,
		StopLoss:   148.50,
		TakeProfit: 153,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := len(client.orders) + len(client.bracketReqs)

	lc.ReconcileClosed(context.Background(), pos, 153, ReasonBracketFill)

	if got := len(client.orders) + len(client.bracketReqs); got != before {
		t.Errorf("Reconcile must not place orders: %d -> %d", before, got)
	}
	recent, _ := store.RecentTrades(context.Background(), 1)
	if len(recent) != 1 || !recent[0].Closed() || recent[0].ExitReason != ReasonBracketFill {
		t.Errorf("Expected bracket_fill close, got %+v", recent)
	}
}
