package journal

import (
	"context"
	"strings"
	"testing"
	"time"
)

var testBase = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

func mustOpen(t *testing.T, m *Memory, symbol string, entry time.Time) int64 {
	t.Helper()
	id, err := m.RecordOpen(context.Background(), TradeRecord{
		Symbol: symbol, Strategy: "rsi_meanrev", Profile: "equity",
		EntryTime: entry, EntryPrice: 100, Quantity: 1, StopLoss: 99, TakeProfit: 102,
	})
	if err != nil {
		t.Fatalf("Expected journal open, got %v", err)
	}
	return id
}

func mustClose(t *testing.T, m *Memory, id int64, exit time.Time, pnl float64) {
	t.Helper()
	if err := m.RecordClose(context.Background(), id, exit, 100+pnl, pnl, "take_profit"); err != nil {
		t.Fatalf("Expected journal close, got %v", err)
	}
}

// TestRecordOpenAssignsSequentialIDs verifies ids start at 1 and that a
// caller cannot smuggle exit fields into an open record.
func TestRecordOpenAssignsSequentialIDs(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	exit := testBase.Add(time.Hour)
	price := 105.0
	pnl := 5.0
	id, err := m.RecordOpen(ctx, TradeRecord{
		ID: 99, Symbol: "AAPL", Strategy: "rsi_meanrev", Profile: "equity",
		EntryTime: testBase, EntryPrice: 100, Quantity: 1, StopLoss: 99, TakeProfit: 102,
		ExitTime: &exit, ExitPrice: &price, PnL: &pnl,
	})
	if err != nil {
		t.Fatalf("Expected journal open, got %v", err)
	}
	if id != 1 {
		t.Errorf("Expected first id 1, got %d", id)
	}
	if next := mustOpen(t, m, "MSFT", testBase); next != 2 {
		t.Errorf("Expected second id 2, got %d", next)
	}

	open, err := m.OpenTrades(ctx)
	if err != nil {
		t.Fatalf("Expected open trades, got %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("Expected 2 open trades, got %d", len(open))
	}
	for _, rec := range open {
		if rec.Closed() || rec.ExitPrice != nil || rec.PnL != nil {
			t.Errorf("Expected exit fields stripped on open, got %+v", rec)
		}
	}
}

// TestRecordCloseFinalizes verifies the close writes exit price, pnl and
// reason onto the opened record.
func TestRecordCloseFinalizes(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	id := mustOpen(t, m, "AAPL", testBase)
	exit := testBase.Add(2 * time.Hour)
	if err := m.RecordClose(ctx, id, exit, 104, 4, "trailing_stop"); err != nil {
		t.Fatalf("Expected journal close, got %v", err)
	}

	recent, err := m.RecentTrades(ctx, 0)
	if err != nil {
		t.Fatalf("Expected recent trades, got %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("Expected 1 trade, got %d", len(recent))
	}
	rec := recent[0]
	if !rec.Closed() {
		t.Fatalf("Expected record closed, got %+v", rec)
	}
	if !rec.ExitTime.Equal(exit) || *rec.ExitPrice != 104 || *rec.PnL != 4 {
		t.Errorf("Expected exit 104/+4 at %s, got %+v", exit, rec)
	}
	if rec.ExitReason != "trailing_stop" {
		t.Errorf("Expected trailing_stop reason, got %q", rec.ExitReason)
	}
}

// TestRecordCloseUnknownID verifies closing an id the journal never issued
// is an error.
func TestRecordCloseUnknownID(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	err := m.RecordClose(context.Background(), 7, testBase, 100, 0, "stop_loss")
	if err == nil {
		t.Fatal("Expected error for unknown id, got nil")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Expected not found error, got %v", err)
	}
}

// TestRecordCloseTwice verifies a record is never rewritten after its close.
func TestRecordCloseTwice(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	id := mustOpen(t, m, "AAPL", testBase)
	mustClose(t, m, id, testBase.Add(time.Hour), 4)

	err := m.RecordClose(ctx, id, testBase.Add(2*time.Hour), 90, -10, "stop_loss")
	if err == nil {
		t.Fatal("Expected error on double close, got nil")
	}
	if !strings.Contains(err.Error(), "not open") {
		t.Errorf("Expected not open error, got %v", err)
	}

	recent, err := m.RecentTrades(ctx, 0)
	if err != nil {
		t.Fatalf("Expected recent trades, got %v", err)
	}
	if *recent[0].PnL != 4 {
		t.Errorf("Expected first close preserved, got pnl %v", *recent[0].PnL)
	}
}

// TestOpenTradesNewestFirst verifies closed trades are excluded and the
// newest entry leads.
func TestOpenTradesNewestFirst(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	old := mustOpen(t, m, "AAPL", testBase)
	mustOpen(t, m, "MSFT", testBase.Add(time.Hour))
	mustOpen(t, m, "NVDA", testBase.Add(2*time.Hour))
	mustClose(t, m, old, testBase.Add(3*time.Hour), 1)

	open, err := m.OpenTrades(context.Background())
	if err != nil {
		t.Fatalf("Expected open trades, got %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("Expected 2 open trades, got %d", len(open))
	}
	if open[0].Symbol != "NVDA" || open[1].Symbol != "MSFT" {
		t.Errorf("Expected NVDA then MSFT, got %s then %s", open[0].Symbol, open[1].Symbol)
	}
}

// TestRecentTradesLimit verifies the newest-first cut across limits.
func TestRecentTradesLimit(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	for i, sym := range []string{"AAPL", "MSFT", "NVDA"} {
		mustOpen(t, m, sym, testBase.Add(time.Duration(i)*time.Hour))
	}

	cases := []struct {
		name  string
		limit int
		want  []string
	}{
		{"limit cuts to newest", 2, []string{"NVDA", "MSFT"}},
		{"zero limit returns all", 0, []string{"NVDA", "MSFT", "AAPL"}},
		{"oversized limit returns all", 10, []string{"NVDA", "MSFT", "AAPL"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.RecentTrades(context.Background(), tc.limit)
			if err != nil {
				t.Fatalf("Expected recent trades, got %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("Expected %d trades, got %d", len(tc.want), len(got))
			}
			for i, sym := range tc.want {
				if got[i].Symbol != sym {
					t.Errorf("Expected %s at %d, got %s", sym, i, got[i].Symbol)
				}
			}
		})
	}
}

// TestClosedTradesSinceFiltersAndOrders verifies the since boundary is
// inclusive, open trades never appear and results run oldest exit first.
func TestClosedTradesSinceFiltersAndOrders(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	since := testBase.Add(24 * time.Hour)

	before := mustOpen(t, m, "AAPL", testBase)
	boundary := mustOpen(t, m, "MSFT", testBase)
	after := mustOpen(t, m, "NVDA", testBase)
	mustOpen(t, m, "GOOGL", testBase)
	mustClose(t, m, after, since.Add(time.Hour), 2)
	mustClose(t, m, before, since.Add(-time.Minute), 1)
	mustClose(t, m, boundary, since, 3)

	closed, err := m.ClosedTradesSince(context.Background(), since)
	if err != nil {
		t.Fatalf("Expected closed trades, got %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("Expected 2 trades at or after since, got %d", len(closed))
	}
	if closed[0].Symbol != "MSFT" || closed[1].Symbol != "NVDA" {
		t.Errorf("Expected MSFT then NVDA, got %s then %s", closed[0].Symbol, closed[1].Symbol)
	}
}

// TestSymbolStatsAggregation verifies wins, averages and the breakeven
// counting as a loss. Open trades and other symbols never contribute.
func TestSymbolStatsAggregation(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	exit := testBase.Add(time.Hour)

	for _, pnl := range []float64{10, 6, -4, -8, 0} {
		id := mustOpen(t, m, "AAPL", testBase)
		mustClose(t, m, id, exit, pnl)
	}
	mustOpen(t, m, "AAPL", testBase)
	other := mustOpen(t, m, "MSFT", testBase)
	mustClose(t, m, other, exit, 50)

	stats, err := m.SymbolStats(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("Expected symbol stats, got %v", err)
	}
	if stats.TotalTrades != 5 || stats.Wins != 2 {
		t.Errorf("Expected 5 trades with 2 wins, got %+v", stats)
	}
	if stats.WinRate != 0.4 {
		t.Errorf("Expected win rate 0.4, got %v", stats.WinRate)
	}
	if stats.AvgWin != 8 {
		t.Errorf("Expected avg win 8, got %v", stats.AvgWin)
	}
	if stats.AvgLoss != 4 {
		t.Errorf("Expected avg loss magnitude 4, got %v", stats.AvgLoss)
	}
}

// TestSymbolStatsUnknownSymbol verifies an untraded symbol reads as all
// zeros rather than an error.
func TestSymbolStatsUnknownSymbol(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	stats, err := m.SymbolStats(context.Background(), "TSLA")
	if err != nil {
		t.Fatalf("Expected symbol stats, got %v", err)
	}
	if stats.Symbol != "TSLA" || stats.TotalTrades != 0 || stats.WinRate != 0 {
		t.Errorf("Expected empty stats for TSLA, got %+v", stats)
	}
}

// TestSummaryAggregation verifies the journal-wide rollup: open trades are
// counted but excluded from the win rate.
func TestSummaryAggregation(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	exit := testBase.Add(time.Hour)

	for _, tc := range []struct {
		symbol string
		pnl    float64
	}{
		{"AAPL", 10}, {"AAPL", -4}, {"MSFT", 2}, {"MSFT", -2},
	} {
		id := mustOpen(t, m, tc.symbol, testBase)
		mustClose(t, m, id, exit, tc.pnl)
	}
	mustOpen(t, m, "GOOGL", testBase)

	s, err := m.Summary(context.Background())
	if err != nil {
		t.Fatalf("Expected summary, got %v", err)
	}
	if s.TotalTrades != 5 || s.OpenTrades != 1 {
		t.Errorf("Expected 5 trades with 1 open, got %+v", s)
	}
	if s.Wins != 2 || s.Losses != 2 || s.WinRate != 0.5 {
		t.Errorf("Expected 2/2 split at 0.5, got %+v", s)
	}
	if s.TotalPnL != 6 {
		t.Errorf("Expected total pnl 6, got %v", s.TotalPnL)
	}
	if s.AvgWin != 6 || s.AvgLoss != 3 {
		t.Errorf("Expected avg win 6 and avg loss 3, got %+v", s)
	}
}

// TestEmptySummary verifies a fresh journal reads as zeros without division
// errors.
func TestEmptySummary(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	s, err := m.Summary(context.Background())
	if err != nil {
		t.Fatalf("Expected summary, got %v", err)
	}
	if s != (Summary{}) {
		t.Errorf("Expected zero summary, got %+v", s)
	}
}

// TestSnapshotsAreStable verifies a read taken before a close keeps its
// open-trade view while the store moves on.
func TestSnapshotsAreStable(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	id := mustOpen(t, m, "AAPL", testBase)
	snapshot, err := m.OpenTrades(ctx)
	if err != nil {
		t.Fatalf("Expected open trades, got %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].Closed() {
		t.Fatalf("Expected one open trade in snapshot, got %+v", snapshot)
	}

	mustClose(t, m, id, testBase.Add(time.Hour), 4)

	if snapshot[0].Closed() {
		t.Errorf("Expected snapshot untouched by close, got %+v", snapshot[0])
	}
	open, err := m.OpenTrades(ctx)
	if err != nil {
		t.Fatalf("Expected open trades, got %v", err)
	}
	if len(open) != 0 {
		t.Errorf("Expected no open trades after close, got %d", len(open))
	}
}

// TestIsDayTradeUsesLocation verifies a UTC-overnight hold that stays inside
// one eastern trading day still counts as a day trade there.
func TestIsDayTradeUsesLocation(t *testing.T) {
	eastern := time.FixedZone("ET", -5*3600)
	entry := time.Date(2024, 6, 3, 22, 0, 0, 0, time.UTC) // 17:00 eastern
	exit := time.Date(2024, 6, 4, 1, 0, 0, 0, time.UTC)   // 20:00 same eastern day

	rec := TradeRecord{EntryTime: entry, ExitTime: &exit}
	if rec.IsDayTrade(time.UTC) {
		t.Error("Expected no day trade in UTC, entry and exit straddle midnight")
	}
	if !rec.IsDayTrade(eastern) {
		t.Error("Expected day trade in the eastern zone")
	}
	if (TradeRecord{EntryTime: entry}).IsDayTrade(eastern) {
		t.Error("Expected open trade never a day trade")
	}
}
