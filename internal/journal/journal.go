// Package journal persists the append-only trade record the engine's risk
// and compliance logic depends on. Postgres backs production runs; the
// in-memory store backs tests and database-less test mode.
package journal

import (
	"context"
	"time"
)

// TradeRecord is one journal row. Exit fields stay nil until the position
// closes; a record is never updated after its close is written.
type TradeRecord struct {
	ID         int64      `json:"id"`
	Symbol     string     `json:"symbol"`
	Strategy   string     `json:"strategy"`
	Profile    string     `json:"profile"`
	EntryTime  time.Time  `json:"entry_time"`
	EntryPrice float64    `json:"entry_price"`
	Quantity   float64    `json:"quantity"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
	ExitPrice  *float64   `json:"exit_price,omitempty"`
	PnL        *float64   `json:"pnl,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
}

// Closed reports whether the record has an exit.
func (r TradeRecord) Closed() bool { return r.ExitTime != nil }

// IsDayTrade reports whether entry and exit fall on the same calendar day
// in the given location. Open trades are never day trades.
func (r TradeRecord) IsDayTrade(loc *time.Location) bool {
	if r.ExitTime == nil {
		return false
	}
	ey, em, ed := r.EntryTime.In(loc).Date()
	xy, xm, xd := r.ExitTime.In(loc).Date()
	return ey == xy && em == xm && ed == xd
}

// SymbolStats aggregates journalled outcomes for one symbol. WinRate is in
// [0,1]; AvgLoss is reported as a positive magnitude.
type SymbolStats struct {
	Symbol      string  `json:"symbol"`
	WinRate     float64 `json:"win_rate"`
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
}

// Summary aggregates the whole journal for the dashboard and the offline
// analyzer.
type Summary struct {
	TotalTrades int     `json:"total_trades"`
	OpenTrades  int     `json:"open_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
}

// Store is the journal contract. Writes are sequenced by the
// implementation; reads observe a consistent snapshot.
type Store interface {
	// RecordOpen appends an open and returns the journal id.
	RecordOpen(ctx context.Context, rec TradeRecord) (int64, error)
	// RecordClose finalizes a trade. The id must come from RecordOpen.
	RecordClose(ctx context.Context, id int64, exitTime time.Time, exitPrice, pnl float64, reason string) error

	OpenTrades(ctx context.Context) ([]TradeRecord, error)
	RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)
	// ClosedTradesSince returns trades whose exit falls at or after since,
	// oldest first. The PDT guard derives day-trade counts from these.
	ClosedTradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error)

	SymbolStats(ctx context.Context, symbol string) (SymbolStats, error)
	Summary(ctx context.Context) (Summary, error)

	Close()
}
