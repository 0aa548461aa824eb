// Package pdt enforces the pattern-day-trade rule for sub-threshold equity
// accounts. Counts come from the trade journal, never from process memory,
// so the guard is correct across restarts.
package pdt

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/journal"
)

const (
	equityThreshold = 25000.0
	maxDayTrades    = 3
	windowDays      = 5
)

// Decision is the guard's verdict on one order attempt.
type Decision struct {
	Allowed   bool
	DayTrades int
	Reason    string
}

// Guard answers whether an order may proceed under the day-trade rule.
type Guard struct {
	store   journal.Store
	logger  zerolog.Logger
	loc     *time.Location
	enabled bool

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

// NewGuard builds the guard. loc is the venue's business-day location; nil
// falls back to UTC.
func NewGuard(store journal.Store, enabled bool, loc *time.Location, logger zerolog.Logger) *Guard {
	if loc == nil {
		loc = time.UTC
	}
	return &Guard{
		store:   store,
		logger:  logger,
		loc:     loc,
		enabled: enabled,
	}
}

// Enabled reports whether protection is engaged.
func (g *Guard) Enabled() bool { return g.enabled }

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// DayTradeCount returns the number of journalled day trades inside the
// rolling five-business-day window ending today.
func (g *Guard) DayTradeCount(ctx context.Context) (int, error) {
	since := windowStart(g.now().In(g.loc), g.loc)
	trades, err := g.store.ClosedTradesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("day trade count: %w", err)
	}
	count := 0
	for _, tr := range trades {
		if tr.IsDayTrade(g.loc) {
			count++
		}
	}
	return count, nil
}

// CanOpen reports whether a new entry may proceed. An entry alone never
// creates a day trade, so entries are always permitted; the decision still
// carries the current count for the cycle log.
func (g *Guard) CanOpen(ctx context.Context, equity float64) Decision {
	if !g.active(equity) {
		return Decision{Allowed: true, Reason: "guard inactive"}
	}
	count, err := g.DayTradeCount(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("day trade count unavailable")
		return Decision{Allowed: true, Reason: "journal unavailable"}
	}
	return Decision{
		Allowed:   true,
		DayTrades: count,
		Reason:    fmt.Sprintf("day trades used %d/%d", count, maxDayTrades),
	}
}

// CanClose reports whether selling a position opened at entryTime may
// proceed. A sell of a position opened the same business day is denied when
// it would be day trade number four in the window; overnight positions are
// always sellable. A journal failure allows the exit: stranding a position
// is worse than an uncounted day trade.
func (g *Guard) CanClose(ctx context.Context, symbol string, entryTime time.Time, equity float64) Decision {
	if !g.active(equity) {
		return Decision{Allowed: true, Reason: "guard inactive"}
	}

	now := g.now().In(g.loc)
	if !sameBusinessDay(entryTime.In(g.loc), now) {
		return Decision{Allowed: true, Reason: "overnight position"}
	}

	count, err := g.DayTradeCount(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Str("symbol", symbol).Msg("day trade count unavailable, allowing exit")
		return Decision{Allowed: true, Reason: "journal unavailable"}
	}
	if count >= maxDayTrades {
		return Decision{
			Allowed:   false,
			DayTrades: count,
			Reason:    fmt.Sprintf("selling %s today would be day trade %d of %d", symbol, count+1, maxDayTrades),
		}
	}
	return Decision{
		Allowed:   true,
		DayTrades: count,
		Reason:    fmt.Sprintf("day trades used %d/%d", count, maxDayTrades),
	}
}

func (g *Guard) active(equity float64) bool {
	return g.enabled && equity < equityThreshold
}

func sameBusinessDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// windowStart returns midnight of the oldest business day in the rolling
// window: today plus the four business days before it. Weekends are skipped
// when walking back.
func windowStart(now time.Time, loc *time.Location) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	remaining := windowDays - 1
	for remaining > 0 {
		day = day.AddDate(0, 0, -1)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			remaining--
		}
	}
	return day
}
