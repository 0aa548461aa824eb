package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by test mode when no
// database is configured. Writes are serialized by a single mutex; reads
// return copies so callers never observe later mutations.
type Memory struct {
	mu     sync.RWMutex
	nextID int64
	trades []TradeRecord
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{nextID: 1}
}

func (m *Memory) RecordOpen(_ context.Context, rec TradeRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.ID = m.nextID
	m.nextID++
	rec.ExitTime = nil
	rec.ExitPrice = nil
	rec.PnL = nil
	m.trades = append(m.trades, rec)
	return rec.ID, nil
}

func (m *Memory) RecordClose(_ context.Context, id int64, exitTime time.Time, exitPrice, pnl float64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.trades {
		if m.trades[i].ID != id {
			continue
		}
		if m.trades[i].ExitTime != nil {
			return fmt.Errorf("journal record close: trade %d not open", id)
		}
		t := exitTime
		price := exitPrice
		p := pnl
		m.trades[i].ExitTime = &t
		m.trades[i].ExitPrice = &price
		m.trades[i].PnL = &p
		m.trades[i].ExitReason = reason
		return nil
	}
	return fmt.Errorf("journal record close: trade %d not found", id)
}

func (m *Memory) OpenTrades(_ context.Context) ([]TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TradeRecord
	for _, t := range m.trades {
		if t.ExitTime == nil {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.After(out[j].EntryTime) })
	return out, nil
}

func (m *Memory) RecentTrades(_ context.Context, limit int) ([]TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TradeRecord, len(m.trades))
	copy(out, m.trades)
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.After(out[j].EntryTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClosedTradesSince(_ context.Context, since time.Time) ([]TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TradeRecord
	for _, t := range m.trades {
		if t.ExitTime != nil && !t.ExitTime.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.Before(*out[j].ExitTime) })
	return out, nil
}

func (m *Memory) SymbolStats(_ context.Context, symbol string) (SymbolStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := SymbolStats{Symbol: symbol}
	var winSum, lossSum float64
	var losses int
	for _, t := range m.trades {
		if t.Symbol != symbol || t.PnL == nil {
			continue
		}
		stats.TotalTrades++
		if *t.PnL > 0 {
			stats.Wins++
			winSum += *t.PnL
		} else {
			losses++
			lossSum += -*t.PnL
		}
	}
	if stats.Wins > 0 {
		stats.AvgWin = winSum / float64(stats.Wins)
	}
	if losses > 0 {
		stats.AvgLoss = lossSum / float64(losses)
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	}
	return stats, nil
}

func (m *Memory) Summary(_ context.Context) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Summary
	var winSum, lossSum float64
	for _, t := range m.trades {
		s.TotalTrades++
		if t.ExitTime == nil {
			s.OpenTrades++
			continue
		}
		if t.PnL != nil {
			s.TotalPnL += *t.PnL
			if *t.PnL > 0 {
				s.Wins++
				winSum += *t.PnL
			} else {
				s.Losses++
				lossSum += -*t.PnL
			}
		}
	}
	if s.Wins > 0 {
		s.AvgWin = winSum / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = lossSum / float64(s.Losses)
	}
	closed := s.TotalTrades - s.OpenTrades
	if closed > 0 {
		s.WinRate = float64(s.Wins) / float64(closed)
	}
	return s, nil
}

func (m *Memory) Close() {}
