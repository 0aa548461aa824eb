// Package bot runs the trading engine: one control loop per profile
// sequencing market data, signals, risk and the position lifecycle, plus
// the runtime that owns the loops, the fixed schedules and the aggregate
// health view.
package bot

import (
	"fmt"
	"time"

	"autonomous-trading-engine/internal/broker"
)

// Profile configures one control loop: the venue it trades, the slice of
// deployable capital it budgets, the symbol universe per regime and its
// exit discipline. Profiles on the same venue share the account; the
// capital fractions keep their budgets apart.
type Profile struct {
	Name            string
	Venue           broker.Venue
	CapitalFraction float64

	BullishSymbols []string
	BearishSymbols []string

	// Exit percents are fractions: 0.0075 means 0.75%. ExitOverride uses
	// them exactly, skipping the tier multipliers (crypto micro-profit).
	TakeProfitPercent   float64
	StopLossPercent     float64
	TrailingStopPercent float64
	ExitOverride        bool

	CycleInterval time.Duration

	PartialExits  bool
	MicroScaling  bool
	ExtendedHours bool
}

// Validate rejects profiles the loop could not run safely.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name required")
	}
	if p.Venue == "" {
		return fmt.Errorf("profile %s: venue required", p.Name)
	}
	if p.CapitalFraction <= 0 || p.CapitalFraction > 1 {
		return fmt.Errorf("profile %s: capital fraction %.3f must be in (0, 1]", p.Name, p.CapitalFraction)
	}
	if len(p.BullishSymbols) == 0 {
		return fmt.Errorf("profile %s: at least one bullish symbol required", p.Name)
	}
	if p.TakeProfitPercent <= 0 || p.TakeProfitPercent >= 1 {
		return fmt.Errorf("profile %s: take profit %.4f must be in (0, 1)", p.Name, p.TakeProfitPercent)
	}
	if p.StopLossPercent <= 0 || p.StopLossPercent >= 1 {
		return fmt.Errorf("profile %s: stop loss %.4f must be in (0, 1)", p.Name, p.StopLossPercent)
	}
	if p.TrailingStopPercent < 0 || p.TrailingStopPercent >= 1 {
		return fmt.Errorf("profile %s: trailing stop %.4f must be in [0, 1)", p.Name, p.TrailingStopPercent)
	}
	if p.CycleInterval < time.Second {
		return fmt.Errorf("profile %s: cycle interval %s below 1s", p.Name, p.CycleInterval)
	}
	return nil
}

// universe is the set of every symbol the profile may ever trade,
// normalized for map lookups.
func (p Profile) universe() map[string]bool {
	out := make(map[string]bool, len(p.BullishSymbols)+len(p.BearishSymbols))
	for _, s := range p.BullishSymbols {
		out[broker.NormalizeSymbol(s)] = true
	}
	for _, s := range p.BearishSymbols {
		out[broker.NormalizeSymbol(s)] = true
	}
	return out
}
