package risk

// DrawdownState is a read snapshot of the guard for status reporting.
type DrawdownState struct {
	PeakEquity float64     `json:"peakEquity"`
	Equity     float64     `json:"equity"`
	Drawdown   float64     `json:"drawdown"`
	Halted     bool        `json:"halted"`
	Tier       CapitalTier `json:"tier"`
}

// UpdateEquity records the latest account equity. The peak only ever rises;
// recovering equity never moves it down, so a halt persists until an
// operator resets the peak.
func (e *Engine) UpdateEquity(current float64) {
	if current <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if current > e.peakEquity {
		e.peakEquity = current
	}
	e.lastEquity = current

	tier := GetTier(current)
	if e.lastTier != "" && tier != e.lastTier {
		e.logger.Info().
			Str("from", string(e.lastTier)).
			Str("to", string(tier)).
			Float64("equity", current).
			Msg("capital tier transition")
	}
	e.lastTier = tier

	dd := drawdownOf(e.peakEquity, current)
	if dd > e.cfg.MaxDrawdown {
		if !e.breachWarned {
			e.logger.Warn().
				Float64("peak", e.peakEquity).
				Float64("equity", current).
				Float64("drawdown", dd).
				Float64("max", e.cfg.MaxDrawdown).
				Msg("max drawdown breached, trading halted until operator reset")
			e.breachWarned = true
		}
	} else {
		e.breachWarned = false
	}
}

// ShouldHalt reports whether the drawdown guard is tripped.
func (e *Engine) ShouldHalt() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return drawdownOf(e.peakEquity, e.lastEquity) > e.cfg.MaxDrawdown
}

// Drawdown returns the current drawdown as a fraction of peak equity.
func (e *Engine) Drawdown() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return drawdownOf(e.peakEquity, e.lastEquity)
}

// PeakEquity returns the highest equity seen since start or the last reset.
func (e *Engine) PeakEquity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peakEquity
}

// State returns a snapshot for status endpoints.
func (e *Engine) State() DrawdownState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return DrawdownState{
		PeakEquity: e.peakEquity,
		Equity:     e.lastEquity,
		Drawdown:   drawdownOf(e.peakEquity, e.lastEquity),
		Halted:     drawdownOf(e.peakEquity, e.lastEquity) > e.cfg.MaxDrawdown,
		Tier:       GetTier(e.lastEquity),
	}
}

// ResetPeak rebases the peak to current equity. Operator action only: this
// is what clears a drawdown halt.
func (e *Engine) ResetPeak() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger.Warn().
		Float64("oldPeak", e.peakEquity).
		Float64("newPeak", e.lastEquity).
		Msg("drawdown peak reset by operator")
	e.peakEquity = e.lastEquity
	e.breachWarned = false
}

func drawdownOf(peak, current float64) float64 {
	if peak <= 0 {
		return 0
	}
	return (peak - current) / peak
}
