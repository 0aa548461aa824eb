package anomaly

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/events"
	"autonomous-trading-engine/internal/metrics"
)

// Params are the runtime knobs safe mode clamps. Multipliers scale the
// engine's normal sizing, stop percents and cycle interval.
type Params struct {
	SizingMultiplier float64 `json:"sizing_multiplier"`
	StopMultiplier   float64 `json:"stop_multiplier"`
	CycleMultiplier  float64 `json:"cycle_multiplier"`
	EntriesPaused    bool    `json:"entries_paused"`
}

// NormalParams is the unclamped baseline.
func NormalParams() Params {
	return Params{SizingMultiplier: 1, StopMultiplier: 1, CycleMultiplier: 1}
}

// SafeModeConfig sets the clamp factors and the hard restore window.
type SafeModeConfig struct {
	SizingClamp  float64
	StopClamp    float64
	CycleClamp   float64
	PauseEntries bool
	MaxDuration  time.Duration
}

// DefaultSafeModeConfig halves sizing, stop distance and cycle interval for
// at most an hour.
func DefaultSafeModeConfig() SafeModeConfig {
	return SafeModeConfig{
		SizingClamp: 0.5,
		StopClamp:   0.5,
		CycleClamp:  0.5,
		MaxDuration: time.Hour,
	}
}

// SafeMode owns the engine's live risk parameters. Activation snapshots the
// prior values and applies the clamp exactly once; restore puts the
// snapshot back untouched. All transitions are serialized by one mutex.
type SafeMode struct {
	logger zerolog.Logger
	bus    *events.Bus
	mset   *metrics.Set
	cfg    SafeModeConfig

	mu        sync.Mutex
	active    bool
	activated time.Time
	reason    string
	saved     Params
	current   Params
	onApply   func(Params)
	onRestore func(Params)

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

// NewSafeMode builds an inactive safe mode holding the normal parameters.
func NewSafeMode(cfg SafeModeConfig, bus *events.Bus, mset *metrics.Set, logger zerolog.Logger) *SafeMode {
	def := DefaultSafeModeConfig()
	if cfg.SizingClamp <= 0 {
		cfg.SizingClamp = def.SizingClamp
	}
	if cfg.StopClamp <= 0 {
		cfg.StopClamp = def.StopClamp
	}
	if cfg.CycleClamp <= 0 {
		cfg.CycleClamp = def.CycleClamp
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	return &SafeMode{
		logger:  logger,
		bus:     bus,
		mset:    mset,
		cfg:     cfg,
		current: NormalParams(),
	}
}

func (s *SafeMode) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SetHooks wires the runtime callbacks invoked after a clamp is applied and
// after the snapshot is restored.
func (s *SafeMode) SetHooks(apply, restore func(Params)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApply = apply
	s.onRestore = restore
}

// Params returns the live parameters: clamped while active, the baseline
// otherwise.
func (s *SafeMode) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Active reports whether the clamp is engaged.
func (s *SafeMode) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Status returns the dashboard view of the clamp.
func (s *SafeMode) Status() (active bool, reason string, expires time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false, "", time.Time{}
	}
	return true, s.reason, s.activated.Add(s.cfg.MaxDuration)
}

// Activate engages the clamp. The first caller snapshots the prior values;
// while already active the clamp is left untouched and only the restore
// window is extended. Returns true when this call engaged the clamp.
func (s *SafeMode) Activate(reason string, zscore float64) bool {
	s.mu.Lock()
	now := s.now()
	if s.active {
		s.activated = now
		s.mu.Unlock()
		s.logger.Warn().Str("reason", reason).Msg("safe mode window extended")
		return false
	}

	s.saved = s.current
	s.current = Params{
		SizingMultiplier: s.saved.SizingMultiplier * s.cfg.SizingClamp,
		StopMultiplier:   s.saved.StopMultiplier * s.cfg.StopClamp,
		CycleMultiplier:  s.saved.CycleMultiplier * s.cfg.CycleClamp,
		EntriesPaused:    s.saved.EntriesPaused || s.cfg.PauseEntries,
	}
	s.active = true
	s.activated = now
	s.reason = reason
	applied := s.current
	expires := now.Add(s.cfg.MaxDuration)
	apply := s.onApply
	s.mu.Unlock()

	s.logger.Error().Str("reason", reason).Float64("z", zscore).
		Float64("sizing", applied.SizingMultiplier).
		Float64("stops", applied.StopMultiplier).
		Float64("cycle", applied.CycleMultiplier).
		Time("expires", expires).Msg("safe mode engaged")
	if s.mset != nil {
		s.mset.SafeModeActive.Set(1)
	}
	if s.bus != nil {
		s.bus.Emit(events.TypeSafeMode, events.SafeMode{
			Active:  true,
			Reason:  reason,
			Sizing:  applied.SizingMultiplier,
			Stops:   applied.StopMultiplier,
			Cycle:   applied.CycleMultiplier,
			Expires: expires.Format(time.RFC3339),
		})
	}
	if apply != nil {
		apply(applied)
	}
	return true
}

// Restore lifts the clamp on operator command.
func (s *SafeMode) Restore(operator string) bool {
	return s.restore("operator reset by " + operator)
}

// RecoveryCheck is the scheduled sweep. It restores on window expiry, or
// earlier when the calm predicate reports conditions have cleared.
func (s *SafeMode) RecoveryCheck(calm func() bool) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	expired := s.now().Sub(s.activated) >= s.cfg.MaxDuration
	s.mu.Unlock()

	if expired {
		s.restore("max duration elapsed")
		return
	}
	if calm != nil && calm() {
		s.restore("recovery check passed")
		return
	}
	s.logger.Info().Msg("safe mode recovery check: conditions not cleared")
}

func (s *SafeMode) restore(trigger string) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	s.current = s.saved
	s.active = false
	s.reason = ""
	restored := s.current
	onRestore := s.onRestore
	s.mu.Unlock()

	s.logger.Warn().Str("trigger", trigger).
		Float64("sizing", restored.SizingMultiplier).
		Float64("stops", restored.StopMultiplier).
		Float64("cycle", restored.CycleMultiplier).Msg("safe mode restored")
	if s.mset != nil {
		s.mset.SafeModeActive.Set(0)
	}
	if s.bus != nil {
		s.bus.Emit(events.TypeSafeMode, events.SafeMode{Active: false, Reason: trigger})
	}
	if onRestore != nil {
		onRestore(restored)
	}
	return true
}
