// Package supervisor is the dead-man switch. Components register a maximum
// silent interval and beat while healthy; when any of them goes quiet the
// supervisor flattens every venue and latches the process closed to new
// entries until an operator reset.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/events"
	"autonomous-trading-engine/internal/metrics"
)

// flattenTimeout bounds the emergency protocol. The flatten is never
// cancelled by the caller once armed.
const flattenTimeout = 2 * time.Minute

// Flattener closes everything a profile holds at market. Implementations
// journal each close with the emergency reason.
type Flattener interface {
	EmergencyFlatten(ctx context.Context) error
}

type component struct {
	interval time.Duration
	lastBeat time.Time
}

// ComponentStatus is one row of the supervisor's dashboard view.
type ComponentStatus struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	LastBeat time.Time     `json:"last_beat"`
	Overdue  bool          `json:"overdue"`
}

// Supervisor owns the component registry and the latched tripped flag. The
// flag is the engine's only global-style state: once set it stays set
// across every loop until Reset.
type Supervisor struct {
	logger zerolog.Logger
	bus    *events.Bus
	mset   *metrics.Set

	mu         sync.Mutex
	components map[string]*component
	flatteners []Flattener
	trippedBy  string
	trippedAt  time.Time

	tripped atomic.Bool

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

// New builds an empty supervisor. Components register afterwards.
func New(bus *events.Bus, mset *metrics.Set, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		logger:     logger,
		bus:        bus,
		mset:       mset,
		components: make(map[string]*component),
	}
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Register adds a component with its maximum silent interval. Registration
// counts as the first beat.
func (s *Supervisor) Register(name string, maxSilent time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = &component{interval: maxSilent, lastBeat: s.now()}
	s.logger.Info().Str("component", name).Dur("max_silent", maxSilent).Msg("supervisor watching component")
}

// Deregister removes a component, typically on clean shutdown of one loop.
func (s *Supervisor) Deregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.components, name)
}

// Beat records liveness for a registered component.
func (s *Supervisor) Beat(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.components[name]
	if !ok {
		s.logger.Warn().Str("component", name).Msg("beat from unregistered component")
		return
	}
	c.lastBeat = s.now()
}

// AddFlattener registers a profile's emergency close-out path.
func (s *Supervisor) AddFlattener(f Flattener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flatteners = append(s.flatteners, f)
}

// Tripped reports whether the dead-man switch has fired. Entries are
// blocked while true.
func (s *Supervisor) Tripped() bool { return s.tripped.Load() }

// TrippedBy returns which component tripped the switch and when.
func (s *Supervisor) TrippedBy() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trippedBy, s.trippedAt
}

// Components returns the registry view for the dashboard.
func (s *Supervisor) Components() []ComponentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]ComponentStatus, 0, len(s.components))
	for name, c := range s.components {
		out = append(out, ComponentStatus{
			Name:     name,
			Interval: c.interval,
			LastBeat: c.lastBeat,
			Overdue:  now.Sub(c.lastBeat) > c.interval,
		})
	}
	return out
}

// Check is one monitor pass, driven by the scheduler. The first overdue
// component arms the emergency protocol; once tripped the latch holds and
// later passes are no-ops.
func (s *Supervisor) Check() {
	if s.tripped.Load() {
		return
	}

	s.mu.Lock()
	now := s.now()
	var stale string
	var silent time.Duration
	for name, c := range s.components {
		if age := now.Sub(c.lastBeat); age > c.interval {
			stale = name
			silent = age
			break
		}
	}
	s.mu.Unlock()

	if stale == "" {
		return
	}

	if s.mset != nil {
		s.mset.HeartbeatMisses.WithLabelValues(stale).Inc()
	}
	s.logger.Error().Str("component", stale).Dur("silent", silent).Msg("heartbeat missed, arming emergency flatten")
	if s.bus != nil {
		s.bus.Emit(events.TypeHeartbeatMissed, events.HeartbeatMissed{
			Component: stale,
			Silent:    silent.String(),
		})
	}
	s.trip(stale)
}

// trip latches the flag and runs the flatten. The latch is set before any
// venue call so entries stop even if the flatten itself is slow.
func (s *Supervisor) trip(name string) {
	if !s.tripped.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	s.trippedBy = name
	s.trippedAt = s.now()
	flatteners := append([]Flattener(nil), s.flatteners...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flattenTimeout)
	defer cancel()

	flattened := true
	for _, f := range flatteners {
		if err := f.EmergencyFlatten(ctx); err != nil {
			flattened = false
			s.logger.Error().Err(err).Msg("emergency flatten incomplete")
		}
	}

	s.logger.Error().Str("component", name).Bool("flattened", flattened).Msg("dead-man switch tripped")
	if s.bus != nil {
		s.bus.Emit(events.TypeEmergency, events.Emergency{
			Component: name,
			Detail:    "heartbeat missed",
			Flattened: flattened,
		})
	}
}

// Reset clears the latch after operator review and rebaselines every beat
// so a halted loop's stale timestamp cannot re-trip immediately.
func (s *Supervisor) Reset(operator string) {
	s.mu.Lock()
	now := s.now()
	for _, c := range s.components {
		c.lastBeat = now
	}
	by := s.trippedBy
	s.trippedBy = ""
	s.trippedAt = time.Time{}
	s.mu.Unlock()

	s.tripped.Store(false)
	s.logger.Warn().Str("operator", operator).Str("was_tripped_by", by).Msg("supervisor reset")
}
