package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"autonomous-trading-engine/internal/anomaly"
	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/events"
	"autonomous-trading-engine/internal/marketdata"
	"autonomous-trading-engine/internal/metrics"
	"autonomous-trading-engine/internal/position"
	"autonomous-trading-engine/internal/resilience"
	"autonomous-trading-engine/internal/risk"
	"autonomous-trading-engine/internal/statestore"
	"autonomous-trading-engine/internal/supervisor"
	"autonomous-trading-engine/internal/watchdog"
)

// VenueServices bundles the per-venue plumbing every profile on that venue
// shares: the wrapped client, its market data cache and the account's risk
// engine.
type VenueServices struct {
	Client *resilience.Client
	Cache  *marketdata.Cache
	Risk   *risk.Engine
}

// RuntimeConfig sets the fixed schedules the runtime drives through cron.
// Zero values take the defaults noted per field.
type RuntimeConfig struct {
	SupervisorInterval time.Duration // dead-man monitor pass, 15s
	RecoverySweep      time.Duration // safe-mode recovery cadence, 5m
	CacheRefresh       time.Duration // market data warm cadence, 1m
	StateProbe         time.Duration // state store reconnect probe, 30s
	HeartbeatInterval  time.Duration // watchdog heartbeat, 1m
	CalmWindow         time.Duration // quiet time before early safe-mode restore, 10m
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	if c.SupervisorInterval <= 0 {
		c.SupervisorInterval = 15 * time.Second
	}
	if c.RecoverySweep <= 0 {
		c.RecoverySweep = 5 * time.Minute
	}
	if c.CacheRefresh <= 0 {
		c.CacheRefresh = time.Minute
	}
	if c.StateProbe <= 0 {
		c.StateProbe = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Minute
	}
	if c.CalmWindow <= 0 {
		c.CalmWindow = 10 * time.Minute
	}
	return c
}

// RuntimeDeps are the shared services the runtime orchestrates.
type RuntimeDeps struct {
	Logger     zerolog.Logger
	Metrics    *metrics.Set
	Bus        *events.Bus
	Supervisor *supervisor.Supervisor
	Monitor    *anomaly.Monitor
	SafeMode   *anomaly.SafeMode
	States     *statestore.Store
	Venues     map[broker.Venue]*VenueServices
	Loops      []*Loop
}

// Runtime owns the control loops and the fixed schedules, aggregates the
// health view and carries the operator reset surface.
type Runtime struct {
	cfg    RuntimeConfig
	logger zerolog.Logger
	mset   *metrics.Set
	bus    *events.Bus

	super    *supervisor.Supervisor
	monitor  *anomaly.Monitor
	safeMode *anomaly.SafeMode
	states   *statestore.Store
	venues   map[broker.Venue]*VenueServices
	loops    []*Loop
	watchdog *watchdog.Client

	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time

	mu        sync.Mutex
	lastLevel Level
}

// NewRuntime assembles the runtime and wires the safe-mode clamp into
// every venue's risk engine.
func NewRuntime(cfg RuntimeConfig, deps RuntimeDeps) *Runtime {
	r := &Runtime{
		cfg:      cfg.withDefaults(),
		logger:   deps.Logger,
		mset:     deps.Metrics,
		bus:      deps.Bus,
		super:    deps.Supervisor,
		monitor:  deps.Monitor,
		safeMode: deps.SafeMode,
		states:   deps.States,
		venues:   deps.Venues,
		loops:    deps.Loops,
		cron:     cron.New(),
	}
	adjust := func(p anomaly.Params) {
		for _, v := range r.venues {
			v.Risk.SetAdjustments(p.SizingMultiplier, p.StopMultiplier)
		}
	}
	r.safeMode.SetHooks(adjust, adjust)
	return r
}

// SetWatchdog attaches the external watchdog. Called before Start: the
// watchdog's heartbeat payload needs the runtime's status callback, so it
// is built after the runtime exists.
func (r *Runtime) SetWatchdog(w *watchdog.Client) { r.watchdog = w }

// Start registers every loop with the supervisor's dead-man switch,
// launches the loop goroutines and starts the cron schedules.
func (r *Runtime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = time.Now()

	if err := r.schedule(); err != nil {
		cancel()
		return err
	}

	for _, loop := range r.loops {
		loop := loop // per-iteration copy; module targets go 1.21 loop semantics
		r.super.Register(loop.Component(), loop.MaxSilent())
		r.super.AddFlattener(loop)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			loop.Run(runCtx)
		}()
	}

	r.cron.Start()
	r.logger.Info().
		Int("profiles", len(r.loops)).
		Int("venues", len(r.venues)).
		Msg("runtime started")
	return nil
}

func (r *Runtime) schedule() error {
	every := func(d time.Duration) string { return "@every " + d.String() }

	if _, err := r.cron.AddFunc(every(r.cfg.SupervisorInterval), r.monitorPass); err != nil {
		return fmt.Errorf("schedule supervisor pass: %w", err)
	}
	if _, err := r.cron.AddFunc(every(r.cfg.RecoverySweep), r.recoverySweep); err != nil {
		return fmt.Errorf("schedule recovery sweep: %w", err)
	}

	for venue, svc := range r.venues {
		cache := svc.Cache
		name := string(venue)
		if _, err := r.cron.AddFunc(every(r.cfg.CacheRefresh), func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CacheRefresh)
			defer cancel()
			if err := cache.Refresh(ctx); err != nil {
				r.logger.Debug().Err(err).Str("venue", name).Msg("scheduled cache refresh failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule %s cache refresh: %w", name, err)
		}
	}

	if r.states != nil {
		if _, err := r.cron.AddFunc(every(r.cfg.StateProbe), func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.states.CheckConnection(ctx); err != nil {
				r.logger.Debug().Err(err).Msg("state store probe failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule state probe: %w", err)
		}
	}

	if r.watchdog != nil && r.watchdog.HeartbeatEnabled() {
		if _, err := r.cron.AddFunc(every(r.cfg.HeartbeatInterval), func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.watchdog.Ping(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("watchdog heartbeat failed")
			}
		}); err != nil {
			return fmt.Errorf("schedule watchdog heartbeat: %w", err)
		}
	}
	return nil
}

// monitorPass is one supervisor check plus the degradation edge detector.
func (r *Runtime) monitorPass() {
	r.super.Check()
	r.observeLevel()
}

func (r *Runtime) recoverySweep() {
	r.safeMode.RecoveryCheck(func() bool {
		return time.Since(r.monitor.LastCritical()) >= r.cfg.CalmWindow
	})
}

func (r *Runtime) observeLevel() {
	level := r.Degradation()
	r.mu.Lock()
	prev := r.lastLevel
	r.lastLevel = level
	r.mu.Unlock()
	if level == prev {
		return
	}
	evt := r.logger.Warn()
	if level < prev {
		evt = r.logger.Info()
	}
	evt.Str("from", prev.String()).Str("to", level.String()).Msg("degradation level changed")
	if r.bus != nil {
		r.bus.Emit(events.TypeDegradation, events.Degradation{From: prev.String(), To: level.String()})
	}
}

// Degradation reports the worst condition currently holding anywhere in
// the engine.
func (r *Runtime) Degradation() Level {
	level := LevelNormal
	for _, v := range r.venues {
		if v.Client.BreakerState() != "closed" {
			level = LevelDegraded
			break
		}
	}
	if r.safeMode.Active() && level < LevelSafeMode {
		level = LevelSafeMode
	}
	for _, v := range r.venues {
		if v.Risk.ShouldHalt() && level < LevelHalted {
			level = LevelHalted
		}
	}
	if r.super.Tripped() && level < LevelEmergency {
		level = LevelEmergency
	}
	return level
}

// VenueStatus is one venue's health row.
type VenueStatus struct {
	Venue    string             `json:"venue"`
	Breaker  string             `json:"breaker"`
	Backoff  bool               `json:"marketdata_backoff"`
	Drawdown risk.DrawdownState `json:"drawdown"`
}

// SafeModeStatus is the dashboard view of the clamp.
type SafeModeStatus struct {
	Active  bool           `json:"active"`
	Reason  string         `json:"reason,omitempty"`
	Expires time.Time      `json:"expires"`
	Params  anomaly.Params `json:"params"`
}

// SupervisorStatus is the dashboard view of the dead-man switch.
type SupervisorStatus struct {
	Tripped    bool                         `json:"tripped"`
	TrippedBy  string                       `json:"tripped_by,omitempty"`
	TrippedAt  time.Time                    `json:"tripped_at"`
	Components []supervisor.ComponentStatus `json:"components"`
}

// ProfileStatus is one loop's health row.
type ProfileStatus struct {
	Name      string                   `json:"name"`
	Venue     string                   `json:"venue"`
	Cycle     int64                    `json:"cycle"`
	Positions []position.TradePosition `json:"positions"`
}

// Status is the aggregate health view served by the dashboard.
type Status struct {
	Degradation string           `json:"degradation"`
	StartedAt   time.Time        `json:"started_at"`
	Venues      []VenueStatus    `json:"venues"`
	SafeMode    SafeModeStatus   `json:"safe_mode"`
	Supervisor  SupervisorStatus `json:"supervisor"`
	Profiles    []ProfileStatus  `json:"profiles"`
}

// Status assembles the aggregate health view.
func (r *Runtime) Status() Status {
	venues := make([]VenueStatus, 0, len(r.venues))
	for venue, v := range r.venues {
		venues = append(venues, VenueStatus{
			Venue:    string(venue),
			Breaker:  v.Client.BreakerState(),
			Backoff:  v.Cache.Backoff(),
			Drawdown: v.Risk.State(),
		})
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i].Venue < venues[j].Venue })

	active, reason, expires := r.safeMode.Status()
	trippedBy, trippedAt := r.super.TrippedBy()

	profiles := make([]ProfileStatus, 0, len(r.loops))
	for _, loop := range r.loops {
		profiles = append(profiles, ProfileStatus{
			Name:      loop.Name(),
			Venue:     string(loop.Venue()),
			Cycle:     loop.Cycle(),
			Positions: loop.Positions(),
		})
	}

	return Status{
		Degradation: r.Degradation().String(),
		StartedAt:   r.started,
		Venues:      venues,
		SafeMode: SafeModeStatus{
			Active:  active,
			Reason:  reason,
			Expires: expires,
			Params:  r.safeMode.Params(),
		},
		Supervisor: SupervisorStatus{
			Tripped:    r.super.Tripped(),
			TrippedBy:  trippedBy,
			TrippedAt:  trippedAt,
			Components: r.super.Components(),
		},
		Profiles: profiles,
	}
}

// ResetSafeMode lifts the clamp on operator command.
func (r *Runtime) ResetSafeMode(operator string) bool {
	return r.safeMode.Restore(operator)
}

// ResetDrawdown rebases every venue's peak equity, clearing a halt.
func (r *Runtime) ResetDrawdown(operator string) {
	for _, v := range r.venues {
		v.Risk.ResetPeak()
	}
	r.logger.Warn().Str("operator", operator).Msg("drawdown peaks reset")
}

// ResetSupervisor clears the dead-man latch after operator review.
func (r *Runtime) ResetSupervisor(operator string) {
	r.super.Reset(operator)
}

// Uptime reports time since Start.
func (r *Runtime) Uptime() time.Duration {
	if r.started.IsZero() {
		return 0
	}
	return time.Since(r.started)
}

// Shutdown stops the schedules, cancels the loops and waits for both,
// bounded by ctx.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.logger.Info().Msg("runtime shutting down")
	if r.cancel != nil {
		r.cancel()
	}
	cronDone := r.cron.Stop()

	loopsDone := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(loopsDone)
	}()

	select {
	case <-loopsDone:
	case <-ctx.Done():
		r.logger.Warn().Msg("shutdown deadline hit with loops still running")
		return ctx.Err()
	}
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		r.logger.Warn().Msg("shutdown deadline hit with scheduled jobs still running")
		return ctx.Err()
	}

	for _, loop := range r.loops {
		r.super.Deregister(loop.Component())
	}
	r.logger.Info().Msg("runtime stopped")
	return nil
}
