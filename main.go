// The trading engine binary. Wires configuration, venue clients, the
// per-venue service stacks, one control loop per profile and the operator
// dashboard, then runs until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"autonomous-trading-engine/config"
	"autonomous-trading-engine/internal/advisor"
	"autonomous-trading-engine/internal/alpaca"
	"autonomous-trading-engine/internal/anomaly"
	"autonomous-trading-engine/internal/api"
	"autonomous-trading-engine/internal/auth"
	"autonomous-trading-engine/internal/bot"
	"autonomous-trading-engine/internal/broker"
	"autonomous-trading-engine/internal/events"
	"autonomous-trading-engine/internal/journal"
	"autonomous-trading-engine/internal/kraken"
	"autonomous-trading-engine/internal/logging"
	"autonomous-trading-engine/internal/marketdata"
	"autonomous-trading-engine/internal/metrics"
	"autonomous-trading-engine/internal/pdt"
	"autonomous-trading-engine/internal/position"
	"autonomous-trading-engine/internal/resilience"
	"autonomous-trading-engine/internal/risk"
	"autonomous-trading-engine/internal/statestore"
	"autonomous-trading-engine/internal/strategy"
	"autonomous-trading-engine/internal/supervisor"
	"autonomous-trading-engine/internal/vault"
	"autonomous-trading-engine/internal/watchdog"
)

// Exit codes: configuration mistakes the operator must fix exit 2,
// dependencies the engine could not reach at startup exit 3.
const (
	exitConfig     = 2
	exitDependency = 3
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("configuration invalid")
		os.Exit(exitConfig)
	}

	logger.Info().
		Bool("autonomous", cfg.Trading.Autonomous).
		Bool("multi_profile", cfg.Trading.MultiProfile).
		Bool("test_mode", cfg.Trading.TestMode).
		Msg("trading engine starting")

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStart()

	if err := loadCredentials(startCtx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("load venue credentials")
		os.Exit(exitConfig)
	}

	mset := metrics.New()
	bus := events.NewBus()

	// Trade journal. Test mode runs in memory so synthetic trades never
	// land in the production tables.
	var store journal.Store
	if cfg.Trading.TestMode {
		store = journal.NewMemory()
		logger.Warn().Msg("test mode: trades journalled in memory only")
	} else {
		pg, err := journal.NewPostgres(startCtx, journal.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		}, logger)
		if err != nil {
			logger.Error().Err(err).Msg("connect trade journal")
			os.Exit(exitDependency)
		}
		defer pg.Close()
		store = pg
	}

	// Redis backs the position state store and the advisor cache. A nil
	// client runs both memory-only.
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	states := statestore.New(rdb, logger)

	// Venue clients, each behind the resilient decorator, each with its own
	// market data cache and risk engine. Profiles on the same venue share
	// these.
	breakerHook := func(venue string) func(from, to string) {
		return func(from, to string) {
			bus.Emit(events.TypeBreakerChange, events.BreakerChange{Venue: venue, From: from, To: to})
		}
	}
	newRisk := func() *risk.Engine {
		return risk.New(risk.Config{
			MaxDrawdown:    cfg.Risk.MaxDrawdown,
			ReservePercent: cfg.Risk.ReservePercent,
			KellyEnabled:   cfg.Risk.KellyEnabled,
			KellyFraction:  cfg.Risk.KellyFraction,
			RewardRisk:     cfg.Risk.RewardRisk,
		}, logger)
	}

	venues := make(map[broker.Venue]*bot.VenueServices)

	alpacaRes := resilience.DefaultConfig()
	alpacaRes.OnBreakerChange = breakerHook(string(broker.VenueAlpaca))
	equitiesClient := resilience.Wrap(alpaca.New(alpaca.Config{
		APIKey:        cfg.Alpaca.APIKey,
		APISecret:     cfg.Alpaca.APISecret,
		TradingURL:    cfg.Alpaca.TradingURL,
		DataURL:       cfg.Alpaca.DataURL,
		BarTimeframe:  cfg.Alpaca.BarTimeframe,
		ExtendedHours: cfg.Alpaca.ExtendedHours,
	}, logger), alpacaRes, mset, logger)
	venues[broker.VenueAlpaca] = &bot.VenueServices{
		Client: equitiesClient,
		Cache:  marketdata.New(equitiesClient, store, mset, logger, marketdata.Config{}),
		Risk:   newRisk(),
	}

	var feed *kraken.Feed
	if cfg.Trading.MultiProfile {
		krakenClient, err := kraken.New(kraken.Config{
			APIKey:         cfg.Kraken.APIKey,
			APISecret:      cfg.Kraken.APISecret,
			BaseURL:        cfg.Kraken.BaseURL,
			WSURL:          cfg.Kraken.WSURL,
			BarIntervalMin: cfg.Kraken.BarIntervalMin,
		}, logger)
		if err != nil {
			logger.Error().Err(err).Msg("kraken client")
			os.Exit(exitDependency)
		}
		krakenRes := resilience.DefaultConfig()
		krakenRes.OnBreakerChange = breakerHook(string(broker.VenueKraken))
		cryptoClient := resilience.Wrap(krakenClient, krakenRes, mset, logger)
		venues[broker.VenueKraken] = &bot.VenueServices{
			Client: cryptoClient,
			Cache:  marketdata.New(cryptoClient, store, mset, logger, marketdata.Config{}),
			Risk:   newRisk(),
		}
		feed = kraken.NewFeed(krakenClient, logger)
	}

	// Shared services.
	super := supervisor.New(bus, mset, logger)
	monitor := anomaly.NewMonitor(bus, mset, logger)
	safeMode := anomaly.NewSafeMode(anomaly.SafeModeConfig{
		PauseEntries: cfg.SafeMode.PauseEntries,
		MaxDuration:  cfg.SafeMode.MaxDuration,
	}, bus, mset, logger)
	signals := strategy.NewEngine(strategy.Config{
		RSILower:      cfg.Strategy.RSILower,
		RSIUpper:      cfg.Strategy.RSIUpper,
		MACDThreshold: cfg.Strategy.MACDThreshold,
	})
	advisorBus := advisor.NewBus(buildAdvisors(cfg.Advisors), rdb, logger)

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// Control loops. The degradation closure resolves late: the runtime is
	// built after the loops because it takes them as a dependency.
	var rt *bot.Runtime
	loopCfg := bot.LoopConfig{
		InitialCapital:    cfg.Trading.InitialCapital,
		PortfolioStopLoss: cfg.Risk.PortfolioStopLoss,
		AdvisorThreshold:  cfg.Advisors.Threshold,
		VolThreshold:      cfg.Strategy.VolThreshold,
		VolHysteresis:     cfg.Strategy.VolHysteresis,
		MarketHoursBypass: cfg.Trading.MarketHoursBypass,
		TestMode:          cfg.Trading.TestMode,
		TestFrequency:     cfg.Trading.TestFrequency,
		Degradation: func() bot.Level {
			if rt == nil {
				return bot.LevelNormal
			}
			return rt.Degradation()
		},
	}

	var loops []*bot.Loop
	for _, pc := range cfg.ActiveProfiles() {
		profile := bot.Profile{
			Name:                pc.Name,
			Venue:               broker.Venue(pc.Venue),
			CapitalFraction:     pc.CapitalFraction,
			BullishSymbols:      pc.BullishSymbols,
			BearishSymbols:      pc.BearishSymbols,
			TakeProfitPercent:   pc.TakeProfitPercent,
			StopLossPercent:     pc.StopLossPercent,
			TrailingStopPercent: pc.TrailingStopPercent,
			ExitOverride:        pc.MicroProfit,
			CycleInterval:       pc.CycleInterval,
			PartialExits:        pc.PartialExits,
			MicroScaling:        pc.MicroScaling,
		}
		if profile.Venue == broker.VenueAlpaca {
			profile.ExtendedHours = cfg.Alpaca.ExtendedHours
		}
		if err := profile.Validate(); err != nil {
			logger.Error().Err(err).Msg("profile configuration")
			os.Exit(exitConfig)
		}
		svc, ok := venues[profile.Venue]
		if !ok {
			logger.Error().
				Str("profile", profile.Name).
				Str("venue", string(profile.Venue)).
				Msg("profile names a venue with no client")
			os.Exit(exitConfig)
		}

		deps := bot.LoopDeps{
			Client: svc.Client,
			Cache:  svc.Cache,
			Risk:   svc.Risk,
			Lifecycle: position.NewLifecycle(svc.Client, store, bus, mset, logger, position.Config{
				Profile:         profile.Name,
				TrailingStopPct: profile.TrailingStopPercent,
				PartialExits:    profile.PartialExits,
				MicroScaling:    profile.MicroScaling,
			}),
			Strategy:   signals,
			Guard:      pdt.NewGuard(store, profile.Venue == broker.VenueAlpaca && cfg.Trading.PDTProtection, nil, logger),
			Monitor:    monitor,
			SafeMode:   safeMode,
			Supervisor: super,
			States:     states,
			Journal:    store,
			Advisors:   advisorBus,
			Bus:        bus,
			Metrics:    mset,
		}
		if profile.Venue == broker.VenueKraken && feed != nil {
			fills := make(chan bot.Fill, 64)
			go forwardFills(runCtx, feed.Fills(), fills)
			deps.Fills = fills
		}
		loops = append(loops, bot.NewLoop(profile, deps, loopCfg, logger))
	}

	rt = bot.NewRuntime(bot.RuntimeConfig{}, bot.RuntimeDeps{
		Logger:     logger,
		Metrics:    mset,
		Bus:        bus,
		Supervisor: super,
		Monitor:    monitor,
		SafeMode:   safeMode,
		States:     states,
		Venues:     venues,
		Loops:      loops,
	})

	// The watchdog's heartbeat payload carries the live degradation level,
	// so it is built once the runtime exists.
	if cfg.Watchdog.HeartbeatURL != "" || cfg.Watchdog.AlertURL != "" {
		rt.SetWatchdog(watchdog.New(watchdog.Config{
			HeartbeatURL: cfg.Watchdog.HeartbeatURL,
			AlertURL:     cfg.Watchdog.AlertURL,
			Service:      cfg.Watchdog.Service,
			Timeout:      cfg.Watchdog.Timeout,
		}, func() string { return rt.Degradation().String() }, logger))
	}

	var dashboard *api.Server
	if cfg.Dashboard.Enabled {
		manager, err := auth.NewManager(auth.Config{
			JWTSecret:     cfg.Auth.JWTSecret,
			TokenDuration: cfg.Auth.TokenDuration,
			Username:      cfg.Auth.Username,
			Password:      cfg.Auth.Password,
		})
		if err != nil {
			logger.Error().Err(err).Msg("dashboard auth")
			os.Exit(exitConfig)
		}
		dashboard = api.NewServer(api.Config{
			Host:           cfg.Dashboard.Host,
			Port:           cfg.Dashboard.Port,
			AllowedOrigins: cfg.Dashboard.AllowedOrigins,
			ProductionMode: cfg.Dashboard.ProductionMode,
		}, rt, store, manager, bus, mset, logger)
		go func() {
			if err := dashboard.Start(runCtx); err != nil {
				logger.Error().Err(err).Msg("dashboard server failed")
			}
		}()
	}

	if cfg.Trading.Autonomous {
		if feed != nil {
			if err := feed.Start(runCtx); err != nil {
				logger.Warn().Err(err).Msg("kraken private feed unavailable, fills will reconcile from holdings")
			}
		}
		if err := rt.Start(runCtx); err != nil {
			logger.Error().Err(err).Msg("start runtime")
			os.Exit(exitDependency)
		}
	} else {
		logger.Warn().Msg("autonomous trading disabled, serving dashboard only")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if dashboard != nil {
		if err := dashboard.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("dashboard shutdown")
		}
	}
	if feed != nil {
		feed.Stop()
	}
	if cfg.Trading.Autonomous {
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("runtime shutdown")
		}
	}
	cancelRun()
	logger.Info().Msg("shutdown complete")
}

// loadCredentials swaps environment credentials for Vault ones when Vault
// is enabled. Kraken keys are fetched only when the crypto profile runs.
func loadCredentials(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if !cfg.Vault.Enabled {
		return nil
	}
	secrets, err := vault.New(vault.Config{
		Enabled:    true,
		Address:    cfg.Vault.Address,
		Token:      cfg.Vault.Token,
		MountPath:  cfg.Vault.MountPath,
		SecretPath: cfg.Vault.SecretPath,
		TLSEnabled: cfg.Vault.TLSEnabled,
		CACert:     cfg.Vault.CACert,
	})
	if err != nil {
		return err
	}
	if err := secrets.Health(ctx); err != nil {
		return err
	}

	cred, err := secrets.Credential(ctx, "alpaca")
	if err != nil {
		return err
	}
	cfg.Alpaca.APIKey, cfg.Alpaca.APISecret = cred.APIKey, cred.APISecret

	if cfg.Trading.MultiProfile {
		cred, err = secrets.Credential(ctx, "kraken")
		if err != nil {
			return err
		}
		cfg.Kraken.APIKey, cfg.Kraken.APISecret = cred.APIKey, cred.APISecret
	}
	logger.Info().Msg("venue credentials loaded from vault")
	return nil
}

// buildAdvisors parses advisor entries: "name=url" pairs, or bare URLs
// named by their host.
func buildAdvisors(cfg config.AdvisorConfig) []advisor.Advisor {
	advisors := make([]advisor.Advisor, 0, len(cfg.URLs))
	for _, entry := range cfg.URLs {
		name, endpoint := splitAdvisor(entry)
		advisors = append(advisors, advisor.NewHTTPAdvisor(name, endpoint, cfg.Timeout))
	}
	return advisors
}

func splitAdvisor(entry string) (name, endpoint string) {
	// A "=" only separates a name when the left side could not be part of
	// a URL itself.
	if before, after, ok := strings.Cut(entry, "="); ok && !strings.ContainsAny(before, ":/?") {
		return before, after
	}
	if u, err := url.Parse(entry); err == nil && u.Host != "" {
		return u.Host, entry
	}
	return entry, entry
}

// forwardFills adapts the venue's private-feed fills to the loop's
// venue-neutral shape.
func forwardFills(ctx context.Context, in <-chan kraken.Fill, out chan<- bot.Fill) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- bot.Fill{Symbol: f.Pair, Side: f.Side, Price: f.Price, Qty: f.Volume}:
			case <-ctx.Done():
				return
			}
		}
	}
}
