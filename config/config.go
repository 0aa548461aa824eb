// Package config loads the engine's settings: built-in defaults, then an
// optional .env key-value file, then the process environment. godotenv
// never overrides variables that are already set, so the process
// environment always wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the engine's full configuration, one field per recognized
// environment option. Zero values never reach the engine: Load fills every
// field with its default before the environment is consulted.
type Config struct {
	Alpaca    AlpacaConfig
	Kraken    KrakenConfig
	Trading   TradingConfig
	Strategy  StrategyConfig
	Risk      RiskConfig
	Equities  ProfileConfig
	Crypto    ProfileConfig
	Grid      GridConfig
	SafeMode  SafeModeConfig
	Dashboard DashboardConfig
	Auth      AuthConfig
	Vault     VaultConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Watchdog  WatchdogConfig
	Advisors  AdvisorConfig
	Logging   LoggingConfig
}

// AlpacaConfig holds the equity venue credentials and endpoints. Empty
// URLs fall back to the paper-trading endpoints inside the client.
type AlpacaConfig struct {
	APIKey        string
	APISecret     string
	TradingURL    string
	DataURL       string
	BarTimeframe  string
	ExtendedHours bool
}

// KrakenConfig holds the crypto venue credentials and endpoints.
type KrakenConfig struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	WSURL          string
	BarIntervalMin int
}

// TradingConfig gates the trading loops and the simulation aids.
type TradingConfig struct {
	Autonomous        bool    // live trading loops run only when true
	InitialCapital    float64 // caps effective equity; 0 disables the cap
	MultiProfile      bool    // run both profiles instead of equities only
	PDTProtection     bool
	MarketHoursBypass bool
	TestMode          bool
	TestFrequency     int // cycles between synthetic test entries
}

// StrategyConfig holds the signal and regime thresholds.
type StrategyConfig struct {
	VolThreshold  float64 // volatility index level that flips ELEVATED
	VolHysteresis float64 // band subtracted before stepping back down
	RSILower      float64
	RSIUpper      float64
	MACDThreshold float64
}

// RiskConfig holds the portfolio guards and Kelly sizing knobs. Percent
// fields are fractions: 0.20 means 20%.
type RiskConfig struct {
	PortfolioStopLoss float64 // drawdown fraction that liquidates; 0 disables
	MaxDrawdown       float64 // drawdown fraction that halts entries
	ReservePercent    float64 // capital kept out of sizing
	KellyEnabled      bool
	KellyFraction     float64 // multiplier on the Kelly-optimal fraction
	RewardRisk        float64
}

// ProfileConfig configures one trading profile. Exit percents are stored
// as fractions (0.04 is 4%); the corresponding environment keys take human
// percent numbers (EQUITY_TAKE_PROFIT_PERCENT=4 is 4%).
type ProfileConfig struct {
	Name                string
	Venue               string
	CapitalFraction     float64
	BullishSymbols      []string
	BearishSymbols      []string
	TakeProfitPercent   float64
	StopLossPercent     float64
	TrailingStopPercent float64
	CycleInterval       time.Duration
	// MicroProfit uses the exact exit percents, skipping tier multipliers.
	MicroProfit  bool
	PartialExits bool
	MicroScaling bool
}

// GridConfig is recognized so deployments carrying grid settings keep
// parsing; no grid trader runs in this engine.
type GridConfig struct {
	OrderSize           float64
	VolatilityThreshold float64
}

// SafeModeConfig tunes the anomaly response. The sizing, stop and cycle
// clamps are fixed at half; only the pause and duration are operator knobs.
type SafeModeConfig struct {
	PauseEntries bool
	MaxDuration  time.Duration
}

// DashboardConfig holds the operator HTTP server settings.
type DashboardConfig struct {
	Enabled        bool
	Host           string
	Port           int
	AllowedOrigins []string
	ProductionMode bool
}

// AuthConfig holds the dashboard login settings.
type AuthConfig struct {
	JWTSecret     string // minimum 32 bytes
	Username      string
	Password      string
	TokenDuration time.Duration
}

// VaultConfig selects the optional credential source. When enabled, venue
// API keys come from Vault and the corresponding environment keys may stay
// empty.
type VaultConfig struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	TLSEnabled bool
	CACert     string
}

// RedisConfig holds the position-state store and advisor cache settings.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

// PostgresConfig holds the trade journal database settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// WatchdogConfig holds the external heartbeat endpoints. An empty
// heartbeat URL disables the watchdog.
type WatchdogConfig struct {
	HeartbeatURL string
	AlertURL     string
	Service      string
	Timeout      time.Duration
}

// AdvisorConfig holds the external signal advisors. Entries are
// comma-separated, either bare URLs or name=url pairs.
type AdvisorConfig struct {
	URLs      []string
	Threshold float64 // entries with a lower advisor score are skipped
	Timeout   time.Duration
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// Load reads the optional .env file and then the process environment. A
// missing .env file is fine; a malformed one is a configuration error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return fromEnv(), nil
}

func fromEnv() *Config {
	cfg := &Config{}

	// Equity venue
	cfg.Alpaca.APIKey = getEnvOrDefault("ALPACA_API_KEY", "")
	cfg.Alpaca.APISecret = getEnvOrDefault("ALPACA_API_SECRET", "")
	cfg.Alpaca.TradingURL = getEnvOrDefault("ALPACA_TRADING_URL", "")
	cfg.Alpaca.DataURL = getEnvOrDefault("ALPACA_DATA_URL", "")
	cfg.Alpaca.BarTimeframe = getEnvOrDefault("ALPACA_BAR_TIMEFRAME", "5Min")
	cfg.Alpaca.ExtendedHours = getEnvOrDefault("ALPACA_EXTENDED_HOURS", "false") == "true"

	// Crypto venue
	cfg.Kraken.APIKey = getEnvOrDefault("KRAKEN_API_KEY", "")
	cfg.Kraken.APISecret = getEnvOrDefault("KRAKEN_API_SECRET", "")
	cfg.Kraken.BaseURL = getEnvOrDefault("KRAKEN_BASE_URL", "")
	cfg.Kraken.WSURL = getEnvOrDefault("KRAKEN_WS_URL", "")
	cfg.Kraken.BarIntervalMin = getEnvIntOrDefault("KRAKEN_BAR_INTERVAL_MIN", 5)

	// Trading gates
	cfg.Trading.Autonomous = getEnvOrDefault("AUTONOMOUS_TRADING", "false") == "true"
	cfg.Trading.InitialCapital = getEnvFloatOrDefault("INITIAL_CAPITAL", 0)
	cfg.Trading.MultiProfile = getEnvOrDefault("MULTI_PROFILE_ENABLED", "false") == "true"
	cfg.Trading.PDTProtection = getEnvOrDefault("PDT_PROTECTION_ENABLED", "true") == "true"
	cfg.Trading.MarketHoursBypass = getEnvOrDefault("MARKET_HOURS_BYPASS", "false") == "true"
	cfg.Trading.TestMode = getEnvOrDefault("TEST_MODE_ENABLED", "false") == "true"
	cfg.Trading.TestFrequency = getEnvIntOrDefault("TEST_MODE_FREQUENCY", 5)

	// Strategy thresholds
	cfg.Strategy.VolThreshold = getEnvFloatOrDefault("VIX_THRESHOLD", 20)
	cfg.Strategy.VolHysteresis = getEnvFloatOrDefault("VIX_HYSTERESIS", 2)
	cfg.Strategy.RSILower = getEnvFloatOrDefault("RSI_LOWER", 30)
	cfg.Strategy.RSIUpper = getEnvFloatOrDefault("RSI_UPPER", 70)
	cfg.Strategy.MACDThreshold = getEnvFloatOrDefault("MACD_THRESHOLD", 0.1)

	// Portfolio guards and sizing
	cfg.Risk.PortfolioStopLoss = getEnvPercentOrDefault("PORTFOLIO_STOP_LOSS_PERCENT", 0.30)
	cfg.Risk.MaxDrawdown = getEnvPercentOrDefault("MAX_DRAWDOWN_PERCENT", 0.20)
	cfg.Risk.ReservePercent = getEnvPercentOrDefault("RESERVE_PERCENT", 0.10)
	cfg.Risk.KellyEnabled = getEnvOrDefault("KELLY_ENABLED", "false") == "true"
	cfg.Risk.KellyFraction = getEnvFloatOrDefault("KELLY_FRACTION", 0.5)
	cfg.Risk.RewardRisk = getEnvFloatOrDefault("REWARD_RISK", 2.0)

	// Equities profile
	cfg.Equities.Name = "equities"
	cfg.Equities.Venue = "alpaca"
	cfg.Equities.CapitalFraction = getEnvFloatOrDefault("EQUITY_CAPITAL_FRACTION", 0.6)
	cfg.Equities.BullishSymbols = getEnvListOrDefault("EQUITY_BULLISH_SYMBOLS",
		[]string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL"})
	cfg.Equities.BearishSymbols = getEnvListOrDefault("EQUITY_BEARISH_SYMBOLS",
		[]string{"SH", "SQQQ"})
	cfg.Equities.TakeProfitPercent = getEnvPercentOrDefault("EQUITY_TAKE_PROFIT_PERCENT", 0.04)
	cfg.Equities.StopLossPercent = getEnvPercentOrDefault("EQUITY_STOP_LOSS_PERCENT", 0.02)
	cfg.Equities.TrailingStopPercent = getEnvPercentOrDefault("EQUITY_TRAILING_STOP_PERCENT", 0.015)
	cfg.Equities.CycleInterval = getEnvMillisOrDefault("EQUITY_CYCLE_INTERVAL_MS", 30*time.Second)
	cfg.Equities.PartialExits = getEnvOrDefault("EQUITY_PARTIAL_EXITS_ENABLED", "false") == "true"
	cfg.Equities.MicroScaling = getEnvOrDefault("EQUITY_MICRO_SCALING_ENABLED", "false") == "true"

	// Crypto profile. Micro-profit mode uses the Kraken exit percents
	// exactly, without tier multipliers.
	cfg.Crypto.Name = "crypto"
	cfg.Crypto.Venue = "kraken"
	cfg.Crypto.CapitalFraction = getEnvFloatOrDefault("CRYPTO_CAPITAL_FRACTION", 0.4)
	cfg.Crypto.BullishSymbols = getEnvListOrDefault("CRYPTO_BULLISH_SYMBOLS",
		[]string{"BTC/USD", "ETH/USD", "SOL/USD"})
	cfg.Crypto.BearishSymbols = getEnvListOrDefault("CRYPTO_BEARISH_SYMBOLS", nil)
	cfg.Crypto.TakeProfitPercent = getEnvPercentOrDefault("KRAKEN_TAKE_PROFIT_PERCENT", 0.0075)
	cfg.Crypto.StopLossPercent = getEnvPercentOrDefault("KRAKEN_STOP_LOSS_PERCENT", 0.005)
	cfg.Crypto.TrailingStopPercent = getEnvPercentOrDefault("KRAKEN_TRAILING_STOP_PERCENT", 0.005)
	cfg.Crypto.CycleInterval = getEnvMillisOrDefault("KRAKEN_CYCLE_INTERVAL_MS", 10*time.Second)
	cfg.Crypto.MicroProfit = getEnvOrDefault("KRAKEN_MICRO_PROFIT_ENABLED", "true") == "true"
	cfg.Crypto.PartialExits = getEnvOrDefault("CRYPTO_PARTIAL_EXITS_ENABLED", "false") == "true"
	cfg.Crypto.MicroScaling = getEnvOrDefault("CRYPTO_MICRO_SCALING_ENABLED", "true") == "true"

	// Grid settings (recognized, unused)
	cfg.Grid.OrderSize = getEnvFloatOrDefault("GRID_ORDER_SIZE", 0)
	cfg.Grid.VolatilityThreshold = getEnvFloatOrDefault("GRID_VOLATILITY_THRESHOLD", 0)

	// Safe mode
	cfg.SafeMode.PauseEntries = getEnvOrDefault("SAFE_MODE_PAUSE_ENTRIES", "false") == "true"
	cfg.SafeMode.MaxDuration = getEnvDurationOrDefault("SAFE_MODE_MAX_DURATION", time.Hour)

	// Dashboard
	cfg.Dashboard.Enabled = getEnvOrDefault("DASHBOARD_ENABLED", "true") == "true"
	cfg.Dashboard.Host = getEnvOrDefault("DASHBOARD_HOST", "0.0.0.0")
	cfg.Dashboard.Port = getEnvIntOrDefault("DASHBOARD_PORT", 8090)
	cfg.Dashboard.AllowedOrigins = getEnvListOrDefault("DASHBOARD_ALLOWED_ORIGINS", nil)
	cfg.Dashboard.ProductionMode = getEnvOrDefault("PRODUCTION_MODE", "false") == "true"

	// Operator auth
	cfg.Auth.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", "")
	cfg.Auth.Username = getEnvOrDefault("AUTH_USERNAME", "operator")
	cfg.Auth.Password = getEnvOrDefault("AUTH_PASSWORD", "")
	cfg.Auth.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", 24*time.Hour)

	// Vault credential source
	cfg.Vault.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", "")
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "trading-engine")
	cfg.Vault.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
	cfg.Vault.CACert = getEnvOrDefault("VAULT_CACERT", "")

	// Redis state store
	cfg.Redis.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", 0)

	// Postgres journal
	cfg.Postgres.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
	cfg.Postgres.Port = getEnvIntOrDefault("POSTGRES_PORT", 5432)
	cfg.Postgres.User = getEnvOrDefault("POSTGRES_USER", "trading")
	cfg.Postgres.Password = getEnvOrDefault("POSTGRES_PASSWORD", "")
	cfg.Postgres.Database = getEnvOrDefault("POSTGRES_DATABASE", "trading")
	cfg.Postgres.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")

	// External watchdog
	cfg.Watchdog.HeartbeatURL = getEnvOrDefault("WATCHDOG_URL", "")
	cfg.Watchdog.AlertURL = getEnvOrDefault("ALERT_URL", "")
	cfg.Watchdog.Service = getEnvOrDefault("WATCHDOG_SERVICE", "autonomous-trading-engine")
	cfg.Watchdog.Timeout = getEnvDurationOrDefault("WATCHDOG_TIMEOUT", 5*time.Second)

	// Signal advisors
	cfg.Advisors.URLs = getEnvListOrDefault("ADVISOR_URLS", nil)
	cfg.Advisors.Threshold = getEnvFloatOrDefault("ADVISOR_THRESHOLD", -0.5)
	cfg.Advisors.Timeout = getEnvDurationOrDefault("ADVISOR_TIMEOUT", 2*time.Second)

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.Logging.Pretty = getEnvOrDefault("LOG_PRETTY", "false") == "true"

	return cfg
}

// ActiveProfiles returns the profiles the engine should run: the equities
// profile alone, or both when multi-profile mode is on.
func (c *Config) ActiveProfiles() []ProfileConfig {
	if c.Trading.MultiProfile {
		return []ProfileConfig{c.Equities, c.Crypto}
	}
	return []ProfileConfig{c.Equities}
}

// Validate returns every per-field problem joined into one error, so a
// misconfigured deployment surfaces all of its mistakes at once. Venue
// credentials are checked only when Vault is not supplying them.
func (c *Config) Validate() error {
	var errs []error

	if c.Trading.Autonomous && !c.Vault.Enabled {
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("ALPACA_API_KEY and ALPACA_API_SECRET are required for autonomous trading"))
		}
		if c.Trading.MultiProfile && (c.Kraken.APIKey == "" || c.Kraken.APISecret == "") {
			errs = append(errs, errors.New("KRAKEN_API_KEY and KRAKEN_API_SECRET are required when the crypto profile is enabled"))
		}
	}
	if c.Vault.Enabled {
		if c.Vault.Address == "" {
			errs = append(errs, errors.New("VAULT_ADDR is required when Vault is enabled"))
		}
		if c.Vault.Token == "" {
			errs = append(errs, errors.New("VAULT_TOKEN is required when Vault is enabled"))
		}
	}

	if c.Trading.InitialCapital < 0 {
		errs = append(errs, fmt.Errorf("INITIAL_CAPITAL %.2f must not be negative", c.Trading.InitialCapital))
	}
	if c.Trading.TestFrequency < 1 {
		errs = append(errs, fmt.Errorf("TEST_MODE_FREQUENCY %d must be at least 1", c.Trading.TestFrequency))
	}

	if c.Strategy.VolThreshold <= 0 {
		errs = append(errs, fmt.Errorf("VIX_THRESHOLD %.2f must be positive", c.Strategy.VolThreshold))
	}
	if c.Strategy.VolHysteresis < 0 || c.Strategy.VolHysteresis >= c.Strategy.VolThreshold {
		errs = append(errs, fmt.Errorf("VIX_HYSTERESIS %.2f must be in [0, VIX_THRESHOLD)", c.Strategy.VolHysteresis))
	}
	if c.Strategy.RSILower <= 0 || c.Strategy.RSIUpper >= 100 || c.Strategy.RSILower >= c.Strategy.RSIUpper {
		errs = append(errs, fmt.Errorf("RSI_LOWER %.1f and RSI_UPPER %.1f must satisfy 0 < lower < upper < 100",
			c.Strategy.RSILower, c.Strategy.RSIUpper))
	}
	if c.Strategy.MACDThreshold <= 0 {
		errs = append(errs, fmt.Errorf("MACD_THRESHOLD %.3f must be positive", c.Strategy.MACDThreshold))
	}

	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		errs = append(errs, fmt.Errorf("MAX_DRAWDOWN_PERCENT %.1f must be in (0, 100)", c.Risk.MaxDrawdown*100))
	}
	if c.Risk.PortfolioStopLoss != 0 &&
		(c.Risk.PortfolioStopLoss <= c.Risk.MaxDrawdown || c.Risk.PortfolioStopLoss >= 1) {
		errs = append(errs, fmt.Errorf("PORTFOLIO_STOP_LOSS_PERCENT %.1f must sit beyond MAX_DRAWDOWN_PERCENT %.1f",
			c.Risk.PortfolioStopLoss*100, c.Risk.MaxDrawdown*100))
	}
	if c.Risk.ReservePercent < 0 || c.Risk.ReservePercent >= 1 {
		errs = append(errs, fmt.Errorf("RESERVE_PERCENT %.1f must be in [0, 100)", c.Risk.ReservePercent*100))
	}
	if c.Risk.KellyFraction <= 0 || c.Risk.KellyFraction > 1 {
		errs = append(errs, fmt.Errorf("KELLY_FRACTION %.2f must be in (0, 1]", c.Risk.KellyFraction))
	}
	if c.Risk.RewardRisk <= 0 {
		errs = append(errs, fmt.Errorf("REWARD_RISK %.2f must be positive", c.Risk.RewardRisk))
	}

	active := c.ActiveProfiles()
	fractions := 0.0
	for _, p := range active {
		errs = append(errs, p.validate()...)
		fractions += p.CapitalFraction
	}
	if fractions > 1 {
		errs = append(errs, fmt.Errorf("active profile capital fractions sum to %.2f, above 1", fractions))
	}

	if c.Dashboard.Enabled {
		if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
			errs = append(errs, fmt.Errorf("DASHBOARD_PORT %d must be a valid TCP port", c.Dashboard.Port))
		}
		if len(c.Auth.JWTSecret) < 32 {
			errs = append(errs, errors.New("AUTH_JWT_SECRET must be at least 32 bytes"))
		}
		if c.Auth.Username == "" || c.Auth.Password == "" {
			errs = append(errs, errors.New("AUTH_USERNAME and AUTH_PASSWORD are required while the dashboard is enabled"))
		}
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("REDIS_ADDRESS is required when Redis is enabled"))
	}
	if c.Watchdog.HeartbeatURL != "" && c.Watchdog.Timeout <= 0 {
		errs = append(errs, errors.New("WATCHDOG_TIMEOUT must be positive"))
	}
	if c.Advisors.Threshold < -1 || c.Advisors.Threshold > 1 {
		errs = append(errs, fmt.Errorf("ADVISOR_THRESHOLD %.2f must be in [-1, 1]", c.Advisors.Threshold))
	}
	if len(c.Advisors.URLs) > 0 && c.Advisors.Timeout <= 0 {
		errs = append(errs, errors.New("ADVISOR_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

func (p ProfileConfig) validate() []error {
	var errs []error
	if p.CapitalFraction <= 0 || p.CapitalFraction > 1 {
		errs = append(errs, fmt.Errorf("profile %s: capital fraction %.2f must be in (0, 1]", p.Name, p.CapitalFraction))
	}
	if len(p.BullishSymbols) == 0 {
		errs = append(errs, fmt.Errorf("profile %s: at least one bullish symbol is required", p.Name))
	}
	if p.TakeProfitPercent <= 0 || p.TakeProfitPercent >= 1 {
		errs = append(errs, fmt.Errorf("profile %s: take profit %.2f%% must be in (0, 100)", p.Name, p.TakeProfitPercent*100))
	}
	if p.StopLossPercent <= 0 || p.StopLossPercent >= 1 {
		errs = append(errs, fmt.Errorf("profile %s: stop loss %.2f%% must be in (0, 100)", p.Name, p.StopLossPercent*100))
	}
	if p.TrailingStopPercent < 0 || p.TrailingStopPercent >= 1 {
		errs = append(errs, fmt.Errorf("profile %s: trailing stop %.2f%% must be in [0, 100)", p.Name, p.TrailingStopPercent*100))
	}
	if p.CycleInterval < time.Second {
		errs = append(errs, fmt.Errorf("profile %s: cycle interval %s is below 1s", p.Name, p.CycleInterval))
	}
	return errs
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvPercentOrDefault reads a human percent number ("2.5" is 2.5%) and
// returns it as a fraction. The default is already a fraction.
func getEnvPercentOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal / 100
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvMillisOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
