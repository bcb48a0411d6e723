// Package config provides configuration management for the trading bot.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"
)

// Environment modes
const (
	ModePaper = "paper"
	ModeLive  = "live"
	ModeSim   = "sim"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Trading     TradingConfig     `yaml:"trading"`
	Risk        RiskConfig        `yaml:"risk"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live | sim
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogFile  string `yaml:"log_file"`  // empty logs to stdout only
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"` // tradier | sim
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	Timeout     string `yaml:"timeout"` // per request
}

// ScheduleConfig restricts trading to a daily window on weekdays.
type ScheduleConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Timezone     string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart string `yaml:"trading_start"` // "HH:MM"
	TradingEnd   string `yaml:"trading_end"`   // "HH:MM"
}

// TradingConfig defines the session and exit parameters.
type TradingConfig struct {
	InitialPot    float64  `yaml:"initial_pot"`
	ProfitTarget  float64  `yaml:"profit_target"`
	StopLossPct   float64  `yaml:"stop_loss_pct"`
	TakeProfitPct float64  `yaml:"take_profit_pct"`
	CheckInterval string   `yaml:"check_interval"`
	TradeInterval string   `yaml:"trade_interval"`
	NoOpBackoff   string   `yaml:"no_op_backoff"`
	Universe      []string `yaml:"universe"`
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MinStockPrice        float64 `yaml:"min_stock_price"`
	MaxStockPrice        float64 `yaml:"max_stock_price"`
	ExitRetries          int     `yaml:"exit_retries"`
	MaxMissedPolls       int     `yaml:"max_missed_polls"`
	CloseOutTimeout      string  `yaml:"close_out_timeout"`
	FillTimeout          string  `yaml:"fill_timeout"`
}

// StorageConfig defines where the session journal lives.
type StorageConfig struct {
	Backend string `yaml:"backend"` // json | badger
	Path    string `yaml:"path"`
}

// DashboardConfig defines the read-only HTTP status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() Config {
	return Config{
		Environment: EnvironmentConfig{Mode: ModePaper, LogLevel: "info"},
		Broker:      BrokerConfig{Provider: "tradier", Timeout: "10s"},
		Schedule: ScheduleConfig{
			Timezone:     "America/New_York",
			TradingStart: "09:45",
			TradingEnd:   "15:45",
		},
		Trading: TradingConfig{
			InitialPot:    1000,
			ProfitTarget:  500,
			StopLossPct:   0.10,
			TakeProfitPct: 0.10,
			CheckInterval: "30s",
			TradeInterval: "60s",
			NoOpBackoff:   "60s",
		},
		Risk: RiskConfig{
			MaxConsecutiveLosses: 3,
			MinStockPrice:        5,
			MaxStockPrice:        500,
			ExitRetries:          3,
			MaxMissedPolls:       5,
			CloseOutTimeout:      "2m",
			FillTimeout:          "2m",
		},
		Storage:   StorageConfig{Backend: "json", Path: "data/session.json"},
		Dashboard: DashboardConfig{Port: 8080},
	}
}

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads and parses the configuration file from the specified path.
// Environment variable overrides are applied before validation.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	config := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// ApplyEnv overrides file values with the bot's environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	floats := map[string]*float64{
		"INITIAL_POT":     &c.Trading.InitialPot,
		"PROFIT_TARGET":   &c.Trading.ProfitTarget,
		"STOP_LOSS_PCT":   &c.Trading.StopLossPct,
		"TAKE_PROFIT_PCT": &c.Trading.TakeProfitPct,
		"MIN_STOCK_PRICE": &c.Risk.MinStockPrice,
		"MAX_STOCK_PRICE": &c.Risk.MaxStockPrice,
	}
	for name, dst := range floats {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("%s=%q is not a number", name, v)
			}
			*dst = f
		}
	}

	strs := map[string]*string{
		"CHECK_INTERVAL": &c.Trading.CheckInterval,
		"TRADE_INTERVAL": &c.Trading.TradeInterval,
		"LOG_FILE":       &c.Environment.LogFile,
		"LOG_LEVEL":      &c.Environment.LogLevel,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup("MAX_CONSECUTIVE_LOSSES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MAX_CONSECUTIVE_LOSSES=%q is not an integer", v)
		}
		c.Risk.MaxConsecutiveLosses = n
	}

	return nil
}

// ParseInterval accepts a Go duration ("30s", "2m") or a plain number of seconds.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty interval")
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	switch c.Environment.Mode {
	case ModePaper, ModeLive, ModeSim:
	default:
		return fmt.Errorf("environment.mode must be 'paper', 'live' or 'sim'")
	}
	switch strings.ToLower(c.Environment.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("environment.log_level %q is not a known level", c.Environment.LogLevel)
	}

	// Broker validation
	if !c.IsSimulation() {
		if c.Broker.Provider != "tradier" {
			return fmt.Errorf("broker.provider must be 'tradier' outside sim mode")
		}
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
		if len(c.Trading.Universe) == 0 {
			return fmt.Errorf("trading.universe must list at least one symbol")
		}
	}
	if err := positiveInterval("broker.timeout", c.Broker.Timeout); err != nil {
		return err
	}

	// Trading validation
	if c.Trading.InitialPot <= 0 {
		return fmt.Errorf("trading.initial_pot must be > 0")
	}
	if c.Trading.ProfitTarget <= 0 {
		return fmt.Errorf("trading.profit_target must be > 0")
	}
	if c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct >= 1 {
		return fmt.Errorf("trading.stop_loss_pct must be in (0,1)")
	}
	if c.Trading.TakeProfitPct <= 0 || c.Trading.TakeProfitPct >= 1 {
		return fmt.Errorf("trading.take_profit_pct must be in (0,1)")
	}
	if err := positiveInterval("trading.check_interval", c.Trading.CheckInterval); err != nil {
		return err
	}
	if d, err := ParseInterval(c.Trading.TradeInterval); err != nil || d < 0 {
		return fmt.Errorf("trading.trade_interval must be a duration >= 0")
	}
	if d, err := ParseInterval(c.Trading.NoOpBackoff); err != nil || d < 0 {
		return fmt.Errorf("trading.no_op_backoff must be a duration >= 0")
	}

	// Risk validation
	if c.Risk.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("risk.max_consecutive_losses must be >= 1")
	}
	if c.Risk.MinStockPrice <= 0 {
		return fmt.Errorf("risk.min_stock_price must be > 0")
	}
	if c.Risk.MinStockPrice > c.Risk.MaxStockPrice {
		return fmt.Errorf("risk.min_stock_price (%.2f) must be <= risk.max_stock_price (%.2f)",
			c.Risk.MinStockPrice, c.Risk.MaxStockPrice)
	}
	if c.Risk.ExitRetries < 0 {
		return fmt.Errorf("risk.exit_retries must be >= 0")
	}
	if c.Risk.MaxMissedPolls < 1 {
		return fmt.Errorf("risk.max_missed_polls must be >= 1")
	}
	if err := positiveInterval("risk.close_out_timeout", c.Risk.CloseOutTimeout); err != nil {
		return err
	}
	if err := positiveInterval("risk.fill_timeout", c.Risk.FillTimeout); err != nil {
		return err
	}

	// Schedule validation
	if c.Schedule.Enabled {
		loc := c.location()
		s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
		e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
		if err1 != nil || err2 != nil || !s.Before(e) {
			return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
		}
	}

	// Storage validation
	switch strings.ToLower(c.Storage.Backend) {
	case "json", "badger":
	default:
		return fmt.Errorf("storage.backend must be 'json' or 'badger'")
	}
	if c.Storage.Path == "" && !strings.EqualFold(c.Storage.Backend, "badger") {
		return fmt.Errorf("storage.path is required for the json backend")
	}

	// Dashboard validation
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be in 1..65535")
	}

	return nil
}

func positiveInterval(name, value string) error {
	d, err := ParseInterval(value)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", name)
	}
	return nil
}

// IsPaperTrading returns true if the bot trades against the broker sandbox.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == ModePaper
}

// IsSimulation returns true if the bot runs against the in-process simulator.
func (c *Config) IsSimulation() bool {
	return c.Environment.Mode == ModeSim
}

func (c *Config) interval(value string, fallback time.Duration) time.Duration {
	d, err := ParseInterval(value)
	if err != nil {
		return fallback
	}
	return d
}

// GetCheckInterval returns the price poll interval while monitoring.
func (c *Config) GetCheckInterval() time.Duration {
	return c.interval(c.Trading.CheckInterval, 30*time.Second)
}

// GetTradeInterval returns the cooldown between cycles.
func (c *Config) GetTradeInterval() time.Duration {
	return c.interval(c.Trading.TradeInterval, 60*time.Second)
}

// GetNoOpBackoff returns the wait after a cycle that never opened a position.
func (c *Config) GetNoOpBackoff() time.Duration {
	return c.interval(c.Trading.NoOpBackoff, 60*time.Second)
}

// GetBrokerTimeout returns the per-request broker timeout.
func (c *Config) GetBrokerTimeout() time.Duration {
	return c.interval(c.Broker.Timeout, 10*time.Second)
}

// GetCloseOutTimeout bounds the forced sell attempted during shutdown.
func (c *Config) GetCloseOutTimeout() time.Duration {
	return c.interval(c.Risk.CloseOutTimeout, 2*time.Minute)
}

// GetFillTimeout bounds how long an order may take to fill.
func (c *Config) GetFillTimeout() time.Duration {
	return c.interval(c.Risk.FillTimeout, 2*time.Minute)
}

// InitialPot returns the starting capital.
func (c *Config) InitialPot() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.InitialPot)
}

// ProfitTarget returns the cumulative profit that ends the session.
func (c *Config) ProfitTarget() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.ProfitTarget)
}

// StopLossPct returns the fractional downside exit threshold.
func (c *Config) StopLossPct() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.StopLossPct)
}

// TakeProfitPct returns the fractional upside exit threshold.
func (c *Config) TakeProfitPct() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.TakeProfitPct)
}

// PriceBand returns the inclusive eligibility band.
func (c *Config) PriceBand() (decimal.Decimal, decimal.Decimal) {
	return decimal.NewFromFloat(c.Risk.MinStockPrice), decimal.NewFromFloat(c.Risk.MaxStockPrice)
}

func (c *Config) location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
// It always returns true when the schedule is disabled.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	if !c.Schedule.Enabled {
		return true
	}
	loc := c.location()
	today := now.In(loc)

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 45, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 15, 45, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}
