// Package config loads the engine configuration: defaults, then an
// optional YAML file, then environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // market timezones must resolve on minimal images

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tradesim/execution-engine/internal/charges"
	"github.com/tradesim/execution-engine/internal/position"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration of the execution engine.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Trading Trading `yaml:"trading"`
	Market  Market  `yaml:"market"`
	Charges Charges `yaml:"charges"`
	Logging Logging `yaml:"logging"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Storage selects the persistence backends. An empty DatabaseURL means the
// in-memory store; an empty RedisURL disables the cache and keeps the
// pending index in process.
type Storage struct {
	DatabaseURL  string        `yaml:"database_url"`
	RedisURL     string        `yaml:"redis_url"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	PendingIndex string        `yaml:"pending_index"` // "memory" or "redis"
	IndexPrefix  string        `yaml:"index_prefix"`
}

// Trading holds order and risk rules.
type Trading struct {
	MinQuantity  int64           `yaml:"min_quantity"`
	MaxQuantity  int64           `yaml:"max_quantity"`
	MarketBuffer decimal.Decimal `yaml:"market_buffer"`
	MarginRate   decimal.Decimal `yaml:"margin_rate"`
	// Zero disables the corresponding exposure check.
	MaxPerInstrument   decimal.Decimal `yaml:"max_per_instrument"`
	MaxPerExchange     decimal.Decimal `yaml:"max_per_exchange"`
	MatcherConcurrency int             `yaml:"matcher_concurrency"`
}

// Market holds session times and sweep intervals. Clock times are "HH:MM"
// in Timezone.
type Market struct {
	Timezone          string        `yaml:"timezone"`
	IntradaySquareOff string        `yaml:"intraday_square_off_at"`
	PostMarketAt      string        `yaml:"post_market_at"`
	ConvertAfter      time.Duration `yaml:"convert_after"`
	ConvertEvery      time.Duration `yaml:"convert_every"`
	ResyncInterval    time.Duration `yaml:"resync_interval"`
	PriceMaxAge       time.Duration `yaml:"price_max_age"`
}

// Charges overrides parts of the default fee schedule.
type Charges struct {
	IntradayBrokerageRate *decimal.Decimal           `yaml:"intraday_brokerage_rate"`
	IntradayBrokerageCap  *decimal.Decimal           `yaml:"intraday_brokerage_cap"`
	DeliveryBrokerageRate *decimal.Decimal           `yaml:"delivery_brokerage_rate"`
	ExchangeFeeRates      map[string]decimal.Decimal `yaml:"exchange_fee_rates"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: Storage{
			CacheTTL:     30 * time.Second,
			PendingIndex: "memory",
			IndexPrefix:  "pending",
		},
		Trading: Trading{
			MinQuantity:        1,
			MaxQuantity:        100000,
			MarketBuffer:       decimal.RequireFromString("0.02"),
			MarginRate:         decimal.RequireFromString("0.2"),
			MaxPerInstrument:   decimal.Zero,
			MaxPerExchange:     decimal.Zero,
			MatcherConcurrency: 16,
		},
		Market: Market{
			Timezone:          "Asia/Kolkata",
			IntradaySquareOff: "15:20",
			PostMarketAt:      "15:45",
			ConvertAfter:      24 * time.Hour,
			ConvertEvery:      time.Hour,
			ResyncInterval:    time.Minute,
		},
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("PENDING_INDEX"); v != "" {
		cfg.Storage.PendingIndex = v
	}
	if v := os.Getenv("MARKET_TIMEZONE"); v != "" {
		cfg.Market.Timezone = v
	}
	if v := os.Getenv("INTRADAY_SQUAREOFF_AT"); v != "" {
		cfg.Market.IntradaySquareOff = v
	}
	if v := os.Getenv("POST_MARKET_AT"); v != "" {
		cfg.Market.PostMarketAt = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	var errs []error
	if v := os.Getenv("MARGIN_RATE"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MARGIN_RATE: %w", err))
		}
		cfg.Trading.MarginRate = d
	}
	if v := os.Getenv("MARKET_BUFFER"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MARKET_BUFFER: %w", err))
		}
		cfg.Trading.MarketBuffer = d
	}
	if v := os.Getenv("RESYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RESYNC_INTERVAL: %w", err))
		}
		cfg.Market.ResyncInterval = d
	}
	if v := os.Getenv("MAX_QUANTITY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_QUANTITY: %w", err))
		}
		cfg.Trading.MaxQuantity = n
	}
	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Trading.MinQuantity < 1 {
		errs = append(errs, fmt.Errorf("trading.min_quantity must be at least 1, got %d", c.Trading.MinQuantity))
	}
	if c.Trading.MaxQuantity < c.Trading.MinQuantity {
		errs = append(errs, fmt.Errorf("trading.max_quantity %d is below min_quantity %d", c.Trading.MaxQuantity, c.Trading.MinQuantity))
	}
	if c.Trading.MarketBuffer.IsNegative() {
		errs = append(errs, fmt.Errorf("trading.market_buffer must not be negative, got %s", c.Trading.MarketBuffer))
	}
	if !c.Trading.MarginRate.IsPositive() || c.Trading.MarginRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("trading.margin_rate must be in (0, 1], got %s", c.Trading.MarginRate))
	}
	if c.Trading.MaxPerInstrument.IsNegative() || c.Trading.MaxPerExchange.IsNegative() {
		errs = append(errs, errors.New("trading exposure limits must not be negative"))
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("market.timezone: %w", err))
	}
	if _, err := ParseClock(c.Market.IntradaySquareOff); err != nil {
		errs = append(errs, fmt.Errorf("market.intraday_square_off_at: %w", err))
	}
	if _, err := ParseClock(c.Market.PostMarketAt); err != nil {
		errs = append(errs, fmt.Errorf("market.post_market_at: %w", err))
	}
	if c.Market.ConvertAfter <= 0 || c.Market.ConvertEvery <= 0 || c.Market.ResyncInterval <= 0 {
		errs = append(errs, errors.New("market.convert_after, convert_every and resync_interval must be positive"))
	}
	switch c.Storage.PendingIndex {
	case "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			errs = append(errs, errors.New("storage.pending_index redis requires storage.redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.pending_index must be memory or redis, got %q", c.Storage.PendingIndex))
	}
	return errors.Join(errs...)
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("clock %q has an invalid hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q has an invalid minute", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

// Location returns the market timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PositionPolicy returns the expiry policy for new positions.
func (c *Config) PositionPolicy() position.Policy {
	cutoff, _ := ParseClock(c.Market.IntradaySquareOff)
	return position.Policy{
		Location:       c.Location(),
		IntradayCutoff: cutoff,
		ConvertAfter:   c.Market.ConvertAfter,
	}
}

// Schedule returns the default fee schedule with the configured overrides.
func (c *Config) Schedule() charges.Schedule {
	s := charges.DefaultSchedule()
	if v := c.Charges.IntradayBrokerageRate; v != nil {
		s.Intraday.BrokerageRate = *v
	}
	if v := c.Charges.IntradayBrokerageCap; v != nil {
		s.Intraday.BrokerageCap = *v
	}
	if v := c.Charges.DeliveryBrokerageRate; v != nil {
		s.Delivery.BrokerageRate = *v
	}
	for ex, rate := range c.Charges.ExchangeFeeRates {
		s.ExchangeFeeRates[strings.ToUpper(ex)] = rate
	}
	return s
}
