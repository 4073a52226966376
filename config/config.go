// Package config loads the trader configuration from YAML, fills defaults,
// applies TRADER_* environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	ModeLive  = "live"
	ModePaper = "paper"
)

// Config holds all application configuration.
type Config struct {
	Mode     string   `yaml:"mode" default:"paper" validate:"oneof=live paper"`
	RunID    string   `yaml:"run_id"`
	Strategy Strategy `yaml:"strategy"`
	Risk     Risk     `yaml:"risk"`
	Binance  Binance  `yaml:"binance"`
	Dydx     Dydx     `yaml:"dydx"`
	Paper    Paper    `yaml:"paper"`
	SQLite   SQLite   `yaml:"sqlite"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Metrics  Metrics  `yaml:"metrics"`
	Log      Log      `yaml:"log"`
	Notify   Notify   `yaml:"notify"`
}

// Strategy is the per-symbol trading surface.
type Strategy struct {
	Symbol          string          `yaml:"symbol" default:"ETH-USD" validate:"required"`
	Quantity        decimal.Decimal `yaml:"quantity" default:"0.02"`
	ProfitThreshold decimal.Decimal `yaml:"profit_threshold" default:"0.002"`
	TrailingPercent decimal.Decimal `yaml:"trailing_percent" default:"0.005"`
	RoundDigits     int32           `yaml:"round_digits" default:"1" validate:"gte=0,lte=8"`
	SecToWait       time.Duration   `yaml:"sec_to_wait" default:"30s" validate:"gt=0"`
	SecAfterTrade   time.Duration   `yaml:"sec_after_trade" default:"5s" validate:"gte=0"`
	SignalThreshold float64         `yaml:"signal_threshold" default:"0.0021" validate:"gt=0,lt=1"`
	WindowMs        int64           `yaml:"window_ms" default:"1000" validate:"gt=0"`
	Polarity        string          `yaml:"polarity" default:"continuation" validate:"oneof=continuation reversion"`
	TakerOnly       *bool           `yaml:"taker_only" default:"true"`
	MakerCommission decimal.Decimal `yaml:"maker_commission" default:"0.0002"`
	TakerCommission decimal.Decimal `yaml:"taker_commission" default:"0.0005"`
}

// Risk limits; zero disables a limit.
type Risk struct {
	MaxSessionLoss       decimal.Decimal `yaml:"max_session_loss"`
	MaxDrawdown          decimal.Decimal `yaml:"max_drawdown"`
	MaxConsecutiveLosses int             `yaml:"max_consecutive_losses" validate:"gte=0"`
}

// Binance is the reference trade feed.
type Binance struct {
	URL               string        `yaml:"url" default:"wss://dstream.binance.com/ws" validate:"required,url"`
	Symbol            string        `yaml:"symbol" default:"ETHUSD_PERP" validate:"required"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" default:"2s"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" default:"30s"`
	Record            bool          `yaml:"record"`
}

// Dydx is the order relay used in live mode.
type Dydx struct {
	RESTURL    string        `yaml:"rest_url" default:"https://api.dydx.exchange" validate:"required,url"`
	WSURL      string        `yaml:"ws_url" default:"wss://api.dydx.exchange/v3/ws" validate:"required,url"`
	APIKey     string        `yaml:"api_key"`
	Passphrase string        `yaml:"passphrase"`
	LimitFee   string        `yaml:"limit_fee" default:"0.015" validate:"numeric"`
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
}

// Paper is the simulated exchange used in paper mode and backtests.
type Paper struct {
	SlippageBps int64 `yaml:"slippage_bps" default:"0" validate:"gte=0"`
	BufferSize  int   `yaml:"buffer_size" default:"1024" validate:"gt=0"`
}

type SQLite struct {
	Path string `yaml:"path" default:"data/trader.db"`
}

type Redis struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr" default:"localhost:6379"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	MaxFailures int           `yaml:"max_failures" default:"5" validate:"gt=0"`
	ResetAfter  time.Duration `yaml:"reset_after" default:"10s"`
}

type Kafka struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic" default:"trader.cycles"`
	Compression string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
}

type Metrics struct {
	Addr string `yaml:"addr" default:":9090"`
}

type Log struct {
	Level      string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error"`
	Format     string `yaml:"format" default:"json" validate:"oneof=json console"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"100"`
	MaxBackups int    `yaml:"max_backups" default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" default:"14"`
}

type Notify struct {
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`
	Verbose    bool   `yaml:"verbose"`
}

var validate = validator.New()

// Load reads path (optional; an empty path means defaults only), applies
// defaults and environment overrides, and validates.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	positive := map[string]decimal.Decimal{
		"strategy.quantity":         c.Strategy.Quantity,
		"strategy.profit_threshold": c.Strategy.ProfitThreshold,
		"strategy.trailing_percent": c.Strategy.TrailingPercent,
	}
	for name, v := range positive {
		if !v.IsPositive() {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", name, v))
		}
	}
	if c.Strategy.MakerCommission.IsNegative() || c.Strategy.TakerCommission.IsNegative() {
		errs = append(errs, errors.New("strategy commissions must be >= 0"))
	}
	if c.Risk.MaxSessionLoss.IsNegative() || c.Risk.MaxDrawdown.IsNegative() {
		errs = append(errs, errors.New("risk limits must be >= 0"))
	}
	if c.Mode == ModeLive && (c.Dydx.APIKey == "" || c.Dydx.Passphrase == "") {
		errs = append(errs, errors.New("dydx.api_key and dydx.passphrase are required in live mode"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	return errors.Join(errs...)
}

// IsTakerOnly reports whether only taker-buy trades feed the detector.
func (s Strategy) IsTakerOnly() bool {
	return s.TakerOnly == nil || *s.TakerOnly
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"TRADER_MODE":            &c.Mode,
		"TRADER_RUN_ID":          &c.RunID,
		"TRADER_SYMBOL":          &c.Strategy.Symbol,
		"TRADER_BINANCE_SYMBOL":  &c.Binance.Symbol,
		"TRADER_DYDX_REST_URL":   &c.Dydx.RESTURL,
		"TRADER_DYDX_WS_URL":     &c.Dydx.WSURL,
		"TRADER_DYDX_API_KEY":    &c.Dydx.APIKey,
		"TRADER_DYDX_PASSPHRASE": &c.Dydx.Passphrase,
		"TRADER_SQLITE_PATH":     &c.SQLite.Path,
		"TRADER_REDIS_ADDR":      &c.Redis.Addr,
		"TRADER_REDIS_PASSWORD":  &c.Redis.Password,
		"TRADER_KAFKA_TOPIC":     &c.Kafka.Topic,
		"TRADER_METRICS_ADDR":    &c.Metrics.Addr,
		"TRADER_LOG_LEVEL":       &c.Log.Level,
		"TRADER_LOG_FORMAT":      &c.Log.Format,
		"TRADER_LOG_FILE":        &c.Log.File,
		"TRADER_WEBHOOK_URL":     &c.Notify.WebhookURL,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("TRADER_KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("TRADER_REDIS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TRADER_REDIS_ENABLED: %w", err)
		}
		c.Redis.Enabled = b
	}

	dec := map[string]*decimal.Decimal{
		"TRADER_QUANTITY":         &c.Strategy.Quantity,
		"TRADER_PROFIT_THRESHOLD": &c.Strategy.ProfitThreshold,
		"TRADER_TRAILING_PERCENT": &c.Strategy.TrailingPercent,
	}
	for key, dst := range dec {
		if v := os.Getenv(key); v != "" {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("TRADER_SIGNAL_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TRADER_SIGNAL_THRESHOLD: %w", err)
		}
		c.Strategy.SignalThreshold = f
	}
	return nil
}
