package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/exchange"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
)

const (
	ExchangeBinance = "binance"
	ExchangePaper   = "paper"

	SinkNone  = "none"
	SinkKafka = "kafka"
	SinkNATS  = "nats"
)

// Config holds all application configuration. Numeric values are kept as
// text until Validate parses them, so a malformed value in either the file
// or the environment is reported instead of silently becoming zero.
type Config struct {
	Asset string `yaml:"asset"`

	Thresholds struct {
		MinSpotAmount    string `yaml:"min_spot_amount"`
		Spread           string `yaml:"spread"`
		MinHop           string `yaml:"min_hop"`
		FuturesEnabled   string `yaml:"futures_enabled"`
		MinFuturesAmount string `yaml:"min_futures_amount"`
	} `yaml:"thresholds"`
	Schedule struct {
		TickIntervalSeconds string `yaml:"tick_interval_seconds"`
	} `yaml:"schedule"`
	Lock struct {
		TTLSeconds    string `yaml:"ttl_seconds"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       string `yaml:"redis_db"`
		RedisPrefix   string `yaml:"redis_prefix"`
	} `yaml:"lock"`
	Exchange struct {
		Kind                  string `yaml:"kind"`
		APIKey                string `yaml:"api_key"`
		APISecret             string `yaml:"api_secret"`
		SpotBaseURL           string `yaml:"spot_base_url"`
		FuturesBaseURL        string `yaml:"futures_base_url"`
		RequestTimeoutSeconds string `yaml:"request_timeout_seconds"`
	} `yaml:"exchange"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	ShutdownTimeoutSeconds string `yaml:"shutdown_timeout_seconds"`
	Database               struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	StateFile string `yaml:"state_file"`
	Events    struct {
		Sink         string `yaml:"sink"`
		KafkaBrokers string `yaml:"kafka_brokers"`
		KafkaTopic   string `yaml:"kafka_topic"`
		NATSURL      string `yaml:"nats_url"`
		NATSSubject  string `yaml:"nats_subject"`
	} `yaml:"events"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	LogLevel   string `yaml:"log_level"`
	RunOnStart bool   `yaml:"run_on_start"`
	Proxy      string `yaml:"proxy"`

	parsed parsed
}

type parsed struct {
	thresholds      model.ThresholdConfig
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	redisDB         int
}

// overrides maps environment variables onto config fields.
func (c *Config) overrides() map[string]*string {
	return map[string]*string{
		"ASSET":                    &c.Asset,
		"MIN_SPOT_AMOUNT":          &c.Thresholds.MinSpotAmount,
		"SPREAD":                   &c.Thresholds.Spread,
		"MIN_HOP":                  &c.Thresholds.MinHop,
		"FUTURES_ENABLED":          &c.Thresholds.FuturesEnabled,
		"MIN_FUTURES_AMOUNT":       &c.Thresholds.MinFuturesAmount,
		"TICK_INTERVAL_SECONDS":    &c.Schedule.TickIntervalSeconds,
		"LOCK_TTL_SECONDS":         &c.Lock.TTLSeconds,
		"REDIS_ADDR":               &c.Lock.RedisAddr,
		"REDIS_PASSWORD":           &c.Lock.RedisPassword,
		"REDIS_DB":                 &c.Lock.RedisDB,
		"EXCHANGE":                 &c.Exchange.Kind,
		"API_KEY":                  &c.Exchange.APIKey,
		"API_SECRET":               &c.Exchange.APISecret,
		"BINANCE_SPOT_URL":         &c.Exchange.SpotBaseURL,
		"BINANCE_FUTURES_URL":      &c.Exchange.FuturesBaseURL,
		"REQUEST_TIMEOUT_SECONDS":  &c.Exchange.RequestTimeoutSeconds,
		"HTTP_ADDR":                &c.HTTP.Addr,
		"SHUTDOWN_TIMEOUT_SECONDS": &c.ShutdownTimeoutSeconds,
		"SQLITE_PATH":              &c.Database.SQLitePath,
		"STATE_FILE":               &c.StateFile,
		"EVENTS_SINK":              &c.Events.Sink,
		"KAFKA_BROKERS":            &c.Events.KafkaBrokers,
		"KAFKA_TOPIC":              &c.Events.KafkaTopic,
		"NATS_URL":                 &c.Events.NATSURL,
		"NATS_SUBJECT":             &c.Events.NATSSubject,
		"TELEGRAM_BOT_TOKEN":       &c.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":         &c.Telegram.ChatID,
		"LOG_LEVEL":                &c.LogLevel,
		"HTTPS_PROXY":              &c.Proxy,
	}
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	for env, field := range cfg.overrides() {
		if v, ok := os.LookupEnv(env); ok && strings.TrimSpace(v) != "" {
			*field = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("RUN_ON_START"); v != "" {
		cfg.RunOnStart = v == "true" || v == "1"
	}

	// Defaults
	setDefault(&cfg.Thresholds.FuturesEnabled, "false")
	setDefault(&cfg.Schedule.TickIntervalSeconds, "60")
	setDefault(&cfg.Lock.TTLSeconds, "300")
	setDefault(&cfg.Lock.RedisDB, "0")
	setDefault(&cfg.Lock.RedisPrefix, "rebalancer:lock")
	setDefault(&cfg.Exchange.Kind, ExchangeBinance)
	setDefault(&cfg.Exchange.SpotBaseURL, exchange.DefaultSpotURL)
	setDefault(&cfg.Exchange.FuturesBaseURL, exchange.DefaultFuturesURL)
	setDefault(&cfg.Exchange.RequestTimeoutSeconds, "10")
	setDefault(&cfg.HTTP.Addr, ":5001")
	setDefault(&cfg.ShutdownTimeoutSeconds, "30")
	setDefault(&cfg.StateFile, "data/last_snapshot.json")
	setDefault(&cfg.Events.Sink, SinkNone)
	setDefault(&cfg.Events.KafkaTopic, "rebalancer.transfers")
	setDefault(&cfg.Events.NATSSubject, "rebalancer.transfers")
	setDefault(&cfg.LogLevel, "info")

	cfg.Asset = exchange.NormalizeAsset(cfg.Asset)
	cfg.Exchange.Kind = strings.ToLower(cfg.Exchange.Kind)
	cfg.Events.Sink = strings.ToLower(cfg.Events.Sink)

	return cfg, nil
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

// Validate checks required fields and parses numeric values. It must be
// called before the typed accessors.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Asset == "" {
		fail("asset (ASSET) is required")
	}

	th := model.ThresholdConfig{Asset: c.Asset}
	th.MinSpotAmount = parseAmount("thresholds.min_spot_amount (MIN_SPOT_AMOUNT)", c.Thresholds.MinSpotAmount, true, &errs)
	th.Spread = parseAmount("thresholds.spread (SPREAD)", c.Thresholds.Spread, true, &errs)
	th.MinHop = parseAmount("thresholds.min_hop (MIN_HOP)", c.Thresholds.MinHop, true, &errs)

	futures, err := strconv.ParseBool(c.Thresholds.FuturesEnabled)
	if err != nil {
		fail("thresholds.futures_enabled (FUTURES_ENABLED): %q is not a boolean", c.Thresholds.FuturesEnabled)
	}
	th.FuturesEnabled = futures
	th.MinFuturesAmount = parseAmount("thresholds.min_futures_amount (MIN_FUTURES_AMOUNT)", c.Thresholds.MinFuturesAmount, futures, &errs)

	th.TickInterval = parseSeconds("schedule.tick_interval_seconds (TICK_INTERVAL_SECONDS)", c.Schedule.TickIntervalSeconds, &errs)
	th.LockTTL = parseSeconds("lock.ttl_seconds (LOCK_TTL_SECONDS)", c.Lock.TTLSeconds, &errs)
	c.parsed.thresholds = th
	c.parsed.requestTimeout = parseSeconds("exchange.request_timeout_seconds (REQUEST_TIMEOUT_SECONDS)", c.Exchange.RequestTimeoutSeconds, &errs)
	c.parsed.shutdownTimeout = parseSeconds("shutdown_timeout_seconds (SHUTDOWN_TIMEOUT_SECONDS)", c.ShutdownTimeoutSeconds, &errs)

	db, err := strconv.Atoi(c.Lock.RedisDB)
	if err != nil || db < 0 {
		fail("lock.redis_db (REDIS_DB): %q is not a valid database number", c.Lock.RedisDB)
	}
	c.parsed.redisDB = db

	switch c.Exchange.Kind {
	case ExchangeBinance:
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			fail("exchange.api_key (API_KEY) and exchange.api_secret (API_SECRET) are required for binance")
		}
	case ExchangePaper:
	default:
		fail("exchange.kind (EXCHANGE): unknown exchange %q", c.Exchange.Kind)
	}

	switch c.Events.Sink {
	case SinkNone:
	case SinkKafka:
		if c.Events.KafkaBrokers == "" {
			fail("events.kafka_brokers (KAFKA_BROKERS) is required for the kafka sink")
		}
	case SinkNATS:
		if c.Events.NATSURL == "" {
			fail("events.nats_url (NATS_URL) is required for the nats sink")
		}
	default:
		fail("events.sink (EVENTS_SINK): unknown sink %q", c.Events.Sink)
	}

	return errors.Join(errs...)
}

// parseAmount parses a non-negative decimal. Empty values are an error only
// when required.
func parseAmount(name, raw string, required bool, errs *[]error) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			*errs = append(*errs, fmt.Errorf("%s is required", name))
		}
		return decimal.Zero
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a number", name, raw))
		return decimal.Zero
	}
	if v.IsNegative() {
		*errs = append(*errs, fmt.Errorf("%s must not be negative", name))
	}
	return v
}

func parseSeconds(name, raw string, errs *[]error) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a whole number of seconds", name, raw))
		return 0
	}
	if n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be positive", name))
	}
	return time.Duration(n) * time.Second
}

func (c *Config) ThresholdConfig() model.ThresholdConfig { return c.parsed.thresholds }
func (c *Config) RequestTimeout() time.Duration          { return c.parsed.requestTimeout }
func (c *Config) ShutdownTimeout() time.Duration         { return c.parsed.shutdownTimeout }
func (c *Config) RedisDB() int                           { return c.parsed.redisDB }
func (c *Config) FuturesEnabled() bool                   { return c.parsed.thresholds.FuturesEnabled }
