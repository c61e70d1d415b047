package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Database drivers understood by store.Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Failure policies for the mission runner.
const (
	PolicyAbort    = "abort"
	PolicyContinue = "continue"
)

// Backoff kinds for step retries.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Engine   EngineConfig   `json:"engine"`
	Gateway  GatewayConfig  `json:"gateway"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Driver   string         `json:"driver"`
	Postgres PostgresConfig `json:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// RedisConfig enables the change-feed publisher when URL is set.
type RedisConfig struct {
	URL     string `json:"url"`
	Channel string `json:"channel"`
}

// EngineConfig tunes execution and scheduling.
type EngineConfig struct {
	DefaultStepTimeout  Duration      `json:"default_step_timeout"`
	IOTimeout           Duration      `json:"io_timeout"`
	EvaluationTimeout   Duration      `json:"evaluation_timeout"`
	FailurePolicy       string        `json:"failure_policy"`
	Backoff             BackoffConfig `json:"backoff"`
	NotifyBuffer        int           `json:"notify_buffer"`
	AlertRelayThreshold string        `json:"alert_relay_threshold"`
	CatalogPath         string        `json:"catalog_path"`
}

type BackoffConfig struct {
	Kind       string   `json:"kind"`
	Initial    Duration `json:"initial"`
	Max        Duration `json:"max"`
	Multiplier float64  `json:"multiplier"`
	Jitter     float64  `json:"jitter"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
}

// SlackGatewayConfig enables inbound commands over Socket Mode when
// AppToken is set.
type SlackGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	AppToken  string `json:"app_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Duration is a time.Duration that reads "30s"-style strings from JSON.
// Bare numbers are taken as nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("duration must be a string or integer: %s", data)
		}
		*d = Duration(n)
		return nil
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse resolves environment references in data, decodes it, fills
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMemory
	}
	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "data/missions.db"
	}
	if c.Database.Redis.Channel == "" {
		c.Database.Redis.Channel = "missions:events"
	}

	e := &c.Engine
	if e.DefaultStepTimeout == 0 {
		e.DefaultStepTimeout = Duration(30 * time.Second)
	}
	if e.IOTimeout == 0 {
		e.IOTimeout = Duration(5 * time.Second)
	}
	if e.EvaluationTimeout == 0 {
		e.EvaluationTimeout = Duration(30 * time.Second)
	}
	if e.FailurePolicy == "" {
		e.FailurePolicy = PolicyAbort
	}
	if e.NotifyBuffer == 0 {
		e.NotifyBuffer = 256
	}
	if e.AlertRelayThreshold == "" {
		e.AlertRelayThreshold = "high"
	}

	b := &e.Backoff
	if b.Kind == "" {
		b.Kind = BackoffExponential
	}
	if b.Initial == 0 {
		b.Initial = Duration(500 * time.Millisecond)
	}
	if b.Max == 0 {
		b.Max = Duration(30 * time.Second)
	}
	if b.Multiplier == 0 {
		b.Multiplier = 2
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Database.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Database.Postgres.DSN == "" {
			add("database.postgres.dsn is required for the postgres driver")
		}
	default:
		add("database.driver %q is not one of memory, postgres, sqlite", c.Database.Driver)
	}

	e := c.Engine
	if e.DefaultStepTimeout <= 0 {
		add("engine.default_step_timeout must be positive")
	}
	if e.IOTimeout <= 0 {
		add("engine.io_timeout must be positive")
	}
	if e.EvaluationTimeout <= 0 {
		add("engine.evaluation_timeout must be positive")
	}
	if e.FailurePolicy != PolicyAbort && e.FailurePolicy != PolicyContinue {
		add("engine.failure_policy %q is not one of abort, continue", e.FailurePolicy)
	}
	if e.NotifyBuffer < 1 {
		add("engine.notify_buffer must be at least 1")
	}
	switch e.AlertRelayThreshold {
	case "low", "medium", "high", "critical":
	default:
		add("engine.alert_relay_threshold %q is not a severity", e.AlertRelayThreshold)
	}

	b := e.Backoff
	switch b.Kind {
	case BackoffFixed:
	case BackoffExponential:
		if b.Multiplier < 1 {
			add("engine.backoff.multiplier must be >= 1")
		}
	default:
		add("engine.backoff.kind %q is not one of fixed, exponential", b.Kind)
	}
	if b.Initial < 0 || b.Max < 0 {
		add("engine.backoff durations must not be negative")
	}
	if b.Max < b.Initial {
		add("engine.backoff.max must be >= initial")
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		add("engine.backoff.jitter must be within [0, 1]")
	}

	if c.Gateway.Slack.Enabled && (c.Gateway.Slack.BotToken == "" || c.Gateway.Slack.ChannelID == "") {
		add("gateway.slack requires bot_token and channel_id when enabled")
	}
	if c.Gateway.Discord.Enabled && (c.Gateway.Discord.BotToken == "" || c.Gateway.Discord.ChannelID == "") {
		add("gateway.discord requires bot_token and channel_id when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
