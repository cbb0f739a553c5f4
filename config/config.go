// Package config loads process configuration: coded defaults, an optional
// YAML file, then ESCROW_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"escrowflow/milestone"
	"escrowflow/retry"
)

// EnvPrefix prefixes every environment override, e.g. ESCROW_DATABASE_URL.
const EnvPrefix = "ESCROW"

// Scheduler modes.
const (
	ModeEmbedded = "embedded"
	ModeTemporal = "temporal"
	ModeOff      = "off"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Escrow    EscrowConfig    `mapstructure:"escrow"`
	Milestone MilestoneConfig `mapstructure:"milestone"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConns       int32         `mapstructure:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
}

type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	OperatorKeyHash string `mapstructure:"operator_key_hash"`
}

// RetryConfig is the file/env form of retry.Policy.
type RetryConfig struct {
	Initial     time.Duration `mapstructure:"initial"`
	Max         time.Duration `mapstructure:"max"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{Initial: r.Initial, Max: r.Max, Multiplier: r.Multiplier, MaxAttempts: r.MaxAttempts}
}

type EscrowConfig struct {
	ContestWindow time.Duration `mapstructure:"contest_window"`
	ClaimLease    time.Duration `mapstructure:"claim_lease"`
	FundingGrace  time.Duration `mapstructure:"funding_grace"`
	PayoutRetry   RetryConfig   `mapstructure:"payout_retry"`
	FundingRetry  RetryConfig   `mapstructure:"funding_retry"`
}

type MilestoneConfig struct {
	SignaturePolicy string `mapstructure:"signature_policy"`
}

type SchedulerConfig struct {
	Mode        string        `mapstructure:"mode"`
	Cron        string        `mapstructure:"cron"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
}

type OutboxConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type EvidenceConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	SigningSecret string        `mapstructure:"signing_secret"`
	URLTTL        time.Duration `mapstructure:"url_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// defaults registers every key so environment overrides reach Unmarshal.
var defaults = map[string]any{
	"http.addr":             ":8080",
	"http.read_timeout":     "15s",
	"http.write_timeout":    "30s",
	"http.shutdown_timeout": "20s",

	"database.url":             "",
	"database.max_conns":       10,
	"database.connect_timeout": "30s",
	"database.auto_migrate":    false,

	"auth.jwt_secret":        "",
	"auth.operator_key_hash": "",

	"escrow.contest_window":             "72h",
	"escrow.claim_lease":                "10m",
	"escrow.funding_grace":              "5m",
	"escrow.payout_retry.initial":       "1m",
	"escrow.payout_retry.max":           "1h",
	"escrow.payout_retry.multiplier":    2.0,
	"escrow.payout_retry.max_attempts":  6,
	"escrow.funding_retry.initial":      "2m",
	"escrow.funding_retry.max":          "2h",
	"escrow.funding_retry.multiplier":   2.0,
	"escrow.funding_retry.max_attempts": 5,

	"milestone.signature_policy": string(milestone.PolicyEither),

	"scheduler.mode":        ModeEmbedded,
	"scheduler.cron":        "*/5 * * * *",
	"scheduler.batch_size":  100,
	"scheduler.concurrency": 4,
	"scheduler.run_timeout": "4m",

	"outbox.retry.initial":      "30s",
	"outbox.retry.max":          "30m",
	"outbox.retry.multiplier":   2.0,
	"outbox.retry.max_attempts": 8,

	"temporal.host_port":  "localhost:7233",
	"temporal.namespace":  "default",
	"temporal.task_queue": "escrow-sweeps",

	"evidence.base_url":       "http://localhost:8080/evidence",
	"evidence.signing_secret": "",
	"evidence.url_ttl":        "15m",

	"log.level":  "info",
	"log.format": "json",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the coded defaults with environment overrides applied.
func Default() (Config, error) {
	return Load("")
}

// Load reads path (YAML) when given, then applies environment overrides.
// An empty path falls back to ESCROW_CONFIG.
func Load(path string) (Config, error) {
	v := newViper()
	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every binary depends on.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
	}
	if c.Escrow.ContestWindow < 0 {
		errs = append(errs, errors.New("escrow.contest_window must not be negative"))
	}
	if c.Escrow.ClaimLease <= 0 {
		errs = append(errs, errors.New("escrow.claim_lease must be positive"))
	}
	if !milestone.SignaturePolicy(c.Milestone.SignaturePolicy).Valid() {
		errs = append(errs, fmt.Errorf("milestone.signature_policy %q must be either or both", c.Milestone.SignaturePolicy))
	}
	errs = append(errs, c.Scheduler.validate()...)
	for name, r := range map[string]RetryConfig{
		"escrow.payout_retry":  c.Escrow.PayoutRetry,
		"escrow.funding_retry": c.Escrow.FundingRetry,
		"outbox.retry":         c.Outbox.Retry,
	} {
		if r.MaxAttempts <= 0 || r.Initial <= 0 {
			errs = append(errs, fmt.Errorf("%s needs positive initial and max_attempts", name))
		}
		if r.Max < r.Initial {
			errs = append(errs, fmt.Errorf("%s.max must be at least initial", name))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (s SchedulerConfig) validate() []error {
	var errs []error
	switch s.Mode {
	case ModeEmbedded, ModeTemporal:
		if _, err := ParseCron(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.cron: %w", err))
		}
	case ModeOff:
	default:
		errs = append(errs, fmt.Errorf("scheduler.mode %q must be embedded, temporal or off", s.Mode))
	}
	if s.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.batch_size must be positive"))
	}
	if s.Concurrency <= 0 {
		errs = append(errs, errors.New("scheduler.concurrency must be positive"))
	}
	return errs
}

// ParseCron parses a standard 5-field cron spec (descriptors such as @every
// are accepted too).
func ParseCron(spec string) (cron.Schedule, error) {
	return cron.ParseStandard(spec)
}
