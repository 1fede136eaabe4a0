package sentry

import (
	stderr "errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/butschster/rr-sentry/client"
	"github.com/butschster/rr-sentry/offline"
	"github.com/butschster/rr-sentry/queue"
	"github.com/butschster/rr-sentry/storage"
	"github.com/butschster/rr-sentry/transport"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override, e.g. SENTRY_DSN
const envPrefix = "sentry"

// Config represents the plugin configuration
type Config struct {
	// Enabled defaults to true when the section exists
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
	Release     string `mapstructure:"release" yaml:"release"`
	Dist        string `mapstructure:"dist" yaml:"dist"`
	ServerName  string `mapstructure:"server_name" yaml:"server_name"`

	// SampleRate applies to error events, 1.0 when unset. An explicit 0
	// sends no error events.
	SampleRate       *float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"omitempty,gte=0,lte=1"`
	TracesSampleRate float64  `mapstructure:"traces_sample_rate" yaml:"traces_sample_rate" validate:"gte=0,lte=1"`

	AttachStacktrace     bool     `mapstructure:"attach_stacktrace" yaml:"attach_stacktrace"`
	TemplateAwareCapture bool     `mapstructure:"template_aware_capture" yaml:"template_aware_capture"`
	MaxBreadcrumbs       int      `mapstructure:"max_breadcrumbs" yaml:"max_breadcrumbs" validate:"gte=0,lte=1000"`
	FingerprintRules     []string `mapstructure:"fingerprint_rules" yaml:"fingerprint_rules"`

	// ClientReportInterval of a negative duration disables client reports
	ClientReportInterval time.Duration `mapstructure:"client_report_interval" yaml:"client_report_interval"`

	Transport    TransportConfig    `mapstructure:"transport" yaml:"transport"`
	Queue        QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Offline      OfflineConfig      `mapstructure:"offline" yaml:"offline"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	DebugStorage DebugStorageConfig `mapstructure:"debug_storage" yaml:"debug_storage"`
}

// TransportConfig contains HTTP transport settings
type TransportConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	Compression *bool         `mapstructure:"compression" yaml:"compression"`
	SSLVerify   *bool         `mapstructure:"ssl_verify" yaml:"ssl_verify"`
	Proxy       string        `mapstructure:"proxy" yaml:"proxy" validate:"omitempty,url"`
	// consecutive failures before the transport reports itself offline
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout" validate:"gte=0"`
}

// QueueConfig contains event queue and retry settings
type QueueConfig struct {
	MaxSize           int           `mapstructure:"max_size" yaml:"max_size" validate:"gte=0"`
	FlushInterval     time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"gte=0"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" validate:"gte=0"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" validate:"gte=0"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" validate:"gte=0"`
}

// OfflineConfig contains the persistent offline queue settings. Without a
// path the queue lives in memory.
type OfflineConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Path          string        `mapstructure:"path" yaml:"path"`
	MaxSize       int           `mapstructure:"max_size" yaml:"max_size" validate:"gte=0"`
	MaxAge        time.Duration `mapstructure:"max_age" yaml:"max_age" validate:"gte=0"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	MaxBytes      int           `mapstructure:"max_bytes" yaml:"max_bytes" validate:"gte=0"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"gte=0"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// DebugStorageConfig keeps captured events in memory for inspection over RPC
type DebugStorageConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	MaxRecords int  `mapstructure:"max_records" yaml:"max_records" validate:"gte=0"`
}

// envOverrides are read from SENTRY_* variables. Unset variables leave the
// configured value alone.
type envOverrides struct {
	DSN              *string        `envconfig:"DSN"`
	Environment      *string        `envconfig:"ENVIRONMENT"`
	Release          *string        `envconfig:"RELEASE"`
	Dist             *string        `envconfig:"DIST"`
	ServerName       *string        `envconfig:"SERVER_NAME"`
	SampleRate       *float64       `envconfig:"SAMPLE_RATE"`
	TracesSampleRate *float64       `envconfig:"TRACES_SAMPLE_RATE"`
	AttachStacktrace *bool          `envconfig:"ATTACH_STACKTRACE"`
	OfflineEnabled   *bool          `envconfig:"OFFLINE_ENABLED"`
	OfflinePath      *string        `envconfig:"OFFLINE_PATH"`
	FlushInterval    *time.Duration `envconfig:"FLUSH_INTERVAL"`
	LogLevel         *string        `envconfig:"LOG_LEVEL"`
}

// InitDefaults initializes default configuration values
func (cfg *Config) InitDefaults() {
	if cfg.Enabled == nil {
		cfg.Enabled = ptrTo(true)
	}
	if cfg.SampleRate == nil {
		cfg.SampleRate = ptrTo(1.0)
	}

	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 30 * time.Second
	}
	if cfg.Transport.Compression == nil {
		cfg.Transport.Compression = ptrTo(true)
	}
	if cfg.Transport.SSLVerify == nil {
		cfg.Transport.SSLVerify = ptrTo(true)
	}

	if cfg.Queue.MaxSize == 0 {
		cfg.Queue.MaxSize = queue.DefaultMaxSize
	}
	if cfg.Queue.FlushInterval == 0 {
		cfg.Queue.FlushInterval = queue.DefaultFlushInterval
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = queue.DefaultMaxAttempts
	}
	if cfg.Queue.InitialBackoff == 0 {
		cfg.Queue.InitialBackoff = queue.DefaultInitialBackoff
	}
	if cfg.Queue.BackoffMultiplier == 0 {
		cfg.Queue.BackoffMultiplier = queue.DefaultBackoffMultiplier
	}
	if cfg.Queue.MaxBackoff == 0 {
		cfg.Queue.MaxBackoff = queue.DefaultMaxBackoff
	}

	if cfg.Offline.MaxSize == 0 {
		cfg.Offline.MaxSize = offline.DefaultMaxSize
	}
	if cfg.Offline.MaxAge == 0 {
		cfg.Offline.MaxAge = offline.DefaultMaxAge
	}
	if cfg.Offline.MaxRetries == 0 {
		cfg.Offline.MaxRetries = offline.DefaultMaxRetries
	}
	if cfg.Offline.FlushInterval == 0 {
		cfg.Offline.FlushInterval = client.DefaultReplayInterval
	}

	if cfg.DebugStorage.MaxRecords == 0 {
		cfg.DebugStorage.MaxRecords = storage.DefaultMaxRecords
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// ApplyEnv overrides configured values with SENTRY_* environment variables
func (cfg *Config) ApplyEnv() error {
	const op = errors.Op("sentry_config_apply_env")

	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return errors.E(op, err)
	}

	setIf(&cfg.DSN, env.DSN)
	setIf(&cfg.Environment, env.Environment)
	setIf(&cfg.Release, env.Release)
	setIf(&cfg.Dist, env.Dist)
	setIf(&cfg.ServerName, env.ServerName)
	if env.SampleRate != nil {
		cfg.SampleRate = env.SampleRate
	}
	setIf(&cfg.TracesSampleRate, env.TracesSampleRate)
	setIf(&cfg.AttachStacktrace, env.AttachStacktrace)
	setIf(&cfg.Offline.Enabled, env.OfflineEnabled)
	setIf(&cfg.Offline.Path, env.OfflinePath)
	setIf(&cfg.Queue.FlushInterval, env.FlushInterval)
	setIf(&cfg.Logging.Level, env.LogLevel)

	return nil
}

// Validate validates the configuration. An unparsable DSN is not an error
// here: the client logs it and keeps capturing locally.
func (cfg *Config) Validate() error {
	const op = errors.Op("sentry_config_validate")

	if err := validator.New().Struct(cfg); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// IsEnabled reports whether the plugin should start
func (cfg *Config) IsEnabled() bool {
	return cfg.Enabled == nil || *cfg.Enabled
}

// LogLevel returns the configured minimum level of the plugin logger
func (cfg *Config) LogLevel() zapcore.Level {
	lvl, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// ClientOptions converts the configuration to client options
func (cfg *Config) ClientOptions() client.Options {
	opts := client.Options{
		DSN:                  cfg.DSN,
		Environment:          cfg.Environment,
		Release:              cfg.Release,
		Dist:                 cfg.Dist,
		ServerName:           cfg.ServerName,
		SampleRate:           cfg.SampleRate,
		TracesSampleRate:     cfg.TracesSampleRate,
		AttachStacktrace:     cfg.AttachStacktrace,
		TemplateAwareCapture: cfg.TemplateAwareCapture,
		MaxBreadcrumbs:       cfg.MaxBreadcrumbs,
		FingerprintRules:     cfg.FingerprintRules,
		ClientReportInterval: cfg.ClientReportInterval,
		HTTP: transport.HTTPOptions{
			Timeout:         cfg.Transport.Timeout,
			Compression:     cfg.Transport.Compression == nil || *cfg.Transport.Compression,
			SSLVerify:       cfg.Transport.SSLVerify == nil || *cfg.Transport.SSLVerify,
			Proxy:           cfg.Transport.Proxy,
			BreakerFailures: cfg.Transport.BreakerFailures,
			BreakerTimeout:  cfg.Transport.BreakerTimeout,
		},
		Queue: queue.Options{
			MaxSize:       cfg.Queue.MaxSize,
			FlushInterval: cfg.Queue.FlushInterval,
			Retry: queue.RetryPolicy{
				MaxAttempts:       cfg.Queue.MaxAttempts,
				InitialBackoff:    cfg.Queue.InitialBackoff,
				BackoffMultiplier: cfg.Queue.BackoffMultiplier,
				MaxBackoff:        cfg.Queue.MaxBackoff,
			},
		},
	}

	if cfg.Offline.Enabled {
		opts.OfflineEnabled = true
		opts.OfflineReplayInterval = cfg.Offline.FlushInterval
		opts.Offline = offline.Options{
			MaxSize:    cfg.Offline.MaxSize,
			MaxAge:     cfg.Offline.MaxAge,
			MaxRetries: cfg.Offline.MaxRetries,
		}
		if cfg.Offline.Path != "" {
			opts.OfflineStore = offline.NewFileStore(cfg.Offline.Path, cfg.Offline.MaxBytes)
		}
	}

	if cfg.DebugStorage.Enabled {
		opts.Storage = storage.NewMemory(cfg.DebugStorage.MaxRecords)
	}

	return opts
}

// fileConfig is the layout of a standalone YAML file: the same section the
// RoadRunner configuration carries under the plugin name
type fileConfig struct {
	Sentry Config `yaml:"sentry"`
}

// LoadConfig reads a YAML file with a top level sentry section, loads a .env
// file next to it when present, then applies defaults, environment overrides
// and validation
func LoadConfig(path string) (*Config, error) {
	const op = errors.Op("sentry_load_config")

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !stderr.Is(err, fs.ErrNotExist) {
		return nil, errors.E(op, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(op, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, errors.E(op, err)
	}

	cfg := &fc.Sentry
	cfg.InitDefaults()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, errors.E(op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.E(op, err)
	}
	return cfg, nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func ptrTo[T any](v T) *T {
	return &v
}
