package sentry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/butschster/rr-sentry/offline"
	"github.com/butschster/rr-sentry/queue"
	"github.com/butschster/rr-sentry/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfig_InitDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.InitDefaults()

	assert.True(t, cfg.IsEnabled())
	require.NotNil(t, cfg.SampleRate)
	assert.Equal(t, 1.0, *cfg.SampleRate)
	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.True(t, *cfg.Transport.Compression)
	assert.True(t, *cfg.Transport.SSLVerify)
	assert.Equal(t, queue.DefaultMaxSize, cfg.Queue.MaxSize)
	assert.Equal(t, queue.DefaultMaxAttempts, cfg.Queue.MaxAttempts)
	assert.Equal(t, offline.DefaultMaxSize, cfg.Offline.MaxSize)
	assert.Equal(t, storage.DefaultMaxRecords, cfg.DebugStorage.MaxRecords)
	assert.Equal(t, zapcore.InfoLevel, cfg.LogLevel())
	require.NoError(t, cfg.Validate())
}

func TestConfig_InitDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		Enabled:   ptrTo(false),
		Transport: TransportConfig{Compression: ptrTo(false)},
		Queue:     QueueConfig{MaxSize: 10},
	}
	cfg.InitDefaults()

	assert.False(t, cfg.IsEnabled())
	assert.False(t, *cfg.Transport.Compression)
	assert.Equal(t, 10, cfg.Queue.MaxSize)
}

func TestConfig_ExplicitZeroSampleRate(t *testing.T) {
	cfg := &Config{SampleRate: ptrTo(0.0)}
	cfg.InitDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.0, *cfg.SampleRate)
	assert.Equal(t, 0.0, *cfg.ClientOptions().SampleRate)

	t.Setenv("SENTRY_SAMPLE_RATE", "0")
	cfg = &Config{}
	cfg.InitDefaults()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 0.0, *cfg.SampleRate)
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("SENTRY_DSN", "https://key@sentry.example.com/7")
	t.Setenv("SENTRY_SAMPLE_RATE", "0.5")
	t.Setenv("SENTRY_OFFLINE_ENABLED", "true")
	t.Setenv("SENTRY_FLUSH_INTERVAL", "250ms")

	cfg := &Config{Environment: "production", Release: "app@1"}
	cfg.InitDefaults()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "https://key@sentry.example.com/7", cfg.DSN)
	assert.Equal(t, 0.5, *cfg.SampleRate)
	assert.True(t, cfg.Offline.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.FlushInterval)
	assert.Equal(t, "production", cfg.Environment, "unset variables keep configured values")
	assert.Equal(t, "app@1", cfg.Release)
}

func TestConfig_ApplyEnvInvalidValue(t *testing.T) {
	t.Setenv("SENTRY_TRACES_SAMPLE_RATE", "often")

	cfg := &Config{}
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRACES_SAMPLE_RATE")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"sample rate above one", func(c *Config) { c.SampleRate = ptrTo(1.5) }, "SampleRate"},
		{"negative traces rate", func(c *Config) { c.TracesSampleRate = -0.1 }, "TracesSampleRate"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "verbose" }, "Level"},
		{"proxy is not a url", func(c *Config) { c.Transport.Proxy = "::nope" }, "Proxy"},
		{"negative queue size", func(c *Config) { c.Queue.MaxSize = -1 }, "MaxSize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.InitDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestConfig_InvalidDSNIsNotAValidationError(t *testing.T) {
	cfg := &Config{DSN: "not a dsn"}
	cfg.InitDefaults()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ClientOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.bin")
	cfg := &Config{
		DSN:              "https://key@sentry.example.com/7",
		TracesSampleRate: 0.2,
		Transport:        TransportConfig{Proxy: "http://proxy:3128"},
		Offline:          OfflineConfig{Enabled: true, Path: path, MaxBytes: 1 << 20},
		DebugStorage:     DebugStorageConfig{Enabled: true},
	}
	cfg.InitDefaults()

	opts := cfg.ClientOptions()
	assert.Equal(t, cfg.DSN, opts.DSN)
	assert.Equal(t, 0.2, opts.TracesSampleRate)
	assert.True(t, opts.HTTP.Compression)
	assert.True(t, opts.HTTP.SSLVerify)
	assert.Equal(t, "http://proxy:3128", opts.HTTP.Proxy)
	assert.Equal(t, queue.DefaultMaxAttempts, opts.Queue.Retry.MaxAttempts)

	require.True(t, opts.OfflineEnabled)
	fs, ok := opts.OfflineStore.(*offline.FileStore)
	require.True(t, ok)
	assert.Equal(t, path, fs.Path())
	assert.Equal(t, offline.DefaultMaxRetries, opts.Offline.MaxRetries)

	assert.IsType(t, &storage.Memory{}, opts.Storage)
}

func TestLoadConfig(t *testing.T) {
	if _, set := os.LookupEnv("SENTRY_RELEASE"); set {
		t.Skip("SENTRY_RELEASE is set in the environment")
	}
	t.Cleanup(func() { _ = os.Unsetenv("SENTRY_RELEASE") })

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SENTRY_RELEASE=from-dotenv\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sentry.yaml"), []byte(`
sentry:
  dsn: https://key@sentry.example.com/7
  environment: staging
  release: from-yaml
  traces_sample_rate: 0.25
  queue:
    max_size: 50
    flush_interval: 2s
  offline:
    enabled: true
    max_age: 24h
  logging:
    level: debug
`), 0o600))

	cfg, err := LoadConfig(filepath.Join(dir, "sentry.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "from-dotenv", cfg.Release)
	assert.Equal(t, 0.25, cfg.TracesSampleRate)
	assert.Equal(t, 50, cfg.Queue.MaxSize)
	assert.Equal(t, 2*time.Second, cfg.Queue.FlushInterval)
	assert.Equal(t, 24*time.Hour, cfg.Offline.MaxAge)
	assert.Equal(t, zapcore.DebugLevel, cfg.LogLevel())
	assert.Equal(t, 1.0, *cfg.SampleRate)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sentry:\n  sample_rate: 3\n"), 0o600))
	_, err = LoadConfig(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SampleRate")
}
