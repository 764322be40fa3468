package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auditrail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Ledger.Driver)
	assert.Equal(t, "sha256", cfg.Trail.Digest)
	assert.Equal(t, []ledger.Topic{{Type: "buyer-trail", Source: "ddrs"}}, cfg.Trail.Topics)
	assert.Equal(t, ledger.Public, cfg.Visibility())
	assert.Equal(t, time.Hour, cfg.Gateway.TokenTTL)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
ledger:
  driver: sqlite
  dsn: /tmp/trail.db
trail:
  digest: sha3-256
  visibility: private
  topics:
    - type: buyer-trail
      source: pos
  rules:
    - has(event.type)
gateway:
  token_ttl: 15m
export:
  sink: s3
  bucket: proofs
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DriverSQLite, cfg.Ledger.Driver)
	assert.Equal(t, "/tmp/trail.db", cfg.Ledger.DSN)
	assert.Equal(t, "sha3-256", cfg.Trail.Digest)
	assert.Equal(t, ledger.Private, cfg.Visibility())
	assert.Equal(t, []ledger.Topic{{Type: "buyer-trail", Source: "pos"}}, cfg.Trail.Topics)
	assert.Equal(t, []string{"has(event.type)"}, cfg.Trail.Rules)
	assert.Equal(t, 15*time.Minute, cfg.Gateway.TokenTTL)
	// Untouched sections keep their defaults.
	assert.Equal(t, ":8080", cfg.Gateway.Listen)
	assert.Equal(t, "localhost:6379", cfg.Ledger.Redis.Addr)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
ledger:
  driver: sqlite
  dsn: /tmp/trail.db
`)
	t.Setenv("AUDITRAIL_LEDGER_DRIVER", "redis")
	t.Setenv("AUDITRAIL_LEDGER_REDIS_ADDR", "redis:6380")
	t.Setenv("AUDITRAIL_LEDGER_REDIS_DB", "3")
	t.Setenv("AUDITRAIL_TRAIL_RULES", "has(event.type); event.quantity > 0")
	t.Setenv("AUDITRAIL_GATEWAY_TOKEN_TTL", "90s")
	t.Setenv("AUDITRAIL_TELEMETRY_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Ledger.Driver)
	assert.Equal(t, "redis:6380", cfg.Ledger.Redis.Addr)
	assert.Equal(t, 3, cfg.Ledger.Redis.DB)
	assert.Equal(t, "/tmp/trail.db", cfg.Ledger.DSN)
	assert.Len(t, cfg.Trail.Rules, 2)
	assert.Equal(t, 90*time.Second, cfg.Gateway.TokenTTL)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_ConfigFromEnvVariable(t *testing.T) {
	path := writeConfig(t, "log_level: warn\n")
	t.Setenv(EnvConfigFile, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "load config")
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "ledger: [unterminated"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse config")
	})

	t.Run("bad env", func(t *testing.T) {
		t.Setenv(EnvConfigFile, "")
		t.Setenv("AUDITRAIL_LEDGER_REDIS_DB", "three")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse env")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "cassandra" }, "ledger.driver"},
		{"sqlite without dsn", func(c *Config) { c.Ledger.Driver = DriverSQLite }, "ledger.dsn"},
		{"http without url", func(c *Config) { c.Ledger.Driver = DriverHTTP }, "ledger.http.url"},
		{"redis without addr", func(c *Config) { c.Ledger.Driver = DriverRedis; c.Ledger.Redis.Addr = "" }, "ledger.redis.addr"},
		{"digest", func(c *Config) { c.Trail.Digest = "md5" }, "trail.digest"},
		{"visibility", func(c *Config) { c.Trail.Visibility = "secret" }, "trail.visibility"},
		{"no topics", func(c *Config) { c.Trail.Topics = nil }, "trail.topics"},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "telemetry.sample_rate"},
		{"negative rate", func(c *Config) { c.Gateway.RateLimit = -1 }, "gateway"},
		{"bucket", func(c *Config) { c.Export.Sink = SinkGCS }, "export.bucket"},
		{"sink", func(c *Config) { c.Export.Sink = "ftp" }, "export.sink"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, Default().Validate())
}
