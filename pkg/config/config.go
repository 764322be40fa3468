// Package config loads auditrail configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// then AUDITRAIL_* environment variables. The result is validated once and
// passed explicitly to the components that need it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/auditrail/pkg/ledger"
	"github.com/Mindburn-Labs/auditrail/pkg/proof"
)

// EnvConfigFile names the variable consulted when no --config flag is given.
const EnvConfigFile = "AUDITRAIL_CONFIG"

var ErrInvalid = errors.New("invalid configuration")

// Ledger drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverHTTP     = "http"
)

// Export sinks.
const (
	SinkFile = "file"
	SinkS3   = "s3"
	SinkGCS  = "gcs"
)

// Config is the complete auditrail configuration.
type Config struct {
	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat    string `yaml:"log_format" env:"LOG_FORMAT"` // "text" | "json"
	IdentityFile string `yaml:"identity_file" env:"IDENTITY_FILE"`
	TrailFile    string `yaml:"trail_file" env:"TRAIL_FILE"`

	Ledger    LedgerConfig    `yaml:"ledger" envPrefix:"LEDGER_"`
	Trail     TrailConfig     `yaml:"trail" envPrefix:"TRAIL_"`
	Gateway   GatewayConfig   `yaml:"gateway" envPrefix:"GATEWAY_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Export    ExportConfig    `yaml:"export" envPrefix:"EXPORT_"`
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	Driver string      `yaml:"driver" env:"DRIVER"`
	DSN    string      `yaml:"dsn" env:"DSN"`
	Redis  RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	HTTP   HTTPConfig  `yaml:"http" envPrefix:"HTTP_"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// HTTPConfig points at a remote ledger gateway.
type HTTPConfig struct {
	URL               string        `yaml:"url" env:"URL"`
	APIKey            string        `yaml:"api_key" env:"API_KEY"`
	APIVersion        string        `yaml:"api_version" env:"API_VERSION"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// TrailConfig holds defaults for newly created trails.
type TrailConfig struct {
	Digest     string         `yaml:"digest" env:"DIGEST"`
	Visibility string         `yaml:"visibility" env:"VISIBILITY"`
	Topics     []ledger.Topic `yaml:"topics"`
	// Rules are CEL admission expressions; the env form separates them with ';'.
	Rules []string `yaml:"rules" env:"RULES" envSeparator:";"`
}

type GatewayConfig struct {
	Listen     string        `yaml:"listen" env:"LISTEN"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	JWTSecret  string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL   time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	RateLimit  float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst  int           `yaml:"rate_burst" env:"RATE_BURST"`
	APIVersion string        `yaml:"api_version" env:"API_VERSION"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	SampleRate  float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// ExportConfig selects where bundles are written.
type ExportConfig struct {
	Sink     string `yaml:"sink" env:"SINK"`
	Dir      string `yaml:"dir" env:"DIR"`
	Bucket   string `yaml:"bucket" env:"BUCKET"`
	Region   string `yaml:"region" env:"REGION"`
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// Default returns the built-in configuration: an in-memory ledger and the
// buyer-trail topic.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		LogFormat:    "text",
		IdentityFile: "identity.json",
		TrailFile:    "trail.json",
		Ledger: LedgerConfig{
			Driver: DriverMemory,
			Redis:  RedisConfig{Addr: "localhost:6379", Prefix: "auditrail:"},
			HTTP:   HTTPConfig{APIVersion: "0.1", Timeout: 30 * time.Second},
		},
		Trail: TrailConfig{
			Digest:     proof.DefaultAlgorithm,
			Visibility: string(ledger.Public),
			Topics:     []ledger.Topic{{Type: "buyer-trail", Source: "ddrs"}},
		},
		Gateway: GatewayConfig{
			Listen:     ":8080",
			TokenTTL:   time.Hour,
			RateLimit:  50,
			RateBurst:  100,
			APIVersion: "0.1",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "auditrail",
			SampleRate:  1.0,
		},
		Export: ExportConfig{Sink: SinkFile, Dir: "exports"},
	}
}

// Load resolves the configuration. path may be empty, in which case
// AUDITRAIL_CONFIG is consulted; a missing file is only an error when a
// path was named explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "AUDITRAIL_"}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// Validate checks enumerations and the settings each driver requires.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := c.SlogLevel(); err != nil {
		add("log_level: %v", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		add("log_format: unknown format %q", c.LogFormat)
	}

	switch c.Ledger.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Ledger.DSN == "" {
			add("ledger.dsn: required for driver %q", c.Ledger.Driver)
		}
	case DriverRedis:
		if c.Ledger.Redis.Addr == "" {
			add("ledger.redis.addr: required for driver redis")
		}
	case DriverHTTP:
		if c.Ledger.HTTP.URL == "" {
			add("ledger.http.url: required for driver http")
		}
	default:
		add("ledger.driver: unknown driver %q", c.Ledger.Driver)
	}

	if _, err := proof.NewHasher(c.Trail.Digest); err != nil {
		add("trail.digest: %v", err)
	}
	if _, err := ledger.ParseVisibility(c.Trail.Visibility); err != nil {
		add("trail.visibility: %v", err)
	}
	if len(c.Trail.Topics) == 0 {
		add("trail.topics: at least one topic is required")
	}

	if c.Gateway.RateLimit < 0 || c.Gateway.RateBurst < 0 {
		add("gateway: rate limits must not be negative")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate: %v is outside [0, 1]", c.Telemetry.SampleRate)
	}

	switch c.Export.Sink {
	case SinkFile:
		if c.Export.Dir == "" {
			add("export.dir: required for sink file")
		}
	case SinkS3, SinkGCS:
		if c.Export.Bucket == "" {
			add("export.bucket: required for sink %q", c.Export.Sink)
		}
	default:
		add("export.sink: unknown sink %q", c.Export.Sink)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return lvl, nil
}

// Visibility returns the parsed default trail visibility.
func (c *Config) Visibility() ledger.Visibility {
	v, err := ledger.ParseVisibility(c.Trail.Visibility)
	if err != nil {
		return ledger.Public
	}
	return v
}
