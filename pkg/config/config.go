package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // business timezone must resolve without host zoneinfo

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// REGDASH_DASHBOARD_LOG_BASE_URL overrides dashboard.log_base_url.
	EnvPrefix = "REGDASH"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSecretKey is the process secret used when none is configured.
	DefaultSecretKey = "dev-secret"

	// DefaultDriver is the default database driver.
	DefaultDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "regdash.db"

	// DefaultTimezone is the business timezone windows are anchored in.
	DefaultTimezone = "Asia/Kolkata"

	// DefaultLogBaseURL is prefixed to a request_id to build its log link.
	DefaultLogBaseURL = "https://logs.example.com/request/"

	// DefaultScheduler is assigned to ingested runs that omit a scheduler.
	DefaultScheduler = "BLR-NSP-SCHEDULER1"

	// DefaultWindowCount is the number of selectable windows listed.
	DefaultWindowCount = 7

	// DefaultRequestsPerMinute is the per-IP limit of an enabled tier
	// that does not set one.
	DefaultRequestsPerMinute = 120
)

// sqliteURLPrefix introduces a SQLite path in URL form, e.g.
// sqlite:///regdash.db or sqlite:////var/lib/regdash.db.
const sqliteURLPrefix = "sqlite:///"

// DefaultKnownClouds are the cloud tags always present in trend output.
var DefaultKnownClouds = []string{"blr-cloud4", "blr-cloud5"}

// legacyEnv maps config keys to the bare environment variable names the
// dashboard has historically been deployed with.
var legacyEnv = map[string]string{
	"dashboard.log_base_url": "LOG_BASE_URL",
	"database.url":           "DATABASE_URL",
	"server.secret_key":      "SECRET_KEY",
}

// Config is the root configuration for regdash.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	SecretKey   string          `yaml:"secret_key" mapstructure:"secret_key"`
	IngestAuth  bool            `yaml:"ingest_auth" mapstructure:"ingest_auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Ingest  RateLimitTier `yaml:"ingest,omitempty" mapstructure:"ingest"`
	Read    RateLimitTier `yaml:"read,omitempty" mapstructure:"read"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	URL      string               `yaml:"url,omitempty" mapstructure:"url"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DashboardConfig contains the reporting settings.
type DashboardConfig struct {
	Timezone         string   `yaml:"timezone" mapstructure:"timezone"`
	LogBaseURL       string   `yaml:"log_base_url" mapstructure:"log_base_url"`
	DefaultScheduler string   `yaml:"default_scheduler" mapstructure:"default_scheduler"`
	KnownClouds      []string `yaml:"known_clouds" mapstructure:"known_clouds"`
	WindowCount      int      `yaml:"window_count" mapstructure:"window_count"`
}

// Load reads the given configuration files in order, each one overriding
// the previous, then applies environment overrides on top. With no paths
// the defaults and environment alone are used.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}

		if raw == nil {
			continue
		}

		if err := v.MergeConfigMap(raw); err != nil {
			return nil, fmt.Errorf("merging config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envName(key), legacy); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// envName returns the prefixed environment variable name for a key.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// setDefaults registers every known key so that AutomaticEnv can
// resolve overrides even when the key is absent from all config files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.secret_key", DefaultSecretKey)
	v.SetDefault("server.ingest_auth", false)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.ingest.requests_per_minute", 0)
	v.SetDefault("server.rate_limit.read.requests_per_minute", 0)

	v.SetDefault("database.driver", DefaultDriver)
	v.SetDefault("database.url", "")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "regdash")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("dashboard.timezone", DefaultTimezone)
	v.SetDefault("dashboard.log_base_url", DefaultLogBaseURL)
	v.SetDefault("dashboard.default_scheduler", DefaultScheduler)
	v.SetDefault("dashboard.known_clouds", DefaultKnownClouds)
	v.SetDefault("dashboard.window_count", DefaultWindowCount)
}

// applyDefaults fills values that were explicitly blanked out.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.SecretKey == "" {
		c.Server.SecretKey = DefaultSecretKey
	}

	if c.Server.RateLimit.Enabled {
		for _, tier := range []*RateLimitTier{
			&c.Server.RateLimit.Ingest, &c.Server.RateLimit.Read,
		} {
			if tier.RequestsPerMinute == 0 {
				tier.RequestsPerMinute = DefaultRequestsPerMinute
			}
		}
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}

	c.Database.applyURL()

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Dashboard.Timezone == "" {
		c.Dashboard.Timezone = DefaultTimezone
	}

	if c.Dashboard.DefaultScheduler == "" {
		c.Dashboard.DefaultScheduler = DefaultScheduler
	}

	if c.Dashboard.KnownClouds == nil {
		c.Dashboard.KnownClouds = append([]string(nil), DefaultKnownClouds...)
	}

	if c.Dashboard.WindowCount == 0 {
		c.Dashboard.WindowCount = DefaultWindowCount
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if _, err := c.Dashboard.Location(); err != nil {
		return err
	}

	if c.Dashboard.WindowCount < 1 {
		return fmt.Errorf("dashboard.window_count must be positive, got %d",
			c.Dashboard.WindowCount)
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Ingest.RequestsPerMinute < 1 {
			return fmt.Errorf("server.rate_limit.ingest.requests_per_minute must be positive")
		}

		if c.Server.RateLimit.Read.RequestsPerMinute < 1 {
			return fmt.Errorf("server.rate_limit.read.requests_per_minute must be positive")
		}
	}

	return nil
}

// Location loads the configured business timezone.
func (d *DashboardConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", d.Timezone, err)
	}

	return loc, nil
}

// applyURL lets a connection URL pick the driver from its scheme:
// postgres:// and postgresql:// select postgres, sqlite:///path selects
// sqlite with the remainder as the path. Other values are left as they are.
func (d *DatabaseConfig) applyURL() {
	scheme := strings.ToLower(d.URL)

	switch {
	case strings.HasPrefix(scheme, "postgres://"),
		strings.HasPrefix(scheme, "postgresql://"):
		d.Driver = "postgres"
	case strings.HasPrefix(scheme, sqliteURLPrefix):
		d.Driver = "sqlite"
		d.URL = d.URL[len(sqliteURLPrefix):]
	}
}

// DSN returns the connection string for the configured driver. An
// explicit URL wins over the per-driver settings.
func (d *DatabaseConfig) DSN() string {
	url := d.URL
	if d.Driver == "sqlite" && strings.HasPrefix(strings.ToLower(url), sqliteURLPrefix) {
		url = url[len(sqliteURLPrefix):]
	}

	if url != "" {
		return url
	}

	if d.Driver == "postgres" {
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Postgres.Host,
			d.Postgres.Port,
			d.Postgres.User,
			d.Postgres.Password,
			d.Postgres.Database,
			d.Postgres.SSLMode,
		)
	}

	return d.SQLite.Path
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	out := *c
	out.Server.SecretKey = MaskSecret(c.Server.SecretKey)
	out.Database.Postgres.Password = MaskSecret(c.Database.Postgres.Password)

	if c.Database.URL != "" && c.Database.Driver == "postgres" {
		out.Database.URL = MaskSecret(c.Database.URL)
	}

	return &out
}

// MaskSecret hides all but the edges of a secret.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}

	if len(secret) <= 8 {
		return "***"
	}

	return secret[:4] + "..." + secret[len(secret)-4:]
}
