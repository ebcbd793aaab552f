package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	AppEnv   string         `yaml:"app_env"`
	LogLevel string         `yaml:"log_level"`
	Database DatabaseConfig `yaml:"database"`
	Station  StationConfig  `yaml:"station"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Server   ServerConfig   `yaml:"server"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Driver          string      `yaml:"driver"` // "sqlite" or "mysql"
	Path            string      `yaml:"path"`   // sqlite file
	MySQL           MySQLConfig `yaml:"mysql"`
	MaxOpenConns    int         `yaml:"max_open_conns"`
	MaxIdleConns    int         `yaml:"max_idle_conns"`
	ConnMaxLifetime string      `yaml:"conn_max_lifetime"`
}

// ParseConnMaxLifetime returns the connection lifetime, zero meaning unlimited.
func (d DatabaseConfig) ParseConnMaxLifetime() time.Duration {
	if d.ConnMaxLifetime == "" {
		return 0
	}
	v, err := time.ParseDuration(d.ConnMaxLifetime)
	if err != nil {
		return 0
	}
	return v
}

// MySQLConfig holds MySQL connection settings. DSN, when set, wins over the
// individual fields.
type MySQLConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// StationConfig names the station used when the upload URL does not carry one.
type StationConfig struct {
	ID string `yaml:"id"`
}

// IngestConfig tunes schema reconciliation.
type IngestConfig struct {
	// IgnoreKeys are payload keys never turned into columns (e.g. PASSKEY).
	IgnoreKeys     []string `yaml:"ignore_keys"`
	ColumnCacheTTL string   `yaml:"column_cache_ttl"`
}

// ParseColumnCacheTTL returns the column cache TTL.
func (i IngestConfig) ParseColumnCacheTTL() time.Duration {
	d, err := time.ParseDuration(i.ColumnCacheTTL)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// ScheduleConfig configures the aggregation interval.
type ScheduleConfig struct {
	AggregateInterval string `yaml:"aggregate_interval"`
}

// ParseAggregateInterval returns the aggregate interval as time.Duration.
func (s ScheduleConfig) ParseAggregateInterval() time.Duration {
	d, err := time.ParseDuration(s.AggregateInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Default returns a Config matching the gateway's stock deployment.
func Default() *Config {
	return &Config{
		AppEnv:   "dev",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./ecoingest.db",
			MySQL: MySQLConfig{
				Host:     "localhost",
				Port:     3306,
				User:     "pi",
				Database: "Ecowitt_database",
			},
			MaxOpenConns: 4,
			MaxIdleConns: 2,
		},
		Station: StationConfig{ID: "meteostation1"},
		Ingest: IngestConfig{
			IgnoreKeys:     []string{"PASSKEY", "stationtype", "dateutc", "freq", "model", "runtime", "interval"},
			ColumnCacheTTL: "10m",
		},
		Schedule: ScheduleConfig{AggregateInterval: "1h"},
		Server:   ServerConfig{Port: 8080},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
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

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.AppEnv {
	case "dev", "prod":
	default:
		return fmt.Errorf("invalid app_env %q (allowed: dev, prod)", c.AppEnv)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("invalid database driver %q (allowed: sqlite, mysql)", c.Database.Driver)
	}
	if strings.TrimSpace(c.Station.ID) == "" {
		return fmt.Errorf("station id must not be empty")
	}
	for name, v := range map[string]string{
		"schedule.aggregate_interval": c.Schedule.AggregateInterval,
		"ingest.column_cache_ttl":     c.Ingest.ColumnCacheTTL,
	} {
		if err := positiveDuration(name, v); err != nil {
			return err
		}
	}
	return nil
}

// positiveDuration accepts an empty value, which falls back to the default.
func positiveDuration(name, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s %q: must be positive", name, v)
	}
	return nil
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() slog.Level {
	l, _ := ParseLogLevel(c.LogLevel)
	return l
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("APP_ENV")); v != "" {
		cfg.AppEnv = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ECOINGEST_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ECOINGEST_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ECOINGEST_MYSQL_DSN"); v != "" {
		cfg.Database.MySQL.DSN = v
	}
	if v := os.Getenv("ECOINGEST_MYSQL_HOST"); v != "" {
		cfg.Database.MySQL.Host = v
	}
	if v := os.Getenv("ECOINGEST_MYSQL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ECOINGEST_MYSQL_PORT %q: %w", v, err)
		}
		cfg.Database.MySQL.Port = port
	}
	if v := os.Getenv("ECOINGEST_MYSQL_USER"); v != "" {
		cfg.Database.MySQL.User = v
	}
	if v := os.Getenv("ECOINGEST_MYSQL_PASSWORD"); v != "" {
		cfg.Database.MySQL.Password = v
	}
	if v := os.Getenv("ECOINGEST_MYSQL_DATABASE"); v != "" {
		cfg.Database.MySQL.Database = v
	}
	if v := strings.TrimSpace(os.Getenv("ECOINGEST_STATION")); v != "" {
		cfg.Station.ID = v
	}
	if v := os.Getenv("ECOINGEST_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ECOINGEST_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	return nil
}

// ParseLogLevel maps a level name to slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
