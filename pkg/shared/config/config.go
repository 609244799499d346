package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds all agent settings
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Paths        PathsConfig        `koanf:"paths"`
	Engine       EngineConfig       `koanf:"engine"`
	Cache        CacheConfig        `koanf:"cache"`
	Queue        QueueConfig        `koanf:"queue"`
	Logging      LoggingConfig      `koanf:"logging"`
	Offsite      OffsiteConfig      `koanf:"offsite"`
	Housekeeping HousekeepingConfig `koanf:"housekeeping"`
}

type ServerConfig struct {
	ListenAddr string `koanf:"listen_addr"`
	AuthToken  string `koanf:"auth_token"`
}

type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
}

// PathsConfig lists the operator-controlled directories. All artifact access
// is confined to these roots.
type PathsConfig struct {
	BackupDir  string `koanf:"backup_dir"`
	TempDir    string `koanf:"temp_dir"`
	HistoryDir string `koanf:"history_dir"`
}

type EngineConfig struct {
	// MaxRunTime is the host-imposed limit for one invocation. Zero means unlimited.
	MaxRunTime    time.Duration `koanf:"max_run_time"`
	TablePrefix   string        `koanf:"table_prefix"`
	VerifyProfile string        `koanf:"verify_profile"`
	LockTTL       time.Duration `koanf:"lock_ttl"`
	StateTTL      time.Duration `koanf:"state_ttl"`
	// ExternalDecompress allows pigz/gzip binaries for decompression
	ExternalDecompress bool `koanf:"external_decompress"`
}

type CacheConfig struct {
	Backend string `koanf:"backend"` // "memory" or "badger"
	Path    string `koanf:"path"`    // badger directory, empty = in-memory badger
}

type QueueConfig struct {
	Backend      string        `koanf:"backend"` // "mysql" or "memory"
	PollInterval time.Duration `koanf:"poll_interval"`
	Lease        time.Duration `koanf:"lease"`
	// MaxAttempts bounds how often a failing task runs before it is settled as failed
	MaxAttempts int           `koanf:"max_attempts"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
}

type LoggingConfig struct {
	Level      string `koanf:"level"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

type OffsiteConfig struct {
	Provider string `koanf:"provider"` // "aws", "gcp" or empty
	Bucket   string `koanf:"bucket"`
	Region   string `koanf:"region"`
	Prefix   string `koanf:"prefix"`
}

type HousekeepingConfig struct {
	Interval      time.Duration `koanf:"interval"`
	HistoryMaxAge time.Duration `koanf:"history_max_age"`
	TempMaxAge    time.Duration `koanf:"temp_max_age"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Database: DatabaseConfig{
			Host: "127.0.0.1",
			Port: 3306,
			User: "root",
		},
		Paths: PathsConfig{
			BackupDir:  "/var/lib/dbmaint/backups",
			TempDir:    "/var/lib/dbmaint/tmp",
			HistoryDir: "/var/lib/dbmaint/.history",
		},
		Engine: EngineConfig{
			MaxRunTime:         30 * time.Second,
			TablePrefix:        "dbmaint_",
			LockTTL:            10 * time.Minute,
			StateTTL:           7 * 24 * time.Hour,
			ExternalDecompress: true,
		},
		Cache: CacheConfig{
			Backend: "badger",
		},
		Queue: QueueConfig{
			Backend:      "mysql",
			PollInterval: time.Second,
			Lease:        10 * time.Minute,
			MaxAttempts:  3,
			RetryDelay:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Housekeeping: HousekeepingConfig{
			Interval:      time.Hour,
			HistoryMaxAge: 30 * 24 * time.Hour,
			TempMaxAge:    24 * time.Hour,
		},
	}
}

// envMappings maps environment variables to config keys
var envMappings = map[string]string{
	"listen_addr":           "server.listen_addr",
	"auth_token":            "server.auth_token",
	"mysql_host":            "database.host",
	"mysql_port":            "database.port",
	"mysql_user":            "database.user",
	"mysql_password":        "database.password",
	"mysql_database":        "database.name",
	"backup_dir":            "paths.backup_dir",
	"temp_dir":              "paths.temp_dir",
	"history_dir":           "paths.history_dir",
	"max_run_time":          "engine.max_run_time",
	"table_prefix":          "engine.table_prefix",
	"verify_profile":        "engine.verify_profile",
	"lock_ttl":              "engine.lock_ttl",
	"state_ttl":             "engine.state_ttl",
	"external_decompress":   "engine.external_decompress",
	"cache_backend":         "cache.backend",
	"cache_path":            "cache.path",
	"queue_backend":         "queue.backend",
	"queue_poll_interval":   "queue.poll_interval",
	"queue_lease":           "queue.lease",
	"queue_max_attempts":    "queue.max_attempts",
	"queue_retry_delay":     "queue.retry_delay",
	"log_level":             "logging.level",
	"log_file":              "logging.file",
	"log_max_size_mb":       "logging.max_size_mb",
	"log_max_backups":       "logging.max_backups",
	"log_max_age_days":      "logging.max_age_days",
	"offsite_provider":      "offsite.provider",
	"offsite_bucket":        "offsite.bucket",
	"offsite_region":        "offsite.region",
	"offsite_prefix":        "offsite.prefix",
	"housekeeping_interval": "housekeeping.interval",
	"history_max_age":       "housekeeping.history_max_age",
	"temp_max_age":          "housekeeping.temp_max_age",
}

// envTransformFunc returns the config key for an environment variable, or ""
// to ignore it
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// Load reads configuration in three layers: defaults, then the optional YAML
// file at path, then environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks settings the agent cannot run without
func (c *Config) Validate() error {
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required (MYSQL_DATABASE)")
	}
	if c.Server.AuthToken == "" {
		return fmt.Errorf("auth token is required (AUTH_TOKEN)")
	}
	switch c.Cache.Backend {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}
	switch c.Queue.Backend {
	case "memory", "mysql":
	default:
		return fmt.Errorf("unknown queue backend: %s", c.Queue.Backend)
	}
	switch c.Offsite.Provider {
	case "", "aws", "gcp":
	default:
		return fmt.Errorf("unsupported offsite provider: %s", c.Offsite.Provider)
	}
	if c.Engine.TablePrefix == "" {
		return fmt.Errorf("table prefix must not be empty")
	}
	return nil
}

// DSN builds the driver connection string. parseTime stays off so row values
// are returned as raw bytes and dumped verbatim. Sessions run in UTC, the
// time zone every dump declares.
func (d DatabaseConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", d.Host, d.Port)
	cfg.DBName = d.Name
	cfg.Params = map[string]string{"charset": "utf8mb4", "time_zone": "'+00:00'"}
	cfg.InterpolateParams = true
	return cfg.FormatDSN()
}
