package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Dedup policies understood by the aggregator.
const (
	DedupPolicyKey    = "key"
	DedupPolicyWindow = "window"
)

// Config holds all configuration for luawatch.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Monitor  MonitorConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// APITokenHash is a bcrypt hash of the bearer token accepted by the query API.
	APITokenHash string
	// RateLimit is the number of API requests allowed per token per minute.
	RateLimit int
}

// DatabaseConfig selects the error store. A non-empty URL means Postgres;
// otherwise the SQLite file at SQLitePath is used.
type DatabaseConfig struct {
	URL             string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional. Without a URL the in-process cache is used.
type RedisConfig struct {
	URL string
}

type MonitorConfig struct {
	Interval         time.Duration
	ServersFile      string
	FetchTimeout     time.Duration
	FetchConcurrency int
	RefreshCron      string
	DedupPolicy      string
	DedupWindow      time.Duration
	LockFile         string
	PIDFile          string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from the environment (and a .env file in the
// working directory, if present) and returns a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         envInt("LUAWATCH_PORT", 8080),
			Env:          envString("LUAWATCH_ENV", "development"),
			APITokenHash: os.Getenv("LUAWATCH_API_TOKEN_HASH"),
			RateLimit:    envInt("LUAWATCH_RATE_LIMIT", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			SQLitePath:      envString("LUAWATCH_SQLITE_PATH", "luawatch.db"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Monitor: MonitorConfig{
			Interval:         envDurationSecs("LUAWATCH_INTERVAL", 5*time.Second),
			ServersFile:      envString("LUAWATCH_SERVERS_FILE", "servers.yaml"),
			FetchTimeout:     envDuration("LUAWATCH_FETCH_TIMEOUT", 10*time.Second),
			FetchConcurrency: envInt("LUAWATCH_FETCH_CONCURRENCY", 1),
			RefreshCron:      os.Getenv("LUAWATCH_REFRESH_CRON"),
			DedupPolicy:      envString("LUAWATCH_DEDUP_POLICY", DedupPolicyKey),
			DedupWindow:      envDuration("LUAWATCH_DEDUP_WINDOW", 5*time.Minute),
			LockFile:         envString("LUAWATCH_LOCK_FILE", "luawatch.lock"),
			PIDFile:          envString("LUAWATCH_PID_FILE", "luawatch.pid"),
		},
		Log: LogConfig{
			Level:      strings.ToLower(envString("LUAWATCH_LOG_LEVEL", "info")),
			File:       envString("LUAWATCH_LOG_FILE", "luawatch.log"),
			MaxSizeMB:  envInt("LUAWATCH_LOG_MAX_SIZE_MB", 50),
			MaxBackups: envInt("LUAWATCH_LOG_MAX_BACKUPS", 3),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UsePostgres reports whether the Postgres store is configured.
func (c *Config) UsePostgres() bool {
	return c.Database.URL != ""
}

func (c *Config) validate() error {
	if c.Database.URL != "" &&
		!strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://")
	}
	if c.Database.URL == "" && c.Database.SQLitePath == "" {
		return fmt.Errorf("LUAWATCH_SQLITE_PATH is required when DATABASE_URL is not set")
	}

	if c.Redis.URL != "" &&
		!strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("LUAWATCH_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 {
		return fmt.Errorf("LUAWATCH_RATE_LIMIT must be positive, got %d", c.Server.RateLimit)
	}

	if c.Monitor.ServersFile == "" {
		return fmt.Errorf("LUAWATCH_SERVERS_FILE is required")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("LUAWATCH_INTERVAL must be positive")
	}
	if c.Monitor.FetchTimeout <= 0 {
		return fmt.Errorf("LUAWATCH_FETCH_TIMEOUT must be positive")
	}
	if c.Monitor.FetchConcurrency < 1 {
		return fmt.Errorf("LUAWATCH_FETCH_CONCURRENCY must be at least 1, got %d", c.Monitor.FetchConcurrency)
	}
	if c.Monitor.DedupPolicy != DedupPolicyKey && c.Monitor.DedupPolicy != DedupPolicyWindow {
		return fmt.Errorf("LUAWATCH_DEDUP_POLICY must be one of key, window; got %q", c.Monitor.DedupPolicy)
	}
	if c.Monitor.DedupPolicy == DedupPolicyWindow && c.Monitor.DedupWindow <= 0 {
		return fmt.Errorf("LUAWATCH_DEDUP_WINDOW must be positive when LUAWATCH_DEDUP_POLICY is window")
	}
	if c.Monitor.RefreshCron != "" {
		if _, err := cron.ParseStandard(c.Monitor.RefreshCron); err != nil {
			return fmt.Errorf("LUAWATCH_REFRESH_CRON is invalid: %w", err)
		}
	}

	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("LUAWATCH_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
