package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/conveyor/internal/engine"
	"github.com/rendis/conveyor/internal/reaper"
)

// Storage and notification backends.
const (
	driverLibSQL   = "libsql"
	driverPostgres = "postgres"
	driverMemory   = "memory"

	notifyMemory = "memory"
	notifyRedis  = "redis"
)

// Config holds all conveyor configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBDriver        string `json:"db_driver"`
	DBPath          string `json:"db_path"`
	DBDSN           string `json:"db_dsn"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	NotifyBackend   string `json:"notify_backend"`
	RedisAddr       string `json:"redis_addr"`
	ReaperSchedule  string `json:"reaper_schedule"`
	MachineCacheTTL string `json:"machine_cache_ttl"`
	ResumeWait      string `json:"resume_wait"`
}

func defaultConfig() Config {
	return Config{
		DBDriver:        driverLibSQL,
		DBPath:          filepath.Join(conveyorDir(), "conveyor.db"),
		LogLevel:        "info",
		PoolSize:        engine.DefaultPoolSize,
		NotifyBackend:   notifyMemory,
		RedisAddr:       "localhost:6379",
		ReaperSchedule:  reaper.DefaultSchedule,
		MachineCacheTTL: engine.DefaultMachineCacheTTL.String(),
		ResumeWait:      engine.DefaultResumeWait.String(),
	}
}

func conveyorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".conveyor")
}

func settingsPath() string {
	return filepath.Join(conveyorDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers settingsFile and the environment over the defaults.
// A missing settings file is not an error; a malformed one is.
func loadConfigFrom(settingsFile string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsFile); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsFile, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", settingsFile, err)
	}

	strs := map[string]*string{
		"CONVEYOR_DB_DRIVER":         &cfg.DBDriver,
		"CONVEYOR_DB_PATH":           &cfg.DBPath,
		"CONVEYOR_DB_DSN":            &cfg.DBDSN,
		"CONVEYOR_LOG_LEVEL":         &cfg.LogLevel,
		"CONVEYOR_NOTIFY_BACKEND":    &cfg.NotifyBackend,
		"CONVEYOR_REDIS_ADDR":        &cfg.RedisAddr,
		"CONVEYOR_REAPER_SCHEDULE":   &cfg.ReaperSchedule,
		"CONVEYOR_MACHINE_CACHE_TTL": &cfg.MachineCacheTTL,
		"CONVEYOR_RESUME_WAIT":       &cfg.ResumeWait,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("CONVEYOR_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("CONVEYOR_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.DBDriver {
	case driverLibSQL:
		if c.DBPath == "" {
			return fmt.Errorf("db_path is required for the %s driver", driverLibSQL)
		}
	case driverPostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("db_dsn is required for the %s driver", driverPostgres)
		}
	case driverMemory:
	default:
		return fmt.Errorf("unknown db_driver %q", c.DBDriver)
	}

	switch c.NotifyBackend {
	case notifyMemory:
	case notifyRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis_addr is required for the %s notify backend", notifyRedis)
		}
	default:
		return fmt.Errorf("unknown notify_backend %q", c.NotifyBackend)
	}

	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if _, err := reaper.ParseSchedule(c.ReaperSchedule); err != nil {
		return fmt.Errorf("reaper_schedule: %w", err)
	}
	if _, err := c.machineCacheTTL(); err != nil {
		return err
	}
	if _, err := c.resumeWait(); err != nil {
		return err
	}
	return nil
}

func (c Config) machineCacheTTL() (time.Duration, error) {
	return parsePositiveDuration("machine_cache_ttl", c.MachineCacheTTL)
}

func (c Config) resumeWait() (time.Duration, error) {
	return parsePositiveDuration("resume_wait", c.ResumeWait)
}

func parsePositiveDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

// libsqlURI turns db_path into the file URI the libSQL driver expects.
func (c Config) libsqlURI() string {
	if filepath.IsAbs(c.DBPath) || !hasScheme(c.DBPath) {
		return "file:" + c.DBPath
	}
	return c.DBPath
}

func hasScheme(s string) bool {
	for i, r := range s {
		switch {
		case r == ':':
			return i > 0
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '+', r == '-', r == '.':
		default:
			return false
		}
	}
	return false
}
