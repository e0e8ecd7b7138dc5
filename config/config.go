/*
config.go - Server configuration

PURPOSE:
  Loads settings for the server and CLI commands. Sources, lowest to highest
  precedence:
    1. Defaults (DefaultConfig)
    2. TOML file (--config / TOIL_CONFIG)
    3. .env file in the working directory, if present
    4. TOIL_* environment variables

EXAMPLE FILE:
  [server]
  addr = ":8080"
  allowed_origins = ["http://localhost:5173"]

  [database]
  path = "toil.db"

  [log]
  level = "info"
  format = "json"

  [escalation]
  enabled = true
  interval = "1h"
  threshold_days = 3

  [leave]
  rl_leave_type = "RL"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig     `toml:"server"`
	Database   DatabaseConfig   `toml:"database"`
	Log        LogConfig        `toml:"log"`
	Escalation EscalationConfig `toml:"escalation"`
	Leave      LeaveConfig      `toml:"leave"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	RequestLogging  bool     `toml:"request_logging"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Path of the SQLite file. ":memory:" keeps everything in process.
	Path string `toml:"path"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json or console
}

type EscalationConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      Duration `toml:"interval"`
	ThresholdDays int      `toml:"threshold_days"`
}

type LeaveConfig struct {
	RLLeaveType string `toml:"rl_leave_type"`
}

// Duration reads "90s" / "1h" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RequestLogging:  true,
			ShutdownTimeout: Duration{30 * time.Second},
		},
		Database: DatabaseConfig{Path: "toil.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Escalation: EscalationConfig{
			Enabled:       true,
			Interval:      Duration{time.Hour},
			ThresholdDays: 3,
		},
		Leave: LeaveConfig{RLLeaveType: "RL"},
	}
}

// Load builds the configuration. An empty path falls back to TOIL_CONFIG; a
// missing file at an explicit path is an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	// .env is optional; values already in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("TOIL_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("TOIL_ADDR", c.Server.Addr)
	if origins := os.Getenv("TOIL_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	c.Server.RequestLogging = getEnvBool("TOIL_REQUEST_LOGGING", c.Server.RequestLogging)
	c.Server.ShutdownTimeout.Duration = getEnvDuration("TOIL_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout.Duration)
	c.Database.Path = getEnv("TOIL_DB_PATH", c.Database.Path)
	c.Log.Level = getEnv("TOIL_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("TOIL_LOG_FORMAT", c.Log.Format)
	c.Escalation.Enabled = getEnvBool("TOIL_ESCALATION_ENABLED", c.Escalation.Enabled)
	c.Escalation.Interval.Duration = getEnvDuration("TOIL_ESCALATION_INTERVAL", c.Escalation.Interval.Duration)
	c.Escalation.ThresholdDays = getEnvInt("TOIL_ESCALATION_THRESHOLD_DAYS", c.Escalation.ThresholdDays)
	c.Leave.RLLeaveType = getEnv("TOIL_RL_LEAVE_TYPE", c.Leave.RLLeaveType)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Escalation.ThresholdDays < 0 {
		return fmt.Errorf("escalation.threshold_days must not be negative")
	}
	if c.Escalation.Enabled && c.Escalation.Interval.Duration <= 0 {
		return fmt.Errorf("escalation.interval must be positive when the scheduler is enabled")
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if strings.TrimSpace(c.Leave.RLLeaveType) == "" {
		return fmt.Errorf("leave.rl_leave_type is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
