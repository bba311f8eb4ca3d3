// Package config loads guardian configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides.
const (
	EnvConfigPath = "GUARDIAN_CONFIG_PATH"
	EnvJWTSecret  = "GUARDIAN_JWT_SECRET"
	EnvRedisAddr  = "GUARDIAN_REDIS_ADDR"
	EnvAuditDSN   = "GUARDIAN_AUDIT_DSN"
)

// JWTConfig holds JWT secret and expiry settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// RedisConfig selects and parameterizes the remote storage backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AnomalyConfig exposes the sub-score weights and decision threshold.
type AnomalyConfig struct {
	Temporal   float64 `yaml:"temporal-weight"`
	Activity   float64 `yaml:"activity-weight"`
	Safety     float64 `yaml:"safety-weight"`
	Behavioral float64 `yaml:"behavioral-weight"`
	Threshold  float64 `yaml:"threshold"`
}

// BruteForceConfig parameterizes the brute-force detector.
type BruteForceConfig struct {
	Window    time.Duration `yaml:"window"`
	Threshold int           `yaml:"threshold"`
}

// Config is the resolved application configuration.
type Config struct {
	Port       int              `yaml:"port"`
	JWT        JWTConfig        `yaml:"jwt"`
	Redis      RedisConfig      `yaml:"redis"`
	AuditDSN   string           `yaml:"audit-dsn"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	BruteForce BruteForceConfig `yaml:"brute-force"`
}

// Defaults applied when the file omits or invalidates a field.
const (
	DefaultPort        = 8414
	DefaultJWTExpiry   = 24 * time.Hour
	DefaultRedisPrefix = "guardian"
)

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads the YAML config file and applies environment overrides and
// defaults. A missing file yields the defaults rather than an error; a
// malformed file is reported.
func Load(configPath string) (Config, error) {
	var cfg Config

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	} else if !os.IsNotExist(errRead) {
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}

	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.JWT.Secret = secret
	}
	if addr := strings.TrimSpace(os.Getenv(EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvAuditDSN)); dsn != "" {
		cfg.AuditDSN = dsn
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
	}
	if cfg.JWT.Expiry <= 0 {
		cfg.JWT.Expiry = DefaultJWTExpiry
	}
	cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)
	cfg.Redis.Prefix = strings.TrimSpace(cfg.Redis.Prefix)
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = DefaultRedisPrefix
	}
	if cfg.Redis.DB < 0 {
		cfg.Redis.DB = 0
	}
	if cfg.Anomaly.Threshold <= 0 || cfg.Anomaly.Threshold > 1 {
		cfg.Anomaly.Threshold = 0.6
	}
	if cfg.BruteForce.Window <= 0 {
		cfg.BruteForce.Window = time.Hour
	}
	if cfg.BruteForce.Threshold <= 0 {
		cfg.BruteForce.Threshold = 10
	}
}

// ParsePort parses a port value from a string, used by the CLI flag path.
func ParsePort(raw string) (int, error) {
	port, errParse := strconv.Atoi(strings.TrimSpace(raw))
	if errParse != nil {
		return 0, fmt.Errorf("invalid port: %q", raw)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port: %d", port)
	}
	return port, nil
}
