package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"timeclock/internal/device"
)

// App holds the runtime configuration. Values come from defaults, then the
// optional YAML file named by CONFIG_FILE, then environment variables.
type App struct {
	Env      string `yaml:"env"`
	HTTPPort string `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`
	TZ       string `yaml:"tz"`

	DBDriver    string `yaml:"db_driver"`
	DatabaseURL string `yaml:"database_url"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	NATSURL       string `yaml:"nats_url"`
	QueueBackend  string `yaml:"queue_backend"`
	QueueKey      string `yaml:"queue_key"`

	Device device.Config `yaml:"device"`

	AutoIngest                bool `yaml:"auto_ingest"`
	IngestIntervalMin         int  `yaml:"ingest_interval_min"`
	IngestIntervalAfterCutMin int  `yaml:"ingest_interval_after_cutoff_min"`

	ImportBaseDir    string `yaml:"import_base_dir"`
	AfterFetchScript string `yaml:"after_fetch_script"`
	HookMode         string `yaml:"hook_mode"`

	RateLimitPerMin int `yaml:"rate_limit_per_min"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() App {
	return App{
		Env:          "dev",
		HTTPPort:     "8081",
		LogLevel:     "info",
		DBDriver:     "sqlite3",
		DatabaseURL:  "data/timeclock.db",
		RedisAddr:    "localhost:6379",
		NATSURL:      "nats://localhost:4222",
		QueueBackend: "memory",
		Device: device.Config{
			IP:        "192.168.1.201",
			Port:      device.DefaultPort,
			TimeoutMs: device.DefaultTimeoutMs,
			Retries:   device.DefaultRetries,
			MockMode:  true,
		},
		AutoIngest:                true,
		IngestIntervalMin:         10,
		IngestIntervalAfterCutMin: 30,
		ImportBaseDir:             ".",
		HookMode:                  "exec",
		RateLimitPerMin:           120,
	}
}

// Load returns application config populated from the config file and
// environment variables with sensible defaults.
func Load() (App, error) {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *App) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *App) {
	cfg.Env = getEnv("APP_ENV", cfg.Env)
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.TZ = getEnv("TZ", cfg.TZ)
	cfg.DBDriver = getEnv("DB_DRIVER", cfg.DBDriver)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.QueueBackend = getEnv("QUEUE_BACKEND", cfg.QueueBackend)
	cfg.QueueKey = getEnv("QUEUE_KEY", cfg.QueueKey)

	cfg.Device.IP = getEnv("ZK_IP", cfg.Device.IP)
	cfg.Device.Port = intEnv("ZK_PORT", cfg.Device.Port)
	cfg.Device.TimeoutMs = intEnv("ZK_TIMEOUT_MS", cfg.Device.TimeoutMs)
	cfg.Device.Retries = intEnv("ZK_RETRIES", cfg.Device.Retries)
	cfg.Device.UseSDK = boolEnv("ZK_USE_SDK", cfg.Device.UseSDK)
	cfg.Device.MockMode = boolEnv("ZK_MOCK", cfg.Device.MockMode)
	cfg.Device.Password = getEnv("ZK_PASSWORD", cfg.Device.Password)
	cfg.Device.CommKey = getEnv("ZK_COMM_KEY", cfg.Device.CommKey)

	cfg.AutoIngest = boolEnv("AUTO_INGEST", cfg.AutoIngest)
	cfg.IngestIntervalMin = intEnv("INGEST_INTERVAL_MIN", cfg.IngestIntervalMin)
	cfg.IngestIntervalAfterCutMin = intEnv("INGEST_INTERVAL_AFTER_CUTOFF_MIN", cfg.IngestIntervalAfterCutMin)
	cfg.ImportBaseDir = getEnv("IMPORT_BASE_DIR", cfg.ImportBaseDir)
	cfg.AfterFetchScript = getEnv("AFTER_FETCH_SCRIPT", cfg.AfterFetchScript)
	cfg.HookMode = getEnv("HOOK_MODE", cfg.HookMode)
	cfg.RateLimitPerMin = intEnv("RATE_LIMIT_PER_MIN", cfg.RateLimitPerMin)
}

// Validate rejects values the processes cannot start with.
func (a App) Validate() error {
	switch a.DBDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or pgx, got %q", a.DBDriver)
	}
	switch a.QueueBackend {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be memory, redis or nats, got %q", a.QueueBackend)
	}
	switch a.HookMode {
	case "exec", "queue":
	default:
		return fmt.Errorf("HOOK_MODE must be exec or queue, got %q", a.HookMode)
	}
	if a.IngestIntervalMin <= 0 || a.IngestIntervalAfterCutMin <= 0 {
		return fmt.Errorf("ingest intervals must be positive")
	}
	return nil
}

// Production reports whether the app runs in a production environment.
func (a App) Production() bool {
	return a.Env == "production" || a.Env == "prod"
}

// IngestInterval is the polling interval before the absence cutoff.
func (a App) IngestInterval() time.Duration {
	return time.Duration(a.IngestIntervalMin) * time.Minute
}

// IngestIntervalAfterCutoff is the polling interval from the cutoff on.
func (a App) IngestIntervalAfterCutoff() time.Duration {
	return time.Duration(a.IngestIntervalAfterCutMin) * time.Minute
}

// Location resolves TZ, falling back to the process local zone.
func (a App) Location() *time.Location {
	if a.TZ == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(a.TZ)
	if err != nil {
		log.Warn().Str("tz", a.TZ).Err(err).Msg("unknown time zone, using local")
		return time.Local
	}
	return loc
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
		log.Warn().Str("key", key).Bool("fallback", fallback).Msg("invalid bool, using fallback")
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Warn().Str("key", key).Int("fallback", fallback).Msg("invalid int, using fallback")
	}
	return fallback
}
