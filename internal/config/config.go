// Package config loads easymail configuration from the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the easymail service.
// Values are loaded from environment variables; see the usage text of
// cmd/easymail for the full list.
type Config struct {
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"easymail.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	HTTPAddr string `env:"HTTP_ADDR"`
	Port     string `env:"PORT"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	SweepBatchSize   int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	MisfireThreshold time.Duration `env:"MISFIRE_THRESHOLD" envDefault:"1m"`

	DBOpTimeout       time.Duration `env:"DB_OP_TIMEOUT" envDefault:"5s"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"5m"`

	HTTPShutdownTimeout    time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	DispatcherDrainTimeout time.Duration `env:"DISPATCHER_DRAIN_TIMEOUT" envDefault:"30s"`
	EventBusBufferSize     int           `env:"EVENTBUS_BUFFER_SIZE" envDefault:"100"`

	// Executor: "log", "webhook" (MAIL_RELAY_*) or "amqp" (AMQP_*).
	Executor         string        `env:"EXECUTOR" envDefault:"log"`
	MailRelayURL     string        `env:"MAIL_RELAY_URL"`
	MailRelaySecret  string        `env:"MAIL_RELAY_SECRET"`
	MailRelayTimeout time.Duration `env:"MAIL_RELAY_TIMEOUT" envDefault:"30s"`
	AMQPURL          string        `env:"AMQP_URL"`
	AMQPQueue        string        `env:"AMQP_QUEUE" envDefault:"easymail.emails"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5"`
	CircuitBreakerCooldown  time.Duration `env:"CIRCUIT_BREAKER_COOLDOWN" envDefault:"2m"`

	RedisAddr          string        `env:"REDIS_ADDR"`
	AnalyticsRetention time.Duration `env:"ANALYTICS_RETENTION" envDefault:"168h"`

	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"false"`
	MetricsPath    string `env:"METRICS_PATH" envDefault:"/metrics"`
	MetricsPort    string `env:"METRICS_PORT" envDefault:"9090"`

	ReconcileEnabled  bool          `env:"RECONCILE_ENABLED" envDefault:"true"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	// ReconcileThreshold must exceed the dispatcher's maximum retry window (currently 12m30s).
	ReconcileThreshold time.Duration `env:"RECONCILE_THRESHOLD" envDefault:"15m"`
	ReconcileBatchSize int           `env:"RECONCILE_BATCH_SIZE" envDefault:"100"`

	// LeaderElection requires STORE_DRIVER=postgres. All instances sharing the
	// same database must use the same LeaderLockKey.
	LeaderElection          bool          `env:"LEADER_ELECTION" envDefault:"false"`
	LeaderLockKey           int64         `env:"LEADER_LOCK_KEY" envDefault:"728380"`
	LeaderRetryInterval     time.Duration `env:"LEADER_RETRY_INTERVAL" envDefault:"5s"`
	LeaderHeartbeatInterval time.Duration `env:"LEADER_HEARTBEAT_INTERVAL" envDefault:"2s"`

	// APIRateLimit is requests per second for POST /email/send; 0 disables it.
	APIRateLimit float64 `env:"API_RATE_LIMIT" envDefault:"0"`
	APIRateBurst int     `env:"API_RATE_BURST" envDefault:"10"`
}

// Load reads a .env file from the working directory if one exists, then
// parses the environment. Malformed values are returned as errors; semantic
// checks are left to Validate.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return Parse()
}

// Parse reads configuration from the environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// PORT is the platform-provided fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if cfg.Port != "" {
			cfg.HTTPAddr = ":" + cfg.Port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.Executor = strings.ToLower(strings.TrimSpace(cfg.Executor))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	return cfg, nil
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		StoreDriver             string  `json:"store_driver"`
		DatabaseURL             string  `json:"database_url,omitempty"`
		SQLitePath              string  `json:"sqlite_path,omitempty"`
		AutoMigrate             bool    `json:"auto_migrate"`
		HTTPAddr                string  `json:"http_addr"`
		LogLevel                string  `json:"log_level"`
		LogFormat               string  `json:"log_format"`
		SweepInterval           string  `json:"sweep_interval"`
		SweepBatchSize          int     `json:"sweep_batch_size"`
		MisfireThreshold        string  `json:"misfire_threshold"`
		DBOpTimeout             string  `json:"db_op_timeout"`
		DBMaxOpenConns          int     `json:"db_max_open_conns"`
		DBMaxIdleConns          int     `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string  `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string  `json:"db_conn_max_idle_time"`
		HTTPShutdownTimeout     string  `json:"http_shutdown_timeout"`
		DispatcherDrainTimeout  string  `json:"dispatcher_drain_timeout"`
		EventBusBufferSize      int     `json:"eventbus_buffer_size"`
		Executor                string  `json:"executor"`
		MailRelayURL            string  `json:"mail_relay_url,omitempty"`
		MailRelaySecret         string  `json:"mail_relay_secret,omitempty"`
		MailRelayTimeout        string  `json:"mail_relay_timeout"`
		AMQPURL                 string  `json:"amqp_url,omitempty"`
		AMQPQueue               string  `json:"amqp_queue"`
		CircuitBreakerThreshold int     `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string  `json:"circuit_breaker_cooldown"`
		RedisAddr               string  `json:"redis_addr,omitempty"`
		AnalyticsRetention      string  `json:"analytics_retention"`
		MetricsEnabled          bool    `json:"metrics_enabled"`
		MetricsPath             string  `json:"metrics_path"`
		MetricsPort             string  `json:"metrics_port"`
		ReconcileEnabled        bool    `json:"reconcile_enabled"`
		ReconcileInterval       string  `json:"reconcile_interval"`
		ReconcileThreshold      string  `json:"reconcile_threshold"`
		ReconcileBatchSize      int     `json:"reconcile_batch_size"`
		LeaderElection          bool    `json:"leader_election"`
		LeaderLockKey           int64   `json:"leader_lock_key"`
		LeaderRetryInterval     string  `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string  `json:"leader_heartbeat_interval"`
		APIRateLimit            float64 `json:"api_rate_limit"`
		APIRateBurst            int     `json:"api_rate_burst"`
	}{
		StoreDriver:             c.StoreDriver,
		DatabaseURL:             maskSecret(c.DatabaseURL),
		SQLitePath:              c.SQLitePath,
		AutoMigrate:             c.AutoMigrate,
		HTTPAddr:                c.HTTPAddr,
		LogLevel:                c.LogLevel,
		LogFormat:               c.LogFormat,
		SweepInterval:           c.SweepInterval.String(),
		SweepBatchSize:          c.SweepBatchSize,
		MisfireThreshold:        c.MisfireThreshold.String(),
		DBOpTimeout:             c.DBOpTimeout.String(),
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetime.String(),
		DBConnMaxIdleTime:       c.DBConnMaxIdleTime.String(),
		HTTPShutdownTimeout:     c.HTTPShutdownTimeout.String(),
		DispatcherDrainTimeout:  c.DispatcherDrainTimeout.String(),
		EventBusBufferSize:      c.EventBusBufferSize,
		Executor:                c.Executor,
		MailRelayURL:            c.MailRelayURL,
		MailRelaySecret:         maskSecret(c.MailRelaySecret),
		MailRelayTimeout:        c.MailRelayTimeout.String(),
		AMQPURL:                 maskSecret(c.AMQPURL),
		AMQPQueue:               c.AMQPQueue,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldown.String(),
		RedisAddr:               c.RedisAddr,
		AnalyticsRetention:      c.AnalyticsRetention.String(),
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		MetricsPort:             c.MetricsPort,
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileInterval:       c.ReconcileInterval.String(),
		ReconcileThreshold:      c.ReconcileThreshold.String(),
		ReconcileBatchSize:      c.ReconcileBatchSize,
		LeaderElection:          c.LeaderElection,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryInterval.String(),
		LeaderHeartbeatInterval: c.LeaderHeartbeatInterval.String(),
		APIRateLimit:            c.APIRateLimit,
		APIRateBurst:            c.APIRateBurst,
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "amqp://", "amqps://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
