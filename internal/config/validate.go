package config

import (
	"fmt"
	"strings"

	"github.com/djlord-it/easy-mail/internal/dispatcher"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			add("DATABASE_URL", "required")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			add("SQLITE_PATH", "required")
		}
		if cfg.LeaderElection {
			add("LEADER_ELECTION", "requires STORE_DRIVER=postgres")
		}
	default:
		add("STORE_DRIVER", fmt.Sprintf("must be 'postgres' or 'sqlite', got %q", cfg.StoreDriver))
	}

	positive := []struct {
		field string
		value int64
	}{
		{"SWEEP_INTERVAL", int64(cfg.SweepInterval)},
		{"SWEEP_BATCH_SIZE", int64(cfg.SweepBatchSize)},
		{"MISFIRE_THRESHOLD", int64(cfg.MisfireThreshold)},
		{"DB_OP_TIMEOUT", int64(cfg.DBOpTimeout)},
		{"EVENTBUS_BUFFER_SIZE", int64(cfg.EventBusBufferSize)},
		{"HTTP_SHUTDOWN_TIMEOUT", int64(cfg.HTTPShutdownTimeout)},
		{"DISPATCHER_DRAIN_TIMEOUT", int64(cfg.DispatcherDrainTimeout)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add(p.field, "must be positive")
		}
	}

	switch cfg.Executor {
	case "log":
	case "webhook":
		if cfg.MailRelayURL == "" {
			add("MAIL_RELAY_URL", "required when EXECUTOR=webhook")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			add("AMQP_URL", "required when EXECUTOR=amqp")
		}
		if cfg.AMQPQueue == "" {
			add("AMQP_QUEUE", "required when EXECUTOR=amqp")
		}
	default:
		add("EXECUTOR", fmt.Sprintf("must be 'log', 'webhook' or 'amqp', got %q", cfg.Executor))
	}

	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.CircuitBreakerThreshold > 0 && cfg.CircuitBreakerCooldown <= 0 {
		add("CIRCUIT_BREAKER_COOLDOWN", "must be positive when the circuit breaker is enabled")
	}

	if cfg.RedisAddr != "" && cfg.AnalyticsRetention <= 0 {
		add("ANALYTICS_RETENTION", "must be positive")
	}

	if cfg.MetricsEnabled && !strings.HasPrefix(cfg.MetricsPath, "/") {
		add("METRICS_PATH", "must start with '/'")
	}

	if cfg.ReconcileEnabled {
		if cfg.ReconcileInterval <= 0 {
			add("RECONCILE_INTERVAL", "must be positive")
		}
		if cfg.ReconcileBatchSize <= 0 {
			add("RECONCILE_BATCH_SIZE", "must be positive")
		}
		// A shorter threshold re-emits jobs the dispatcher is still retrying.
		if maxRetry := dispatcher.MaxRetryDuration(); cfg.ReconcileThreshold <= maxRetry {
			add("RECONCILE_THRESHOLD", fmt.Sprintf("must exceed the dispatcher retry window (%s)", maxRetry))
		}
	}

	if cfg.LeaderElection {
		if cfg.LeaderRetryInterval <= 0 {
			add("LEADER_RETRY_INTERVAL", "must be positive")
		}
		if cfg.LeaderHeartbeatInterval <= 0 {
			add("LEADER_HEARTBEAT_INTERVAL", "must be positive")
		}
	}

	if cfg.APIRateLimit < 0 {
		add("API_RATE_LIMIT", "must not be negative")
	}
	if cfg.APIRateLimit > 0 && cfg.APIRateBurst <= 0 {
		add("API_RATE_BURST", "must be positive when API_RATE_LIMIT is set")
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("LOG_LEVEL", fmt.Sprintf("must be debug, info, warn or error, got %q", cfg.LogLevel))
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		add("LOG_FORMAT", fmt.Sprintf("must be 'text' or 'json', got %q", cfg.LogFormat))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
