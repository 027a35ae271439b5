package config

import (
	"fmt"
	"log/slog"
	"time"
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

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{Field: "DATABASE_URL", Message: "required"})
	}

	durations := []struct {
		field string
		value string
	}{
		{"DB_OP_TIMEOUT", cfg.DBOpTimeoutStr},
		{"DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetimeStr},
		{"DB_CONN_MAX_IDLE_TIME", cfg.DBConnMaxIdleTimeStr},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeoutStr},
		{"DISPATCHER_DRAIN_TIMEOUT", cfg.DispatcherDrainTimeoutStr},
		{"MISFIRE_THRESHOLD", cfg.MisfireThresholdStr},
		{"SCHEDULER_SYNC_INTERVAL", cfg.SchedulerSyncIntervalStr},
		{"ANALYTICS_WINDOW", cfg.AnalyticsWindowStr},
		{"ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr},
		{"RECONCILE_INTERVAL", cfg.ReconcileIntervalStr},
		{"RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if err := validatePositiveDuration(d.value); err != "" {
			errs = append(errs, ValidationError{Field: d.field, Message: err})
		}
	}

	switch cfg.WorkTransport {
	case "", "channel":
	case "amqp":
		if cfg.AMQPURL == "" {
			errs = append(errs, ValidationError{Field: "AMQP_URL", Message: "required when WORK_TRANSPORT is 'amqp'"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "WORK_TRANSPORT",
			Message: fmt.Sprintf("must be 'channel' or 'amqp', got %q", cfg.WorkTransport),
		})
	}

	if cfg.LogFormat != "" && cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, ValidationError{
			Field:   "LOG_FORMAT",
			Message: fmt.Sprintf("must be 'text' or 'json', got %q", cfg.LogFormat),
		})
	}
	if cfg.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			errs = append(errs, ValidationError{Field: "LOG_LEVEL", Message: err.Error()})
		}
	}

	if cfg.AnalyticsEnabled {
		if cfg.RedisAddr == "" {
			errs = append(errs, ValidationError{Field: "REDIS_ADDR", Message: "required when ANALYTICS_ENABLED is true"})
		}
		switch cfg.AnalyticsWindow {
		case time.Minute, 5 * time.Minute, time.Hour:
		default:
			errs = append(errs, ValidationError{Field: "ANALYTICS_WINDOW", Message: "must be 1m, 5m or 1h"})
		}
		if cfg.AnalyticsRetention < cfg.AnalyticsWindow {
			errs = append(errs, ValidationError{Field: "ANALYTICS_RETENTION", Message: "must not be shorter than ANALYTICS_WINDOW"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePositiveDuration(s string) string {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Sprintf("invalid duration: %v", err)
	}
	if d <= 0 {
		return "must be positive"
	}
	return ""
}
