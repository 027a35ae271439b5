package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the easyflow node.
// Values are loaded from environment variables; see the README for the full list.
type Config struct {
	DatabaseURL string `json:"database_url"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	HTTPAddr    string `json:"http_addr"`

	// NodeName identifies this node in work claims. Defaults to the hostname.
	NodeName string `json:"node_name"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // "text" or "json"

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	DispatcherWorkers int `json:"dispatcher_workers"`
	WorkQueueSize     int `json:"work_queue_size"`

	// AllowImmediateWork enables executing work outside a transaction
	// boundary. Off by default.
	AllowImmediateWork bool `json:"allow_immediate_work"`

	// WorkTransport: "channel" (in-process) or "amqp" (RabbitMQ, shared by all nodes).
	WorkTransport string `json:"work_transport"`
	AMQPURL       string `json:"amqp_url,omitempty"`
	AMQPQueue     string `json:"amqp_queue"`

	MisfireThreshold    time.Duration `json:"-"`
	MisfireThresholdStr string        `json:"misfire_threshold"`

	// SchedulerSyncInterval bounds how stale a node's view of the persisted
	// triggers can get when a change notification is missed.
	SchedulerSyncInterval    time.Duration `json:"-"`
	SchedulerSyncIntervalStr string        `json:"scheduler_sync_interval"`

	CorrelationCandidateLimit int `json:"correlation_candidate_limit"`

	// JobsFile is an optional YAML file of jobs scheduled at startup.
	JobsFile string `json:"jobs_file,omitempty"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	AnalyticsEnabled      bool          `json:"analytics_enabled"`
	AnalyticsWindow       time.Duration `json:"-"`
	AnalyticsWindowStr    string        `json:"analytics_window"`
	AnalyticsRetention    time.Duration `json:"-"`
	AnalyticsRetentionStr string        `json:"analytics_retention"`

	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold is how long requeued work may wait before it is
	// reclaimed again.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`
	ReconcileBatchSize    int           `json:"reconcile_batch_size"`

	// LeaderLockKey: all nodes sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval pings the dedicated connection to detect local
	// connection death. It does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`
}

// LoadEnvFile loads variables from a dotenv file without overriding the
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads configuration from environment variables with defaults.
// Durations are parsed here; invalid values are reported by Validate.
func Load() Config {
	cfg := Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		HTTPAddr:           os.Getenv("HTTP_ADDR"),
		NodeName:           os.Getenv("NODE_NAME"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "text"),
		AllowImmediateWork: os.Getenv("ALLOW_IMMEDIATE_WORK") == "true",
		WorkTransport:      envOr("WORK_TRANSPORT", "channel"),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPQueue:          envOr("AMQP_QUEUE", "easyflow.work"),
		JobsFile:           os.Getenv("JOBS_FILE"),
		MetricsEnabled:     os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:        envOr("METRICS_PATH", "/metrics"),
		AnalyticsEnabled:   os.Getenv("ANALYTICS_ENABLED") == "true",
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileEnabled:   os.Getenv("RECONCILE_ENABLED") == "true",

		DBOpTimeoutStr:             envOr("DB_OP_TIMEOUT", "5s"),
		DBConnMaxLifetimeStr:       envOr("DB_CONN_MAX_LIFETIME", "30m"),
		DBConnMaxIdleTimeStr:       envOr("DB_CONN_MAX_IDLE_TIME", "5m"),
		HTTPShutdownTimeoutStr:     envOr("HTTP_SHUTDOWN_TIMEOUT", "10s"),
		DispatcherDrainTimeoutStr:  envOr("DISPATCHER_DRAIN_TIMEOUT", "30s"),
		MisfireThresholdStr:        envOr("MISFIRE_THRESHOLD", "60s"),
		SchedulerSyncIntervalStr:   envOr("SCHEDULER_SYNC_INTERVAL", "30s"),
		AnalyticsWindowStr:         envOr("ANALYTICS_WINDOW", "1m"),
		AnalyticsRetentionStr:      envOr("ANALYTICS_RETENTION", "24h"),
		ReconcileIntervalStr:       envOr("RECONCILE_INTERVAL", "1m"),
		ReconcileThresholdStr:      envOr("RECONCILE_THRESHOLD", "10m"),
		LeaderRetryIntervalStr:     envOr("LEADER_RETRY_INTERVAL", "5s"),
		LeaderHeartbeatIntervalStr: envOr("LEADER_HEARTBEAT_INTERVAL", "2s"),

		DBMaxOpenConns:            envPositiveInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:            envPositiveInt("DB_MAX_IDLE_CONNS", 5),
		DispatcherWorkers:         envPositiveInt("DISPATCHER_WORKERS", 4),
		WorkQueueSize:             envPositiveInt("WORK_QUEUE_SIZE", 100),
		CorrelationCandidateLimit: envPositiveInt("CORRELATION_CANDIDATE_LIMIT", 100),
		ReconcileBatchSize:        envPositiveInt("RECONCILE_BATCH_SIZE", 100),
		LeaderLockKey:             int64(envPositiveInt("LEADER_LOCK_KEY", 728380)),
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.NodeName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.NodeName = host
		} else {
			cfg.NodeName = "easyflow"
		}
	}

	cfg.DBOpTimeout = parseDuration(cfg.DBOpTimeoutStr)
	cfg.DBConnMaxLifetime = parseDuration(cfg.DBConnMaxLifetimeStr)
	cfg.DBConnMaxIdleTime = parseDuration(cfg.DBConnMaxIdleTimeStr)
	cfg.HTTPShutdownTimeout = parseDuration(cfg.HTTPShutdownTimeoutStr)
	cfg.DispatcherDrainTimeout = parseDuration(cfg.DispatcherDrainTimeoutStr)
	cfg.MisfireThreshold = parseDuration(cfg.MisfireThresholdStr)
	cfg.SchedulerSyncInterval = parseDuration(cfg.SchedulerSyncIntervalStr)
	cfg.AnalyticsWindow = parseDuration(cfg.AnalyticsWindowStr)
	cfg.AnalyticsRetention = parseDuration(cfg.AnalyticsRetentionStr)
	cfg.ReconcileInterval = parseDuration(cfg.ReconcileIntervalStr)
	cfg.ReconcileThreshold = parseDuration(cfg.ReconcileThresholdStr)
	cfg.LeaderRetryInterval = parseDuration(cfg.LeaderRetryIntervalStr)
	cfg.LeaderHeartbeatInterval = parseDuration(cfg.LeaderHeartbeatIntervalStr)

	return cfg
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envPositiveInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		slog.Warn("config: invalid value, using default", "variable", name, "value", s, "default", def)
		return def
	}
	return n
}

// parseDuration returns 0 for invalid input; Validate reports it.
func parseDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.AMQPURL = maskSecret(c.AMQPURL)
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
