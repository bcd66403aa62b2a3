package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ServiceName    = "supplydesk-engine"
	ServiceVersion = "1.0.0"

	defaultDSN     = "host=localhost user=postgres password=postgres dbname=supplydesk port=5432 sslmode=disable"
	defaultOrigins = "http://localhost:5173"
)

type Config struct {
	HTTPPort    string
	DatabaseDSN string
	JWTSecret   string
	CORSOrigins string
	LogLevel    string

	SLA    SLAPolicy
	Ledger LedgerPolicy
	Retry  RetryPolicy

	SweepInterval      time.Duration
	SweepBatchSize     int
	ProvisionBatchSize int
	AuditPageSize      int

	Kafka KafkaConfig
	Otel  OtelConfig

	warnings []string
}

// SLAPolicy maps request priority to the time allowed before a violation.
type SLAPolicy struct {
	Urgent          time.Duration
	High            time.Duration
	Normal          time.Duration
	Low             time.Duration
	WarningFraction float64
}

type LedgerPolicy struct {
	// AllowBackorder enables oversubscription for requests that opt in.
	AllowBackorder      bool
	MaxOversubscription int
}

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	LockTimeout time.Duration
}

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	OutboxPath    string
	FlushInterval time.Duration
	BatchSize     int
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

type OtelConfig struct {
	Endpoint   string
	AuthHeader string
	TracesPath string
	LogsPath   string
}

func (o OtelConfig) Enabled() bool { return o.Endpoint != "" }

func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{
		Urgent:          4 * time.Hour,
		High:            24 * time.Hour,
		Normal:          72 * time.Hour,
		Low:             168 * time.Hour,
		WarningFraction: 0.8,
	}
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		LockTimeout: 3 * time.Second,
	}
}

func setDefaults(v *viper.Viper) {
	sla := DefaultSLAPolicy()
	retry := DefaultRetryPolicy()

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("DATABASE_DSN", defaultDSN)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("CORS_ALLOWED_ORIGINS", defaultOrigins)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("SLA_URGENT", sla.Urgent)
	v.SetDefault("SLA_HIGH", sla.High)
	v.SetDefault("SLA_NORMAL", sla.Normal)
	v.SetDefault("SLA_LOW", sla.Low)
	v.SetDefault("SLA_WARNING_FRACTION", sla.WarningFraction)

	v.SetDefault("LEDGER_ALLOW_BACKORDER", false)
	v.SetDefault("LEDGER_MAX_OVERSUBSCRIPTION", 0)

	v.SetDefault("RETRY_MAX_ATTEMPTS", retry.MaxAttempts)
	v.SetDefault("RETRY_BASE_DELAY", retry.BaseDelay)
	v.SetDefault("RETRY_MAX_DELAY", retry.MaxDelay)
	v.SetDefault("LOCK_TIMEOUT", retry.LockTimeout)

	v.SetDefault("SLA_SWEEP_INTERVAL", time.Minute)
	v.SetDefault("SLA_SWEEP_BATCH_SIZE", 500)
	v.SetDefault("PROVISION_BATCH_SIZE", 500)
	v.SetDefault("AUDIT_PAGE_SIZE", 100)

	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "supplydesk.events")
	v.SetDefault("OUTBOX_PATH", "./data/outbox")
	v.SetDefault("OUTBOX_FLUSH_INTERVAL", 2*time.Second)
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)

	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_HEADERS", "")
	v.SetDefault("OTEL_TRACES_PATH", "/v1/traces")
	v.SetDefault("OTEL_LOGS_PATH", "/v1/logs")
}

// Load reads configuration from the environment and, when CONFIG_FILE is set,
// from that file. Environment variables win over file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		HTTPPort:    v.GetString("HTTP_PORT"),
		DatabaseDSN: v.GetString("DATABASE_DSN"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		CORSOrigins: v.GetString("CORS_ALLOWED_ORIGINS"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		SLA: SLAPolicy{
			Urgent:          v.GetDuration("SLA_URGENT"),
			High:            v.GetDuration("SLA_HIGH"),
			Normal:          v.GetDuration("SLA_NORMAL"),
			Low:             v.GetDuration("SLA_LOW"),
			WarningFraction: v.GetFloat64("SLA_WARNING_FRACTION"),
		},
		Ledger: LedgerPolicy{
			AllowBackorder:      v.GetBool("LEDGER_ALLOW_BACKORDER"),
			MaxOversubscription: v.GetInt("LEDGER_MAX_OVERSUBSCRIPTION"),
		},
		Retry: RetryPolicy{
			MaxAttempts: v.GetInt("RETRY_MAX_ATTEMPTS"),
			BaseDelay:   v.GetDuration("RETRY_BASE_DELAY"),
			MaxDelay:    v.GetDuration("RETRY_MAX_DELAY"),
			LockTimeout: v.GetDuration("LOCK_TIMEOUT"),
		},
		SweepInterval:      v.GetDuration("SLA_SWEEP_INTERVAL"),
		SweepBatchSize:     v.GetInt("SLA_SWEEP_BATCH_SIZE"),
		ProvisionBatchSize: v.GetInt("PROVISION_BATCH_SIZE"),
		AuditPageSize:      v.GetInt("AUDIT_PAGE_SIZE"),
		Kafka: KafkaConfig{
			Brokers:       splitList(v.GetString("KAFKA_BROKERS")),
			Topic:         v.GetString("KAFKA_TOPIC"),
			OutboxPath:    v.GetString("OUTBOX_PATH"),
			FlushInterval: v.GetDuration("OUTBOX_FLUSH_INTERVAL"),
			BatchSize:     v.GetInt("OUTBOX_BATCH_SIZE"),
		},
		Otel: OtelConfig{
			Endpoint:   v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			AuthHeader: v.GetString("OTEL_EXPORTER_OTLP_HEADERS"),
			TracesPath: v.GetString("OTEL_TRACES_PATH"),
			LogsPath:   v.GetString("OTEL_LOGS_PATH"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.DatabaseDSN == defaultDSN {
		cfg.warnings = append(cfg.warnings, "DATABASE_DSN is using the default value, set your own Postgres connection for production")
	}
	if cfg.CORSOrigins == defaultOrigins {
		cfg.warnings = append(cfg.warnings, "CORS_ALLOWED_ORIGINS is using the default value, set your own domain for production")
	}
	if cfg.Ledger.AllowBackorder {
		cfg.warnings = append(cfg.warnings, fmt.Sprintf("backorder policy enabled, max oversubscription %d", cfg.Ledger.MaxOversubscription))
	}

	return cfg, nil
}

// Validate rejects configuration the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is not set"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters"))
	}
	if err := c.SLA.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.MaxOversubscription < 0 {
		errs = append(errs, errors.New("LEDGER_MAX_OVERSUBSCRIPTION must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SLA_SWEEP_INTERVAL must be positive"))
	}
	if c.ProvisionBatchSize < 1 || c.AuditPageSize < 1 || c.SweepBatchSize < 1 {
		errs = append(errs, errors.New("batch and page sizes must be positive"))
	}

	return errors.Join(errs...)
}

func (p SLAPolicy) Validate() error {
	for name, d := range map[string]time.Duration{"urgent": p.Urgent, "high": p.High, "normal": p.Normal, "low": p.Low} {
		if d <= 0 {
			return fmt.Errorf("SLA duration for %s must be positive, got %s", name, d)
		}
	}
	if p.WarningFraction <= 0 || p.WarningFraction >= 1 {
		return fmt.Errorf("SLA warning fraction must be in (0,1), got %v", p.WarningFraction)
	}
	return nil
}

// Warnings lists non-fatal misconfigurations worth logging at startup.
func (c *Config) Warnings() []string { return c.warnings }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
