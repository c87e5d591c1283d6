package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

// Storage backends.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	Timezone string `mapstructure:"TIMEZONE"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBSchema       string `mapstructure:"DB_SCHEMA"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string `mapstructure:"REDIS_URL"`

	HIPAAEncryptionKey string `mapstructure:"HIPAA_ENCRYPTION_KEY"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`
	MetricsAddr    string        `mapstructure:"METRICS_ADDR"`

	AlertKafkaBrokers  []string `mapstructure:"ALERT_KAFKA_BROKERS"`
	AlertKafkaTopic    string   `mapstructure:"ALERT_KAFKA_TOPIC"`
	AlertWebhookURL    string   `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string   `mapstructure:"ALERT_WEBHOOK_SECRET"`

	AuditFailClosedTimeout time.Duration `mapstructure:"AUDIT_FAIL_CLOSED_TIMEOUT"`
	AuditWorkers           int           `mapstructure:"AUDIT_WORKERS"`
	AuditQueueSize         int           `mapstructure:"AUDIT_QUEUE_SIZE"`
	AuditRetentionDays     int           `mapstructure:"AUDIT_RETENTION_DAYS"`
	RetentionSweepInterval time.Duration `mapstructure:"RETENTION_SWEEP_INTERVAL"`

	AnomalyWindow           time.Duration `mapstructure:"ANOMALY_WINDOW"`
	AnomalyPHIThreshold     int64         `mapstructure:"ANOMALY_PHI_THRESHOLD"`
	AnomalyRequestThreshold int64         `mapstructure:"ANOMALY_REQUEST_THRESHOLD"`
}

var keys = []string{
	"PORT", "ENV", "TIMEZONE",
	"AUTH_MODE", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"STORAGE_BACKEND", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"HIPAA_ENCRYPTION_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE", "METRICS_ADDR",
	"ALERT_KAFKA_BROKERS", "ALERT_KAFKA_TOPIC", "ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET",
	"AUDIT_FAIL_CLOSED_TIMEOUT", "AUDIT_WORKERS", "AUDIT_QUEUE_SIZE", "AUDIT_RETENTION_DAYS",
	"RETENTION_SWEEP_INTERVAL",
	"ANOMALY_WINDOW", "ANOMALY_PHI_THRESHOLD", "ANOMALY_REQUEST_THRESHOLD",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("STORAGE_BACKEND", StoragePostgres)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("ALERT_KAFKA_TOPIC", "phicore.alerts")
	v.SetDefault("AUDIT_FAIL_CLOSED_TIMEOUT", "5s")
	v.SetDefault("AUDIT_WORKERS", 4)
	v.SetDefault("AUDIT_QUEUE_SIZE", 1024)
	v.SetDefault("AUDIT_RETENTION_DAYS", hipaa.DefaultRetentionDays)
	v.SetDefault("RETENTION_SWEEP_INTERVAL", "24h")
	v.SetDefault("ANOMALY_WINDOW", "5m")
	v.SetDefault("ANOMALY_PHI_THRESHOLD", 15)
	v.SetDefault("ANOMALY_REQUEST_THRESHOLD", 300)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.AlertKafkaBrokers = splitList(cfg.AlertKafkaBrokers, v.GetString("ALERT_KAFKA_BROKERS"))
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))

	if cfg.StorageBackend == StoragePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is %q", StoragePostgres)
	}

	return cfg, nil
}

// splitList trims a comma-separated setting. Env values arrive as a single
// element when mapstructure does not split them.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = []string{raw}
	}
	var out []string
	for _, item := range parsed {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE if set, otherwise "development" under
// ENV=development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Location returns the zone used for after-hours detection.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Production requires
// real token verification, the postgres backend and a master key.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != AuthModeDevelopment && mode != AuthModeJWT {
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}
	if mode == AuthModeJWT && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is %q", AuthModeJWT)
	}

	switch c.StorageBackend {
	case StoragePostgres, StorageMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StoragePostgres, StorageMemory, c.StorageBackend)
	}

	if c.IsProduction() {
		if mode == AuthModeDevelopment {
			return fmt.Errorf("AUTH_MODE=%s is not allowed in production", AuthModeDevelopment)
		}
		if c.StorageBackend != StoragePostgres {
			return fmt.Errorf("STORAGE_BACKEND must be %q in production", StoragePostgres)
		}
		if c.HIPAAEncryptionKey == "" {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
		}
	}
	if c.HIPAAEncryptionKey != "" {
		if _, err := hipaa.ParseMasterKey(c.HIPAAEncryptionKey); err != nil {
			return err
		}
	}

	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.AuditFailClosedTimeout <= 0 {
		return fmt.Errorf("AUDIT_FAIL_CLOSED_TIMEOUT must be positive")
	}
	if c.AuditRetentionDays <= 0 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be positive")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
