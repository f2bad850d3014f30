// Package config loads service configuration from an optional YAML file with
// APPROVALS_* environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels: APPROVALS_SERVER__PORT -> server.port.
const EnvPrefix = "APPROVALS_"

// Config is the complete service configuration.
type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	Redis     RedisConfig     `koanf:"redis"`
	Rates     RatesConfig     `koanf:"rates"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Auth      AuthConfig      `koanf:"auth"`
	Approval  ApprovalConfig  `koanf:"approval"`
}

type ServiceConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	GRPCPort        int           `koanf:"grpc_port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
	RateLimitRPS    int           `koanf:"rate_limit_rps"`
	RateLimitBurst  int           `koanf:"rate_limit_burst"`
}

// DatabaseConfig selects the store. An empty URL runs the in-memory store.
type DatabaseConfig struct {
	URL         string        `koanf:"url"`
	MaxConns    int32         `koanf:"max_conns"`
	MinConns    int32         `koanf:"min_conns"`
	MaxConnTime time.Duration `koanf:"max_conn_time"`
	MaxIdleTime time.Duration `koanf:"max_idle_time"`
	HealthCheck time.Duration `koanf:"health_check"`
	Migrate     bool          `koanf:"migrate"`
}

type NATSConfig struct {
	URL            string `koanf:"url"`
	FailsafeStream string `koanf:"failsafe_stream"`
}

type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	RateTTL  time.Duration `koanf:"rate_ttl"`
}

// RatesConfig configures the exchange-rate collaborator. With no BaseURL the
// static table is used.
type RatesConfig struct {
	BaseURL           string             `koanf:"base_url"`
	Timeout           time.Duration      `koanf:"timeout"`
	RequestsPerSecond float64            `koanf:"requests_per_second"`
	Static            map[string]float64 `koanf:"static"`
}

type ArchiveConfig struct {
	Backend  string `koanf:"backend"` // fs | s3 | gcs
	Dir      string `koanf:"dir"`
	Bucket   string `koanf:"bucket"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
	Prefix   string `koanf:"prefix"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	Insecure     bool    `koanf:"insecure"`
	SampleRate   float64 `koanf:"sample_rate"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
	// AllowHeaderIdentity accepts X-Actor-ID when no bearer token is sent.
	AllowHeaderIdentity bool `koanf:"allow_header_identity"`
}

// ApprovalConfig holds the workflow and ledger policy knobs.
type ApprovalConfig struct {
	DefaultPolicy      string           `koanf:"default_policy"` // allow | require
	FallbackRole       string           `koanf:"fallback_role"`
	FallbackTimeout    int              `koanf:"fallback_timeout_hours"`
	BypassRoles        []string         `koanf:"bypass_roles"`
	AdminRoles         []string         `koanf:"admin_roles"`
	RetentionYears     int              `koanf:"retention_years"`
	AuditRetryAttempts int              `koanf:"audit_retry_attempts"`
	AuditRetryBackoff  time.Duration    `koanf:"audit_retry_backoff"`
	FailsafeSpoolDir   string           `koanf:"failsafe_spool_dir"`
	Suspicious         SuspiciousConfig `koanf:"suspicious"`
}

// SuspiciousConfig tunes IdentifySuspiciousActivities.
type SuspiciousConfig struct {
	BypassThreshold   int `koanf:"bypass_threshold"`
	OffHoursThreshold int `koanf:"offhours_threshold"`
	BusinessStartHour int `koanf:"business_start_hour"`
	BusinessEndHour   int `koanf:"business_end_hour"`
}

// Load reads configuration from path (if it exists) and overlays
// environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var validPolicies = map[string]bool{"allow": true, "require": true}

var validArchiveBackends = map[string]bool{"fs": true, "s3": true, "gcs": true}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("server.port and server.grpc_port must be positive")
	}
	if !validPolicies[c.Approval.DefaultPolicy] {
		return fmt.Errorf("invalid approval.default_policy %q: must be allow or require", c.Approval.DefaultPolicy)
	}
	if c.Approval.DefaultPolicy == "require" && c.Approval.FallbackRole == "" {
		return fmt.Errorf("approval.fallback_role is required when default_policy is require")
	}
	if c.Approval.RetentionYears < 1 {
		return fmt.Errorf("approval.retention_years must be at least 1")
	}
	if c.Approval.AuditRetryAttempts < 1 {
		return fmt.Errorf("approval.audit_retry_attempts must be at least 1")
	}
	s := c.Approval.Suspicious
	if s.BusinessStartHour < 0 || s.BusinessEndHour > 24 || s.BusinessStartHour >= s.BusinessEndHour {
		return fmt.Errorf("approval.suspicious business hours must satisfy 0 <= start < end <= 24")
	}
	if !validArchiveBackends[c.Archive.Backend] {
		return fmt.Errorf("invalid archive.backend %q: must be fs, s3 or gcs", c.Archive.Backend)
	}
	if (c.Archive.Backend == "s3" || c.Archive.Backend == "gcs") && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required for backend %s", c.Archive.Backend)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1]")
	}
	return nil
}
