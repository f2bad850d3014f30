package config

import "time"

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-approvals",
			Version:     "0.1.0",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8086,
			GRPCPort:        9086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			RequestTimeout:  30 * time.Second,
			AllowedOrigins:  []string{"*"},
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Database: DatabaseConfig{
			MaxConns:    20,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
			Migrate:     true,
		},
		NATS: NATSConfig{
			FailsafeStream: "APPROVALS_AUDIT_FAILSAFE",
		},
		Redis: RedisConfig{
			RateTTL: 15 * time.Minute,
		},
		Rates: RatesConfig{
			Timeout:           5 * time.Second,
			RequestsPerSecond: 5,
		},
		Archive: ArchiveConfig{
			Backend: "fs",
			Dir:     "data/archive",
			Prefix:  "audit/",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Approval: ApprovalConfig{
			DefaultPolicy:      "allow",
			FallbackRole:       "FINANCE_MANAGER",
			FallbackTimeout:    72,
			BypassRoles:        []string{"ADMIN"},
			AdminRoles:         []string{"ADMIN"},
			RetentionYears:     7,
			AuditRetryAttempts: 3,
			AuditRetryBackoff:  200 * time.Millisecond,
			FailsafeSpoolDir:   "data/failsafe",
			Suspicious: SuspiciousConfig{
				BypassThreshold:   2,
				OffHoursThreshold: 2,
				BusinessStartHour: 8,
				BusinessEndHour:   20,
			},
		},
	}
}
