package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-approvals/internal/archive"
	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/failsafe"
	"github.com/pesio-ai/be-approvals/internal/handler"
	"github.com/pesio-ai/be-approvals/internal/identity"
	"github.com/pesio-ai/be-approvals/internal/platform/config"
	"github.com/pesio-ai/be-approvals/internal/platform/database"
	"github.com/pesio-ai/be-approvals/internal/platform/logger"
	natsclient "github.com/pesio-ai/be-approvals/internal/platform/nats"
	"github.com/pesio-ai/be-approvals/internal/platform/telemetry"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/service"
)

// app owns every connection and service the commands share.
type app struct {
	cfg *config.Config
	log *logger.Logger

	db        *database.DB
	nats      *natsclient.Client
	redis     *redis.Client
	telemetry *telemetry.Provider

	store      repository.Store
	dispatcher *service.NotifierDispatcher
	services   handler.Services
	archiver   *service.Archiver
	resolver   *identity.Resolver
}

// appOptions selects which optional collaborators a command needs.
type appOptions struct {
	asyncNotify bool
	archive     bool
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := a.init(ctx, opts); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) (err error) {
	cfg, log := a.cfg, a.log

	a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Environment:    cfg.Service.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Insecure:       cfg.Telemetry.Insecure,
		Enabled:        cfg.Telemetry.Enabled,
	}, log)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return err
	}

	if cfg.NATS.URL != "" {
		a.nats, err = natsclient.Connect(cfg.NATS.URL, cfg.Service.Name)
		if err != nil {
			return err
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
	}

	queue, err := a.failsafeQueue(ctx)
	if err != nil {
		return err
	}

	var notifier client.Notifier = client.NewLogNotifier(log.Logger)
	if a.nats != nil {
		notifier = client.NewNotificationPublisher(a.nats, log.Logger)
	}
	a.dispatcher = service.NewNotifierDispatcher(notifier, log, opts.asyncNotify)

	converter := client.NewRateConverter(a.rateSource())
	policy := service.Policy{
		DefaultPolicy:        cfg.Approval.DefaultPolicy,
		FallbackRole:         cfg.Approval.FallbackRole,
		FallbackTimeoutHours: cfg.Approval.FallbackTimeout,
		BypassRoles:          cfg.Approval.BypassRoles,
		AdminRoles:           cfg.Approval.AdminRoles,
	}
	suspicious := service.SuspiciousConfig{
		BypassThreshold:   cfg.Approval.Suspicious.BypassThreshold,
		OffHoursThreshold: cfg.Approval.Suspicious.OffHoursThreshold,
		BusinessStartHour: cfg.Approval.Suspicious.BusinessStartHour,
		BusinessEndHour:   cfg.Approval.Suspicious.BusinessEndHour,
	}

	ledger := service.NewAuditLedger(a.store, queue, service.LedgerConfig{
		RetryAttempts: cfg.Approval.AuditRetryAttempts,
		RetryBackoff:  cfg.Approval.AuditRetryBackoff,
	}, log)
	delegations := service.NewDelegationManager(a.store, ledger, converter, log)
	a.services = handler.Services{
		Workflows:   service.NewWorkflowService(a.store, ledger, delegations, converter, a.dispatcher, policy, log),
		Rules:       service.NewRuleEngine(a.store, ledger, converter, a.dispatcher, policy, log),
		Roles:       service.NewRoleRegistry(a.store, ledger, policy, log),
		Delegations: delegations,
		Ledger:      ledger,
		Compliance:  service.NewComplianceService(a.store, ledger, suspicious, log),
	}

	if opts.archive {
		cold, err := archive.New(ctx, archive.Config{
			Backend:  archive.Backend(cfg.Archive.Backend),
			Dir:      cfg.Archive.Dir,
			Bucket:   cfg.Archive.Bucket,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("opening archive store: %w", err)
		}
		a.archiver = service.NewArchiver(a.store, cold, cfg.Archive.Prefix, log)
	}

	var verifier *identity.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	}
	a.resolver = identity.NewResolver(verifier, cfg.Auth.AllowHeaderIdentity)
	return nil
}

// openStore connects Postgres, or falls back to the in-memory store when no
// database URL is configured.
func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.log.Warn().Msg("No database configured, using in-memory store")
		a.store = repository.NewMemoryStore()
		return nil
	}

	db, err := database.New(ctx, database.Config{
		URL:         a.cfg.Database.URL,
		MaxConns:    a.cfg.Database.MaxConns,
		MinConns:    a.cfg.Database.MinConns,
		MaxConnTime: a.cfg.Database.MaxConnTime,
		MaxIdleTime: a.cfg.Database.MaxIdleTime,
		HealthCheck: a.cfg.Database.HealthCheck,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	a.db = db
	a.log.Info().Msg("Database connection established")

	if a.cfg.Database.Migrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
		a.log.Info().Msg("Database schema up to date")
	}
	a.store = repository.NewPostgresStore(db)
	return nil
}

func (a *app) failsafeQueue(ctx context.Context) (failsafe.Queue, error) {
	if a.nats != nil {
		q, err := failsafe.NewJetStreamQueue(ctx, a.nats.JetStream(), a.cfg.NATS.FailsafeStream)
		if err != nil {
			return nil, fmt.Errorf("opening failsafe stream: %w", err)
		}
		return q, nil
	}
	spool, err := failsafe.NewFileSpool(a.cfg.Approval.FailsafeSpoolDir)
	if err != nil {
		return nil, fmt.Errorf("opening failsafe spool: %w", err)
	}
	return spool, nil
}

func (a *app) rateSource() client.RateSource {
	if a.cfg.Rates.BaseURL == "" {
		return client.StaticRates(a.cfg.Rates.Static)
	}
	var src client.RateSource = client.NewRatesClient(a.cfg.Rates.BaseURL, a.cfg.Rates.Timeout, a.cfg.Rates.RequestsPerSecond)
	if a.redis != nil {
		src = client.NewCachedRateSource(src, a.redis, a.cfg.Redis.RateTTL, a.log.Logger)
	}
	return src
}

// health reports whether the database is reachable.
func (a *app) health(r *http.Request) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(r.Context())
}

// Close waits for pending notifications and releases every connection.
func (a *app) Close(ctx context.Context) {
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.telemetry != nil {
		a.telemetry.Shutdown(ctx)
	}
}
