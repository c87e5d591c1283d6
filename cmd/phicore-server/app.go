package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ehr/phicore/internal/config"
	"github.com/ehr/phicore/internal/platform/alerts"
	"github.com/ehr/phicore/internal/platform/anomaly"
	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/capture"
	"github.com/ehr/phicore/internal/platform/db"
	"github.com/ehr/phicore/internal/platform/hipaa"
	"github.com/ehr/phicore/internal/platform/metrics"
	"github.com/ehr/phicore/internal/platform/middleware"
	"github.com/ehr/phicore/internal/platform/redisclient"
)

// app holds the wired compliance core. Every command builds one and closes
// it on exit.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redisclient.Client
	kafka *kgo.Client

	metrics     *metrics.Metrics
	alerts      alerts.Sink
	asyncAlerts *alerts.Async
	classifier  *hipaa.Classifier
	auditLog    *hipaa.AuditLog
	keys        *hipaa.KeyManager
	crypto      *hipaa.EncryptionService
	disclosures *hipaa.DisclosureLog
	sweeper     *hipaa.RetentionSweeper
	detector    *anomaly.Detector
	dispatcher  *capture.Dispatcher
	pipeline    *capture.Pipeline
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	ready := false
	defer func() {
		if !ready {
			a.close(context.Background())
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	keyring, err := a.keyring()
	if err != nil {
		return nil, err
	}
	sealer, err := hipaa.NewSealer(keyring.Integrity)
	if err != nil {
		return nil, err
	}

	var (
		auditStore hipaa.AuditStore = hipaa.NewMemoryAuditStore()
		keyStore   hipaa.KeyStore   = hipaa.NewMemoryKeyStore()
	)
	if cfg.StorageBackend == config.StoragePostgres {
		a.pool, err = db.NewPool(ctx, db.PoolOptions{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.DBSchema,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		auditStore = hipaa.NewPGAuditStore(a.pool)
		keyStore = hipaa.NewPGKeyStore(a.pool)
	} else {
		logger.Warn().Msg("using in-memory audit and key stores; nothing survives a restart")
	}

	a.redis, err = redisclient.New(ctx, redisclient.Options{URL: cfg.RedisURL})
	if err != nil {
		return nil, err
	}

	var remote alerts.Fanout
	if len(cfg.AlertKafkaBrokers) > 0 {
		a.kafka, err = alerts.NewKafkaClient(cfg.AlertKafkaBrokers, cfg.AlertKafkaTopic)
		if err != nil {
			return nil, err
		}
		remote = append(remote, alerts.NewKafkaSink(a.kafka, cfg.AlertKafkaTopic))
		logger.Info().Strs("brokers", cfg.AlertKafkaBrokers).Str("topic", cfg.AlertKafkaTopic).Msg("kafka alert sink enabled")
	}
	if cfg.AlertWebhookURL != "" {
		hook, err := alerts.NewWebhookSink(cfg.AlertWebhookURL, cfg.AlertWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("ALERT_WEBHOOK_URL: %w", err)
		}
		remote = append(remote, hook)
		logger.Info().Msg("webhook alert sink enabled")
	}
	sinks := alerts.Fanout{alerts.NewLogSink(logger)}
	if len(remote) > 0 {
		a.asyncAlerts = alerts.NewAsync(remote, 256, logger)
		sinks = append(sinks, a.asyncAlerts)
	}
	a.alerts = sinks

	a.auditLog = hipaa.NewAuditLog(auditStore, sealer, logger, hipaa.WithAppendObserver(a.metrics))
	a.sweeper = hipaa.NewRetentionSweeper(a.auditLog, cfg.RetentionSweepInterval, logger, a.metrics)

	a.keys, err = hipaa.NewKeyManager(keyStore, keyring.KeyWrap, logger)
	if err != nil {
		return nil, err
	}
	a.crypto = hipaa.NewEncryptionService(a.keys, a.auditLog, keyring.Fingerprint, actorFromContext, logger)
	a.disclosures = hipaa.NewDisclosureLog(a.auditLog, actorFromContext, logger)

	var sessions anomaly.Store = anomaly.NewMemoryStore()
	if a.redis != nil {
		sessions = anomaly.NewRedisStore(a.redis.Client)
	}
	a.detector = anomaly.NewDetector(sessions, anomaly.Thresholds{
		Window:           cfg.AnomalyWindow,
		PHIThreshold:     cfg.AnomalyPHIThreshold,
		RequestThreshold: cfg.AnomalyRequestThreshold,
	}, a.alerts, logger, anomaly.WithObserver(a.metrics))

	captureCfg := capture.Config{
		FailClosedTimeout: cfg.AuditFailClosedTimeout,
		Location:          loc,
		Retention:         hipaa.NewRetentionPolicies(cfg.AuditRetentionDays, hipaa.DefaultRetentionPolicies()),
	}
	a.classifier = hipaa.NewClassifier(nil, nil, nil)
	recorder := capture.NewGateRecorder(a.auditLog, a.classifier, captureCfg, a.metrics, logger)
	gate := auth.NewGate(auth.DefaultMatrix(), recorder, logger)
	a.dispatcher = capture.NewDispatcher(a.auditLog, capture.DispatcherConfig{
		Workers:   cfg.AuditWorkers,
		QueueSize: cfg.AuditQueueSize,
	}, a.alerts, a.metrics, logger)
	a.pipeline = capture.NewPipeline(gate, a.classifier, a.auditLog, a.dispatcher, captureCfg, logger,
		capture.WithSessionTracker(a.detector),
		capture.WithPersistObserver(a.metrics),
	)
	ready = true
	return a, nil
}

// keyring derives the sub-keys from HIPAA_ENCRYPTION_KEY. Outside
// production a missing key is replaced by an ephemeral one.
func (a *app) keyring() (*hipaa.Keyring, error) {
	hexKey := a.cfg.HIPAAEncryptionKey
	if hexKey == "" {
		if a.cfg.IsProduction() {
			return nil, errors.New("HIPAA_ENCRYPTION_KEY is required in production")
		}
		var err error
		if hexKey, err = hipaa.GenerateMasterKey(); err != nil {
			return nil, err
		}
		a.logger.Warn().Msg("HIPAA_ENCRYPTION_KEY not set; using an ephemeral master key, data encrypted now will be unreadable after restart")
	}
	master, err := hipaa.ParseMasterKey(hexKey)
	if err != nil {
		return nil, err
	}
	return hipaa.DeriveKeyring(master)
}

func actorFromContext(ctx context.Context) *hipaa.Actor {
	c := auth.CallerFromContext(ctx)
	if c == nil {
		return nil
	}
	return &hipaa.Actor{UserID: c.UserID, Role: c.Role, DisplayName: c.DisplayName}
}

// router builds the HTTP surface. ctx bounds background middleware loops.
func (a *app) router(ctx context.Context) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled || cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{
			echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID,
			middleware.HeaderSessionID, middleware.HeaderJustification, middleware.HeaderLegalBasis,
			middleware.HeaderMinimumNecessary, middleware.HeaderBreakGlass,
		},
		ExposeHeaders: []string{echo.HeaderXRequestID},
	}))
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	e.Use(middleware.RateLimit(rl))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.Sanitize(logger))

	// Caller resolution never rejects; the gate inside AuditCapture does.
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
		Logger:     logger,
	}
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth is active: requests without a token run as an admin caller")
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.Use(middleware.AuditCapture(middleware.AuditConfig{
		Pipeline: a.pipeline,
		Logger:   logger,
	}))
	e.Use(middleware.BreakGlass(ctx, logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(5*time.Second, a.healthChecks()...))

	api := e.Group("/api/v1")
	hipaa.NewAuditSearchHandler(a.auditLog).RegisterRoutes(api)
	hipaa.NewRetentionHandler(a.sweeper).RegisterRoutes(api)
	hipaa.NewEncryptionHandler(a.crypto).RegisterRoutes(api)
	hipaa.NewDisclosureHandler(a.disclosures).RegisterRoutes(api)
	anomaly.NewHandler(a.detector).RegisterRoutes(api)

	return e
}

func (a *app) healthChecks() []db.Check {
	var checks []db.Check
	if a.pool != nil {
		checks = append(checks, db.PoolCheck(a.pool))
	}
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Probe: a.redis.Health})
	}
	return checks
}

// close drains pending audit writes before releasing connections.
func (a *app) close(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			a.logger.Error().Err(err).Msg("audit dispatcher did not drain")
		}
	}
	if a.asyncAlerts != nil {
		if err := a.asyncAlerts.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("pending alerts not delivered")
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Flush(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("kafka flush failed")
		}
		a.kafka.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("redis close failed")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(stdout).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
