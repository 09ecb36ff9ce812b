package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/briefly/metering/docs"
	appbilling "github.com/briefly/metering/internal/application/billing"
	"github.com/briefly/metering/internal/application/enforcement"
	appmetering "github.com/briefly/metering/internal/application/metering"
	"github.com/briefly/metering/internal/domain/billing"
	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/ratelimit"
	"github.com/briefly/metering/internal/infrastructure/auth"
	infrabilling "github.com/briefly/metering/internal/infrastructure/billing"
	"github.com/briefly/metering/internal/infrastructure/cache"
	"github.com/briefly/metering/internal/infrastructure/config"
	"github.com/briefly/metering/internal/infrastructure/event"
	"github.com/briefly/metering/internal/infrastructure/logger"
	"github.com/briefly/metering/internal/infrastructure/persistence"
	"github.com/briefly/metering/internal/infrastructure/scheduler"
	"github.com/briefly/metering/internal/infrastructure/statement"
	"github.com/briefly/metering/internal/infrastructure/storage"
	"github.com/briefly/metering/internal/infrastructure/telemetry"
	"github.com/briefly/metering/internal/interfaces/http/handler"
	"github.com/briefly/metering/internal/interfaces/http/middleware"
	"github.com/briefly/metering/internal/interfaces/http/router"
)

//	@title			Briefly Metering API
//	@version		1.0
//	@description	Multi-tenant usage metering, quota enforcement, and rate limiting for the Briefly platform

//	@contact.name	Platform Team
//	@contact.url	https://github.com/briefly/metering

//	@license.name	Apache 2.0
//	@license.url	http://www.apache.org/licenses/LICENSE-2.0.html

//	@host		localhost:8080
//	@BasePath	/api/v1

//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Bearer token authentication. Format: "Bearer {token}"

//	@securityDefinitions.apikey	AdminKeyAuth
//	@in							header
//	@name						X-Admin-Key
//	@description				Operator API key for the admin surface

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting Briefly Metering",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	ctx := context.Background()

	// Initialize OpenTelemetry providers
	var (
		tracerProvider *telemetry.TracerProvider
		meterProvider  *telemetry.MeterProvider
		loggerProvider *telemetry.LoggerProvider
	)
	if cfg.Telemetry.Enabled {
		tracerProvider, err = telemetry.NewTracerProvider(ctx, telemetry.Config{
			Enabled:           cfg.Telemetry.Enabled,
			CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
			SamplingRatio:     cfg.Telemetry.SamplingRatio,
			ServiceName:       cfg.Telemetry.ServiceName,
			Insecure:          cfg.Telemetry.Insecure,
		}, log)
		if err != nil {
			log.Warn("Failed to initialize tracer provider, continuing without tracing", zap.Error(err))
		}

		meterProvider, err = telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
			Enabled:           cfg.Telemetry.Enabled,
			CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
			ServiceName:       cfg.Telemetry.ServiceName,
			Insecure:          cfg.Telemetry.Insecure,
		}, log)
		if err != nil {
			log.Warn("Failed to initialize meter provider, continuing without metrics", zap.Error(err))
		}

		loggerProvider, err = telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
			Enabled:           cfg.Telemetry.Enabled,
			CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
			ServiceName:       cfg.Telemetry.ServiceName,
			Insecure:          cfg.Telemetry.Insecure,
		}, log)
		if err != nil {
			log.Warn("Failed to initialize log exporter, continuing with local logs only", zap.Error(err))
		}
		if loggerProvider != nil && loggerProvider.IsEnabled() {
			otelCore := telemetry.NewZapOTELCore(telemetry.ZapBridgeConfig{
				ServiceName:    cfg.Telemetry.ServiceName,
				LoggerProvider: loggerProvider,
			})
			log = telemetry.NewBridgedLogger(log.Core(), otelCore)
		}
	}

	// Continuous profiling
	var profiler *telemetry.Profiler
	if cfg.Profiling.Enabled {
		profiler, err = telemetry.NewProfiler(telemetry.ProfilerConfig{
			Enabled:           true,
			ServerAddress:     cfg.Profiling.ServerAddress,
			ApplicationName:   cfg.Profiling.ApplicationName,
			ProfileCPU:        cfg.Profiling.ProfileCPU,
			ProfileAllocSpace: cfg.Profiling.ProfileAllocSpace,
			ProfileInuseSpace: cfg.Profiling.ProfileInuseSpace,
			ProfileGoroutines: cfg.Profiling.ProfileGoroutines,
		}, log)
		if err != nil {
			log.Warn("Failed to start profiler, continuing without profiling", zap.Error(err))
		}
		if profiler != nil && profiler.IsEnabled() &&
			cfg.Profiling.SpanProfiles && tracerProvider != nil && tracerProvider.IsEnabled() {
			if err := tracerProvider.EnableSpanProfiles(); err != nil {
				log.Warn("Failed to enable span profiles", zap.Error(err))
			}
		}
	}

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Database observability plugins
	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled {
		tracingPlugin := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
			Enabled:          true,
			LogFullSQL:       cfg.Telemetry.DBLogFullSQL,
			SlowQueryThresh:  cfg.Telemetry.DBSlowQueryThresh,
			DBSystem:         cfg.Database.Driver,
			WithoutVariables: !cfg.Telemetry.DBLogFullSQL,
		}, log)
		if err := tracingPlugin.RegisterOtelGorm(db.DB); err != nil {
			log.Warn("Failed to install database tracing plugin", zap.Error(err))
		}
	}
	if meterProvider != nil && meterProvider.IsEnabled() {
		dbMetrics, err := telemetry.NewDBMetrics(meterProvider.Meter("metering.db"), telemetry.DBMetricsConfig{
			Enabled:            true,
			SlowQueryThreshold: cfg.Telemetry.DBSlowQueryThresh,
		}, log)
		if err != nil {
			log.Warn("Failed to create database metrics", zap.Error(err))
		} else if err := db.DB.Use(telemetry.NewDBMetricsPlugin(dbMetrics, log)); err != nil {
			log.Warn("Failed to install database metrics plugin", zap.Error(err))
		}
	}

	// Redis-backed stores with in-memory fallback outside production
	storeFactory := cache.NewStoreFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	)
	idempotencyStore, err := storeFactory.CreateIdempotencyStore()
	if err != nil {
		log.Fatal("Failed to create idempotency store", zap.Error(err))
	}
	counterStore, err := storeFactory.CreateCounterStore()
	if err != nil {
		log.Fatal("Failed to create rate limit counter store", zap.Error(err))
	}
	entitlementsCacheConfig := billing.DefaultEntitlementsCacheConfig()
	if cfg.Quota.EntitlementCacheTTL > 0 {
		entitlementsCacheConfig.TTL = cfg.Quota.EntitlementCacheTTL
	}
	entitlementsCache, err := storeFactory.CreateEntitlementsCache(entitlementsCacheConfig)
	if err != nil {
		log.Fatal("Failed to create entitlements cache", zap.Error(err))
	}
	aggregateCache, err := storeFactory.CreateAggregateCache()
	if err != nil {
		log.Fatal("Failed to create usage aggregate cache", zap.Error(err))
	}

	// Initialize repositories
	usageEventRepo := persistence.NewUsageEventRepository(db.DB)
	usageSnapshotRepo := persistence.NewUsageSnapshotRepository(db.DB)
	subscriptionRepo := persistence.NewSubscriptionRepository(db.DB)
	overrideRepo := persistence.NewOverrideRepository(db.DB)
	statementRepo := persistence.NewStatementRepository(db.DB)
	reportLogRepo := persistence.NewUsageReportLogRepository(db.DB)

	// In-process event bus carrying usage and billing domain events
	eventBus := event.NewInMemoryEventBus(log)
	alertHandler := event.NewDedupedThresholdAlertHandler(idempotencyStore, log)
	eventBus.Subscribe(alertHandler, alertHandler.EventTypes()...)
	if err := eventBus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}

	// Usage tracker: the ledger write and query path
	trackerConfig := appmetering.DefaultTrackerConfig()
	trackerConfig.IdempotencyTTL = cfg.Tracking.IdempotencyTTL
	trackerConfig.Rules = cfg.Tracking.ValidationRules()
	trackerConfig.UnhealthyAfterFailures = cfg.Tracking.UnhealthyAfterFailures
	usageTracker := appmetering.NewUsageTracker(
		usageEventRepo, usageSnapshotRepo, idempotencyStore, aggregateCache, eventBus, log, trackerConfig)

	// Tier service: entitlement resolution and limit checks
	tierTable, err := cfg.Tiers.Table()
	if err != nil {
		log.Fatal("Failed to build tier table", zap.Error(err))
	}
	subscriptionSource := appbilling.NewRepoSubscriptionSource(subscriptionRepo, log)
	tierService, err := appbilling.NewTierService(
		subscriptionSource, overrideRepo, tierTable, entitlementsCache,
		usageEventRepo, usageSnapshotRepo, eventBus, log,
		appbilling.TierServiceConfig{
			GracePeriod: cfg.Quota.GracePeriod,
			CacheTTL:    cfg.Quota.EntitlementCacheTTL,
		})
	if err != nil {
		log.Fatal("Failed to create tier service", zap.Error(err))
	}

	// Rate limiter and the admission pipeline in front of it
	rateRules, err := cfg.RateLimit.RuleTable()
	if err != nil {
		log.Fatal("Failed to build rate rule table", zap.Error(err))
	}
	if !cfg.RateLimit.Enabled {
		// An empty table makes every action skip the rate check
		rateRules, _ = ratelimit.NewRuleTable(nil)
		log.Warn("Per-tenant rate limiting is disabled by configuration")
	}
	limiter := ratelimit.NewLimiter(counterStore)
	enforcer, err := enforcement.NewEnforcer(tierService, limiter, usageTracker, rateRules, log)
	if err != nil {
		log.Fatal("Failed to create enforcer", zap.Error(err))
	}

	// Billing provider integration
	var (
		stripeConfig     *infrabilling.StripeConfig
		stripeAdapter    *infrabilling.StripeAdapter
		webhookService   *appbilling.WebhookService
		reportingService *appbilling.UsageReportingService
	)
	if cfg.Stripe.Enabled {
		stripeConfig = &infrabilling.StripeConfig{
			SecretKey:              cfg.Stripe.SecretKey,
			PublishableKey:         cfg.Stripe.PublishableKey,
			WebhookSecret:          cfg.Stripe.WebhookSecret,
			IsTestMode:             cfg.Stripe.IsTestMode,
			DefaultCurrency:        cfg.Stripe.DefaultCurrency,
			PriceIDs:               cfg.Stripe.PriceIDs,
			SuccessURL:             cfg.Stripe.SuccessURL,
			CancelURL:              cfg.Stripe.CancelURL,
			BillingPortalReturnURL: cfg.Stripe.BillingPortalReturnURL,
		}
		stripeAdapter, err = infrabilling.NewStripeAdapter(stripeConfig, log)
		if err != nil {
			log.Fatal("Failed to initialize billing provider", zap.Error(err))
		}
		log.Info("Billing provider integration enabled",
			zap.Bool("test_mode", cfg.Stripe.IsTestMode))
	} else {
		log.Info("Billing provider integration disabled, subscriptions are managed locally")
	}

	var providerGateway billing.ProviderGateway
	if stripeAdapter != nil {
		providerGateway = stripeAdapter
	}
	subscriptionService := appbilling.NewSubscriptionService(
		subscriptionRepo, overrideRepo, providerGateway, entitlementsCache, eventBus, log)
	if stripeAdapter != nil {
		webhookService = appbilling.NewWebhookService(stripeConfig, subscriptionService, log)
		reportingService = appbilling.NewUsageReportingService(
			stripeAdapter, usageEventRepo, reportLogRepo, subscriptionRepo, log,
			appbilling.DefaultUsageReportingConfig())
	}

	// Statement generation pipeline
	templateEngine, err := statement.NewTemplateEngine()
	if err != nil {
		log.Fatal("Failed to initialize statement templates", zap.Error(err))
	}
	pdfRenderer, err := statement.NewRenderer(statement.RendererConfig{
		Engine: cfg.Statement.Engine,
		Logger: log,
	})
	if err != nil {
		log.Fatal("Failed to initialize PDF renderer", zap.Error(err))
	}
	pdfStorage, err := statement.NewFileSystemStorage(&statement.FileSystemStorageConfig{
		BasePath: cfg.Statement.BasePath,
		BaseURL:  cfg.Statement.BaseURL,
		Logger:   log,
	})
	if err != nil {
		log.Fatal("Failed to initialize statement storage", zap.Error(err))
	}
	statementService := appbilling.NewStatementService(
		statementRepo, subscriptionRepo, tierService, usageTracker,
		templateEngine, pdfRenderer, pdfStorage, eventBus, log,
		appbilling.StatementServiceConfig{})

	// Snapshot, reconciliation, and retention services
	snapshotService := appmetering.NewSnapshotService(usageEventRepo, usageSnapshotRepo, eventBus, log)

	var storageScanner appmetering.StorageScanner
	if cfg.Storage.Enabled {
		storageScanner, err = storage.NewS3StorageScanner(&cfg.Storage, storage.WithLogger(log))
		if err != nil {
			log.Fatal("Failed to initialize storage scanner", zap.Error(err))
		}
	} else {
		storageScanner = storage.NewStubStorageScanner()
	}
	reconciliationService := appmetering.NewReconciliationService(
		storageScanner, usageEventRepo, snapshotService, log)

	var retentionService *appmetering.RetentionService
	if cfg.Scheduler.LedgerRetention > 0 {
		retentionService, err = appmetering.NewRetentionService(
			usageEventRepo, usageSnapshotRepo, log,
			appmetering.RetentionPolicy{LedgerRetention: cfg.Scheduler.LedgerRetention})
		if err != nil {
			log.Fatal("Failed to create retention service", zap.Error(err))
		}
	}

	// Background schedulers
	type stoppable interface {
		Stop(ctx context.Context) error
	}
	var schedulers []stoppable
	if cfg.Scheduler.Enabled {
		snapshotScheduler := scheduler.NewUsageSnapshotScheduler(snapshotService, retentionService, log,
			scheduler.UsageSnapshotSchedulerConfig{
				Enabled:         true,
				SnapshotHour:    cfg.Scheduler.SnapshotHourUTC,
				CleanupEnabled:  retentionService != nil,
				CleanupHour:     (cfg.Scheduler.SnapshotHourUTC + 1) % 24,
				SnapshotTimeout: cfg.Scheduler.JobTimeout,
				CleanupTimeout:  cfg.Scheduler.JobTimeout,
			})
		if err := snapshotScheduler.Start(ctx); err != nil {
			log.Fatal("Failed to start snapshot scheduler", zap.Error(err))
		}
		schedulers = append(schedulers, snapshotScheduler)

		if cfg.Storage.Enabled {
			reconcileScheduler := scheduler.NewStorageReconciliationScheduler(reconciliationService, log,
				scheduler.ReconciliationSchedulerConfig{
					Enabled:      true,
					Interval:     cfg.Scheduler.ReconcileInterval,
					SweepTimeout: cfg.Scheduler.JobTimeout,
				})
			if err := reconcileScheduler.Start(ctx); err != nil {
				log.Fatal("Failed to start reconciliation scheduler", zap.Error(err))
			}
			schedulers = append(schedulers, reconcileScheduler)
		}

		if stripeAdapter != nil {
			syncScheduler := scheduler.NewSubscriptionSyncScheduler(subscriptionService, log,
				scheduler.SubscriptionSyncSchedulerConfig{
					Enabled:     true,
					Interval:    cfg.Scheduler.SyncInterval,
					StaleAfter:  cfg.Scheduler.SyncInterval,
					Limit:       100,
					SyncTimeout: cfg.Scheduler.JobTimeout,
				})
			if err := syncScheduler.Start(ctx); err != nil {
				log.Fatal("Failed to start subscription sync scheduler", zap.Error(err))
			}
			schedulers = append(schedulers, syncScheduler)

			reportingConfig := scheduler.DefaultUsageReportingSchedulerConfig()
			reportingConfig.Enabled = true
			reportingConfig.RetryInterval = cfg.Scheduler.ReportingRetryInterval
			reportingConfig.ReportingTimeout = cfg.Scheduler.JobTimeout
			reportingScheduler := scheduler.NewUsageReportingScheduler(reportingService, log, reportingConfig)
			if err := reportingScheduler.Start(ctx); err != nil {
				log.Fatal("Failed to start usage reporting scheduler", zap.Error(err))
			}
			schedulers = append(schedulers, reportingScheduler)
		}

		statementExecutor := scheduler.NewStatementExecutor(statementService, log)
		statementScheduler, err := scheduler.NewStatementScheduler(
			scheduler.StatementSchedulerConfig{
				Enabled:    true,
				DayOfMonth: cfg.Scheduler.StatementDayOfMonth,
				HourUTC:    cfg.Scheduler.StatementHourUTC,
				JobTimeout: cfg.Scheduler.JobTimeout,
				Retention:  cfg.Statement.Retention,
			},
			statementExecutor, statementService, statementService, log)
		if err != nil {
			log.Fatal("Failed to create statement scheduler", zap.Error(err))
		}
		if err := statementScheduler.Start(ctx); err != nil {
			log.Fatal("Failed to start statement scheduler", zap.Error(err))
		}
		schedulers = append(schedulers, statementScheduler)
	} else {
		log.Info("Background schedulers are disabled by configuration")
	}

	// API usage metering: counts authenticated API requests off-path
	apiUsageConfig := middleware.DefaultAPIUsageConfig()
	apiUsageConfig.BufferSize = cfg.Tracking.BufferSize
	apiUsageConfig.BatchSize = cfg.Tracking.BatchSize
	apiUsageConfig.FlushInterval = cfg.Tracking.FlushInterval
	apiUsageConfig.MeterProvider = meterProvider
	apiUsageConfig.Logger = log
	apiUsageTracker, err := middleware.NewAPIUsageTracker(apiUsageConfig, usageEventRepo)
	if err != nil {
		log.Fatal("Failed to create API usage tracker", zap.Error(err))
	}
	apiUsageTracker.Start()

	// Domain metrics
	var meteringMetrics *telemetry.MeteringMetrics
	if meterProvider != nil && meterProvider.IsEnabled() {
		meteringMetrics, err = telemetry.NewMeteringMetrics(telemetry.MeteringMetricsConfig{
			Meter:  meterProvider.Meter("metering.enforcement"),
			Logger: log,
		})
		if err != nil {
			log.Warn("Failed to create metering metrics", zap.Error(err))
		}
	}

	// Authentication
	jwtService := auth.NewJWTService(cfg.Auth)
	var revocationList auth.TokenRevocationList
	if redisClient, redisErr := cache.NewRedisClient(cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); redisErr == nil {
		revocationList = auth.NewRedisTokenRevocationList(redisClient)
	} else {
		log.Warn("Redis unavailable for token revocation, using in-memory list", zap.Error(redisErr))
		revocationList = auth.NewInMemoryTokenRevocationList()
	}
	adminVerifier := auth.NewAdminKeyVerifier(cfg.Auth.AdminAPIKeyHash)
	if !adminVerifier.Enabled() {
		log.Warn("Admin API key is not configured, the admin surface is disabled")
	}

	// Initialize handlers
	systemHandler := handler.NewSystemHandler()
	usageHandler := handler.NewUsageHandler(usageTracker, tierService, log)
	tierHandler := handler.NewTierHandler(subscriptionService, tierService, tierTable, log)
	statementHandler := handler.NewStatementHandler(statementService, log)
	adminHandler := handler.NewAdminHandler(subscriptionService, usageTracker, apiUsageTracker, log)
	var webhookHandler *handler.WebhookHandler
	if webhookService != nil {
		webhookHandler = handler.NewWebhookHandler(webhookService)
	}

	// Gin engine and the perimeter middleware stack
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Fatal("Failed to set trusted proxies", zap.Error(err))
	}

	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.HTTP.CORSAllowOrigins,
		AllowMethods: cfg.HTTP.CORSAllowMethods,
		AllowHeaders: cfg.HTTP.CORSAllowHeaders,
	}))
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))
	if tracerProvider != nil && tracerProvider.IsEnabled() {
		engine.Use(middleware.Tracing())
	}
	if meterProvider != nil && meterProvider.IsEnabled() {
		engine.Use(middleware.HTTPMetricsWithMeter(meterProvider.Meter("metering.http"), true))
	}
	if profiler != nil && profiler.IsEnabled() {
		engine.Use(middleware.Profiling())
	}
	if cfg.RateLimit.Enabled {
		// Coarse per-IP limiter in front of authentication, on top of
		// the per-tenant rules enforced downstream
		perimeter := middleware.NewPerimeterLimiter(counterStore, "http", 600, time.Minute, log)
		engine.Use(middleware.PerimeterRateLimit(perimeter))
	}

	// Health and documentation live outside the versioned API
	engine.GET("/health", healthHandler(db, log))
	jwtConfig := middleware.DefaultJWTConfig(jwtService)
	jwtConfig.RevocationList = revocationList
	jwtConfig.Logger = log
	jwtConfig.SkipPathPrefixes = append(jwtConfig.SkipPathPrefixes, "/api/v1/admin")
	jwtMiddleware := middleware.JWTAuthMiddlewareWithConfig(jwtConfig)
	engine.GET("/swagger/*any",
		middleware.SwaggerProtection(middleware.SwaggerConfig{
			Enabled:     cfg.Swagger.Enabled,
			RequireAuth: cfg.Swagger.RequireAuth,
			AllowedIPs:  cfg.Swagger.AllowedIPs,
		}, jwtMiddleware),
		ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Versioned API surface
	tenantConfig := middleware.DefaultTenantConfig()
	tenantConfig.Logger = log
	tenantConfig.SkipPaths = append(tenantConfig.SkipPaths, "/api/v1/admin")

	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	r.Use(jwtMiddleware)
	r.Use(middleware.TenantMiddlewareWithConfig(tenantConfig))
	r.Use(middleware.TrackAPIUsage(apiUsageTracker))

	enforceExport := middleware.EnforceAction(metering.ActionExport, middleware.EnforceMiddlewareConfig{
		Checker: enforcer,
		Metrics: meteringMetrics,
		Logger:  log,
	})

	usageGroup := router.NewDomainGroup("usage", "/usage")
	usageGroup.
		POST("/events", middleware.RequireScope(auth.ScopeUsageWrite), usageHandler.RecordUsage).
		GET("/events", middleware.RequireScope(auth.ScopeUsageRead), usageHandler.ListUsageEvents).
		GET("/overview", middleware.RequireScope(auth.ScopeUsageRead), usageHandler.GetUsageOverview).
		GET("/statistics", middleware.RequireScope(auth.ScopeUsageRead), usageHandler.GetUsageStatistics).
		GET("/daily", middleware.RequireScope(auth.ScopeUsageRead), usageHandler.GetDailySeries).
		GET("/recommendations", middleware.RequireScope(auth.ScopeUsageRead), usageHandler.GetUpgradeRecommendations)

	tiersGroup := router.NewDomainGroup("tiers", "/tiers")
	tiersGroup.
		GET("", tierHandler.GetTierMatrix).
		GET("/subscription", tierHandler.GetSubscription).
		PUT("/subscription", tierHandler.ChangeTier)

	statementsGroup := router.NewDomainGroup("statements", "/statements")
	statementsGroup.Use(middleware.RequireScope(auth.ScopeStatementsRead))
	statementsGroup.
		GET("", statementHandler.ListStatements).
		POST("", enforceExport, statementHandler.GenerateStatement).
		GET("/:id", statementHandler.GetStatement).
		GET("/:id/download", statementHandler.DownloadStatement)

	adminGroup := router.NewDomainGroup("admin", "/admin")
	adminGroup.Use(middleware.AdminAuthMiddleware(adminVerifier, log))
	adminGroup.
		GET("/health", adminHandler.GetSystemHealth).
		GET("/tenants/:tenant_id/overrides", adminHandler.ListOverrides).
		PUT("/tenants/:tenant_id/overrides/limits/:resource", adminHandler.SetLimitOverride).
		DELETE("/tenants/:tenant_id/overrides/limits/:resource", adminHandler.RemoveLimitOverride).
		PUT("/tenants/:tenant_id/overrides/features/:feature", adminHandler.SetFeatureOverride).
		DELETE("/tenants/:tenant_id/overrides/features/:feature", adminHandler.RemoveFeatureOverride).
		POST("/tenants/:tenant_id/subscription/sync", adminHandler.SyncSubscription).
		DELETE("/usage/events/:event_id", adminHandler.CorrectEvent)

	systemGroup := router.NewDomainGroup("system", "/system")
	systemGroup.
		GET("/info", systemHandler.GetSystemInfo).
		GET("/ping", systemHandler.Ping)

	r.Register(usageGroup).
		Register(tiersGroup).
		Register(statementsGroup).
		Register(adminGroup).
		Register(systemGroup)

	if webhookHandler != nil {
		webhooksGroup := router.NewDomainGroup("webhooks", "/webhooks")
		webhooksGroup.POST("/billing", webhookHandler.HandleBillingWebhook)
		r.Register(webhooksGroup)
	}

	r.Setup()

	// HTTP server with graceful shutdown
	server := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Drain buffered API usage events before the schedulers and bus go
	if err := apiUsageTracker.Stop(shutdownCtx); err != nil {
		log.Error("API usage tracker shutdown failed", zap.Error(err))
	}
	for _, s := range schedulers {
		if err := s.Stop(shutdownCtx); err != nil {
			log.Error("Scheduler shutdown failed", zap.Error(err))
		}
	}
	if err := eventBus.Stop(shutdownCtx); err != nil {
		log.Error("Event bus shutdown failed", zap.Error(err))
	}

	if loggerProvider != nil {
		if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Log exporter shutdown failed", zap.Error(err))
		}
	}
	if meterProvider != nil {
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Meter provider shutdown failed", zap.Error(err))
		}
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracer provider shutdown failed", zap.Error(err))
		}
	}
	if profiler != nil {
		if err := profiler.Stop(); err != nil {
			log.Error("Profiler shutdown failed", zap.Error(err))
		}
	}

	log.Info("Server exited gracefully")
}

// healthHandler returns a handler for health check endpoints
func healthHandler(db *persistence.Database, _ *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)
		if err := db.Ping(); err != nil {
			reqLog.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
