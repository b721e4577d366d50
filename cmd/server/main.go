package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/paramcache/backend/docs"
	appparam "github.com/paramcache/backend/internal/application/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/auth"
	"github.com/paramcache/backend/internal/infrastructure/cache"
	"github.com/paramcache/backend/internal/infrastructure/config"
	"github.com/paramcache/backend/internal/infrastructure/logger"
	"github.com/paramcache/backend/internal/infrastructure/messaging"
	"github.com/paramcache/backend/internal/infrastructure/paramclient"
	"github.com/paramcache/backend/internal/infrastructure/persistence"
	"github.com/paramcache/backend/internal/infrastructure/telemetry"
	"github.com/paramcache/backend/internal/interfaces/http/handler"
	"github.com/paramcache/backend/internal/interfaces/http/middleware"
	"github.com/paramcache/backend/internal/interfaces/http/router"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

//	@title			Parameter Cache API
//	@version		1.0
//	@description	Read-through cache of system rates, document types and the business calendar

//	@contact.name	API Support

//	@license.name	Apache 2.0
//	@license.url	http://www.apache.org/licenses/LICENSE-2.0.html

//	@host		localhost:8080
//	@BasePath	/api/v1

//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Bearer token authentication. Format: "Bearer {token}"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(logger.FromConfig(cfg.App, cfg.Log))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting parameter cache",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry: traces and metrics share the collector endpoint
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	// Continuous profiling; span profiles need the profiler running first
	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.ProfilingEnabled,
		ServerAddress:   cfg.Telemetry.ProfilingServerAddress,
		ApplicationName: cfg.Telemetry.ServiceName,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize profiler", zap.Error(err))
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			log.Error("Error stopping profiler", zap.Error(err))
		}
	}()
	if profiler.IsEnabled() && cfg.Telemetry.SpanProfilesEnabled {
		tracerProvider.EnableSpanProfiles()
	}

	loggerProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()
	log = loggerProvider.Bridge(log, log.Level())

	cacheMetrics, err := telemetry.NewCacheMetrics(meterProvider.Meter("paramcache"), log)
	if err != nil {
		log.Fatal("Failed to create cache metrics", zap.Error(err))
	}

	// Stores: Redis, or in-memory when allowed
	stores, err := cache.NewStoreFactory(cfg.Redis, cfg.Cache, cache.WithLogger(log)).CreateStores()
	if err != nil {
		log.Fatal("Failed to create stores", zap.Error(err))
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Error("Error closing stores", zap.Error(err))
		}
	}()

	if stores.Client != nil && meterProvider.IsEnabled() {
		storeMetrics, err := telemetry.NewStoreMetrics(meterProvider.Meter("paramcache.redis"),
			telemetry.StoreMetricsConfig{Tracing: tracerProvider.IsEnabled()}, log)
		if err != nil {
			log.Fatal("Failed to create store metrics", zap.Error(err))
		}
		storeMetrics.Instrument(ctx, stores.Client)
		defer storeMetrics.Stop()
	}

	// Repositories
	repoOpts, err := persistence.OptionsFromConfig(cfg.Cache)
	if err != nil {
		log.Fatal("Invalid cache configuration", zap.Error(err))
	}
	repoOpts = append(repoOpts, persistence.WithLogger(log), persistence.WithSaveObserver(cacheMetrics))
	repos, err := persistence.NewRepositories(stores.Hash, repoOpts...)
	if err != nil {
		log.Fatal("Failed to create repositories", zap.Error(err))
	}

	// Upstream parameter service
	upstream, err := paramclient.New(cfg.Upstream, paramclient.WithLogger(log))
	if err != nil {
		log.Fatal("Failed to create parameter service client", zap.Error(err))
	}

	// Application service
	cacheService := appparam.NewCacheService(repos.DocumentTypes, repos.SystemRates, repos.SystemDates, upstream,
		appparam.WithLogger(log),
		appparam.WithMetrics(cacheMetrics),
		appparam.WithBroadcaster(stores.Broadcaster),
		appparam.WithLocalTTL(cfg.Cache.LocalTTL),
	)
	defer cacheService.Close()

	go func() {
		if err := cacheService.ListenForPeers(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Peer invalidation listener stopped", zap.Error(err))
		}
	}()

	// Parameter service change events
	if cfg.Kafka.Enabled {
		eventOpts := []appparam.EventHandlerOption{
			appparam.WithIdempotency(stores.Idempotency, shared.IdempotencyConfig{
				TTL:     cfg.Cache.IdempotencyTTL,
				Enabled: true,
			}),
		}
		if cfg.Kafka.AuditTopic != "" {
			auditProducer, err := messaging.NewAuditProducer(cfg.Kafka, messaging.WithProducerLogger(log))
			if err != nil {
				log.Fatal("Failed to create audit producer", zap.Error(err))
			}
			defer func() {
				if err := auditProducer.Close(); err != nil {
					log.Error("Error closing audit producer", zap.Error(err))
				}
			}()
			eventOpts = append(eventOpts, appparam.WithAuditPublisher(auditProducer))
		}

		eventHandler := appparam.NewEventHandler(cacheService, eventOpts...)
		consumer, err := messaging.NewConsumer(cfg.Kafka, eventHandler, appparam.DecodeEvent,
			messaging.WithConsumerLogger(log))
		if err != nil {
			log.Fatal("Failed to create event consumer", zap.Error(err))
		}
		consumer.Start(ctx)
		defer func() {
			if err := consumer.Stop(); err != nil {
				log.Error("Error stopping event consumer", zap.Error(err))
			}
		}()
		log.Info("Event consumer started",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
			zap.String("group_id", cfg.Kafka.GroupID),
		)
	}

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup validation
	middleware.SetupValidator()

	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Middleware order:
	// RequestID, Tracing, Profiling, Recovery, Logger, Metrics, Security, CORS, BodyLimit
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Tracing(cfg.Telemetry.ServiceName, tracerProvider.IsEnabled()))
	engine.Use(middleware.SpanEnricher())
	if profiler.IsEnabled() {
		engine.Use(middleware.Profiling())
	}
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.HTTPMetrics(meterProvider))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORSWithConfig(middleware.CORSConfigFrom(cfg.HTTP)))
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	systemHandler := handler.NewSystemHandler(cfg.App.Name, version, stores.Hash)

	// Health check endpoint (outside API versioning)
	engine.GET("/health", systemHandler.Health)

	// Invalidation and populate endpoints require a bearer token when auth is on
	var adminMiddleware []gin.HandlerFunc
	var jwtMiddleware gin.HandlerFunc
	if cfg.Auth.Enabled {
		tokens, err := auth.NewTokenService(cfg.Auth)
		if err != nil {
			log.Fatal("Failed to create token service", zap.Error(err))
		}
		jwtMiddleware = middleware.JWTAuthMiddleware(tokens, log)
		adminMiddleware = append(adminMiddleware, jwtMiddleware)
	} else {
		log.Warn("Auth disabled, invalidation endpoints are open")
	}

	// Swagger documentation endpoint
	engine.GET("/swagger/*any",
		middleware.SwaggerProtection(cfg.Swagger, jwtMiddleware),
		ginSwagger.WrapHandler(swaggerFiles.Handler),
	)

	cacheRoutes := handler.CacheRoutes(handler.NewCacheHandler(cacheService), adminMiddleware...)
	systemRoutes := handler.SystemRoutes(systemHandler)

	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	r.Register(cacheRoutes).Register(systemRoutes)
	r.Setup()

	log.Debug("Routes registered",
		zap.Strings("cache", cacheRoutes.Routes()),
		zap.Strings("system", systemRoutes.Routes()),
	)

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
