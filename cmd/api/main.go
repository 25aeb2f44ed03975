// Package main is the entrypoint for the subscription service.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/seawatch/subscriptions/internal/asset"
	"github.com/seawatch/subscriptions/internal/cache"
	"github.com/seawatch/subscriptions/internal/config"
	"github.com/seawatch/subscriptions/internal/db"
	"github.com/seawatch/subscriptions/internal/execution"
	"github.com/seawatch/subscriptions/internal/filter"
	"github.com/seawatch/subscriptions/internal/handler"
	"github.com/seawatch/subscriptions/internal/ingest"
	"github.com/seawatch/subscriptions/internal/matcher"
	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/middleware"
	"github.com/seawatch/subscriptions/internal/movement"
	"github.com/seawatch/subscriptions/internal/notify"
	"github.com/seawatch/subscriptions/internal/repository"
	"github.com/seawatch/subscriptions/internal/scheduler"
	"github.com/seawatch/subscriptions/internal/server"
	"github.com/seawatch/subscriptions/internal/service"
	"github.com/seawatch/subscriptions/internal/storage"
	"github.com/seawatch/subscriptions/internal/upstream"
	"github.com/seawatch/subscriptions/internal/webhook"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)

	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Error("failed to run migrations", slog.String("error", sanitizeError(err, cfg.DatabaseURL)))
			os.Exit(1)
		}
		logger.Info("database migrations applied")
	}

	repo, err := repository.New(ctx, cfg.DatabaseURL,
		repository.WithPoolSize(cfg.DBMaxConns, cfg.DBMinConns),
		repository.WithConnectWait(cfg.DBConnectWait),
	)
	if err != nil {
		logger.Error(
			"failed to connect to database",
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to database")

	// The webhook repository runs on database/sql.
	sqlDB, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open sql database", slog.String("error", sanitizeError(err, cfg.DatabaseURL)))
		os.Exit(1)
	}
	defer sqlDB.Close()

	cacheClient, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error(
			"failed to connect to Redis",
			slog.String("error", sanitizeError(err, cfg.RedisURL)),
			slog.String("redis_url", redactURL(cfg.RedisURL)),
		)
		os.Exit(1)
	}
	defer cacheClient.Close()
	logger.Info("connected to Redis")

	recorder := metrics.NewPrometheus()
	recorder.RegisterPgxPool(repo.Pool())

	movements, assetSource, err := initSources(cfg, logger)
	if err != nil {
		logger.Error("failed to configure upstream modules", "error", err)
		os.Exit(1)
	}

	assets := asset.NewResolver(assetSource, cacheClient, cfg.AssetGroupCacheTTL, logger)
	areas := filter.New(movements, cfg.MovementPageSize, cfg.MovementMaxPages, logger)
	candidates := matcher.NewCachedCandidates(repo, cacheClient, matcher.DefaultCandidateTTL, recorder, logger)
	evaluator := matcher.New(candidates, repo, assets, areas, recorder, logger)

	subscriptionService := service.NewSubscriptionService(repo, cacheClient, assets, areas, recorder, logger)

	webhookRepo := webhook.NewRepository(sqlDB)
	webhookPublisher := webhook.NewPublisher(webhookRepo, logger)

	store := initStorage(ctx, cfg, logger)

	mailer, err := initMailer(cfg, logger)
	if err != nil {
		logger.Error("failed to configure mailer", "error", err)
		os.Exit(1)
	}

	ingestPublisher := ingest.NewPublisher(cacheClient.Client(), logger, recorder)

	handlers := routeHandlers{
		root:          handler.NewRootHandler(),
		health:        handler.NewHealthHandler(logger, repo, cacheClient).WithCheck("object_storage", store),
		metrics:       handler.NewMetricsHandler(recorder.Registry()),
		subscriptions: handler.NewSubscriptionHandler(subscriptionService, logger),
		events:        handler.NewEventHandler(ingestPublisher, evaluator, logger),
		webhooks:      handler.NewWebhookHandler(webhookRepo, logger, cfg.WebhookAllowInsecure),
		apiKeys:       handler.NewAPIKeyHandler(logger, repo, cacheClient),
		admin:         handler.NewAdminHandler(repo, repo, cacheClient, logger),
	}

	r := setupRouter(handlers, repo, cacheClient, cfg, logger)

	srv := server.New(r, server.Config{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	executor := execution.NewWorker(execution.Deps{
		Triggers:      repo,
		Subscriptions: repo,
		Movements:     movements,
		Assets:        assets,
		Store:         store,
		Mailer:        mailer,
		Webhooks:      webhookPublisher,
	}, cfg.ExecutorPollInterval, cfg.ExecutorBatchSize, logger, recorder)
	srv.Go("executor", executor.Run)

	if cfg.SchedulerEnabled {
		sched := scheduler.NewWorker(repo, assets, areas, cfg.SchedulerInterval, logger, recorder)
		srv.Go("scheduler", sched.Run)
	}
	if cfg.WebhookWorkerEnabled {
		srv.Go("webhook", webhook.NewWorker(webhookRepo, webhook.WorkerConfig{
			Concurrency:   cfg.WebhookConcurrency,
			Timeout:       cfg.WebhookTimeout,
			Retention:     cfg.WebhookRetention,
			AllowInsecure: cfg.WebhookAllowInsecure,
		}, logger, recorder).Run)
	}

	// The consumer drains its in-flight batch in a hook, before the
	// executor it feeds is cancelled.
	if cfg.IngestEnabled {
		ingestWorker := ingest.NewWorker(cacheClient.Client(), evaluator, ingest.WorkerConfig{
			BatchSize:    cfg.IngestBatchSize,
			EvalAttempts: cfg.IngestEvalAttempts,
		}, logger, recorder)
		srv.Go("ingest", ingestWorker.Run)
		srv.OnShutdown("ingest", ingestWorker.Shutdown)
	}

	logger.Info("starting server",
		"port", cfg.AppPort,
		"env", cfg.AppEnv,
		"mail", cfg.MailEnabled(),
		"archive", cfg.ArchiveEnabled(),
	)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// initSources builds the movement and asset module clients. Empty base URLs
// fall back to in-memory sources for local development.
func initSources(cfg *config.Config, logger *slog.Logger) (movement.Source, asset.Source, error) {
	var movements movement.Source
	if cfg.MovementBaseURL == "" {
		logger.Warn("MOVEMENT_BASE_URL not set, using in-memory movement source")
		movements = movement.NewMemorySource()
	} else {
		client, err := upstream.New(cfg.MovementBaseURL, cfg.MovementTimeout, logger.With("upstream", "movement"))
		if err != nil {
			return nil, nil, err
		}
		movements = movement.NewHTTPSource(client)
	}

	var assets asset.Source
	if cfg.AssetBaseURL == "" {
		logger.Warn("ASSET_BASE_URL not set, using in-memory asset source")
		assets = asset.NewMemorySource()
	} else {
		client, err := upstream.New(cfg.AssetBaseURL, cfg.AssetTimeout, logger.With("upstream", "asset"))
		if err != nil {
			return nil, nil, err
		}
		assets = asset.NewHTTPSource(client)
	}

	return movements, assets, nil
}

// initStorage returns the S3 extract archive, or nil when archiving is off.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) storage.Store {
	if !cfg.ArchiveEnabled() {
		logger.Info("S3_BUCKET not set, extracts are not archived")
		return nil
	}
	store := storage.NewS3(storage.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	}, logger)
	if err := store.Ping(ctx); err != nil {
		logger.Warn("extract bucket not reachable at startup", "bucket", cfg.S3Bucket, "error", err)
	}
	return store
}

func initMailer(cfg *config.Config, logger *slog.Logger) (notify.Mailer, error) {
	if !cfg.MailEnabled() {
		logger.Info("SMTP_HOST not set, notification emails are logged only")
		return notify.NewLogMailer(logger), nil
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, logger)
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := parseLogLevel(cfg.LogLevel)

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type routeHandlers struct {
	root          *handler.RootHandler
	health        *handler.HealthHandler
	metrics       *handler.MetricsHandler
	subscriptions *handler.SubscriptionHandler
	events        *handler.EventHandler
	webhooks      *handler.WebhookHandler
	apiKeys       *handler.APIKeyHandler
	admin         *handler.AdminHandler
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(
	hs routeHandlers,
	repo *repository.Repository,
	cacheClient *cache.Cache,
	cfg *config.Config,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))
	securityCfg := middleware.DefaultSecurityConfig()
	securityCfg.IsDevelopment = cfg.IsDevelopment()
	r.Use(middleware.Security(securityCfg))
	r.Use(middleware.MaxBodySize(cfg.MaxRequestBodySize))

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.GetCORSAllowedOrigins()
	r.Use(middleware.CORS(corsCfg))

	// Health endpoints (no auth required)
	r.Get("/healthz", hs.health.Healthz)
	r.Get("/readyz", hs.health.Readyz)
	r.Get("/metrics", hs.metrics.Metrics)

	r.Get("/", hs.root.Info)

	authCfg := middleware.AuthConfig{
		Logger:     logger,
		Repository: repo,
		Cache:      cacheClient,
	}

	rateLimitCfg := middleware.RateLimitConfig{
		Logger:      logger,
		Cache:       cacheClient,
		APIEnabled:  cfg.RateLimitAPIEnabled,
		EventsRPS:   cfg.RateLimitEventsRPS,
		EventsBurst: cfg.RateLimitEventsBurst,
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(authCfg))
		r.Use(middleware.RateLimitAPI(rateLimitCfg))

		r.Route("/subscriptions", func(r chi.Router) {
			r.With(middleware.RequireRead()).Get("/", hs.subscriptions.List)
			r.With(middleware.RequireRead()).Get("/name-available", hs.subscriptions.NameAvailable)
			r.With(middleware.RequireWrite()).Post("/", hs.subscriptions.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(middleware.ValidatePathParams("id"))
				r.With(middleware.RequireRead()).Get("/", hs.subscriptions.Get)
				r.With(middleware.RequireWrite()).Put("/", hs.subscriptions.Update)
				r.With(middleware.RequireWrite()).Delete("/", hs.subscriptions.Delete)
				r.With(middleware.RequireWrite()).Post("/activate", hs.subscriptions.Activate)
				r.With(middleware.RequireWrite()).Post("/deactivate", hs.subscriptions.Deactivate)
				r.With(middleware.RequireTrigger()).Post("/trigger", hs.subscriptions.Trigger)
				r.With(middleware.RequireRead()).Get("/triggers", hs.subscriptions.Triggers)
			})
		})

		r.Route("/events", func(r chi.Router) {
			r.Use(middleware.RequireIngest())
			r.With(middleware.RateLimitEvents(rateLimitCfg)).Post("/", hs.events.Submit)
			r.Post("/evaluate", hs.events.Evaluate)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Use(middleware.RequireWebhook())
			r.Get("/", hs.webhooks.List)
			r.Post("/", hs.webhooks.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Use(middleware.ValidatePathParams("id"))
				r.Get("/", hs.webhooks.Get)
				r.Patch("/", hs.webhooks.Update)
				r.Delete("/", hs.webhooks.Delete)
				r.Post("/rotate-secret", hs.webhooks.RotateSecret)
				r.Get("/deliveries", hs.webhooks.ListDeliveries)
				r.With(middleware.ValidatePathParams("deliveryId")).Post("/deliveries/{deliveryId}/retry", hs.webhooks.RetryDelivery)
			})
		})

		// Operators manage their own keys; tiers above free need admin.
		r.Route("/api-keys", func(r chi.Router) {
			r.With(middleware.RequireRead()).Get("/", hs.apiKeys.ListAPIKeys)
			r.With(middleware.RequireWrite()).Post("/", hs.apiKeys.CreateAPIKey)
			r.With(middleware.RequireWrite(), middleware.ValidatePathParams("key_id")).Delete("/{key_id}", hs.apiKeys.RevokeAPIKey)
			r.With(middleware.RequireWrite(), middleware.ValidatePathParams("key_id")).Post("/{key_id}/rotate", hs.apiKeys.RotateAPIKey)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin())
			r.With(middleware.ValidatePathParams("id")).Get("/subscriptions/{id}", hs.admin.LookupSubscription)
			r.Get("/api-keys", hs.admin.ListAPIKeysByUser)
			r.With(middleware.ValidatePathParams("guid")).Delete("/asset-groups/{guid}", hs.admin.EvictAssetGroup)
			r.Get("/stats", hs.admin.Stats)
		})
	})

	r.NotFound(hs.root.NotFound)
	r.MethodNotAllowed(hs.root.MethodNotAllowed)

	return r
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
