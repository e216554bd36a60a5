package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/joho/godotenv"
	"github.com/md-rashed-zaman/citizenbook/libs/amqpx"
	"github.com/md-rashed-zaman/citizenbook/libs/auth"
	"github.com/md-rashed-zaman/citizenbook/libs/config"
	"github.com/md-rashed-zaman/citizenbook/libs/db"
	"github.com/md-rashed-zaman/citizenbook/libs/httpx"
	"github.com/md-rashed-zaman/citizenbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/citizenbook/libs/otel"
	"github.com/md-rashed-zaman/citizenbook/libs/runtime"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/appointments"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/channels/email"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/channels/push"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/contacts"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/notifications"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/reference"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage/memory"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/internal/storage/postgres"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// backend is the storage wiring chosen by STORAGE_DRIVER.
type backend struct {
	store    storage.Store
	outbox   outbox.Store
	catalog  catalog.Catalog
	contacts contacts.Directory
	checks   []runtime.ReadyCheck
	close    func()
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := runtime.ShutdownContext(5 * time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	be, err := openBackend(ctx, logger)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	defer be.close()

	checks := be.checks
	catalogSrc := be.catalog
	var rdb *redis.Client
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		redisDB, err := config.Int("REDIS_DB", 0)
		if err != nil {
			logger.Error("config error", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()
		ttl, err := config.Duration("CATALOG_CACHE_TTL", 5*time.Minute)
		if err != nil {
			logger.Error("config error", "err", err)
			os.Exit(1)
		}
		catalogSrc = catalog.NewCached(be.catalog, rdb, ttl, logger)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	reg := prometheus.DefaultRegisterer
	bookingMetrics := metrics.NewBookingMetrics(reg)

	var wg sync.WaitGroup
	sink, sinkCheck, err := openSink(logger)
	if err != nil {
		logger.Error("event sink init failed", "err", err)
		os.Exit(1)
	}
	if sinkCheck != nil {
		checks = append(checks, *sinkCheck)
	}
	publisher := outbox.NewPublisher(be.outbox, sink, logger, outbox.PublisherConfig{
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Run(ctx)
	}()

	location := time.UTC
	if tz := config.String("NOTIFY_TIMEZONE", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			logger.Warn("invalid NOTIFY_TIMEZONE; using UTC", "value", tz, "err", err)
		} else {
			location = loc
		}
	}
	offsets := policy.ParseOffsets(config.String("REMINDER_OFFSETS_MINUTES", "1440"), logger)
	byService := policy.ParseServiceOffsets(config.String("REMINDER_OFFSETS_BY_SERVICE", ""), logger)
	scheduler := notifications.NewScheduler(policy.NewServiceProvider(offsets, byService), logger, bookingMetrics, notifications.SchedulerConfig{
		Location: location,
	})

	if config.Bool("DISPATCH_ENABLED", true) {
		channels, err := openChannels(ctx, logger)
		if err != nil {
			logger.Error("delivery channel init failed", "err", err)
			os.Exit(1)
		}
		dispatchCfg, err := dispatcherConfig()
		if err != nil {
			logger.Error("config error", "err", err)
			os.Exit(1)
		}
		dispatcher := notifications.NewDispatcher(be.store, be.contacts, channels, logger, bookingMetrics, dispatchCfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
		logger.Info("notification dispatcher started", "interval", dispatchCfg.Interval.String())
	}

	tokens := reference.NewTokens(config.String("TOKEN_SIGNING_KEY", ""))
	if !tokens.Signed() {
		logger.Warn("TOKEN_SIGNING_KEY not set; verification tokens are unsigned")
	}
	manager := appointments.NewManager(appointments.Deps{
		Store:      be.store,
		Ledger:     ledger.New(logger),
		Catalog:    catalogSrc,
		References: reference.NewGenerator(),
		Tokens:     tokens,
		Scheduler:  scheduler,
		Logger:     logger,
		Metrics:    bookingMetrics,
	})

	authn, err := authMiddleware(logger)
	if err != nil {
		logger.Error("auth init failed", "err", err)
		os.Exit(1)
	}
	appointmentHandler := handlers.NewAppointmentHandler(manager, tokens, logger)

	mux := runtime.NewBaseMuxWithReady(checks...)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", appointmentHandler.Router(authn))

	requestTimeout, err := config.Duration("REQUEST_TIMEOUT_SECONDS", 15*time.Second)
	if err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	}
	middleware := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS"),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			MaxAge:         10 * time.Minute,
		}),
	}
	if limiter, err := rateLimit(rdb, logger); err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	} else if limiter != nil {
		middleware = append(middleware, limiter)
	}
	middleware = append(middleware,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(requestTimeout),
	)
	httpHandler := httpx.Chain(mux, middleware...)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := runtime.ShutdownContext(10 * time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	wg.Wait()
	logger.Info("http server stopped")
}

func openBackend(ctx context.Context, logger *slog.Logger) (*backend, error) {
	driver := strings.ToLower(config.String("STORAGE_DRIVER", "postgres"))
	switch driver {
	case "memory":
		store := memory.New()
		cat := catalog.NewMemory()
		dir := contacts.NewMemory()
		if path := config.String("SEED_FILE", ""); path != "" {
			if err := loadSeed(path, store, cat, dir); err != nil {
				return nil, err
			}
			logger.Info("memory store seeded", "file", path)
		}
		logger.Warn("using in-memory storage; data is lost on restart")
		return &backend{store: store, outbox: store, catalog: cat, contacts: dir, close: func() {}}, nil

	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return nil, err
		}
		if config.Bool("MIGRATE_ON_START", false) {
			if err := migrateUp(dbURL, logger); err != nil {
				return nil, err
			}
		}
		pool, err := db.Open(ctx, dbURL)
		if err != nil {
			return nil, fmt.Errorf("db connection: %w", err)
		}
		return &backend{
			store:    postgres.New(pool),
			outbox:   outbox.NewPostgresStore(pool),
			catalog:  catalog.NewPostgres(pool),
			contacts: contacts.NewPostgres(pool),
			checks:   []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}},
			close:    pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", driver)
	}
}

func migrateUp(dbURL string, logger *slog.Logger) error {
	m, err := db.NewMigrator(dbURL, migrations.FS)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

func openSink(logger *slog.Logger) (outbox.Sink, *runtime.ReadyCheck, error) {
	switch kind := strings.ToLower(config.String("EVENT_SINK", "kafka")); kind {
	case "kafka":
		brokers := config.String("KAFKA_BROKERS", "")
		if brokers == "" {
			logger.Warn("KAFKA_BROKERS not set; outbox events stay pending")
			return nil, nil, nil
		}
		return outbox.NewKafkaSink(brokers), &runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)}, nil
	case "rabbitmq":
		url, err := config.RequiredString("RABBITMQ_URL")
		if err != nil {
			return nil, nil, err
		}
		sink, err := outbox.NewRabbitSink(url, config.String("RABBITMQ_EXCHANGE", "citizenbook.events"))
		if err != nil {
			return nil, nil, err
		}
		return sink, &runtime.ReadyCheck{Name: "rabbitmq", Check: amqpx.ReadyCheck(url)}, nil
	case "none", "":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown EVENT_SINK %q", kind)
	}
}

func openChannels(ctx context.Context, logger *slog.Logger) ([]notifications.Channel, error) {
	from := email.Sender{
		Email: config.String("SMTP_FROM", "no-reply@citizenbook.local"),
		Name:  config.String("EMAIL_FROM_NAME", "Citizen Services"),
	}

	var transport email.Transport
	switch provider := strings.ToLower(config.String("EMAIL_PROVIDER", "log")); provider {
	case "smtp":
		host, err := config.RequiredString("SMTP_HOST")
		if err != nil {
			return nil, err
		}
		transport = email.NewSMTPTransport(host, config.String("SMTP_PORT", "25"), from)
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.String("AWS_REGION", "us-east-1")))
		if err != nil {
			return nil, fmt.Errorf("aws config: %w", err)
		}
		transport = email.NewSESTransport(sesv2.NewFromConfig(awsCfg), from, logger)
	case "sendgrid":
		key, err := config.RequiredString("SENDGRID_API_KEY")
		if err != nil {
			return nil, err
		}
		transport = email.NewSendGridTransport(key, from)
	case "log":
		transport = email.NewLogTransport(logger)
	default:
		return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q", provider)
	}

	var sender push.Sender
	switch provider := strings.ToLower(config.String("PUSH_PROVIDER", "noop")); provider {
	case "webhook":
		url, err := config.RequiredString("PUSH_WEBHOOK_URL")
		if err != nil {
			return nil, err
		}
		sender = push.NewWebhookSender(url, config.String("PUSH_WEBHOOK_TOKEN", ""))
	case "noop":
		sender = push.NewNoopSender()
	default:
		return nil, fmt.Errorf("unknown PUSH_PROVIDER %q", provider)
	}

	logger.Info("delivery channels configured", "email", transport.Name(), "push", sender.ProviderID())
	return []notifications.Channel{
		email.NewChannel(transport, email.NewRenderer()),
		push.NewChannel(sender),
	}, nil
}

func dispatcherConfig() (notifications.DispatcherConfig, error) {
	var cfg notifications.DispatcherConfig
	var err error
	if cfg.Interval, err = config.Duration("DISPATCH_INTERVAL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = config.Int("DISPATCH_BATCH_SIZE", 50); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = config.Int("DISPATCH_MAX_ATTEMPTS", 5); err != nil {
		return cfg, err
	}
	if cfg.Backoff, err = config.Duration("DISPATCH_BACKOFF", time.Minute); err != nil {
		return cfg, err
	}
	// Zero lets the dispatcher size the lease from batch size and send timeout.
	if cfg.ClaimLease, err = config.Duration("DISPATCH_CLAIM_LEASE", 0); err != nil {
		return cfg, err
	}
	cfg.MaxBackoff = time.Hour
	return cfg, nil
}

func authMiddleware(logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	mode := auth.Mode(strings.ToLower(config.String("AUTH_MODE", string(auth.ModeJWT))))
	switch mode {
	case auth.ModeHeader:
		logger.Warn("AUTH_MODE=header trusts X-User-Id/X-Role from the gateway")
		return auth.Middleware(auth.ModeHeader, nil, logger), nil
	case auth.ModeJWT:
		verifier, err := auth.NewVerifier(auth.VerifierConfig{
			Secret:       config.String("JWT_SECRET", ""),
			PublicKeyPEM: config.String("JWT_PUBLIC_KEY_PEM", ""),
			Issuer:       config.String("JWT_ISSUER", ""),
			Leeway:       30 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return auth.Middleware(auth.ModeJWT, verifier, logger), nil
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE %q", mode)
	}
}

// rateLimit prefers the shared Redis limiter so several replicas enforce one
// budget; without Redis it falls back to a per-process limiter.
func rateLimit(rdb *redis.Client, logger *slog.Logger) (httpx.Middleware, error) {
	perMinute, err := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if err != nil || perMinute <= 0 {
		return nil, err
	}
	if rdb != nil {
		return httpx.NewRedisRateLimiter(rdb, perMinute, time.Minute, "citizenbook:ratelimit").Middleware(logger, true), nil
	}
	return httpx.NewRateLimiter(perMinute, time.Minute).Middleware(), nil
}
