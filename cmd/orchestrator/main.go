package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"creatorpay/internal/api"
	"creatorpay/internal/audit"
	"creatorpay/internal/catalog"
	"creatorpay/internal/common/database"
	"creatorpay/internal/common/events"
	"creatorpay/internal/common/kafka"
	"creatorpay/internal/common/middleware"
	"creatorpay/internal/common/nats"
	"creatorpay/internal/compliance"
	"creatorpay/internal/health"
	"creatorpay/internal/idempotency"
	"creatorpay/internal/ledger"
	walletapi "creatorpay/internal/ledger/api"
	"creatorpay/internal/orchestrator"
	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
	"creatorpay/internal/providers/natsadapter"
	"creatorpay/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"ORCHESTRATOR_PORT" default:"8090"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	CatalogFile   string `envconfig:"PROVIDER_CATALOG_FILE"`
	FakeProviders bool   `envconfig:"PROVIDERS_FAKE" default:"false"`
	EventsBackend string `envconfig:"EVENTS_BACKEND" default:"none"`
	APIKeys       string `envconfig:"API_KEYS"`
	MaxBodyBytes  int64  `envconfig:"MAX_BODY_BYTES" default:"1048576"`

	Database    database.Config
	NATS        nats.Config
	Kafka       kafka.Config
	Health      health.Config
	Compliance  compliance.Config
	KYC         compliance.HTTPKYCConfig
	Idempotency idempotency.Config
}

func main() {
	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	// Provider catalog
	cat, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}
	reg, err := cat.Registry()
	if err != nil {
		return err
	}
	table, err := cat.Table()
	if err != nil {
		return err
	}
	verifier, err := webhook.NewVerifier(cat.Schemes())
	if err != nil {
		return err
	}

	// Database
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database.URL, logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	store := payments.NewPostgresStore(db.Pool())
	auditSink := audit.NewPostgres(db.Pool())
	wallets := ledger.NewPostgres(db)

	// NATS carries events and request-reply processor adapters.
	var nc *nats.Client
	if cfg.EventsBackend == "nats" || (!cfg.FakeProviders && cat.UsesNATS()) {
		nc, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nc.Close()
	}

	publisher, closePublisher, err := setupPublisher(ctx, cfg, nc, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	// Provider adapters
	var set *providers.Set
	if cfg.FakeProviders {
		logger.Warn("using in-memory fake providers")
		set = cat.FakeProviders()
	} else {
		var requester natsadapter.Requester
		if nc != nil {
			requester = nc
		}
		set, err = cat.BuildProviders(os.Getenv, requester, logger)
		if err != nil {
			return fmt.Errorf("building provider adapters: %w", err)
		}
	}

	// Idempotency
	idem, err := setupIdempotency(ctx, cfg.Idempotency, logger)
	if err != nil {
		return err
	}

	// Compliance
	var kyc compliance.KYCSource = compliance.StaticKYC{}
	if cfg.KYC.BaseURL != "" {
		kyc = compliance.NewHTTPKYCClient(cfg.KYC)
	} else {
		logger.Warn("KYC_BASE_URL not set, every payout will fail compliance")
	}
	gate := compliance.NewGate(cfg.Compliance, kyc, store, logger.With("component", "compliance"))

	// Services
	tracker := health.NewTracker(cfg.Health)
	reconciler := webhook.NewReconciler(store, idem, wallets, auditSink, publisher, cfg.Idempotency.TTL, logger)
	svc := orchestrator.NewService(orchestrator.Config{IdempotencyTTL: cfg.Idempotency.TTL}, orchestrator.Deps{
		Registry:    reg,
		Routes:      table,
		Health:      tracker,
		Idempotency: idem,
		Compliance:  gate,
		Providers:   set,
		Store:       store,
		Ledger:      wallets,
		Audit:       auditSink,
		Publisher:   publisher,
		Status:      reconciler,
	}, logger)

	// Create handlers
	apiHandler := api.NewHandler(svc, logger)
	walletHandler := walletapi.NewHandler(wallets, logger)
	webhookHandler := webhook.NewHandler(verifier, cat.Secrets(os.Getenv), reconciler, auditSink, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.MaxBody(cfg.MaxBodyBytes))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if nc != nil {
			if err := nc.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// Provider callbacks authenticate by signature, not API key.
	r.Post("/webhooks/{provider}", webhookHandler.ServeHTTP)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(middleware.ParseAPIKeys(cfg.APIKeys)))
		r.Use(chimw.Compress(5))
		r.Mount("/wallets", walletHandler.Routes())
		r.Mount("/", apiHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting orchestrator service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"providers", len(set.IDs()),
			"events", cfg.EventsBackend,
			"idempotency", cfg.Idempotency.Backend,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

func setupPublisher(ctx context.Context, cfg Config, nc *nats.Client, logger *slog.Logger) (events.Publisher, func(), error) {
	switch cfg.EventsBackend {
	case "nats":
		if _, err := nc.EnsureEventStream(ctx, cfg.NATS.Stream); err != nil {
			return nil, nil, fmt.Errorf("ensuring event stream: %w", err)
		}
		return nats.NewPublisher(nc, logger), func() {}, nil
	case "kafka":
		p := kafka.NewPublisher(kafka.NewWriter(cfg.Kafka, logger), logger)
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Error("failed to close kafka writer", "error", err)
			}
		}, nil
	case "none", "":
		return events.Nop{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown EVENTS_BACKEND %q", cfg.EventsBackend)
	}
}

func setupIdempotency(ctx context.Context, cfg idempotency.Config, logger *slog.Logger) (idempotency.Store, error) {
	switch cfg.Backend {
	case "redis":
		client, err := idempotency.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return idempotency.NewRedisStore(client, cfg.LockTTL), nil
	case "memory", "":
		store := idempotency.NewMemoryStore(nil)
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := store.Sweep(); n > 0 {
						logger.Debug("swept expired idempotency results", "count", n)
					}
				}
			}
		}()
		return store, nil
	default:
		return nil, fmt.Errorf("unknown IDEMPOTENCY_BACKEND %q", cfg.Backend)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
