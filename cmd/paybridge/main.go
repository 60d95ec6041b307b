package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"paybridge/internal/common/database"
	"paybridge/internal/common/events"
	"paybridge/internal/common/middleware"
	natsclient "paybridge/internal/common/nats"
	"paybridge/internal/payments"
	paymentsapi "paybridge/internal/payments/api"
	"paybridge/internal/viva"
	"paybridge/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYBRIDGE_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// APIKey authenticates the host backend on session/order routes.
	APIKey   string `envconfig:"API_KEY"`
	CallerID string `envconfig:"API_CALLER_ID" default:"host-backend"`

	// WebhookAllowUnsigned admits unsigned webhook deliveries; local
	// development only.
	WebhookAllowUnsigned bool `envconfig:"WEBHOOK_ALLOW_UNSIGNED" default:"false"`

	Database database.Config
	NATS     natsclient.Config
}

func main() {
	// Load .env if present, then process environment configuration
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := runMigrations(cfg.Database.URL); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Event publishing is optional; skip when no NATS URL is configured.
	var publisher events.Publisher
	var nc *natsclient.Client
	if cfg.NATS.URL != "" {
		nc, err = natsclient.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		if _, err := nc.EnsureStream(ctx, "PAYMENTS", []string{events.Subject}); err != nil {
			logger.Error("failed to ensure settlement stream", "error", err)
			os.Exit(1)
		}

		publisher = natsclient.NewPublisher(nc, logger)
	} else {
		logger.Info("NATS_URL not set, settlement event publishing disabled")
	}

	store := payments.NewPostgresStore(db)
	settingsStore := payments.NewPostgresSettingsStore(db)

	// The gateway client is built once from the persisted settings; a
	// credential change requires a restart.
	settings, err := settingsStore.GetSettings(ctx)
	if err != nil {
		logger.Error("failed to load gateway settings", "error", err)
		os.Exit(1)
	}
	gateway := viva.NewClient(viva.Environment(settings.Environment), settings.ClientID, settings.ClientSecret, logger)

	service := payments.NewService(store, settingsStore, gateway, logger)
	processor := payments.NewProcessor(store, publisher, logger)
	handler := paymentsapi.NewHandler(service, processor, settingsStore, cfg.WebhookAllowUnsigned)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if nc != nil {
			if err := nc.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	auth := middleware.APIKeyAuth(cfg.APIKey, cfg.CallerID)
	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Mount("/", handler.Routes(auth))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting paybridge service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"gateway_env", settings.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func runMigrations(databaseURL string) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
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
