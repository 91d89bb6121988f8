// Package main provides the medtrack API service entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/api/handlers"
	"github.com/medtrack/go-medtrack/internal/api/middleware"
	"github.com/medtrack/go-medtrack/internal/config"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/extraction"
	"github.com/medtrack/go-medtrack/internal/infrastructure/postgres"
	"github.com/medtrack/go-medtrack/internal/observability/logging"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
	"github.com/medtrack/go-medtrack/internal/observability/tracing"
	"github.com/medtrack/go-medtrack/internal/order"
	"github.com/medtrack/go-medtrack/internal/platform/clock"
	"github.com/medtrack/go-medtrack/internal/status"
	"github.com/medtrack/go-medtrack/internal/tracker"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
)

const serviceName = "medtrack-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)
	clk := clock.System{Location: cfg.Location}

	repo := prescription.NewRepository(pool, logger)
	kv := func(userID string) status.KV { return postgres.NewKVStore(pool, userID) }
	doses := tracker.New(repo, kv, clk, m, logger).WithRecorder(repo)
	orders := order.NewService(repo, clk, nil, logger)

	breakerCfg := circuitbreaker.DefaultConfig("extraction")
	breakerCfg.Ignore = extraction.IsRejection
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.ObserveBreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	extractor := extraction.NewClient(extraction.Config{
		URL:     cfg.ExtractionURL,
		APIKey:  cfg.ExtractionAPIKey,
		Timeout: cfg.ExtractionTimeout,
	}, breaker, m, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger, m))
	r.Use(middleware.Tracing(serviceName))

	// Health check (no auth)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "healthy",
			"service":  serviceName,
			"breakers": circuitbreaker.Health(breaker),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	doseHandler := handlers.NewDoseHandler(doses, logger)

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/extractions", handlers.NewExtractionHandler(extractor, logger).Routes())
		r.Mount("/prescriptions", handlers.NewPrescriptionHandler(repo, m, logger).Routes())
		r.Mount("/doses", doseHandler.Routes())
		r.Mount("/notifications", doseHandler.NotificationRoutes())
		r.Mount("/orders", handlers.NewOrderHandler(orders, logger).Routes())
	})

	// Extraction calls can take most of a minute
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ExtractionTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting medtrack API", zap.String("port", cfg.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
