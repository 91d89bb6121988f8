// Package main provides the reminder service entry point.
// Publishes a reminder for every pending dose in the current window and
// re-evaluates users as their prescriptions are created.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/config"
	"github.com/medtrack/go-medtrack/internal/domain/prescription"
	"github.com/medtrack/go-medtrack/internal/infrastructure/postgres"
	"github.com/medtrack/go-medtrack/internal/infrastructure/redpanda"
	"github.com/medtrack/go-medtrack/internal/observability/logging"
	"github.com/medtrack/go-medtrack/internal/observability/metrics"
	"github.com/medtrack/go-medtrack/internal/observability/tracing"
	"github.com/medtrack/go-medtrack/internal/platform/clock"
	"github.com/medtrack/go-medtrack/internal/reminder"
	"github.com/medtrack/go-medtrack/internal/status"
	"github.com/medtrack/go-medtrack/internal/tracker"
	"github.com/medtrack/go-medtrack/pkg/circuitbreaker"
	"github.com/medtrack/go-medtrack/pkg/idempotency"
	"github.com/medtrack/go-medtrack/pkg/workerpool"
)

const serviceName = "reminder-service"

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	// Topics must exist before the consumer joins its group
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if _, err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic setup failed", zap.Error(err))
	}
	admin.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	go serveMetrics(ctx, cfg.MetricsPort, logger)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	breakerCfg := circuitbreaker.DefaultConfig(reminder.ScheduleBreaker)
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.ObserveBreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.ReminderWorkers
	workers := workerpool.New(poolCfg, logger)
	workers.Start()
	defer workers.Stop()

	clk := clock.System{Location: cfg.Location}
	repo := prescription.NewRepository(pool, logger)
	kv := func(userID string) status.KV { return postgres.NewKVStore(pool, userID) }

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)

	dispatcher := reminder.NewDispatcher(reminder.Config{
		Users:     repo,
		Schedule:  tracker.New(repo, kv, clk, m, logger),
		Dedup:     inbox,
		Publisher: producer,
		Pool:      workers,
		Clock:     clk,
		Breaker:   breaker,
		Observer:  m,
		Logger:    logger,
	})

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.Message) error {
		m.ObserveConsumed()
		return dispatcher.HandleEvent(ctx, msg.Value)
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start(ctx)
	defer consumer.Stop()

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := inbox.Cleanup(ctx); err != nil {
					logger.Warn("inbox cleanup failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("inbox cleaned", zap.Int64("deleted", n))
				}
			}
		}
	}()

	logger.Info("reminder service started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.Duration("interval", cfg.ReminderInterval))

	if err := dispatcher.Run(ctx, cfg.ReminderInterval); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("dispatcher stopped", zap.Error(err))
	}
	logger.Info("reminder service stopped")
}

func serveMetrics(ctx context.Context, port string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
