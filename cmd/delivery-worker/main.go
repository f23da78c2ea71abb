// Package main is the entrypoint for the delivery worker process.
//
// The worker consumes delivery envelopes from the broker, claims the backing
// row, calls the notification sender behind a circuit breaker, and settles
// the outcome: sent, delayed retry, or dead letter. It runs until
// SIGINT/SIGTERM and scales horizontally; guarded row transitions make
// concurrent consumers safe.
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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"occasion/internal/config"
	"occasion/internal/db"
	"occasion/internal/external"
	"occasion/internal/metrics"
	"occasion/internal/queue"
	"occasion/internal/worker"
)

// breakerGaugeInterval is how often the circuit breaker state gauge refreshes.
const breakerGaugeInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("delivery worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	conn, ch, err := queue.Connect(ctx, cfg.Broker)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer conn.Close()
	defer ch.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	messages := db.NewScheduledMessageRepository(pool)
	users := db.NewUserRepository(pool)
	sender := external.NewSenderClient(cfg.Sender, logger)
	publisher := queue.NewPublisher(queue.ConfirmedChannel{Ch: ch}, cfg.Broker, m, logger)

	delivery := worker.NewDelivery(
		messages, users, sender, publisher, m,
		cfg.Jobs.MaxRetries, cfg.Jobs.RetryBaseDelay, cfg.Jobs.RetryMaxDelay,
		logger,
	)
	consumer := queue.NewConsumer(ch, publisher, cfg.Broker, logger)

	logger.InfoContext(ctx, "delivery worker started",
		"environment", cfg.Environment,
		"queue", cfg.Broker.DeliveryQueue,
		"prefetch", cfg.Broker.Prefetch,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := consumer.Run(gctx, delivery.Handle); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := serveOps(gctx, cfg.Ops, pool, conn, registry, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(breakerGaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m.SetBreakerState(sender.BreakerState())
			}
		}
	})

	err = g.Wait()
	logger.Info("delivery worker stopped")
	return err
}

func loadConfig() (*config.Config, error) {
	if os.Getenv("APP_ENV") == "" || os.Getenv("APP_ENV") == "local" {
		return config.LoadConfig(config.NewEnvVarProvider())
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return config.LoadConfig(config.NewSSMProvider(region))
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With(
		"service", "delivery-worker",
	)
}

// serveOps exposes health and metrics only. Job control stays with the
// scheduler process.
func serveOps(ctx context.Context, cfg config.OpsConfig, pool pinger, conn closedChecker, registry *prometheus.Registry, logger *slog.Logger) error {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := pool.Ping(checkCtx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		if conn.IsClosed() {
			http.Error(w, "broker connection closed", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

type closedChecker interface {
	IsClosed() bool
}
