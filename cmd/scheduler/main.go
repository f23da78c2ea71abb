// Package main is the entrypoint for the scheduler process.
//
// The scheduler owns the cron-driven side of the pipeline: the daily
// precalculation job, the minute enqueue job, and the recovery job, plus the
// operational HTTP surface (health, metrics, job status and triggers, and
// the reschedule endpoint called by the user CRUD layer).
//
// Startup order:
//  1. Load configuration (env, dotenv, SSM for non-local environments).
//  2. Initialize the JSON logger.
//  3. Open the Postgres pool and the broker connection, declare topology.
//  4. Wire repositories, the publisher, and the job services.
//  5. Start cron scheduling and the ops server; run until SIGINT/SIGTERM.
//
// The scheduler may run replicated: job locks in the store keep concurrent
// instances from duplicating work, and every state change is a guarded
// transition, so a lost lock race is waste, never corruption.
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

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"occasion/internal/config"
	"occasion/internal/db"
	"occasion/internal/metrics"
	"occasion/internal/ops"
	"occasion/internal/queue"
	"occasion/internal/scheduler"
)

// queueDepthInterval is how often the message status gauges refresh.
const queueDepthInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("scheduler exited with error", "error", err)
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
	locks := db.NewJobLockRepository(pool)
	history := db.NewJobHistoryRepository(pool)

	publisher := queue.NewPublisher(queue.ConfirmedChannel{Ch: ch}, cfg.Broker, m, logger)

	precalc := scheduler.NewPrecalcService(users, messages, cfg.Jobs.SendHour, cfg.Jobs.PrecalcBatchSize, logger)
	enqueue := scheduler.NewEnqueueService(messages, publisher, cfg.Jobs.LookaheadWindow, cfg.Jobs.EnqueueBatchSize, cfg.Broker.PublishRetries, logger)
	recovery := scheduler.NewRecoveryService(messages, cfg.Jobs.StaleThreshold, cfg.Jobs.MaxRetries, cfg.Jobs.EnqueueBatchSize, logger)
	reschedule := scheduler.NewRescheduleService(users, messages, precalc, logger)

	ownerID := fmt.Sprintf("%s-%s", cfg.Service, uuid.New().String())
	runner := scheduler.NewRunner(locks, history, m, ownerID, cfg.Jobs.LockTTL, logger)
	jobs := []scheduler.Job{
		{Name: scheduler.JobPrecalc, Spec: cfg.Jobs.PrecalcSpec, Run: precalc.Run},
		{Name: scheduler.JobEnqueue, Spec: cfg.Jobs.EnqueueSpec, Run: enqueue.Run},
		{Name: scheduler.JobRecovery, Spec: cfg.Jobs.RecoverySpec, Run: recovery.Run},
	}
	for _, job := range jobs {
		if err := runner.Register(job); err != nil {
			return fmt.Errorf("registering job %s: %w", job.Name, err)
		}
	}

	probes := []ops.HealthProbe{
		databaseProbe{pool: pool},
		brokerProbe{conn: conn},
	}
	opsServer := ops.NewServer(cfg.Ops, runner, history, messages, reschedule, probes, registry, logger)

	runner.Start()
	logger.InfoContext(ctx, "scheduler started",
		"environment", cfg.Environment,
		"owner_id", ownerID,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := opsServer.ListenAndServe(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		refreshQueueDepth(gctx, messages, m, logger)
		return nil
	})

	err = g.Wait()

	// Let running jobs finish before closing the pool and channel.
	<-runner.Stop().Done()
	logger.Info("scheduler stopped")
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
		"service", cfg.Service,
	)
}

// refreshQueueDepth mirrors the store's per-status row counts into gauges
// until ctx is cancelled.
func refreshQueueDepth(ctx context.Context, messages *db.ScheduledMessageRepository, m *metrics.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := messages.CountByStatus(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "failed to refresh queue depth gauges", "error", err)
				continue
			}
			for status, n := range counts {
				m.SetQueueDepth(status, n)
			}
		}
	}
}

// databaseProbe reports store reachability for the health endpoint.
type databaseProbe struct {
	pool *pgxpool.Pool
}

func (p databaseProbe) Name() string { return "database" }

func (p databaseProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// brokerProbe reports broker connection liveness.
type brokerProbe struct {
	conn *amqp.Connection
}

func (p brokerProbe) Name() string { return "broker" }

func (p brokerProbe) Check(ctx context.Context) error {
	if p.conn.IsClosed() {
		return errors.New("broker connection closed")
	}
	return nil
}
