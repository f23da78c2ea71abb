// Package ops provides the operational HTTP surface shared by the scheduler
// process: health, Prometheus metrics, job status and manual triggers, and
// the reschedule endpoint invoked by the user CRUD layer after edits.
package ops

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"occasion/internal/config"
	"occasion/internal/types"
)

// healthCheckTimeout bounds the combined health probe time.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is one critical dependency check (database, broker).
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// JobTriggerer runs registered jobs on demand.
type JobTriggerer interface {
	Trigger(ctx context.Context, name string, now time.Time) error
	JobNames() []string
}

// JobStatusSource reports the most recent run per job type.
type JobStatusSource interface {
	Latest(ctx context.Context) ([]types.JobStatus, error)
}

// StatusCounter reports scheduled message row counts per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[types.MessageStatus]int, error)
}

// Rescheduler wipes and recomputes one user's pending messages.
type Rescheduler interface {
	Reschedule(ctx context.Context, userID string, now time.Time) (deleted, created int, err error)
}

// Server is the ops HTTP server. Dependencies are injected as narrow
// interfaces so handler tests run against fakes.
type Server struct {
	cfg         config.OpsConfig
	jobs        JobTriggerer
	history     JobStatusSource
	counts      StatusCounter
	rescheduler Rescheduler
	probes      []HealthProbe
	registry    *prometheus.Registry
	logger      *slog.Logger
	router      *chi.Mux
}

// NewServer builds the server and mounts all routes.
func NewServer(
	cfg config.OpsConfig,
	jobs JobTriggerer,
	history JobStatusSource,
	counts StatusCounter,
	rescheduler Rescheduler,
	probes []HealthProbe,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		jobs:        jobs,
		history:     history,
		counts:      counts,
		rescheduler: rescheduler,
		probes:      probes,
		registry:    registry,
		logger:      logger,
		router:      chi.NewRouter(),
	}
	s.mountRoutes()
	return s
}

func (s *Server) mountRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.router.Get("/jobs", s.handleJobs)
	s.router.Post("/jobs/{job}/run", s.handleJobRun)
	s.router.Post("/users/{userID}/reschedule", s.handleReschedule)
}

// Handler returns the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
