package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"occasion/internal/types"
)

// Job type names, used as job_history keys, lock prefixes, and metric labels.
const (
	JobPrecalc  = "daily_precalc"
	JobEnqueue  = "minute_enqueue"
	JobRecovery = "recovery"
)

// JobFunc is one job execution: reference time in, processed item count out.
type JobFunc func(ctx context.Context, now time.Time) (int, error)

// Job couples a job name with its cron spec and implementation.
type Job struct {
	Name string
	Spec string
	Run  JobFunc
}

// LockStore is the job_locks slice of the store.
type LockStore interface {
	// Acquire attempts to take the named lock for ttl. False means another
	// instance holds it.
	Acquire(ctx context.Context, lockID, ownerID string, ttl time.Duration) (bool, error)
}

// HistoryStore records job executions.
type HistoryStore interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, jobErr error) error
}

// JobObserver receives job run metrics.
type JobObserver interface {
	ObserveJobRun(job, status string, duration time.Duration, items int)
}

// Runner drives the registered jobs on their cron schedules and exposes
// manual triggering for the operational surface. Each execution takes a
// per-window store lock first, so schedulers can run replicated without
// duplicating work; the lock is efficiency only, correctness rests on the
// store's guarded transitions.
type Runner struct {
	cron    *cron.Cron
	locks   LockStore
	history HistoryStore
	metrics JobObserver
	ownerID string
	lockTTL time.Duration
	logger  *slog.Logger
	jobs    map[string]Job
}

// NewRunner creates a Runner. ownerID identifies this scheduler instance in
// job_locks (typically service name plus a uuid).
func NewRunner(locks LockStore, history HistoryStore, metrics JobObserver, ownerID string, lockTTL time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cron:    cron.New(),
		locks:   locks,
		history: history,
		metrics: metrics,
		ownerID: ownerID,
		lockTTL: lockTTL,
		logger:  logger,
		jobs:    make(map[string]Job),
	}
}

// Register adds a job to the cron schedule.
func (r *Runner) Register(job Job) error {
	if _, exists := r.jobs[job.Name]; exists {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("job %q registered twice", job.Name), nil)
	}

	_, err := r.cron.AddFunc(job.Spec, func() {
		r.execute(context.Background(), job, time.Now().UTC())
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("invalid cron spec %q for job %q", job.Spec, job.Name), err)
	}

	r.jobs[job.Name] = job
	return nil
}

// Start begins cron scheduling. Jobs run in cron's own goroutines.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("job runner started", "jobs", len(r.jobs), "owner_id", r.ownerID)
}

// Stop halts scheduling and returns a context that is done once all running
// jobs have finished, for graceful shutdown.
func (r *Runner) Stop() context.Context {
	return r.cron.Stop()
}

// Trigger runs one job immediately by name, outside its schedule. Used by
// the ops endpoint. The job still competes for its lock, so a manual trigger
// cannot overlap a scheduled run of the same window.
func (r *Runner) Trigger(ctx context.Context, name string, now time.Time) error {
	job, ok := r.jobs[name]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundJob,
			fmt.Sprintf("unknown job %q", name), nil)
	}
	r.execute(ctx, job, now)
	return nil
}

// JobNames returns the registered job names for the ops surface.
func (r *Runner) JobNames() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

// execute runs one job under its window lock with history and metrics
// recording. Job errors are logged and recorded, never propagated: the next
// scheduled run is the retry.
func (r *Runner) execute(ctx context.Context, job Job, now time.Time) {
	lockID := fmt.Sprintf("%s:%s", job.Name, now.Format("2006-01-02T15:04"))
	acquired, err := r.locks.Acquire(ctx, lockID, r.ownerID, r.lockTTL)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to acquire job lock",
			"job", job.Name,
			"lock_id", lockID,
			"error", err,
		)
		return
	}
	if !acquired {
		r.logger.InfoContext(ctx, "job lock held elsewhere, skipping",
			"job", job.Name,
			"lock_id", lockID,
		)
		return
	}

	historyID, err := r.history.Start(ctx, job.Name)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to record job start",
			"job", job.Name,
			"error", err,
		)
		// Run anyway; history is observability, not control flow.
		historyID = -1
	}

	start := time.Now()
	items, runErr := job.Run(ctx, now)
	duration := time.Since(start)

	status := "success"
	if runErr != nil {
		status = "failed"
		r.logger.ErrorContext(ctx, "job run failed",
			"job", job.Name,
			"items", items,
			"duration", duration.String(),
			"error", runErr,
		)
	} else {
		r.logger.InfoContext(ctx, "job run complete",
			"job", job.Name,
			"items", items,
			"duration", duration.String(),
		)
	}

	if historyID >= 0 {
		if err := r.history.Finish(ctx, historyID, status, items, runErr); err != nil {
			r.logger.ErrorContext(ctx, "failed to record job finish",
				"job", job.Name,
				"error", err,
			)
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveJobRun(job.Name, status, duration, items)
	}
}
