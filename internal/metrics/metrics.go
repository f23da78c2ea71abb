// Package metrics defines the Prometheus instrumentation shared by the
// scheduler and delivery-worker processes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"occasion/internal/types"
)

// namespace predates anniversary support; the Grafana dashboards query
// these series by name, so it stays.
const namespace = "birthday_scheduler"

// Delivery outcome label values.
const (
	OutcomeSent       = "sent"
	OutcomeRetried    = "retried"
	OutcomeDuplicate  = "duplicate"
	OutcomeDeadLetter = "dead_lettered"
	OutcomeFailed     = "failed"
)

// Metrics holds every collector the pipeline reports to. All collectors are
// registered against the registry passed to New, so tests can use a private
// registry and processes can expose only their own series.
type Metrics struct {
	deliveries  *prometheus.CounterVec
	published   *prometheus.CounterVec
	consumed    prometheus.Counter
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobItems    *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	breaker     prometheus.Gauge
}

// New registers all collectors on reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by occasion type and outcome.",
		}, []string{"occasion_type", "outcome"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages published to the broker by destination.",
		}, []string{"destination"}),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_total",
			Help:      "Messages consumed from the delivery queue.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job executions by job type and status.",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job execution duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_items_total",
			Help:      "Items processed per job type.",
		}, []string{"job"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Scheduled message rows by status.",
		}, []string{"queue_name"}),
		breaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Sender circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
	}

	reg.MustRegister(
		m.deliveries,
		m.published,
		m.consumed,
		m.jobRuns,
		m.jobDuration,
		m.jobItems,
		m.queueDepth,
		m.breaker,
	)
	return m
}

// ObserveDelivery records one delivery attempt outcome.
func (m *Metrics) ObserveDelivery(ot types.OccasionType, outcome string) {
	m.deliveries.WithLabelValues(string(ot), outcome).Inc()
}

// ObservePublish records a confirmed publish to the given destination
// ("delivery", "delayed", or "dead_letter").
func (m *Metrics) ObservePublish(destination string) {
	m.published.WithLabelValues(destination).Inc()
}

// ObserveConsume records one consumed delivery.
func (m *Metrics) ObserveConsume() {
	m.consumed.Inc()
}

// ObserveJobRun records a completed job execution with its duration and the
// number of items it processed.
func (m *Metrics) ObserveJobRun(job, status string, duration time.Duration, items int) {
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	m.jobItems.WithLabelValues(job).Add(float64(items))
}

// SetQueueDepth sets the row count gauge for one message status.
func (m *Metrics) SetQueueDepth(status types.MessageStatus, n int) {
	m.queueDepth.WithLabelValues(string(status)).Set(float64(n))
}

// SetBreakerState mirrors the sender breaker state into its gauge.
func (m *Metrics) SetBreakerState(state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.breaker.Set(v)
}
