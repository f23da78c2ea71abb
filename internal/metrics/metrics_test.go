package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"occasion/internal/types"
)

func TestMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveDelivery(types.OccasionBirthday, OutcomeSent)
	m.ObserveDelivery(types.OccasionBirthday, OutcomeSent)
	m.ObserveDelivery(types.OccasionAnniversary, OutcomeRetried)
	m.ObservePublish("delivery")
	m.ObserveConsume()
	m.ObserveJobRun("daily_precalc", "success", 2*time.Second, 41)
	m.SetQueueDepth(types.StatusQueued, 7)
	m.SetBreakerState(gobreaker.StateOpen)

	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.deliveries.WithLabelValues("birthday", OutcomeSent)))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		m.deliveries.WithLabelValues("anniversary", OutcomeRetried)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.published.WithLabelValues("delivery")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.consumed))
	assert.Equal(t, float64(41), testutil.ToFloat64(m.jobItems.WithLabelValues("daily_precalc")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.queueDepth.WithLabelValues("queued")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.breaker))

	// Registering twice on the same registry must panic per Prometheus
	// semantics; a fresh registry must accept a fresh set.
	require.Panics(t, func() { New(reg) })
	require.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}

func TestMetrics_BreakerStateMapping(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetBreakerState(gobreaker.StateClosed)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.breaker))

	m.SetBreakerState(gobreaker.StateHalfOpen)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.breaker))

	m.SetBreakerState(gobreaker.StateOpen)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.breaker))
}
