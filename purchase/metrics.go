package purchase

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/furkansenharputlu/f-license-validator/lcs"
)

// Metrics counts outcomes per operation and times confirmation waits. A nil *Metrics
// records nothing.
type Metrics struct {
	outcomes     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	confirmation prometheus.Histogram
}

// NewMetrics registers the collectors with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flicense",
			Subsystem: "client",
			Name:      "outcomes_total",
			Help:      "Purchase and verification outcomes by operation and result.",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flicense",
			Subsystem: "client",
			Name:      "operation_duration_seconds",
			Help:      "Time from request to outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		confirmation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flicense",
			Subsystem: "client",
			Name:      "confirmation_wait_seconds",
			Help:      "Time spent waiting for an out-of-band payment confirmation.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	if reg != nil {
		reg.MustRegister(m.outcomes, m.duration, m.confirmation)
	}

	return m
}

func (m *Metrics) observe(operation string, out lcs.OperationOutcome, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.outcomes.WithLabelValues(operation, result(out)).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) observeConfirmation(elapsed time.Duration) {
	if m == nil {
		return
	}

	m.confirmation.Observe(elapsed.Seconds())
}

func result(out lcs.OperationOutcome) string {
	switch {
	case out.Failed():
		return string(out.Kind)
	case out.Paid:
		return "paid"
	default:
		return "not_paid"
	}
}
