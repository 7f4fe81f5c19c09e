package download

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes scheduler state to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	queued   prometheus.Gauge
	running  prometheus.Gauge
	finished *prometheus.CounterVec
	duration prometheus.Histogram
	failures prometheus.Counter
}

// NewMetrics registers the scheduler collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dicomfetch_tasks_queued",
			Help: "Series download tasks waiting for a worker",
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dicomfetch_tasks_running",
			Help: "Series download tasks currently held by a worker",
		}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomfetch_tasks_finished_total",
			Help: "Series download tasks by terminal state",
		}, []string{"state"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dicomfetch_task_duration_seconds",
			Help:    "Wall time of series downloads that reached a worker",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "dicomfetch_instance_failures_total",
			Help: "Instance retrievals that failed inside a series download",
		}),
	}
}

func (m *Metrics) setQueued(n int) {
	if m != nil {
		m.queued.Set(float64(n))
	}
}

func (m *Metrics) setRunning(n int) {
	if m != nil {
		m.running.Set(float64(n))
	}
}

func (m *Metrics) observeFinished(state State, started time.Time) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(state.String()).Inc()
	if !started.IsZero() {
		m.duration.Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) instanceFailed() {
	if m != nil {
		m.failures.Inc()
	}
}
