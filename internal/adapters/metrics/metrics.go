// Package metrics exports task and model loading metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"nstbot/internal/core/domain"
)

// Metrics implements port.TaskObserver and provides a model load hook.
type Metrics struct {
	submitted    *prometheus.CounterVec
	finished     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec
	loadDuration prometheus.Histogram
	loadErrors   prometheus.Counter
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer to expose them on
// the default handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nst_tasks_submitted_total",
			Help: "Transfer tasks accepted by the dispatcher",
		}, []string{"algorithm"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nst_tasks_finished_total",
			Help: "Transfer tasks that reached a terminal status",
		}, []string{"algorithm", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nst_task_duration_seconds",
			Help:    "Time from task start to its terminal status",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"algorithm", "status"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nst_tasks_in_flight",
			Help: "Tasks submitted and not yet finished",
		}, []string{"algorithm"}),
		loadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nst_weights_load_duration_seconds",
			Help:    "Time spent loading model weights",
			Buckets: prometheus.DefBuckets,
		}),
		loadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "nst_weights_load_errors_total",
			Help: "Failed model weight loads",
		}),
	}
}

func (m *Metrics) TaskSubmitted(alg domain.Algorithm) {
	m.submitted.WithLabelValues(string(alg)).Inc()
	m.inFlight.WithLabelValues(string(alg)).Inc()
}

// TaskFinished records a terminal status. A zero duration means the task never ran, as for a
// pending task that was cancelled, and is left out of the histogram.
func (m *Metrics) TaskFinished(alg domain.Algorithm, status domain.Status, duration time.Duration) {
	m.finished.WithLabelValues(string(alg), string(status)).Inc()
	m.inFlight.WithLabelValues(string(alg)).Dec()

	if duration > 0 {
		m.duration.WithLabelValues(string(alg), string(status)).Observe(duration.Seconds())
	}
}

// WeightsLoaded has the signature of nst.LoadHook.
func (m *Metrics) WeightsLoaded(took time.Duration, err error) {
	if err != nil {
		m.loadErrors.Inc()
		return
	}

	m.loadDuration.Observe(took.Seconds())
}
