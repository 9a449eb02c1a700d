package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/annopipe/pkg/worker"
)

const namespace = "annopipe"

// PipelineMetrics records per-stage message outcomes. It implements
// worker.Recorder.
type PipelineMetrics struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ worker.Recorder = (*PipelineMetrics)(nil)

// NewPipelineMetrics registers the pipeline collectors on reg.
func NewPipelineMetrics(reg prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages settled by a stage, by disposition.",
		}, []string{"stage", "disposition"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one message.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 9),
		}, []string{"stage"}),
	}
	for _, c := range []prometheus.Collector{m.messages, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PipelineMetrics) Observe(stage string, d worker.Disposition, elapsed time.Duration) {
	m.messages.WithLabelValues(stage, string(d)).Inc()
	m.duration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RegisterJobsInFlight exposes a runner's admitted job count.
func RegisterJobsInFlight(reg prometheus.Registerer, inFlight func() int) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_in_flight",
		Help:      "Jobs admitted by this runner and not yet finished.",
	}, func() float64 { return float64(inFlight()) }))
}

var (
	// PrometheusRegistry is the process registry served on /metrics.
	PrometheusRegistry *prometheus.Registry

	// Pipeline records stage outcomes on PrometheusRegistry.
	Pipeline *PipelineMetrics
)

// InitMetrics creates the process registry with Go and process collectors.
func InitMetrics() error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := NewPipelineMetrics(reg)
	if err != nil {
		return err
	}
	PrometheusRegistry = reg
	Pipeline = m
	return nil
}

// MetricsHandler serves PrometheusRegistry.
func MetricsHandler() (http.Handler, error) {
	if PrometheusRegistry == nil {
		return nil, errors.New("metrics not initialized")
	}
	return promhttp.HandlerFor(PrometheusRegistry, promhttp.HandlerOpts{}), nil
}
