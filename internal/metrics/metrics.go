package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/blockprov/blockprov"
	"github.com/blockprov/blockprov/internal/provision"
	"github.com/blockprov/blockprov/pkg/provision/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects the metrics of a provisioning run in its own registry.
type Recorder struct {
	registry *prometheus.Registry

	steps          *prometheus.CounterVec
	stepDurations  *prometheus.HistogramVec
	requestedBytes *prometheus.GaugeVec
	lastSuccess    prometheus.Gauge
	lastTimestamp  prometheus.Gauge
}

var _ provision.StepRecorder = &Recorder{}

// NewRecorder returns a Recorder labelling every metric with nodeName.
func NewRecorder(nodeName string) *Recorder {
	constLabels := prometheus.Labels{"node": nodeName}

	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   blockprov.MetricsNamespace,
			Name:        "step_total",
			Help:        "Provisioning steps by outcome",
			ConstLabels: constLabels,
		}, []string{"step", "outcome"}),
		stepDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   blockprov.MetricsNamespace,
			Name:        "step_duration_seconds",
			Help:        "Time spent in provisioning steps, checks included",
			ConstLabels: constLabels,
			Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step"}),
		requestedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   blockprov.MetricsNamespace,
			Name:        "requested_bytes",
			Help:        "Total size of the requested storage",
			ConstLabels: constLabels,
		}, []string{"layout"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   blockprov.MetricsNamespace,
			Name:        "last_run_success",
			Help:        "1 if the last provisioning run reached the mounted state",
			ConstLabels: constLabels,
		}),
		lastTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   blockprov.MetricsNamespace,
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time of the end of the last provisioning run",
			ConstLabels: constLabels,
		}),
	}
	r.registry.MustRegister(r.steps, r.stepDurations, r.requestedBytes, r.lastSuccess, r.lastTimestamp)
	return r
}

// Registry returns the registry holding the metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveStep implements provision.StepRecorder.
func (r *Recorder) ObserveStep(step provision.Step, outcome provision.Outcome, elapsed time.Duration) {
	r.steps.WithLabelValues(string(step), outcome.String()).Inc()
	r.stepDurations.WithLabelValues(string(step)).Observe(elapsed.Seconds())
}

// ObserveRequest records the size of req.
func (r *Recorder) ObserveRequest(req types.StorageRequest) {
	r.requestedBytes.WithLabelValues(string(req.Layout)).Set(float64(req.TotalSize * blockprov.GiB))
}

// ObserveResult records the terminal state of a run. A nil result counts as a failure.
func (r *Recorder) ObserveResult(result *provision.Result, now time.Time) {
	if result != nil && result.State == provision.StateMounted {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}
	r.lastTimestamp.Set(float64(now.Unix()))
}

// WriteTextfile writes the metrics to path in the text exposition format for the node exporter.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
