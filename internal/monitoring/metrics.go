package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters for one batch run. Every method is safe on a nil
// receiver so callers can run without metrics.
type Metrics struct {
	Registry *prometheus.Registry

	files         *prometheus.CounterVec
	rowsRemoved   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	pointsIn      prometheus.Counter
	pointsOut     prometheus.Counter
}

// NewMetrics registers the scanprep collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanprep_files_total",
			Help: "Scan pairs processed, by outcome.",
		}, []string{"outcome"}),
		rowsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanprep_rows_removed_total",
			Help: "Downsampled rows removed by the quality filter, by reason.",
		}, []string{"reason"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanprep_stage_duration_seconds",
			Help:    "Wall time per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
		pointsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanprep_points_in_total",
			Help: "Dense points loaded.",
		}),
		pointsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanprep_points_out_total",
			Help: "Rows written to records.",
		}),
	}
	m.Registry.MustRegister(m.files, m.rowsRemoved, m.stageDuration, m.pointsIn, m.pointsOut)
	return m
}

// FileDone counts one pair with the given outcome ("succeeded" or "failed").
func (m *Metrics) FileDone(outcome string) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(outcome).Inc()
}

// RowsRemoved adds n rows dropped for reason.
func (m *Metrics) RowsRemoved(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsRemoved.WithLabelValues(reason).Add(float64(n))
}

// ObserveStage records d against stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Points adds dense input and written output row counts.
func (m *Metrics) Points(in, out int) {
	if m == nil {
		return
	}
	m.pointsIn.Add(float64(in))
	m.pointsOut.Add(float64(out))
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
