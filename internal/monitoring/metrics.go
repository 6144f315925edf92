package monitoring

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fit outcomes recorded by FitMetrics.
const (
	OutcomeFitted  = "fitted"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// FitMetrics collects calibration fit statistics on a private registry so a
// batch run can dump them as a node-exporter textfile when it finishes.
type FitMetrics struct {
	registry *prometheus.Registry

	fits     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	chi2     *prometheus.GaugeVec
}

// NewFitMetrics creates and registers the calibration collectors.
func NewFitMetrics() *FitMetrics {
	m := &FitMetrics{
		registry: prometheus.NewRegistry(),
		fits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scdcal",
			Name:      "fits_total",
			Help:      "Number of calibration fits by stage and outcome.",
		}, []string{"stage", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scdcal",
			Name:      "fit_duration_seconds",
			Help:      "Wall time spent inside the solver per fit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
		chi2: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scdcal",
			Name:      "chi2_over_dof",
			Help:      "Goodness of fit of the last fit per component.",
		}, []string{"component"}),
	}
	m.registry.MustRegister(m.fits, m.duration, m.chi2)
	return m
}

// ObserveFit records one fit. Safe for concurrent use; a nil receiver is a no-op.
func (m *FitMetrics) ObserveFit(stage, component, outcome string, elapsed time.Duration, chi2 float64) {
	if m == nil {
		return
	}
	m.fits.WithLabelValues(stage, outcome).Inc()
	if outcome != OutcomeFitted {
		return
	}
	m.duration.WithLabelValues(stage).Observe(elapsed.Seconds())
	m.chi2.WithLabelValues(component).Set(chi2)
}

// Gatherer exposes the underlying registry.
func (m *FitMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the current metric values in the text exposition format.
func (m *FitMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
