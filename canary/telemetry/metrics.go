// Package telemetry exposes analysis, planning and training activity as
// Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/canary-tuner/canary-tuner/canary/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canary_tuner"

var (
	_ canary.Observer        = (*Metrics)(nil)
	_ model.TrainingObserver = (*Metrics)(nil)
)

// Metrics holds every instrument on a private registry so that multiple
// instances (tests, embedded use) never collide.
type Metrics struct {
	registry *prometheus.Registry

	compositeScore      prometheus.Gauge
	decisions           *prometheus.CounterVec
	metricScore         *prometheus.GaugeVec
	metricValue         *prometheus.GaugeVec
	missingObservations *prometheus.CounterVec
	collectorFailures   prometheus.Counter
	planIncrement       prometheus.Gauge
	planSteps           prometheus.Gauge
	plans               *prometheus.CounterVec
	modelVersion        prometheus.Gauge
	trainings           *prometheus.CounterVec
	trainingDuration    prometheus.Histogram
	trainingRecords     prometheus.Gauge
}

// New creates Metrics registered on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		compositeScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "composite_score",
			Help:      "Composite health score of the latest analysis cycle",
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "decisions_total",
			Help:      "Analysis cycles by recommended decision",
		}, []string{"decision"}),
		metricScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "metric_score",
			Help:      "Per-metric health score of the latest analysis cycle",
		}, []string{"metric"}),
		metricValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "metric_value",
			Help:      "Per-metric observed value of the latest analysis cycle",
		}, []string{"metric"}),
		missingObservations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "missing_observations_total",
			Help:      "Configured metrics with no observation in a cycle",
		}, []string{"metric"}),
		collectorFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "collector_failures_total",
			Help:      "Analysis cycles where no metric could be collected",
		}),
		planIncrement: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "increment_percent",
			Help:      "Canary increment of the latest step plan (0 for the default plan)",
		}),
		planSteps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "steps",
			Help:      "Number of steps in the latest step plan",
		}),
		plans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "plans_total",
			Help:      "Step plans produced by source",
		}, []string{"source"}),
		modelVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "version",
			Help:      "Version of the model currently serving predictions",
		}),
		trainings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "trainings_total",
			Help:      "Training attempts by result",
		}, []string{"result"}),
		trainingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "training_duration_seconds",
			Help:      "Wall time of a training attempt",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		trainingRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "training_records",
			Help:      "Deployment records used by the latest training attempt",
		}),
	}
}

// Registry returns the registry holding the instruments.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAnalysis implements canary.Observer.
func (m *Metrics) ObserveAnalysis(r canary.AnalysisResult) {
	m.compositeScore.Set(r.Score)
	m.decisions.WithLabelValues(string(r.Decision)).Inc()
	for _, obs := range r.Metrics {
		m.metricScore.WithLabelValues(obs.Name).Set(obs.Score)
		m.metricValue.WithLabelValues(obs.Name).Set(obs.Value)
	}
	for _, name := range r.Missing {
		m.missingObservations.WithLabelValues(name).Inc()
	}
}

// ObserveCollectorFailure implements canary.Observer.
func (m *Metrics) ObserveCollectorFailure(error) {
	m.collectorFailures.Inc()
}

// ObservePlan implements canary.Observer.
func (m *Metrics) ObservePlan(p canary.StepPlan) {
	m.planIncrement.Set(float64(p.Increment))
	m.planSteps.Set(float64(len(p.Steps)))
	m.plans.WithLabelValues(string(p.Source)).Inc()
}

// ObserveTraining implements model.TrainingObserver.
func (m *Metrics) ObserveTraining(current *model.Model, records int, elapsed time.Duration, err error) {
	result := "success"
	switch {
	case err != nil:
		result = "failure"
	case records == 0:
		result = "skipped"
	}
	m.trainings.WithLabelValues(result).Inc()
	m.trainingDuration.Observe(elapsed.Seconds())
	m.trainingRecords.Set(float64(records))
	m.modelVersion.Set(float64(current.ModelVersion()))
}

// SetModelVersion records the version loaded outside of training.
func (m *Metrics) SetModelVersion(v uint64) {
	m.modelVersion.Set(float64(v))
}
