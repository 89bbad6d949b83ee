package canary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Decision is the per-cycle rollout classification.
// Decisions are not states: every cycle reclassifies from its own composite score.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionPromote  Decision = "promote"
	DecisionRollback Decision = "rollback"
)

// Thresholds classify a composite score. Rollback must be strictly below Promotion.
type Thresholds struct {
	Rollback  float64 `yaml:"rollback_threshold" validate:"gte=0,lte=1,ltfield=Promotion"`
	Promotion float64 `yaml:"promotion_threshold" validate:"gte=0,lte=1"`
}

// Classify maps a composite score to a Decision.
func (t Thresholds) Classify(composite float64) Decision {
	switch {
	case composite < t.Rollback:
		return DecisionRollback
	case composite > t.Promotion:
		return DecisionPromote
	default:
		return DecisionContinue
	}
}

// Observations holds one cycle of raw metric values keyed by metric name.
// A metric absent from the map was not observed this cycle.
type Observations map[string]float64

// Collector supplies raw metric values for one analysis cycle.
// A per-metric failure drops that metric from the returned Observations.
// An error is returned only when the whole cycle failed; it should wrap
// ErrCollectorUnavailable.
type Collector interface {
	Collect(ctx context.Context, specs []MetricSpec) (Observations, error)
}

// AnalysisResult is the outcome of one analysis cycle.
type AnalysisResult struct {
	ID        string
	Timestamp time.Time
	Metrics   []MetricObservation // scored metrics, in MetricSpec order
	Missing   []string            // metrics excluded for lack of an observation
	Score     float64             // weighted composite in [0,1]
	Decision  Decision
}

func (r AnalysisResult) clone() AnalysisResult {
	r.Metrics = append([]MetricObservation(nil), r.Metrics...)
	r.Missing = append([]string(nil), r.Missing...)
	return r
}

// analysisResultJSON is the wire view consumed by dashboards and the rollout orchestrator.
type analysisResultJSON struct {
	ID             string                       `json:"id"`
	Timestamp      time.Time                    `json:"timestamp"`
	Metrics        map[string]MetricObservation `json:"metrics"`
	Missing        []string                     `json:"missing,omitempty"`
	Score          float64                      `json:"score"`
	Recommendation Decision                     `json:"recommendation"`
}

// MarshalJSON renders metrics as a name-keyed map.
func (r AnalysisResult) MarshalJSON() ([]byte, error) {
	view := analysisResultJSON{
		ID:             r.ID,
		Timestamp:      r.Timestamp,
		Metrics:        make(map[string]MetricObservation, len(r.Metrics)),
		Missing:        r.Missing,
		Score:          r.Score,
		Recommendation: r.Decision,
	}
	for _, m := range r.Metrics {
		view.Metrics[m.Name] = m
	}
	return json.Marshal(view)
}

// Engine turns observations into decisions and keeps a bounded history of them.
//
// Thread-safety: Analyze and Evaluate must be called from one goroutine at a time.
// History reads are safe from any goroutine.
type Engine struct {
	specs      []MetricSpec
	thresholds Thresholds
	history    *History
	observer   Observer
	now        func() time.Time
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithObserver attaches an Observer notified of every cycle.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine for specs, evaluated in the given order.
// specs and thresholds are expected to have passed Config.Validate.
func NewEngine(specs []MetricSpec, thresholds Thresholds, historyWindow int, opts ...EngineOption) *Engine {
	e := &Engine{
		specs:      append([]MetricSpec(nil), specs...),
		thresholds: thresholds,
		history:    NewHistory(historyWindow),
		observer:   NopObserver{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Specs returns a copy of the configured metric specs.
func (e *Engine) Specs() []MetricSpec { return append([]MetricSpec(nil), e.specs...) }

// History returns the engine's result history.
func (e *Engine) History() *History { return e.history }

// Analyze scores obs against the configured specs, classifies the composite
// score and records the result.
//
// A metric with no observation, or a NaN or infinite one, is excluded from
// the weighted average and listed in Missing. When no metric could be scored
// the decision is Continue.
func (e *Engine) Analyze(obs Observations) AnalysisResult {
	result := AnalysisResult{
		ID:        uuid.NewString(),
		Timestamp: e.now(),
		Metrics:   make([]MetricObservation, 0, len(e.specs)),
	}

	var weighted, totalWeight float64
	for _, spec := range e.specs {
		value, ok := obs[spec.Name]
		if !ok || math.IsNaN(value) || math.IsInf(value, 0) {
			result.Missing = append(result.Missing, spec.Name)
			logrus.WithFields(logrus.Fields{
				"metric": spec.Name,
				"cycle":  result.ID,
			}).Warnf("no usable data for metric; excluding from composite: %v", ErrMissingObservation)
			continue
		}
		score := Score(value, spec.Threshold, spec.EffectiveDirection())
		result.Metrics = append(result.Metrics, MetricObservation{
			Name:      spec.Name,
			Value:     value,
			Threshold: spec.Threshold,
			Score:     score,
		})
		weighted += score * spec.Weight
		totalWeight += spec.Weight
	}

	if totalWeight > 0 {
		result.Score = weighted / totalWeight
		result.Decision = e.thresholds.Classify(result.Score)
	} else {
		result.Decision = DecisionContinue
	}

	e.history.Append(result)
	e.observer.ObserveAnalysis(result)
	logrus.Debugf("analysis %s: score=%.4f decision=%s missing=%v", result.ID, result.Score, result.Decision, result.Missing)
	return result
}

// Evaluate collects one cycle of observations and analyzes them.
//
// If the collector fails for the whole cycle, Evaluate returns a fail-safe
// Continue result, which is not recorded in History, and an error wrapping
// ErrCollectorUnavailable.
func (e *Engine) Evaluate(ctx context.Context, c Collector) (AnalysisResult, error) {
	obs, err := c.Collect(ctx, e.Specs())
	if err != nil {
		if !errors.Is(err, ErrCollectorUnavailable) {
			err = fmt.Errorf("%w: %w", ErrCollectorUnavailable, err)
		}
		logrus.WithError(err).Warn("analysis cycle failed; defaulting to continue")
		e.observer.ObserveCollectorFailure(err)
		return AnalysisResult{
			ID:        uuid.NewString(),
			Timestamp: e.now(),
			Decision:  DecisionContinue,
		}, err
	}
	return e.Analyze(obs), nil
}

// StaticCollector returns fixed observations. Used for file-driven analysis and tests.
type StaticCollector struct {
	Observations Observations
	Err          error
}

// Collect returns the configured observations restricted to specs.
func (c StaticCollector) Collect(_ context.Context, specs []MetricSpec) (Observations, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	out := make(Observations, len(specs))
	for _, s := range specs {
		if v, ok := c.Observations[s.Name]; ok {
			out[s.Name] = v
		}
	}
	return out, nil
}
