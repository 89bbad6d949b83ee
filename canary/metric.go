package canary

import (
	"fmt"
	"math"
)

// Direction tells the scorer which side of the threshold is healthy.
type Direction string

const (
	// HigherIsBetter scores value/threshold, saturating at 1 (e.g. success rate).
	HigherIsBetter Direction = "higher_is_better"
	// LowerIsBetter scores threshold/value, saturating at 1 (e.g. latency, error rate).
	LowerIsBetter Direction = "lower_is_better"
)

// validDirections maps accepted direction strings. Empty defaults to LowerIsBetter.
var validDirections = map[Direction]bool{
	HigherIsBetter: true,
	LowerIsBetter:  true,
	"":             true,
}

// IsValidDirection returns true if d is a recognized direction.
func IsValidDirection(d string) bool { return validDirections[Direction(d)] }

// MetricSpec describes one health metric evaluated every analysis cycle.
// Query is opaque to the core; it is owned by the Collector.
type MetricSpec struct {
	Name      string    `yaml:"name" validate:"required"`
	Query     string    `yaml:"query"`
	Threshold float64   `yaml:"threshold" validate:"gt=0"`
	Weight    float64   `yaml:"weight" validate:"gt=0"`
	Direction Direction `yaml:"direction" validate:"omitempty,oneof=higher_is_better lower_is_better"`
}

// EffectiveDirection returns Direction, defaulting to LowerIsBetter when unset.
func (s MetricSpec) EffectiveDirection() Direction {
	if s.Direction == "" {
		return LowerIsBetter
	}
	return s.Direction
}

// Validate checks the invariants Score relies on. Called once at load time.
func (s MetricSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: metric name is required", ErrConfiguration)
	}
	if s.Threshold <= 0 || math.IsNaN(s.Threshold) || math.IsInf(s.Threshold, 0) {
		return fmt.Errorf("%w: metric %q threshold must be a finite positive number, got %v: %w",
			ErrConfiguration, s.Name, s.Threshold, ErrInvalidThreshold)
	}
	if s.Weight <= 0 || math.IsNaN(s.Weight) || math.IsInf(s.Weight, 0) {
		return fmt.Errorf("%w: metric %q weight must be a finite positive number, got %v",
			ErrConfiguration, s.Name, s.Weight)
	}
	if !IsValidDirection(string(s.Direction)) {
		return fmt.Errorf("%w: metric %q has unknown direction %q", ErrConfiguration, s.Name, s.Direction)
	}
	return nil
}

// MetricObservation is one scored metric within an AnalysisResult.
type MetricObservation struct {
	Name      string  `json:"-"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Score     float64 `json:"score"`
}

// Score normalizes a raw metric value into [0,1] against its threshold.
//
//   - HigherIsBetter: min(value/threshold, 1)
//   - LowerIsBetter:  threshold/value, with value <= 0 treated as value == threshold,
//     so a zero error rate or latency scores 1
//
// The threshold is validated at configuration time; Score never returns an error.
func Score(value, threshold float64, direction Direction) float64 {
	var score float64
	switch direction {
	case HigherIsBetter:
		score = value / threshold
	default:
		effective := value
		if value <= 0 {
			effective = threshold
		}
		score = threshold / effective
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
