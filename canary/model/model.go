package model

import (
	"math"
	"time"

	"github.com/canary-tuner/canary-tuner/canary"
)

// Model is one fitted, versioned regressor. A published Model is immutable.
type Model struct {
	Version   uint64
	Algorithm string
	TrainedAt time.Time
	Records   int    // training samples used
	Checksum  string // payload checksum, set when encoded or decoded

	regressor Regressor
}

// NewModel wraps a fitted regressor. Version is assigned on publish.
func NewModel(algorithm string, reg Regressor, trainedAt time.Time, records int) *Model {
	return &Model{
		Algorithm: algorithm,
		TrainedAt: trainedAt,
		Records:   records,
		regressor: reg,
	}
}

// Predict returns the raw predicted canary increment for f, NaN if untrained.
func (m *Model) Predict(f canary.Features) float64 {
	if !m.Trained() {
		return math.NaN()
	}
	return m.regressor.Predict(f.Vector())
}

// Trained reports whether m holds a fitted regressor. Safe on a nil Model.
func (m *Model) Trained() bool {
	return m != nil && m.regressor != nil
}

// ModelVersion returns the published version, 0 for nil or unpublished models.
func (m *Model) ModelVersion() uint64 {
	if m == nil {
		return 0
	}
	return m.Version
}
