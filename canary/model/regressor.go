// Package model fits, versions and serves the regression model that maps
// deployment features to a canary increment.
//
// A Trainer fits a Regressor on DeploymentRecords and publishes it through a
// Store as an immutable, versioned artifact; a Holder exposes the current
// version to the step planner without ever blocking on training.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/canary-tuner/canary-tuner/canary"
)

// Regressor fits and evaluates a mapping from feature vectors to a scalar.
// Implementations must be deterministic for fixed data and configuration,
// and must serialize to JSON such that Predict round-trips exactly.
type Regressor interface {
	Fit(X [][]float64, y []float64) error
	Predict(x []float64) float64
}

const (
	AlgorithmForest = "forest"
	AlgorithmRidge  = "ridge"
)

// validAlgorithms maps algorithm names to validity. Unexported to prevent mutation.
var validAlgorithms = map[string]bool{
	AlgorithmForest: true,
	AlgorithmRidge:  true,
}

// IsValidAlgorithm returns true if name is a recognized regression algorithm.
func IsValidAlgorithm(name string) bool { return validAlgorithms[name] }

// ValidAlgorithms returns sorted valid algorithm names.
func ValidAlgorithms() []string {
	names := make([]string, 0, len(validAlgorithms))
	for n := range validAlgorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewRegressor creates an unfitted regressor for cfg.Algorithm.
func NewRegressor(cfg canary.ModelConfig) (Regressor, error) {
	switch cfg.Algorithm {
	case AlgorithmForest:
		return NewForest(cfg.Estimators, cfg.MaxDepth, cfg.MinSamplesLeaf, cfg.Seed), nil
	case AlgorithmRidge:
		return NewRidge(cfg.RidgeLambda), nil
	default:
		return nil, fmt.Errorf("unknown algorithm %q; valid: %v", cfg.Algorithm, ValidAlgorithms())
	}
}

// decodeRegressor restores a fitted regressor from an artifact payload.
func decodeRegressor(algorithm string, payload []byte) (Regressor, error) {
	var reg Regressor
	switch algorithm {
	case AlgorithmForest:
		reg = &Forest{}
	case AlgorithmRidge:
		reg = &Ridge{}
	default:
		return nil, fmt.Errorf("unknown algorithm %q", algorithm)
	}
	if err := json.Unmarshal(payload, reg); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", algorithm, err)
	}
	if v, ok := reg.(interface{ validate() error }); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", algorithm, err)
		}
	}
	return reg, nil
}

// checkTrainingData rejects empty, ragged or non-finite training sets.
func checkTrainingData(X [][]float64, y []float64) error {
	if len(X) == 0 {
		return errors.New("no training samples")
	}
	if len(X) != len(y) {
		return fmt.Errorf("got %d samples but %d labels", len(X), len(y))
	}
	width := len(X[0])
	if width == 0 {
		return errors.New("samples have no features")
	}
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("sample %d has %d features, want %d", i, len(row), width)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("sample %d has non-finite feature %v", i, v)
			}
		}
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return fmt.Errorf("sample %d has non-finite label %v", i, y[i])
		}
	}
	return nil
}
