package model

import (
	"math/rand"
	"testing"
	"time"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/stretchr/testify/require"
)

var trainedAt = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

// stepRecords returns n records where quiet traffic (< 100 rps) rolled out in
// large increments and busy traffic in small ones.
func stepRecords(n int, seed int64) []canary.DeploymentRecord {
	r := rand.New(rand.NewSource(seed))
	out := make([]canary.DeploymentRecord, n)
	for i := range out {
		traffic := 10 + r.Float64()*490
		inc := 10.0
		if traffic < 100 {
			inc = 30
		}
		out[i] = canary.DeploymentRecord{
			ID:        "rec",
			Timestamp: trainedAt.Add(-time.Duration(i) * time.Hour),
			Features: canary.Features{
				TrafficLevel:  traffic,
				ErrorRatePrev: r.Float64() * 0.05,
				DeployHour:    r.Intn(24),
				DeployWeekday: r.Intn(7),
			},
			CanaryIncrement: inc,
			SuccessRate:     0.99,
		}
	}
	return out
}

func smallForestConfig(dir string) canary.ModelConfig {
	return canary.ModelConfig{
		Algorithm:      AlgorithmForest,
		Dir:            dir,
		Seed:           42,
		Estimators:     10,
		MaxDepth:       6,
		MinSamplesLeaf: 1,
		RidgeLambda:    1,
		KeepVersions:   3,
	}
}

func fitModel(t *testing.T, algorithm string, records []canary.DeploymentRecord) *Model {
	t.Helper()
	cfg := smallForestConfig(t.TempDir())
	cfg.Algorithm = algorithm
	reg, err := NewRegressor(cfg)
	require.NoError(t, err)
	X, y := DesignMatrix(records)
	require.NoError(t, reg.Fit(X, y))
	return NewModel(algorithm, reg, trainedAt, len(records))
}
