package canary

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// constPredictor predicts a fixed increment.
type constPredictor struct {
	value   float64
	trained bool
	version uint64
}

func (p constPredictor) Predict(Features) float64 { return p.value }
func (p constPredictor) Trained() bool { return p.trained }
func (p constPredictor) ModelVersion() uint64 { return p.version }

func TestExpandWeights(t *testing.T) {
	tests := []struct {
		increment int
		want      []int
	}{
		{30, []int{30, 60, 90, 100}},
		{40, []int{40, 80, 100}},
		{25, []int{25, 50, 75, 100}},
		{5, []int{5, 10, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90, 95, 100}},
		{100, []int{100}},
		{150, []int{100}},
		{0, []int{100}},
		{-5, []int{100}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandWeights(tt.increment), "increment=%d", tt.increment)
	}
}

// TestExpandWeights_Invariants: every increment in the planner's range yields
// a valid plan shape.
func TestExpandWeights_Invariants(t *testing.T) {
	for inc := 1; inc <= MaxWeight; inc++ {
		require.NoError(t, ValidateWeights(ExpandWeights(inc)), "increment=%d", inc)
	}
}

func TestPlanner_Recommend_UsesPrediction(t *testing.T) {
	obs := &recordingObserver{}
	pl := NewPlanner(DefaultPlannerConfig(), obs)

	plan := pl.Recommend(constPredictor{value: 30, trained: true, version: 7}, Features{})

	assert.Equal(t, []int{30, 60, 90, 100}, plan.Weights())
	assert.Equal(t, 30, plan.Increment)
	assert.Equal(t, PlanSourceModel, plan.Source)
	assert.Equal(t, uint64(7), plan.ModelVersion)
	for _, s := range plan.Steps {
		assert.Equal(t, 2*time.Minute, s.Pause)
	}
	assert.Len(t, obs.plans, 1)
}

func TestPlanner_Recommend_RoundsAndClamps(t *testing.T) {
	pl := NewPlanner(DefaultPlannerConfig(), nil)
	tests := []struct {
		name      string
		predicted float64
		increment int
	}{
		{"rounds up", 29.6, 30},
		{"rounds down", 40.4, 40},
		{"clamps high", 75, 40},
		{"clamps low", 1.2, 5},
		{"clamps negative", -8, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := pl.Recommend(constPredictor{value: tt.predicted, trained: true}, Features{})
			assert.Equal(t, tt.increment, plan.Increment)
			assert.Equal(t, ExpandWeights(tt.increment), plan.Weights())
		})
	}
}

func TestPlanner_Recommend_DefaultPlanWithoutModel(t *testing.T) {
	pl := NewPlanner(DefaultPlannerConfig(), nil)

	for _, p := range []Predictor{nil, constPredictor{value: 30, trained: false}} {
		plan := pl.Recommend(p, Features{})
		assert.Equal(t, PlanSourceDefault, plan.Source)
		assert.Equal(t, []int{10, 25, 50, 100}, plan.Weights())
		assert.Zero(t, plan.Increment)
	}
}

func TestPlanner_Recommend_NonFinitePrediction(t *testing.T) {
	pl := NewPlanner(DefaultPlannerConfig(), nil)
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		plan := pl.Recommend(constPredictor{value: v, trained: true}, Features{})
		assert.Equal(t, PlanSourceDefault, plan.Source)
	}
}

func TestValidateWeights(t *testing.T) {
	require.NoError(t, ValidateWeights([]int{100}))
	require.NoError(t, ValidateWeights([]int{10, 25, 50, 100}))

	for _, bad := range [][]int{
		nil,
		{10, 50},
		{10, 10, 100},
		{50, 20, 100},
		{0, 100},
		{10, 101},
	} {
		assert.Error(t, ValidateWeights(bad), "weights=%v", bad)
	}
}

func TestStepPlan_RolloutSteps(t *testing.T) {
	pl := NewPlanner(DefaultPlannerConfig(), nil)
	plan := pl.Recommend(constPredictor{value: 40, trained: true}, Features{})

	steps := plan.RolloutSteps()
	require.Len(t, steps, 6)
	assert.Equal(t, 40, *steps[0].SetWeight)
	assert.Equal(t, "2m", steps[1].Pause.Duration)
	assert.Equal(t, 100, *steps[4].SetWeight)
	assert.Nil(t, steps[1].SetWeight)

	data, err := plan.MarshalRolloutYAML()
	require.NoError(t, err)
	var doc struct {
		Spec struct {
			Strategy struct {
				Canary struct {
					Steps []map[string]any `yaml:"steps"`
				} `yaml:"canary"`
			} `yaml:"strategy"`
		} `yaml:"spec"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, 80, doc.Spec.Strategy.Canary.Steps[2]["setWeight"])
	assert.Equal(t, map[string]any{"duration": "2m"}, doc.Spec.Strategy.Canary.Steps[3]["pause"])
}

func TestFormatPause(t *testing.T) {
	assert.Equal(t, "", FormatPause(0))
	assert.Equal(t, "2m", FormatPause(2*time.Minute))
	assert.Equal(t, "1h", FormatPause(time.Hour))
	assert.Equal(t, "90s", FormatPause(90*time.Second))
	assert.Equal(t, "2s", FormatPause(1500*time.Millisecond))
}

func TestPlanner_ZeroConfigStillTerminates(t *testing.T) {
	pl := NewPlanner(PlannerConfig{}, nil)

	plan := pl.Recommend(constPredictor{value: 20, trained: true, version: 1}, Features{})
	assert.Equal(t, []int{MaxWeight}, plan.Weights())

	def := pl.DefaultPlan()
	require.NoError(t, ValidateWeights(def.Weights()))
}

func TestStep_JSONPauseIsDurationString(t *testing.T) {
	plan := NewPlanner(DefaultPlannerConfig(), nil).DefaultPlan()

	data, err := json.Marshal(plan)
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"weight":10,"pause":"2m"}`)
	assert.NotContains(t, string(data), "120000000000")

	var decoded StepPlan
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, plan, decoded)

	var bad Step
	assert.Error(t, json.Unmarshal([]byte(`{"weight":10,"pause":"soon"}`), &bad))
}
