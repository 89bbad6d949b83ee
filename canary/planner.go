package canary

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxWeight is the terminal canary weight of every plan.
const MaxWeight = 100

// Predictor maps deployment features to a raw canary increment.
// A nil Predictor, or one reporting Trained() == false, makes the planner
// fall back to its default plan.
type Predictor interface {
	Predict(f Features) float64
	Trained() bool
	ModelVersion() uint64
}

// PlanSource records where a StepPlan's weights came from.
type PlanSource string

const (
	PlanSourceModel   PlanSource = "model"
	PlanSourceDefault PlanSource = "default"
)

// Step is one traffic-weight checkpoint of a rollout.
// In JSON the pause is a duration string such as "2m", as in Argo steps.
type Step struct {
	Weight int
	Pause  time.Duration
}

type stepJSON struct {
	Weight int    `json:"weight"`
	Pause  string `json:"pause,omitempty"`
}

// MarshalJSON renders the pause with FormatPause.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(stepJSON{Weight: s.Weight, Pause: FormatPause(s.Pause)})
}

// UnmarshalJSON accepts the form written by MarshalJSON.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Step{Weight: raw.Weight}
	if raw.Pause == "" {
		return nil
	}
	d, err := time.ParseDuration(raw.Pause)
	if err != nil {
		return fmt.Errorf("step pause: %w", err)
	}
	s.Pause = d
	return nil
}

// StepPlan is an ordered rollout schedule. Weights are strictly increasing
// and the last weight is always MaxWeight.
type StepPlan struct {
	Steps        []Step     `json:"steps"`
	Increment    int        `json:"increment,omitempty"` // zero for default plans
	Source       PlanSource `json:"source"`
	ModelVersion uint64     `json:"model_version,omitempty"`
}

// Weights returns the plan's weights in order.
func (p StepPlan) Weights() []int {
	out := make([]int, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Weight
	}
	return out
}

// PlannerConfig bounds the predicted increment and shapes the fallback plan.
type PlannerConfig struct {
	MinIncrement   int           `yaml:"min_increment" validate:"gte=1,lte=100"`
	MaxIncrement   int           `yaml:"max_increment" validate:"gtefield=MinIncrement,lte=100"`
	Pause          time.Duration `yaml:"pause" validate:"gte=0"`
	DefaultWeights []int         `yaml:"default_weights"`
}

// DefaultPlannerConfig returns the bounds used by historical rollouts:
// increments between 5 and 40 percent, two minutes at every step.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MinIncrement:   5,
		MaxIncrement:   40,
		Pause:          2 * time.Minute,
		DefaultWeights: []int{10, 25, 50, MaxWeight},
	}
}

// Planner turns a predicted increment into a StepPlan.
type Planner struct {
	cfg      PlannerConfig
	observer Observer
}

// NewPlanner creates a Planner. cfg is expected to have passed Config.Validate.
func NewPlanner(cfg PlannerConfig, observer Observer) *Planner {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Planner{cfg: cfg, observer: observer}
}

// Recommend predicts an increment for f and expands it into a plan.
// Without a trained predictor, or on a non-finite prediction, the default
// plan is returned so the control loop never stalls.
func (pl *Planner) Recommend(p Predictor, f Features) StepPlan {
	if p == nil || !p.Trained() {
		logrus.Infof("no trained model (%v); using default step plan", ErrModelUnavailable)
		return pl.emit(pl.DefaultPlan())
	}

	raw := p.Predict(f)
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		logrus.WithField("model_version", p.ModelVersion()).
			Warnf("model predicted non-finite increment %v; using default step plan", raw)
		return pl.emit(pl.DefaultPlan())
	}

	increment := min(pl.cfg.MaxIncrement, max(pl.cfg.MinIncrement, int(math.Round(raw))))
	plan := StepPlan{
		Steps:        pl.steps(ExpandWeights(increment)),
		Increment:    increment,
		Source:       PlanSourceModel,
		ModelVersion: p.ModelVersion(),
	}
	logrus.Debugf("predicted increment %.3f -> %d, weights %v", raw, increment, plan.Weights())
	return pl.emit(plan)
}

// DefaultPlan returns the configured fallback schedule, or a single step to
// MaxWeight when none is configured.
func (pl *Planner) DefaultPlan() StepPlan {
	weights := pl.cfg.DefaultWeights
	if len(weights) == 0 {
		weights = []int{MaxWeight}
	}
	return StepPlan{Steps: pl.steps(weights), Source: PlanSourceDefault}
}

func (pl *Planner) steps(weights []int) []Step {
	steps := make([]Step, len(weights))
	for i, w := range weights {
		steps[i] = Step{Weight: w, Pause: pl.cfg.Pause}
	}
	return steps
}

func (pl *Planner) emit(plan StepPlan) StepPlan {
	pl.observer.ObservePlan(plan)
	return plan
}

// ExpandWeights returns increment, 2*increment, ... while below MaxWeight,
// then a final MaxWeight. A non-positive increment yields a single step
// straight to MaxWeight.
func ExpandWeights(increment int) []int {
	if increment <= 0 {
		return []int{MaxWeight}
	}
	var weights []int
	for current := increment; current < MaxWeight; current += increment {
		weights = append(weights, current)
	}
	if len(weights) == 0 || weights[len(weights)-1] < MaxWeight {
		weights = append(weights, MaxWeight)
	}
	return weights
}

// ValidateWeights checks the StepPlan shape invariants: non-empty, each
// weight in [1,100], strictly increasing, ending at 100.
func ValidateWeights(weights []int) error {
	if len(weights) == 0 {
		return fmt.Errorf("step weights must not be empty")
	}
	prev := 0
	for i, w := range weights {
		if w < 1 || w > MaxWeight {
			return fmt.Errorf("step %d weight %d outside [1,%d]", i, w, MaxWeight)
		}
		if w <= prev {
			return fmt.Errorf("step %d weight %d not greater than previous weight %d", i, w, prev)
		}
		prev = w
	}
	if prev != MaxWeight {
		return fmt.Errorf("last step weight must be %d, got %d", MaxWeight, prev)
	}
	return nil
}
