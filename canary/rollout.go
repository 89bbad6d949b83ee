package canary

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// RolloutStep is one entry of an Argo Rollouts canary strategy's steps list.
type RolloutStep struct {
	SetWeight *int          `json:"setWeight,omitempty" yaml:"setWeight,omitempty"`
	Pause     *RolloutPause `json:"pause,omitempty" yaml:"pause,omitempty"`
}

// RolloutPause is a timed pause. An empty Duration pauses until promoted manually.
type RolloutPause struct {
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// RolloutSteps renders the plan as alternating setWeight/pause steps.
func (p StepPlan) RolloutSteps() []RolloutStep {
	out := make([]RolloutStep, 0, 2*len(p.Steps))
	for _, s := range p.Steps {
		weight := s.Weight
		out = append(out,
			RolloutStep{SetWeight: &weight},
			RolloutStep{Pause: &RolloutPause{Duration: FormatPause(s.Pause)}},
		)
	}
	return out
}

// MarshalRolloutYAML renders the steps under strategy.canary.steps, ready to
// merge into a Rollout spec.
func (p StepPlan) MarshalRolloutYAML() ([]byte, error) {
	doc := map[string]any{
		"spec": map[string]any{
			"strategy": map[string]any{
				"canary": map[string]any{"steps": p.RolloutSteps()},
			},
		},
	}
	return yaml.Marshal(doc)
}

// FormatPause renders d in the largest whole unit Argo Rollouts accepts
// ("2m", "1h", "90s"). Zero renders as empty (indefinite pause).
func FormatPause(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", (d+time.Second-1)/time.Second)
	}
}
