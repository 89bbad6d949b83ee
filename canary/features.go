package canary

import (
	"fmt"
	"math"
	"time"
)

// FeatureNames lists the regression inputs in the order of Features.Vector.
// Model artifacts record this list and are rejected on load if it differs.
var FeatureNames = []string{"traffic_level", "error_rate_prev", "deploy_hour", "deploy_weekday"}

// Features is the deployment context the step planner conditions on.
type Features struct {
	TrafficLevel  float64 `json:"traffic_level" yaml:"traffic_level"`     // requests per second
	ErrorRatePrev float64 `json:"error_rate_prev" yaml:"error_rate_prev"` // error ratio of the previous release
	DeployHour    int     `json:"deploy_hour" yaml:"deploy_hour"`         // 0-23
	DeployWeekday int     `json:"deploy_weekday" yaml:"deploy_weekday"`   // 0=Monday .. 6=Sunday
}

// Vector returns the features in FeatureNames order.
func (f Features) Vector() []float64 {
	return []float64{f.TrafficLevel, f.ErrorRatePrev, float64(f.DeployHour), float64(f.DeployWeekday)}
}

// WithClock fills DeployHour and DeployWeekday from t.
// Weekdays are Monday-based to match historical deployment data.
func (f Features) WithClock(t time.Time) Features {
	f.DeployHour = t.Hour()
	f.DeployWeekday = (int(t.Weekday()) + 6) % 7
	return f
}

// DeploymentRecord is one historical rollout used for training.
// CanaryIncrement is the regression label; SuccessRate is the observed outcome.
type DeploymentRecord struct {
	ID              string        `json:"id"`
	Timestamp       time.Time     `json:"timestamp"`
	ServiceName     string        `json:"service_name"`
	Version         string        `json:"version"`
	Features        Features      `json:"features"`
	CanaryIncrement float64       `json:"canary_increment"`
	SuccessRate     float64       `json:"success_rate"`
	RolloutDuration time.Duration `json:"rollout_duration,omitempty"`
}

// Validate rejects records that would poison a training set: non-finite
// numbers and out-of-range clock features.
func (r DeploymentRecord) Validate() error {
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"traffic_level", r.Features.TrafficLevel},
		{"error_rate_prev", r.Features.ErrorRatePrev},
		{"canary_increment", r.CanaryIncrement},
		{"success_rate", r.SuccessRate},
	} {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return fmt.Errorf("%s must be finite, got %v", v.name, v.value)
		}
	}
	if r.Features.DeployHour < 0 || r.Features.DeployHour > 23 {
		return fmt.Errorf("deploy_hour %d out of range 0-23", r.Features.DeployHour)
	}
	if r.Features.DeployWeekday < 0 || r.Features.DeployWeekday > 6 {
		return fmt.Errorf("deploy_weekday %d out of range 0-6", r.Features.DeployWeekday)
	}
	return nil
}
