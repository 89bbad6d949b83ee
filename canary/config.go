package canary

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full canary-tuner configuration file.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	Analysis       AnalysisConfig   `yaml:"analysis"`
	Recommendation Thresholds       `yaml:"recommendation"`
	Tuning         TuningConfig     `yaml:"tuning"`
	Planner        PlannerConfig    `yaml:"planner"`
	Model          ModelConfig      `yaml:"model"`
	Prometheus     PrometheusConfig `yaml:"prometheus"`
	Features       FeatureQueries   `yaml:"features"`
	Store          StoreConfig      `yaml:"store"`
	Rollout        RolloutTarget    `yaml:"rollout"`
}

// AnalysisConfig lists the metrics evaluated every cycle, in evaluation order.
type AnalysisConfig struct {
	Metrics []MetricSpec `yaml:"metrics" validate:"required,min=1,unique=Name,dive"`
}

// TuningConfig controls history retention, training data and loop cadence.
type TuningConfig struct {
	HistoryWindow    int           `yaml:"history_window" validate:"gte=1"`
	TrainingLimit    int           `yaml:"training_limit" validate:"gte=1"`
	AnalysisInterval time.Duration `yaml:"analysis_interval" validate:"gt=0"`
	TrainingInterval time.Duration `yaml:"training_interval" validate:"gt=0"`
}

// ModelConfig selects the regressor and where its artifacts live.
type ModelConfig struct {
	Algorithm      string  `yaml:"algorithm" validate:"oneof=forest ridge"`
	Dir            string  `yaml:"dir" validate:"required"`
	Seed           int64   `yaml:"seed"`
	Estimators     int     `yaml:"estimators" validate:"gte=1"`
	MaxDepth       int     `yaml:"max_depth" validate:"gte=1"`
	MinSamplesLeaf int     `yaml:"min_samples_leaf" validate:"gte=1"`
	RidgeLambda    float64 `yaml:"ridge_lambda" validate:"gt=0"`
	KeepVersions   int     `yaml:"keep_versions" validate:"gte=1"`
}

// PrometheusConfig points the collector at a Prometheus HTTP API.
type PrometheusConfig struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// FeatureQueries are the PromQL expressions sampled to build planner Features.
// DeploymentQuery returns one sample per past deployment, labelled with its
// features; an empty query disables ingestion from Prometheus.
type FeatureQueries struct {
	TrafficQuery    string `yaml:"traffic_query"`
	ErrorRateQuery  string `yaml:"error_rate_query"`
	DeploymentQuery string `yaml:"deployment_query"`
}

// StoreConfig locates the deployment record database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// RolloutTarget names the Rollout the plan is rendered for.
type RolloutTarget struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns a Config with every tunable at its default.
// Metrics have no default and must come from the configuration file.
func DefaultConfig() Config {
	return Config{
		Recommendation: Thresholds{Rollback: 0.5, Promotion: 0.9},
		Tuning: TuningConfig{
			HistoryWindow:    100,
			TrainingLimit:    100,
			AnalysisInterval: time.Minute,
			TrainingInterval: 6 * time.Hour,
		},
		Planner: DefaultPlannerConfig(),
		Model: ModelConfig{
			Algorithm:      "forest",
			Dir:            "models",
			Seed:           42,
			Estimators:     100,
			MaxDepth:       8,
			MinSamplesLeaf: 1,
			RidgeLambda:    1.0,
			KeepVersions:   5,
		},
		Prometheus: PrometheusConfig{
			URL:     "http://prometheus-server.monitoring:9090",
			Timeout: 10 * time.Second,
		},
		Features: FeatureQueries{
			TrafficQuery:    `sum(rate(http_requests_total{app="frontend"}[5m]))`,
			ErrorRateQuery:  `sum(rate(http_requests_total{app="frontend",status=~"5.."}[1h])) / sum(rate(http_requests_total{app="frontend"}[1h]))`,
			DeploymentQuery: `avg_over_time(deployment_success_gauge[30d])`,
		},
		Store:   StoreConfig{Path: "deployments"},
		Rollout: RolloutTarget{Name: "frontend", Namespace: "default"},
	}
}

// LoadConfig reads, parses and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading config: %w", ErrConfiguration, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result.
// Unknown fields are rejected so typos surface at startup.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config: %w", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every invariant the analysis and planning paths rely on,
// so that no per-cycle validation is needed. All errors wrap ErrConfiguration.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q (value %v)",
				ErrConfiguration, verrs[0].Namespace(), verrs[0].Tag(), verrs[0].Value())
		}
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	for _, spec := range c.Analysis.Metrics {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	if c.Recommendation.Rollback >= c.Recommendation.Promotion {
		return fmt.Errorf("%w: rollback_threshold %v must be below promotion_threshold %v",
			ErrConfiguration, c.Recommendation.Rollback, c.Recommendation.Promotion)
	}
	if err := ValidateWeights(c.Planner.DefaultWeights); err != nil {
		return fmt.Errorf("%w: planner.default_weights: %w", ErrConfiguration, err)
	}
	return nil
}

// ApplyEnv overrides configuration from environment variables.
// lookup is os.LookupEnv in production.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("PROMETHEUS_URL"); ok && v != "" {
		c.Prometheus.URL = v
	}
	if v, ok := lookup("CANARY_TUNER_MODEL_DIR"); ok && v != "" {
		c.Model.Dir = v
	}
	if v, ok := lookup("CANARY_TUNER_STORE_PATH"); ok && v != "" {
		c.Store.Path = v
	}
}
