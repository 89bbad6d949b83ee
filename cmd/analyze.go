package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/canary-tuner/canary-tuner/canary/collector"
)

var (
	observationsPath string // YAML/JSON map of metric name to value; skips Prometheus
	failOnRollback   bool   // Exit non-zero on a rollback recommendation
)

// analyzeCmd runs a single analysis cycle and prints the result as JSON.
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Score the canary's current metrics and recommend promote, continue or rollback",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()

		var c canary.Collector
		if observationsPath != "" {
			obs, err := readObservations(observationsPath)
			if err != nil {
				logrus.Fatalf("Could not read observations: %v", err)
			}
			c = canary.StaticCollector{Observations: obs}
		} else {
			prom, err := collector.NewPrometheus(cfg.Prometheus)
			if err != nil {
				logrus.Fatalf("Could not create Prometheus collector: %v", err)
			}
			c = prom
		}

		result, err := analyzeOnce(cmd.Context(), cfg, c, os.Stdout)
		if err != nil && !errors.Is(err, canary.ErrCollectorUnavailable) {
			logrus.Fatalf("Analysis failed: %v", err)
		}
		if failOnRollback && result.Decision == canary.DecisionRollback {
			os.Exit(2)
		}
	},
}

// analyzeOnce evaluates one cycle against c and writes the result to w.
// A collector outage still writes the fail-safe Continue result.
func analyzeOnce(ctx context.Context, cfg *canary.Config, c canary.Collector, w io.Writer) (canary.AnalysisResult, error) {
	engine := canary.NewEngine(cfg.Analysis.Metrics, cfg.Recommendation, cfg.Tuning.HistoryWindow)
	result, err := engine.Evaluate(ctx, c)
	if err != nil {
		logrus.WithError(err).Warn("Collector unavailable; recommending continue")
	}
	data, merr := json.MarshalIndent(result, "", "  ")
	if merr != nil {
		return result, fmt.Errorf("encoding analysis result: %w", merr)
	}
	if _, werr := fmt.Fprintln(w, string(data)); werr != nil {
		return result, werr
	}
	return result, err
}

// readObservations loads a flat name -> value map. JSON is valid YAML.
func readObservations(path string) (canary.Observations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var obs canary.Observations
	if err := yaml.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return obs, nil
}

func init() {
	analyzeCmd.Flags().StringVar(&observationsPath, "observations", "", "Read metric values from this YAML/JSON file instead of querying Prometheus")
	analyzeCmd.Flags().BoolVar(&failOnRollback, "fail-on-rollback", false, "Exit with status 2 when the recommendation is rollback")
	rootCmd.AddCommand(analyzeCmd)
}
