package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/canary-tuner/canary-tuner/canary/collector"
	"github.com/canary-tuner/canary-tuner/canary/model"
)

var (
	featureTraffic   float64 // Requests per second
	featureErrorRate float64 // Error ratio of the previous release
	featureHour      int     // Deployment hour, -1 for now
	featureWeekday   int     // Deployment weekday (0=Monday), -1 for today
	liveFeatures     bool    // Sample traffic and error rate from Prometheus
	outputFormat     string  // json or yaml
	outputPath       string  // Write the plan here instead of stdout
)

// recommendCmd predicts a canary increment and prints the resulting step plan.
var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Recommend canary weight steps for the next rollout",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		if outputFormat != "json" && outputFormat != "yaml" {
			logrus.Fatalf("Invalid output format %q; valid: json, yaml", outputFormat)
		}

		f := flagFeatures(time.Now())
		if liveFeatures {
			prom, err := collector.NewPrometheus(cfg.Prometheus)
			if err != nil {
				logrus.Fatalf("Could not create Prometheus collector: %v", err)
			}
			f = sampleFeatures(cmd.Context(), prom, cfg.Features, f)
		}

		holder := &model.Holder{}
		ms, err := model.NewStore(cfg.Model.Dir)
		if err != nil {
			logrus.Fatalf("Could not open model directory: %v", err)
		}
		if _, err := holder.Reload(ms); err != nil {
			logrus.WithError(err).Warn("Could not load model; using default step plan")
		}

		plan := canary.NewPlanner(cfg.Planner, nil).Recommend(holder.Predictor(), f)
		if err := writePlanTo(outputPath, plan, outputFormat, cfg.Rollout); err != nil {
			logrus.Fatalf("Could not write plan: %v", err)
		}
	},
}

// flagFeatures builds Features from the command-line flags, filling hour and
// weekday from now where they were left at -1.
func flagFeatures(now time.Time) canary.Features {
	f := canary.Features{TrafficLevel: featureTraffic, ErrorRatePrev: featureErrorRate}.WithClock(now)
	if featureHour >= 0 {
		f.DeployHour = featureHour
	}
	if featureWeekday >= 0 {
		f.DeployWeekday = featureWeekday
	}
	return f
}

// sampleFeatures replaces traffic and error rate with live values. On failure
// the fallback features are kept.
func sampleFeatures(ctx context.Context, prom *collector.Prometheus, q canary.FeatureQueries, fallback canary.Features) canary.Features {
	live, err := prom.Features(ctx, q, time.Now())
	if err != nil {
		logrus.WithError(err).Warn("Could not sample deployment features; using fallback values")
		return fallback
	}
	fallback.TrafficLevel = live.TrafficLevel
	fallback.ErrorRatePrev = live.ErrorRatePrev
	return fallback
}

// writePlanTo writes plan to path, or stdout when path is empty. File writes
// replace the target atomically.
func writePlanTo(path string, plan canary.StepPlan, format string, target canary.RolloutTarget) error {
	if path == "" {
		return writePlan(os.Stdout, plan, format, target)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".plan-*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := writePlan(tmp, plan, format, target); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// writePlan renders plan as JSON or as an Argo Rollouts steps patch.
func writePlan(w io.Writer, plan canary.StepPlan, format string, target canary.RolloutTarget) error {
	switch format {
	case "yaml":
		data, err := plan.MarshalRolloutYAML()
		if err != nil {
			return fmt.Errorf("rendering rollout steps: %w", err)
		}
		if target.Name != "" {
			if _, err := fmt.Fprintf(w, "# rollout: %s/%s source=%s weights=%v\n", target.Namespace, target.Name, plan.Source, plan.Weights()); err != nil {
				return err
			}
		}
		_, err = w.Write(data)
		return err
	default:
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding plan: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
}

func init() {
	recommendCmd.Flags().Float64Var(&featureTraffic, "traffic", 0, "Current traffic level (requests per second)")
	recommendCmd.Flags().Float64Var(&featureErrorRate, "error-rate", 0, "Error rate of the previous release")
	recommendCmd.Flags().IntVar(&featureHour, "hour", -1, "Deployment hour 0-23 (default: now)")
	recommendCmd.Flags().IntVar(&featureWeekday, "weekday", -1, "Deployment weekday 0=Monday..6=Sunday (default: today)")
	recommendCmd.Flags().BoolVar(&liveFeatures, "live", false, "Sample traffic and error rate from Prometheus")
	recommendCmd.Flags().StringVar(&outputFormat, "output", "json", "Output format (json, yaml)")
	recommendCmd.Flags().StringVar(&outputPath, "out", "", "Write the plan to this file instead of stdout")
	rootCmd.AddCommand(recommendCmd)
}
