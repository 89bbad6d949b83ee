package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/canary-tuner/canary-tuner/canary/collector"
	"github.com/canary-tuner/canary-tuner/canary/model"
	"github.com/canary-tuner/canary-tuner/canary/store"
	"github.com/canary-tuner/canary-tuner/canary/telemetry"
)

var (
	listenAddr string // HTTP listen address
	planPath   string // Where each new plan is written as Argo steps YAML
	ginDebug   bool   // Gin debug mode and request logging
)

// runCmd runs the control loop: periodic analysis, periodic retraining and
// re-planning, and an HTTP API for both.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the canary tuner service",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		if v, ok := os.LookupEnv("PORT"); ok && v != "" && !cmd.Flags().Changed("listen") {
			listenAddr = ":" + v
		}
		if ginDebug {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}

		metrics := telemetry.New()
		prom, err := collector.NewPrometheus(cfg.Prometheus)
		if err != nil {
			logrus.Fatalf("Could not create Prometheus collector: %v", err)
		}
		records, err := store.Open(store.DefaultConfig(cfg.Store.Path))
		if err != nil {
			logrus.Fatalf("Could not open record store: %v", err)
		}
		defer func() { _ = records.Close() }()

		ms, err := model.NewStore(cfg.Model.Dir)
		if err != nil {
			logrus.Fatalf("Could not open model directory: %v", err)
		}
		holder := &model.Holder{}
		if m, err := holder.Reload(ms); err != nil {
			logrus.WithError(err).Warn("Could not load model; starting with the default step plan")
		} else {
			metrics.SetModelVersion(m.ModelVersion())
		}
		watcher, err := model.NewWatcher(ms, holder)
		if err != nil {
			logrus.WithError(err).Warn("Model hot reload disabled")
		}

		c := &controller{
			cfg:         cfg,
			engine:      canary.NewEngine(cfg.Analysis.Metrics, cfg.Recommendation, cfg.Tuning.HistoryWindow, canary.WithObserver(metrics)),
			planner:     canary.NewPlanner(cfg.Planner, metrics),
			collector:   prom,
			features:    prom,
			deployments: prom,
			records:     records,
			trainer:     model.NewTrainer(cfg.Model, ms, holder, metrics),
			metrics:     metrics,
			planPath:    planPath,
			now:         time.Now,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logrus.Infof("Analyzing every %v, retraining every %v", cfg.Tuning.AnalysisInterval, cfg.Tuning.TrainingInterval)
		if err := c.run(ctx, listenAddr, watcher); err != nil {
			logrus.Errorf("Canary tuner stopped: %v", err)
		}
		logrus.Info("Canary tuner stopped.")
	},
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address (PORT overrides the port when set)")
	runCmd.Flags().StringVar(&planPath, "plan-file", "", "Write every new plan to this file as Argo Rollouts steps YAML")
	runCmd.Flags().BoolVar(&ginDebug, "debug-http", false, "Enable HTTP debug mode")
	rootCmd.AddCommand(runCmd)
}
