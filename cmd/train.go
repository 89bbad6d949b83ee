package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/canary-tuner/canary-tuner/canary/model"
	"github.com/canary-tuner/canary-tuner/canary/store"
)

var trainRecordsPath string // CSV of deployment records; default is the record store

// trainCmd fits a new model version on historical deployments.
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train and publish a new canary increment model",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		ctx := cmd.Context()

		var records []canary.DeploymentRecord
		var err error
		if trainRecordsPath != "" {
			records, err = store.ReadCSVFile(trainRecordsPath)
		} else {
			records, err = recentRecords(ctx, cfg)
		}
		if err != nil {
			logrus.Fatalf("Could not load training data: %v", err)
		}

		m, err := trainModel(ctx, cfg, records, nil)
		if err != nil {
			logrus.Fatalf("Training failed: %v", err)
		}
		if m == nil {
			logrus.Warn("No deployment records and no existing model; nothing published")
			return
		}
		logrus.Infof("Model version %d (%s) trained on %d records", m.Version, m.Algorithm, m.Records)
	},
}

// recentRecords reads up to tuning.training_limit records, newest first.
func recentRecords(ctx context.Context, cfg *canary.Config) ([]canary.DeploymentRecord, error) {
	s, err := store.Open(store.DefaultConfig(cfg.Store.Path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Close() }()
	return s.Recent(ctx, cfg.Tuning.TrainingLimit)
}

// trainModel loads the current model, trains on records and publishes the result.
func trainModel(ctx context.Context, cfg *canary.Config, records []canary.DeploymentRecord, observer model.TrainingObserver) (*model.Model, error) {
	ms, err := model.NewStore(cfg.Model.Dir)
	if err != nil {
		return nil, err
	}
	holder := &model.Holder{}
	if _, err := holder.Reload(ms); err != nil {
		logrus.WithError(err).Warn("Could not load current model; training from scratch")
	}
	m, err := model.NewTrainer(cfg.Model, ms, holder, observer).Train(ctx, records)
	if err != nil {
		return m, fmt.Errorf("training %s model: %w", cfg.Model.Algorithm, err)
	}
	return m, nil
}

func init() {
	trainCmd.Flags().StringVar(&trainRecordsPath, "records", "", "Train on this CSV of deployment records instead of the record store")
	rootCmd.AddCommand(trainCmd)
}
