package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/canary-tuner/canary-tuner/canary"
	"github.com/canary-tuner/canary-tuner/canary/store"
)

var (
	recordService     string        // Service name
	recordVersion     string        // Released version
	recordIncrement   float64       // Canary increment used (percent)
	recordSuccessRate float64       // Observed success rate
	recordDuration    time.Duration // Rollout wall time
	recordTimestamp   string        // RFC 3339, default now
	exportLimit       int           // Records to export, 0 for all
)

// recordCmd stores the outcome of one rollout as training data.
var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a finished rollout as training data",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		if recordService == "" {
			logrus.Fatalf("--service is required")
		}
		if recordIncrement <= 0 || recordIncrement > canary.MaxWeight {
			logrus.Fatalf("--increment must be in (0, %d], got %v", canary.MaxWeight, recordIncrement)
		}

		ts := time.Now()
		if recordTimestamp != "" {
			parsed, err := time.Parse(time.RFC3339, recordTimestamp)
			if err != nil {
				logrus.Fatalf("Invalid --timestamp: %v", err)
			}
			ts = parsed
		}
		// Features describe the context at rollout start.
		f := canary.Features{TrafficLevel: featureTraffic, ErrorRatePrev: featureErrorRate}.WithClock(ts)

		s, err := store.Open(store.DefaultConfig(cfg.Store.Path))
		if err != nil {
			logrus.Fatalf("Could not open record store: %v", err)
		}
		defer func() { _ = s.Close() }()

		rec, err := s.Put(cmd.Context(), canary.DeploymentRecord{
			Timestamp:       ts,
			ServiceName:     recordService,
			Version:         recordVersion,
			Features:        f,
			CanaryIncrement: recordIncrement,
			SuccessRate:     recordSuccessRate,
			RolloutDuration: recordDuration,
		})
		if err != nil {
			logrus.Fatalf("Could not store record: %v", err)
		}
		fmt.Println(rec.ID)
	},
}

// importCmd bulk-loads deployment records from CSV.
var importCmd = &cobra.Command{
	Use:   "import <records.csv>",
	Short: "Import deployment records from a CSV file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		records, err := store.ReadCSVFile(args[0])
		if err != nil {
			logrus.Fatalf("Could not read %s: %v", args[0], err)
		}
		s, err := store.Open(store.DefaultConfig(cfg.Store.Path))
		if err != nil {
			logrus.Fatalf("Could not open record store: %v", err)
		}
		defer func() { _ = s.Close() }()
		n, err := s.PutAll(cmd.Context(), records)
		if err != nil {
			logrus.Fatalf("Import failed: %v", err)
		}
		logrus.Infof("Imported %d deployment records from %s", n, args[0])
	},
}

// exportCmd writes stored records as CSV, newest first.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export deployment records as CSV",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustLoadConfig()
		s, err := store.Open(store.DefaultConfig(cfg.Store.Path))
		if err != nil {
			logrus.Fatalf("Could not open record store: %v", err)
		}
		defer func() { _ = s.Close() }()
		records, err := s.Recent(cmd.Context(), exportLimit)
		if err != nil {
			logrus.Fatalf("Could not read records: %v", err)
		}
		if err := store.WriteCSV(os.Stdout, records); err != nil {
			logrus.Fatalf("Could not write CSV: %v", err)
		}
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordService, "service", "", "Service name")
	recordCmd.Flags().StringVar(&recordVersion, "version", "", "Released version")
	recordCmd.Flags().Float64Var(&featureTraffic, "traffic", 0, "Traffic level at rollout start (requests per second)")
	recordCmd.Flags().Float64Var(&featureErrorRate, "error-rate", 0, "Error rate of the previous release")
	recordCmd.Flags().Float64Var(&recordIncrement, "increment", 0, "Canary increment used (percent)")
	recordCmd.Flags().Float64Var(&recordSuccessRate, "success-rate", 0, "Observed success rate of the rollout")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "Rollout wall time")
	recordCmd.Flags().StringVar(&recordTimestamp, "timestamp", "", "Rollout start time, RFC 3339 (default: now)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum records to export, newest first (0 for all)")
	rootCmd.AddCommand(recordCmd, importCmd, exportCmd)
}
