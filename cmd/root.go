package cmd

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global CLI flags
	logLevel   string // Log verbosity level
	configPath string // Path to the YAML configuration
	envFile    string // Optional .env file loaded before anything else
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "canary-tuner",
	Short: "Canary analysis and ML-tuned rollout step planning",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadEnv()
		setupLogging(cmd)
	},
}

// loadEnv loads --env-file, or ./.env when present.
func loadEnv() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logrus.Fatalf("Could not load env file %s: %v", envFile, err)
		}
		return
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("Ignoring .env: %v", err)
	}
}

// setupLogging applies --log, falling back to LOG_LEVEL when the flag is unset.
func setupLogging(cmd *cobra.Command) {
	level := logLevel
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" && !cmd.Flags().Changed("log") {
		level = v
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", level)
	}
	logrus.SetLevel(parsed)
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags shared by all subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "canary-tuner.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default: ./.env if present)")
}
