package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/canary-tuner/canary-tuner/canary"
)

// loadConfig reads the configuration file and applies environment overrides.
func loadConfig(path string, lookup func(string) (string, bool)) (*canary.Config, error) {
	cfg, err := canary.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(lookup)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("after environment overrides: %w", err)
	}
	return cfg, nil
}

// mustLoadConfig is loadConfig for command entry points; configuration errors
// are the only failures that stop the process.
func mustLoadConfig() *canary.Config {
	cfg, err := loadConfig(configPath, os.LookupEnv)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	logrus.Debugf("Loaded configuration from %s: %d metrics, algorithm=%s, model dir=%s",
		configPath, len(cfg.Analysis.Metrics), cfg.Model.Algorithm, cfg.Model.Dir)
	return cfg
}
