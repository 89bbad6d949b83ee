// Package canary provides the rollout decision core for canary-tuner.
//
// # Reading Guide
//
// Start with these files:
//   - metric.go: MetricSpec and Score, the per-metric [0,1] normalization
//   - engine.go: Engine, which aggregates scores into a Continue/Promote/Rollback decision
//   - planner.go: Planner, which expands a predicted increment into a StepPlan
//
// # Architecture
//
// The canary package defines the data types and the interfaces its
// collaborators implement; implementations live in sub-packages:
//   - canary/model/: regressors, versioned model artifacts, the trainer
//   - canary/collector/: Prometheus-backed Collector and feature source
//   - canary/store/: BadgerDB deployment record store and CSV import
//   - canary/telemetry/: Prometheus instruments implementing Observer
//
// # Key Interfaces
//
//   - Collector: supplies one cycle of raw metric values
//   - Predictor: maps deployment Features to a canary increment
//   - Observer: receives analysis results and plans for instrumentation
//
// Every degraded path (missing metric, unreachable collector, untrained
// model) resolves to Continue or to the configured default plan.
package canary
