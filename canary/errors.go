package canary

import "errors"

var (
	// ErrConfiguration marks a configuration that must stop startup.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidThreshold marks a metric threshold that cannot be scored against.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrCollectorUnavailable marks a cycle where no metric could be fetched.
	// Callers treat it as DecisionContinue.
	ErrCollectorUnavailable = errors.New("metric collector unavailable")

	// ErrMissingObservation marks a single metric that produced no value this cycle.
	ErrMissingObservation = errors.New("missing observation")

	// ErrModelUnavailable marks a planner call made before any model was trained.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrPersistence marks a failure to save or load a model artifact or deployment record.
	ErrPersistence = errors.New("persistence failed")
)
