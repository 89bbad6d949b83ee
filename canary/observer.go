package canary

// Observer receives analysis and planning outcomes for instrumentation.
// Implementations must be safe for concurrent use.
type Observer interface {
	ObserveAnalysis(result AnalysisResult)
	ObserveCollectorFailure(err error)
	ObservePlan(plan StepPlan)
}

// NopObserver discards all observations.
type NopObserver struct{}

func (NopObserver) ObserveAnalysis(AnalysisResult) {}
func (NopObserver) ObserveCollectorFailure(error) {}
func (NopObserver) ObservePlan(StepPlan) {}
