package canary

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultWithID(id string, score float64, d Decision) AnalysisResult {
	return AnalysisResult{ID: id, Score: score, Decision: d}
}

func ids(results []AnalysisResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestHistory_EvictsOldestFirst(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 7; i++ {
		h.Append(resultWithID(fmt.Sprintf("r%d", i), 0, DecisionContinue))
		require.LessOrEqual(t, h.Len(), h.Cap())
	}
	assert.Equal(t, []string{"r4", "r5", "r6"}, ids(h.Snapshot()))

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, "r6", latest.ID)
}

func TestHistory_PartialFill(t *testing.T) {
	h := NewHistory(5)
	h.Append(resultWithID("a", 0, DecisionContinue))
	h.Append(resultWithID("b", 0, DecisionContinue))
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, []string{"a", "b"}, ids(h.Snapshot()))
}

func TestHistory_Empty(t *testing.T) {
	h := NewHistory(0)
	assert.Equal(t, 1, h.Cap())
	_, ok := h.Latest()
	assert.False(t, ok)
	assert.Empty(t, h.Snapshot())
}

func TestHistory_SnapshotIsACopy(t *testing.T) {
	h := NewHistory(2)
	h.Append(AnalysisResult{ID: "a", Metrics: []MetricObservation{{Name: "latency", Score: 0.5}}})

	snap := h.Snapshot()
	snap[0].Metrics[0].Score = 0.99
	snap[0].ID = "mutated"

	again := h.Snapshot()
	assert.Equal(t, "a", again[0].ID)
	assert.Equal(t, 0.5, again[0].Metrics[0].Score)
}

// TestHistory_ConcurrentReaders: snapshots taken while appending are always
// contiguous, oldest-first runs of appended IDs.
func TestHistory_ConcurrentReaders(t *testing.T) {
	h := NewHistory(8)
	const n = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			h.Append(AnalysisResult{Score: float64(i)})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				snap := h.Snapshot()
				assert.LessOrEqual(t, len(snap), 8)
				for j := 1; j < len(snap); j++ {
					assert.Equal(t, snap[j-1].Score+1, snap[j].Score)
				}
			}
		}()
	}
	wg.Wait()
}

func TestSummarize(t *testing.T) {
	h := NewHistory(10)
	h.Append(resultWithID("a", 0.2, DecisionRollback))
	h.Append(resultWithID("b", 0.7, DecisionContinue))
	h.Append(resultWithID("c", 0.95, DecisionPromote))
	h.Append(resultWithID("d", 0.75, DecisionContinue))

	s := Summarize(h)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Decisions[DecisionRollback])
	assert.Equal(t, 2, s.Decisions[DecisionContinue])
	assert.Equal(t, 1, s.Decisions[DecisionPromote])
	assert.InDelta(t, 0.65, s.MeanScore, 1e-9)
	assert.Equal(t, 0.2, s.MinScore)
	assert.Equal(t, 0.95, s.MaxScore)
}

func TestSummarize_NilAndEmpty(t *testing.T) {
	assert.Equal(t, 0, Summarize(nil).Total)
	assert.Equal(t, 0, Summarize(NewHistory(3)).Total)
	assert.NotNil(t, Summarize(nil).Decisions)
}
