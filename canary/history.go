package canary

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// History is a bounded FIFO of analysis results, oldest first.
// Appending at capacity evicts the oldest entry.
//
// Thread-safety: one writer (the owning Engine), any number of readers.
// Readers always see a complete snapshot, never a partially evicted ring.
type History struct {
	mu    sync.RWMutex
	buf   []AnalysisResult
	start int // index of the oldest entry
	size  int
}

// NewHistory creates a History holding at most capacity results.
// A non-positive capacity is raised to 1.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]AnalysisResult, capacity)}
}

// Append adds r, evicting the oldest result when full.
func (h *History) Append(r AnalysisResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = r
		h.size++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained results.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the configured window.
func (h *History) Cap() int { return len(h.buf) }

// Snapshot returns a copy of the retained results, oldest first.
func (h *History) Snapshot() []AnalysisResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]AnalysisResult, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)].clone()
	}
	return out
}

// Latest returns the newest result, or false if the history is empty.
func (h *History) Latest() (AnalysisResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.size == 0 {
		return AnalysisResult{}, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)].clone(), true
}

// HistorySummary aggregates statistics over a History window.
type HistorySummary struct {
	Total     int              `json:"total"`
	Decisions map[Decision]int `json:"decisions"`
	MeanScore float64          `json:"mean_score"`
	MinScore  float64          `json:"min_score"`
	MaxScore  float64          `json:"max_score"`
}

// Summarize computes aggregate statistics from the retained results.
// Safe for nil or empty histories (returns zero-value fields).
func Summarize(h *History) HistorySummary {
	summary := HistorySummary{Decisions: make(map[Decision]int)}
	if h == nil {
		return summary
	}
	results := h.Snapshot()
	if len(results) == 0 {
		return summary
	}

	summary.Total = len(results)
	scores := make([]float64, len(results))
	summary.MinScore, summary.MaxScore = results[0].Score, results[0].Score
	for i, r := range results {
		summary.Decisions[r.Decision]++
		scores[i] = r.Score
		summary.MinScore = min(summary.MinScore, r.Score)
		summary.MaxScore = max(summary.MaxScore, r.Score)
	}
	summary.MeanScore = stat.Mean(scores, nil)
	return summary
}
