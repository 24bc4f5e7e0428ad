package trace

import "time"

// TraceSummary aggregates statistics from a Recorder.
type TraceSummary struct {
	TotalBatches       int
	FullBatches        int
	PartialBatches     int
	MeanBatchSize      float64
	MaxOldestWait      time.Duration
	PhaseDistribution  map[string]int // phase → count of batches
	TotalEvictions     int
	EvictionsByReason  map[string]int
	UniqueSessionsSeen int
}

// Summarize computes aggregate statistics from a Recorder.
// Safe for nil or empty recorders (returns zero-value fields).
func Summarize(r *Recorder) *TraceSummary {
	summary := &TraceSummary{
		PhaseDistribution: make(map[string]int),
		EvictionsByReason: make(map[string]int),
	}
	if r == nil {
		return summary
	}

	batches := r.Batches()
	sessions := make(map[string]struct{})
	total := 0
	for _, b := range batches {
		summary.PhaseDistribution[b.Phase]++
		if b.Full {
			summary.FullBatches++
		} else {
			summary.PartialBatches++
		}
		if b.OldestWait > summary.MaxOldestWait {
			summary.MaxOldestWait = b.OldestWait
		}
		total += b.Size
		for _, s := range b.Sessions {
			sessions[s] = struct{}{}
		}
	}
	summary.TotalBatches = len(batches)
	if len(batches) > 0 {
		summary.MeanBatchSize = float64(total) / float64(len(batches))
	}
	summary.UniqueSessionsSeen = len(sessions)

	for _, e := range r.Evictions() {
		summary.TotalEvictions++
		summary.EvictionsByReason[e.Reason]++
	}
	return summary
}
