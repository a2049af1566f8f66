// Package metrics aggregates recorded model calls into per-job statistics.
package metrics

import (
	"context"
	"sort"

	"github.com/jackzampolin/codex/internal/llmcall"
)

// Source lists the calls recorded for a job. *store.Store implements it.
type Source interface {
	ListCalls(ctx context.Context, jobID string, limit int) ([]llmcall.Call, error)
}

// Stats summarizes a set of model calls.
type Stats struct {
	// Basic counts
	Count        int `json:"count"`
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`

	// Latency percentiles (milliseconds)
	LatencyP50 float64 `json:"latency_p50"`
	LatencyP95 float64 `json:"latency_p95"`
	LatencyP99 float64 `json:"latency_p99"`
	LatencyAvg float64 `json:"latency_avg"`
	LatencyMin float64 `json:"latency_min"`
	LatencyMax float64 `json:"latency_max"`

	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	AvgInputTokens    float64 `json:"avg_input_tokens"`
	AvgOutputTokens   float64 `json:"avg_output_tokens"`

	// Failed attempts by error kind ("rate_limit", "parse", ...).
	Errors map[string]int `json:"errors,omitempty"`
}

// JobStats is the breakdown of a job's calls.
type JobStats struct {
	JobID       string            `json:"job_id"`
	Total       *Stats            `json:"total"`
	ByTier      map[string]*Stats `json:"by_tier"`
	ByOperation map[string]*Stats `json:"by_operation"`
	// Batches that needed more than one call to settle.
	RetriedBatches int `json:"retried_batches"`
}

// Compute aggregates calls into Stats.
func Compute(calls []llmcall.Call) *Stats {
	stats := &Stats{Count: len(calls)}
	if len(calls) == 0 {
		return stats
	}

	var latencies []float64
	for _, c := range calls {
		if c.Success {
			stats.SuccessCount++
		} else {
			stats.ErrorCount++
			if c.ErrorKind != "" {
				if stats.Errors == nil {
					stats.Errors = make(map[string]int)
				}
				stats.Errors[c.ErrorKind]++
			}
		}
		stats.TotalInputTokens += c.InputTokens
		stats.TotalOutputTokens += c.OutputTokens
		if c.LatencyMs > 0 {
			latencies = append(latencies, float64(c.LatencyMs))
		}
	}

	count := float64(stats.Count)
	stats.AvgInputTokens = float64(stats.TotalInputTokens) / count
	stats.AvgOutputTokens = float64(stats.TotalOutputTokens) / count

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		stats.LatencyMin = latencies[0]
		stats.LatencyMax = latencies[len(latencies)-1]

		var sum float64
		for _, l := range latencies {
			sum += l
		}
		stats.LatencyAvg = sum / float64(len(latencies))

		stats.LatencyP50 = percentile(latencies, 50)
		stats.LatencyP95 = percentile(latencies, 95)
		stats.LatencyP99 = percentile(latencies, 99)
	}
	return stats
}

// Breakdown groups a job's calls by tier and by operation.
func Breakdown(jobID string, calls []llmcall.Call) *JobStats {
	byTier := make(map[string][]llmcall.Call)
	byOp := make(map[string][]llmcall.Call)
	perBatch := make(map[int]int)
	for _, c := range calls {
		byTier[c.Tier] = append(byTier[c.Tier], c)
		if c.Operation != "" {
			byOp[c.Operation] = append(byOp[c.Operation], c)
		}
		perBatch[c.BatchIndex]++
	}

	js := &JobStats{
		JobID:       jobID,
		Total:       Compute(calls),
		ByTier:      make(map[string]*Stats, len(byTier)),
		ByOperation: make(map[string]*Stats, len(byOp)),
	}
	for tier, cs := range byTier {
		js.ByTier[tier] = Compute(cs)
	}
	for op, cs := range byOp {
		js.ByOperation[op] = Compute(cs)
	}
	for _, n := range perBatch {
		if n > 1 {
			js.RetriedBatches++
		}
	}
	return js
}

// ForJob loads every call recorded for jobID and breaks it down.
func ForJob(ctx context.Context, src Source, jobID string) (*JobStats, error) {
	calls, err := src.ListCalls(ctx, jobID, 0)
	if err != nil {
		return nil, err
	}
	return Breakdown(jobID, calls), nil
}

// percentile calculates the p-th percentile from a sorted slice of values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	idx := (p / 100.0) * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	// Linear interpolation
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
