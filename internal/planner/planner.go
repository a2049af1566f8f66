// Package planner partitions an ordered chapter list into token-budgeted
// batches. The plan is persisted once per job and never recomputed, so the
// output must depend only on the input order and sizes.
package planner

import "math"

// Chapter is the planner's view of a chapter.
type Chapter struct {
	Number int
	// Size is a cheap content-size estimate in characters.
	Size int
}

// Budget describes the upstream service input limit.
type Budget struct {
	ServiceInputLimit int     // tokens accepted per call
	SafetyFactor      float64 // fraction of the limit we allow ourselves
	PromptOverhead    int     // tokens reserved for instructions and context
	CharsPerToken     float64
}

// DefaultBudget returns the budget used when config leaves fields unset.
func DefaultBudget() Budget {
	return Budget{
		ServiceInputLimit: 128000,
		SafetyFactor:      0.8,
		PromptOverhead:    6000,
		CharsPerToken:     4,
	}
}

// Target returns the per-batch token budget.
func (b Budget) Target() int {
	return int(float64(b.ServiceInputLimit)*b.SafetyFactor) - b.PromptOverhead
}

// EstimateTokens converts a character count to an estimated token cost.
func (b Budget) EstimateTokens(size int) int {
	cpt := b.CharsPerToken
	if cpt <= 0 {
		cpt = DefaultBudget().CharsPerToken
	}
	if size <= 0 {
		return 0
	}
	return int(math.Ceil(float64(size) / cpt))
}

// Plan greedily packs chapters into batches whose estimated cost stays at or
// under the target budget. A chapter that alone exceeds the budget becomes
// its own batch; chapters are never split.
func Plan(chapters []Chapter, b Budget) [][]int {
	target := b.Target()
	plan := make([][]int, 0)

	var (
		current []int
		cost    int
	)
	for _, ch := range chapters {
		tokens := b.EstimateTokens(ch.Size)
		if len(current) > 0 && cost+tokens > target {
			plan = append(plan, current)
			current, cost = nil, 0
		}
		current = append(current, ch.Number)
		cost += tokens
	}
	if len(current) > 0 {
		plan = append(plan, current)
	}
	return plan
}

// Costs returns the estimated token cost of each batch in plan.
func Costs(chapters []Chapter, plan [][]int, b Budget) []int {
	sizes := make(map[int]int, len(chapters))
	for _, ch := range chapters {
		sizes[ch.Number] = ch.Size
	}
	costs := make([]int, len(plan))
	for i, batch := range plan {
		for _, n := range batch {
			costs[i] += b.EstimateTokens(sizes[n])
		}
	}
	return costs
}

// LastChapter returns the highest chapter number in batch, or 0 when empty.
func LastChapter(batch []int) int {
	last := 0
	for _, n := range batch {
		if n > last {
			last = n
		}
	}
	return last
}
