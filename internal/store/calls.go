package store

import (
	"context"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jackzampolin/codex/internal/llmcall"
)

const callsTable = "llm_calls"

// InsertCalls writes a batch of recorded model attempts. It satisfies
// llmcall.Writer.
func (s *Store) InsertCalls(ctx context.Context, calls []llmcall.Call) error {
	if len(calls) == 0 {
		return nil
	}
	ins := s.builder().Insert(callsTable).Columns(
		"id", "ts", "job_id", "target_id", "batch_index", "operation", "tier", "attempt",
		"provider", "model", "latency_ms", "input_tokens", "output_tokens", "success",
		"error_kind", "error",
	)
	for _, c := range calls {
		ins.Values(c.ID, c.Timestamp.UTC().UnixMilli(), c.JobID, c.TargetID, c.BatchIndex,
			c.Operation, c.Tier, c.Attempt, c.Provider, c.Model, c.LatencyMs,
			c.InputTokens, c.OutputTokens, c.Success, c.ErrorKind, c.Error)
	}
	ins.OnConflict(entsql.ConflictColumns("id"), entsql.DoNothing())
	if _, err := exec(ctx, s.db, ins); err != nil {
		return fmt.Errorf("failed to insert %d llm calls: %w", len(calls), err)
	}
	return nil
}

// ListCalls returns a job's recorded attempts, oldest first.
func (s *Store) ListCalls(ctx context.Context, jobID string, limit int) ([]llmcall.Call, error) {
	sel := s.builder().Select(
		"id", "ts", "job_id", "target_id", "batch_index", "operation", "tier", "attempt",
		"provider", "model", "latency_ms", "input_tokens", "output_tokens", "success",
		"error_kind", "error",
	).From(entsql.Table(callsTable)).
		Where(entsql.EQ("job_id", jobID)).
		OrderBy("ts", "id")
	if limit > 0 {
		sel.Limit(limit)
	}
	query, args := sel.Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list llm calls: %w", err)
	}
	defer rows.Close()

	var out []llmcall.Call
	for rows.Next() {
		var (
			c  llmcall.Call
			ts int64
		)
		if err := rows.Scan(&c.ID, &ts, &c.JobID, &c.TargetID, &c.BatchIndex, &c.Operation,
			&c.Tier, &c.Attempt, &c.Provider, &c.Model, &c.LatencyMs, &c.InputTokens,
			&c.OutputTokens, &c.Success, &c.ErrorKind, &c.Error); err != nil {
			return nil, err
		}
		c.Timestamp = fromMillis(ts)
		out = append(out, c)
	}
	return out, rows.Err()
}
