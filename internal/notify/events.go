// Package notify streams job progress to a connected client. Each stream
// polls the job record, diffs it against the last snapshot and emits one
// event per changed dimension.
package notify

import (
	"github.com/jackzampolin/codex/internal/store"
)

// EventType names a progress event.
type EventType string

const (
	JobStarted       EventType = "job_started"
	ChapterStarted   EventType = "chapter_started"
	ChunkProgress    EventType = "chunk_progress"
	ChapterCompleted EventType = "chapter_completed"
	ChapterFailed    EventType = "chapter_failed"
	JobPaused        EventType = "job_paused"
	JobCompleted     EventType = "job_completed"
	JobFailed        EventType = "job_failed"
)

// Terminal reports whether t ends the stream.
func (t EventType) Terminal() bool {
	return t == JobCompleted || t == JobFailed || t == JobPaused
}

// Event is the envelope sent to clients.
type Event struct {
	JobID string    `json:"jobId"`
	Type  EventType `json:"type"`
	Data  any       `json:"data,omitempty"`
}

// Snapshot is the client-visible part of a job.
type Snapshot struct {
	Status                 store.Status `json:"status"`
	TotalBatches           int          `json:"totalBatches"`
	CompletedBatches       int          `json:"completedBatches"`
	FailedBatches          int          `json:"failedBatches"`
	AnalyzedProgressMarker int          `json:"analyzedProgressMarker"`
	CurrentChapter         int          `json:"currentChapter,omitempty"`
	SubProgress            string       `json:"subProgress,omitempty"`
	Progress               float64      `json:"progress"`
	Message                string       `json:"message,omitempty"`
}

func snapshotOf(j *store.Job) Snapshot {
	return Snapshot{
		Status:                 j.Status,
		TotalBatches:           j.TotalBatches,
		CompletedBatches:       j.CurrentBatchIndex,
		FailedBatches:          j.FailedBatches,
		AnalyzedProgressMarker: j.AnalyzedProgressMarker,
		CurrentChapter:         j.CurrentChapter,
		SubProgress:            j.SubProgress,
		Progress:               j.Progress(),
		Message:                j.ErrorMessage,
	}
}

// statusEvent maps a status to the event announcing it. PENDING has none.
func statusEvent(s store.Status) (EventType, bool) {
	switch s {
	case store.StatusInProgress:
		return JobStarted, true
	case store.StatusCompleted:
		return JobCompleted, true
	case store.StatusFailed:
		return JobFailed, true
	case store.StatusCancelled:
		return JobPaused, true
	}
	return "", false
}

// Diff returns the events that take a client from prev to next. A
// non-terminal status event comes first and counters follow it. A terminal
// status event is held back and emitted last, after the counters, so it can
// close the stream; in-flight activity is dropped once the job is terminal.
func Diff(jobID string, prev, next Snapshot) []Event {
	var events []Event
	emit := func(t EventType, data any) {
		events = append(events, Event{JobID: jobID, Type: t, Data: data})
	}

	var terminal *Event
	if next.Status != prev.Status {
		if t, ok := statusEvent(next.Status); ok {
			if t.Terminal() {
				terminal = &Event{JobID: jobID, Type: t, Data: next}
			} else {
				emit(t, next)
			}
		}
	}

	if next.CompletedBatches > prev.CompletedBatches {
		emit(ChapterCompleted, map[string]any{
			"completedBatches":       next.CompletedBatches,
			"totalBatches":           next.TotalBatches,
			"analyzedProgressMarker": next.AnalyzedProgressMarker,
			"progress":               next.Progress,
		})
	}
	if next.FailedBatches > prev.FailedBatches {
		emit(ChapterFailed, map[string]any{
			"failedBatches": next.FailedBatches,
			"message":       next.Message,
		})
	}

	if terminal == nil {
		if next.CurrentChapter != prev.CurrentChapter && next.CurrentChapter > 0 {
			emit(ChapterStarted, map[string]any{"chapter": next.CurrentChapter})
		}
		if next.SubProgress != prev.SubProgress && next.SubProgress != "" {
			emit(ChunkProgress, map[string]any{
				"chapter":     next.CurrentChapter,
				"subProgress": next.SubProgress,
			})
		}
	}

	if terminal != nil {
		events = append(events, *terminal)
	}
	return events
}
