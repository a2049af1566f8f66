package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackzampolin/codex/internal/store"
)

// SSESink writes events as server-sent events.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSESink prepares w for an event stream. It fails when the writer
// cannot flush.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSESink{w: w, flusher: flusher}, nil
}

// Send writes one event frame.
func (s *SSESink) Send(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Heartbeat writes a comment line, which clients ignore.
func (s *SSESink) Heartbeat(ctx context.Context) error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ServeSSE streams jobID to an HTTP client. Unknown jobs get a 404 before
// the stream opens.
func (n *Notifier) ServeSSE(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, err := n.Snapshot(r.Context(), jobID); err != nil {
		writeLookupError(w, err)
		return
	}
	sink, err := NewSSESink(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := n.Stream(r.Context(), jobID, sink); err != nil {
		n.logger.Warn("progress stream ended with error", "job_id", jobID, "error", err)
	}
}

func writeLookupError(w http.ResponseWriter, err error) {
	status := http.StatusServiceUnavailable
	if errors.Is(err, store.ErrNotFound) {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
