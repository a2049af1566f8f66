package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/api"
	"github.com/jackzampolin/codex/internal/llmcall"
	"github.com/jackzampolin/codex/internal/metrics"
	"github.com/jackzampolin/codex/internal/notify"
	"github.com/jackzampolin/codex/internal/store"
	"github.com/jackzampolin/codex/internal/svcctx"
)

// jobsGroup nests job commands under "codex api jobs".
type jobsGroup struct{}

func (jobsGroup) Group() string { return "jobs" }

// ListJobsResponse is the response for listing jobs.
type ListJobsResponse struct {
	Jobs []store.Job `json:"jobs"`
}

// ListJobsEndpoint handles GET /api/jobs.
type ListJobsEndpoint struct{ jobsGroup }

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List jobs
//	@Description	Newest first. status may be repeated or comma separated.
//	@Tags			jobs
//	@Produce		json
//	@Param			target	query		string	false	"Filter by target ID"
//	@Param			kind	query		string	false	"analysis or translation"
//	@Param			status	query		string	false	"Filter by status"
//	@Param			limit	query		int		false	"Maximum results (default 100)"
//	@Param			offset	query		int		false	"Results to skip"
//	@Success		200		{object}	ListJobsResponse
//	@Failure		400		{object}	ErrorResponse
//	@Router			/api/jobs [get]
func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		TargetID: q.Get("target"),
		Kind:     store.Kind(q.Get("kind")),
	}
	if f.Kind != "" && f.Kind != store.KindAnalysis && f.Kind != store.KindTranslation {
		writeError(w, http.StatusBadRequest, "unknown kind: "+string(f.Kind))
		return
	}
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				f.Statuses = append(f.Statuses, store.Status(s))
			}
		}
	}

	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := svcctx.JobManagerFrom(r.Context()).List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs})
}

func (e *ListJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	var target, kind, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if target != "" {
				params.Set("target", target)
			}
			if kind != "" {
				params.Set("kind", kind)
			}
			if status != "" {
				params.Set("status", status)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/jobs"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			client := api.NewClient(getServerURL())
			var resp ListJobsResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "filter by target ID")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (analysis, translation)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (comma separated)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	return cmd
}

// GetJobEndpoint handles GET /api/jobs/{id}.
type GetJobEndpoint struct{ jobsGroup }

func (e *GetJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}", e.handler
}

func (e *GetJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary	Get job by ID
//	@Tags		jobs
//	@Produce	json
//	@Param		id	path		string	true	"Job ID"
//	@Success	200	{object}	store.Job
//	@Failure	404	{object}	ErrorResponse
//	@Router		/api/jobs/{id} [get]
func (e *GetJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	job, err := svcctx.JobManagerFrom(r.Context()).Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (e *GetJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Get job details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var job store.Job
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0], &job); err != nil {
				return err
			}
			return api.Output(job)
		},
	}
}

// CancelJobEndpoint handles POST /api/jobs/{id}/cancel.
type CancelJobEndpoint struct{ jobsGroup }

func (e *CancelJobEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/jobs/{id}/cancel", e.handler
}

func (e *CancelJobEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Cancel a job
//	@Description	Workers stop at their next checkpoint. Batches already merged are kept.
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	store.Job
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse	"Job already finished"
//	@Router			/api/jobs/{id}/cancel [post]
func (e *CancelJobEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	job, err := svcctx.JobManagerFrom(r.Context()).Cancel(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (e *CancelJobEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var job store.Job
			if err := client.Post(cmd.Context(), "/api/jobs/"+args[0]+"/cancel", nil, &job); err != nil {
				return err
			}
			return api.Output(job)
		},
	}
}

// JobEventsEndpoint handles GET /api/jobs/{id}/events.
type JobEventsEndpoint struct{ jobsGroup }

func (e *JobEventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/events", e.handler
}

func (e *JobEventsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Stream job progress
//	@Description	Server-sent events. The stream closes after job_completed, job_failed or job_paused.
//	@Tags			jobs
//	@Produce		text/event-stream
//	@Param			id	path	string	true	"Job ID"
//	@Success		200
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/jobs/{id}/events [get]
func (e *JobEventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	svcctx.NotifierFrom(r.Context()).ServeSSE(w, r, pathParam(r, "id"))
}

func (e *JobEventsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			out := cmd.OutOrStdout()
			var last notify.EventType
			err := client.Stream(cmd.Context(), "/api/jobs/"+args[0]+"/events", func(event string, data []byte) error {
				var ev struct {
					Type notify.EventType `json:"type"`
					Data notify.Snapshot  `json:"data"`
				}
				if err := json.Unmarshal(data, &ev); err != nil {
					return fmt.Errorf("bad event %q: %w", event, err)
				}
				last = ev.Type
				s := ev.Data
				fmt.Fprintf(out, "%-18s %3.0f%%  %d/%d batches", ev.Type, s.Progress*100, s.CompletedBatches, s.TotalBatches)
				if s.FailedBatches > 0 {
					fmt.Fprintf(out, "  %d failed", s.FailedBatches)
				}
				if s.CurrentChapter > 0 {
					fmt.Fprintf(out, "  chapter %d", s.CurrentChapter)
				}
				if s.Message != "" {
					fmt.Fprintf(out, "  %s", s.Message)
				}
				fmt.Fprintln(out)
				return nil
			})
			if err != nil {
				return err
			}
			if last == notify.JobFailed {
				return fmt.Errorf("job %s failed", args[0])
			}
			return nil
		},
	}
}

// JobSocketEndpoint handles GET /api/jobs/{id}/ws.
type JobSocketEndpoint struct{}

func (e *JobSocketEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/ws", e.handler
}

func (e *JobSocketEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Stream job progress over WebSocket
//	@Description	Same events as /events, one JSON message each.
//	@Tags			jobs
//	@Param			id	path	string	true	"Job ID"
//	@Success		101
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/jobs/{id}/ws [get]
func (e *JobSocketEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	svcctx.NotifierFrom(r.Context()).ServeWS(w, r, pathParam(r, "id"))
}

// Command returns nil; the CLI follows jobs over SSE.
func (e *JobSocketEndpoint) Command(getServerURL func() string) *cobra.Command { return nil }

// ListCallsResponse is the response for a job's model calls.
type ListCallsResponse struct {
	Calls []llmcall.Call `json:"calls"`
}

// ListCallsEndpoint handles GET /api/jobs/{id}/calls.
type ListCallsEndpoint struct{ jobsGroup }

func (e *ListCallsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/calls", e.handler
}

func (e *ListCallsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List model calls of a job
//	@Description	Every attempt against every tier, oldest first
//	@Tags			jobs
//	@Produce		json
//	@Param			id		path		string	true	"Job ID"
//	@Param			limit	query		int		false	"Maximum results (default 200)"
//	@Success		200		{object}	ListCallsResponse
//	@Router			/api/jobs/{id}/calls [get]
func (e *ListCallsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	calls, err := svcctx.StoreFrom(r.Context()).ListCalls(r.Context(), pathParam(r, "id"), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if calls == nil {
		calls = []llmcall.Call{}
	}
	writeJSON(w, http.StatusOK, ListCallsResponse{Calls: calls})
}

func (e *ListCallsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "calls <job-id>",
		Short: "List the model calls made for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListCallsResponse
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0]+"/calls", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// JobStatsEndpoint handles GET /api/jobs/{id}/stats.
type JobStatsEndpoint struct{ jobsGroup }

func (e *JobStatsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs/{id}/stats", e.handler
}

func (e *JobStatsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Call statistics of a job
//	@Description	Latency percentiles, token totals and error kinds, overall and per tier and operation
//	@Tags			jobs
//	@Produce		json
//	@Param			id	path		string	true	"Job ID"
//	@Success		200	{object}	metrics.JobStats
//	@Failure		404	{object}	ErrorResponse
//	@Router			/api/jobs/{id}/stats [get]
func (e *JobStatsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := svcctx.StoreFrom(ctx)
	id := pathParam(r, "id")
	if _, err := s.GetJob(ctx, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	stats, err := metrics.ForJob(ctx, s, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (e *JobStatsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <job-id>",
		Short: "Show call statistics for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp metrics.JobStats
			if err := client.Get(cmd.Context(), "/api/jobs/"+args[0]+"/stats", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
