package endpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/api"
	"github.com/jackzampolin/codex/internal/entities"
	"github.com/jackzampolin/codex/internal/epub"
	"github.com/jackzampolin/codex/internal/export"
	"github.com/jackzampolin/codex/internal/store"
	"github.com/jackzampolin/codex/internal/svcctx"
)

var validate = validator.New()

// targetsGroup nests target commands under "codex api targets".
type targetsGroup struct{}

func (targetsGroup) Group() string { return "targets" }

// PutChaptersRequest is the body of a chapter import.
type PutChaptersRequest struct {
	Chapters []store.Chapter `json:"chapters" validate:"required,min=1,dive"`
}

// PutChaptersResponse reports how many chapters were stored.
type PutChaptersResponse struct {
	TargetID string `json:"target_id"`
	Stored   int    `json:"stored"`
}

// PutChaptersEndpoint handles POST /api/targets/{id}/chapters.
type PutChaptersEndpoint struct{ targetsGroup }

func (e *PutChaptersEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/targets/{id}/chapters", e.handler
}

func (e *PutChaptersEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Import chapters
//	@Description	Inserts or replaces chapters of a target. Stored translations are kept.
//	@Tags			targets
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Target ID"
//	@Param			request	body		PutChaptersRequest	true	"Chapters"
//	@Success		200		{object}	PutChaptersResponse
//	@Failure		400		{object}	ErrorResponse
//	@Router			/api/targets/{id}/chapters [post]
func (e *PutChaptersEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	targetID := pathParam(r, "id")

	var req PutChaptersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := svcctx.StoreFrom(r.Context()).PutChapters(r.Context(), targetID, req.Chapters)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PutChaptersResponse{TargetID: targetID, Stored: n})
}

func (e *PutChaptersEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <target-id> <file.json>",
		Short: "Import chapters from a JSON file",
		Long: `Import chapters from a JSON file holding either {"chapters": [...]}
or a bare array of {"number", "title", "content"} objects.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var req PutChaptersRequest
			if err := json.Unmarshal(data, &req.Chapters); err != nil {
				if err := json.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("failed to parse %s: %w", args[1], err)
				}
			}
			client := api.NewClient(getServerURL())
			var resp PutChaptersResponse
			if err := client.Post(cmd.Context(), "/api/targets/"+args[0]+"/chapters", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// GetChapterEndpoint handles GET /api/targets/{id}/chapters/{number}.
type GetChapterEndpoint struct{ targetsGroup }

func (e *GetChapterEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/targets/{id}/chapters/{number}", e.handler
}

func (e *GetChapterEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary	Get a chapter
//	@Tags		targets
//	@Produce	json
//	@Param		id		path		string	true	"Target ID"
//	@Param		number	path		int		true	"Chapter number"
//	@Success	200		{object}	store.Chapter
//	@Failure	404		{object}	ErrorResponse
//	@Router		/api/targets/{id}/chapters/{number} [get]
func (e *GetChapterEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(pathParam(r, "number"))
	if err != nil || number <= 0 {
		writeError(w, http.StatusBadRequest, "chapter number must be a positive integer")
		return
	}
	ch, err := svcctx.StoreFrom(r.Context()).GetChapter(r.Context(), pathParam(r, "id"), number)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (e *GetChapterEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "chapter <target-id> <number>",
		Short: "Show a chapter and its translation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp store.Chapter
			if err := client.Get(cmd.Context(), "/api/targets/"+args[0]+"/chapters/"+args[1], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// PlanResponse is the batch plan a new analysis would get.
type PlanResponse struct {
	TargetID string  `json:"target_id"`
	Batches  [][]int `json:"batches"`
	Costs    []int   `json:"costs"`
}

// PlanEndpoint handles GET /api/targets/{id}/plan.
type PlanEndpoint struct{ targetsGroup }

func (e *PlanEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/targets/{id}/plan", e.handler
}

func (e *PlanEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Preview the batch plan
//	@Description	Plans the target's stored chapters without creating a job
//	@Tags			targets
//	@Produce		json
//	@Param			id	path		string	true	"Target ID"
//	@Success		200	{object}	PlanResponse
//	@Router			/api/targets/{id}/plan [get]
func (e *PlanEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	targetID := pathParam(r, "id")
	plan, costs, err := svcctx.JobManagerFrom(r.Context()).Preview(r.Context(), targetID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if plan == nil {
		plan, costs = [][]int{}, []int{}
	}
	writeJSON(w, http.StatusOK, PlanResponse{TargetID: targetID, Batches: plan, Costs: costs})
}

func (e *PlanEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <target-id>",
		Short: "Preview how a target would be batched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp PlanResponse
			if err := client.Get(cmd.Context(), "/api/targets/"+args[0]+"/plan", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// StartAnalysisEndpoint handles POST /api/targets/{id}/analysis.
type StartAnalysisEndpoint struct{ targetsGroup }

func (e *StartAnalysisEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/targets/{id}/analysis", e.handler
}

func (e *StartAnalysisEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Start an analysis job
//	@Description	Plans the target and publishes one message per batch
//	@Tags			targets
//	@Produce		json
//	@Param			id	path		string	true	"Target ID"
//	@Success		202	{object}	store.Job
//	@Failure		409	{object}	ErrorResponse	"An analysis is already running"
//	@Failure		422	{object}	ErrorResponse	"No chapters to analyze"
//	@Failure		503	{object}	ErrorResponse	"Dispatch failed"
//	@Router			/api/targets/{id}/analysis [post]
func (e *StartAnalysisEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	startJob(w, r, func(ctx context.Context, id string) (*store.Job, error) {
		return svcctx.JobManagerFrom(ctx).StartAnalysis(ctx, id)
	})
}

func (e *StartAnalysisEndpoint) Command(getServerURL func() string) *cobra.Command {
	return startCommand("analyze <target-id>", "Start an analysis job", "analysis", getServerURL)
}

// StartTranslationEndpoint handles POST /api/targets/{id}/translation.
type StartTranslationEndpoint struct{ targetsGroup }

func (e *StartTranslationEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/targets/{id}/translation", e.handler
}

func (e *StartTranslationEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Start a translation job
//	@Description	Publishes one message per chapter, translated with the stored glossary
//	@Tags			targets
//	@Produce		json
//	@Param			id	path		string	true	"Target ID"
//	@Success		202	{object}	store.Job
//	@Failure		409	{object}	ErrorResponse
//	@Failure		422	{object}	ErrorResponse
//	@Router			/api/targets/{id}/translation [post]
func (e *StartTranslationEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	startJob(w, r, func(ctx context.Context, id string) (*store.Job, error) {
		return svcctx.JobManagerFrom(ctx).StartTranslation(ctx, id)
	})
}

func (e *StartTranslationEndpoint) Command(getServerURL func() string) *cobra.Command {
	return startCommand("translate <target-id>", "Start a translation job", "translation", getServerURL)
}

func startJob(w http.ResponseWriter, r *http.Request, start func(context.Context, string) (*store.Job, error)) {
	job, err := start(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func startCommand(use, short, resource string, getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var job store.Job
			if err := client.Post(cmd.Context(), "/api/targets/"+args[0]+"/"+resource, nil, &job); err != nil {
				return err
			}
			return api.Output(job)
		},
	}
}

// EntitiesEndpoint handles GET /api/targets/{id}/entities.
type EntitiesEndpoint struct{ targetsGroup }

func (e *EntitiesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/targets/{id}/entities", e.handler
}

func (e *EntitiesEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Get extracted entities
//	@Description	Returns the merged characters, terms and events. format=xlsx downloads a workbook.
//	@Tags			targets
//	@Produce		json
//	@Produce		application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
//	@Param			id		path		string	true	"Target ID"
//	@Param			format	query		string	false	"json (default) or xlsx"
//	@Success		200		{object}	entities.Set
//	@Router			/api/targets/{id}/entities [get]
func (e *EntitiesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	targetID := pathParam(r, "id")

	switch r.URL.Query().Get("format") {
	case "", "json":
		set, err := svcctx.StoreFrom(r.Context()).LoadEntities(r.Context(), targetID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		set.Sort()
		writeJSON(w, http.StatusOK, nonNil(set))
	case "xlsx":
		// Buffered so a failure can still be reported as JSON.
		var buf bytes.Buffer
		if err := svcctx.ExporterFrom(r.Context()).WriteTarget(r.Context(), &buf, targetID); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", export.ContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", targetID+".xlsx"))
		if _, err := buf.WriteTo(w); err != nil {
			svcctx.LoggerFrom(r.Context()).Warn("failed to write workbook", "target_id", targetID, "error", err)
		}
	default:
		writeError(w, http.StatusBadRequest, "format must be json or xlsx")
	}
}

func nonNil(s entities.Set) entities.Set {
	if s.Characters == nil {
		s.Characters = []entities.Character{}
	}
	if s.Terms == nil {
		s.Terms = []entities.Term{}
	}
	if s.Events == nil {
		s.Events = []entities.Event{}
	}
	return s
}

func (e *EntitiesEndpoint) Command(getServerURL func() string) *cobra.Command {
	var xlsxOut string
	cmd := &cobra.Command{
		Use:   "entities <target-id>",
		Short: "Show extracted entities, or export them with --xlsx",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			if xlsxOut != "" {
				return downloadFile(cmd, client, "/api/targets/"+args[0]+"/entities?format=xlsx", xlsxOut)
			}
			var resp entities.Set
			if err := client.Get(cmd.Context(), "/api/targets/"+args[0]+"/entities", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&xlsxOut, "xlsx", "", "write an xlsx workbook to this path")
	return cmd
}

// EPUBEndpoint handles GET /api/targets/{id}/epub.
type EPUBEndpoint struct{ targetsGroup }

func (e *EPUBEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/targets/{id}/epub", e.handler
}

func (e *EPUBEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Download the translated book
//	@Description	Renders translated chapters as EPUB 3. Untranslated chapters are skipped unless include_original is set.
//	@Tags			targets
//	@Produce		application/epub+zip
//	@Param			id					path		string	true	"Target ID"
//	@Param			title				query		string	false	"Book title (default: target ID)"
//	@Param			lang				query		string	false	"Language tag (default: en)"
//	@Param			include_original	query		bool	false	"Use source text for untranslated chapters"
//	@Success		200
//	@Failure		404					{object}	ErrorResponse
//	@Router			/api/targets/{id}/epub [get]
func (e *EPUBEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	targetID := pathParam(r, "id")
	q := r.URL.Query()
	opts := export.BookOptions{
		Title:    q.Get("title"),
		Language: q.Get("lang"),
	}
	if raw := q.Get("include_original"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "include_original must be a boolean")
			return
		}
		opts.IncludeOriginal = v
	}

	var buf bytes.Buffer
	sum, err := export.WriteBook(r.Context(), svcctx.StoreFrom(r.Context()), &buf, targetID, opts)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", epub.MediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", targetID+".epub"))
	w.Header().Set("X-Untranslated-Chapters", strconv.Itoa(len(sum.Untranslated)))
	if _, err := buf.WriteTo(w); err != nil {
		svcctx.LoggerFrom(r.Context()).Warn("failed to write epub", "target_id", targetID, "error", err)
	}
}

func (e *EPUBEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		out, title, lang string
		includeOriginal  bool
	)
	cmd := &cobra.Command{
		Use:   "epub <target-id>",
		Short: "Download the translated chapters as an EPUB",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if title != "" {
				q.Set("title", title)
			}
			if lang != "" {
				q.Set("lang", lang)
			}
			if includeOriginal {
				q.Set("include_original", "true")
			}
			path := "/api/targets/" + args[0] + "/epub"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			if out == "" {
				out = args[0] + ".epub"
			}
			return downloadFile(cmd, api.NewClient(getServerURL()), path, out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (default <target-id>.epub)")
	cmd.Flags().StringVar(&title, "title", "", "book title")
	cmd.Flags().StringVar(&lang, "lang", "", "language tag, e.g. en")
	cmd.Flags().BoolVar(&includeOriginal, "include-original", false, "use source text for untranslated chapters")
	return cmd
}
