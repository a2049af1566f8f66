package endpoints

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/codex/internal/api"
	"github.com/jackzampolin/codex/internal/queue"
	"github.com/jackzampolin/codex/internal/svcctx"
)

// HealthResponse is the response for the liveness check.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Liveness check
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	HealthResponse
//	@Router		/health [get]
func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyResponse reports backing service health.
type ReadyResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary		Readiness check
//	@Description	Reports ready only when both the database and Redis answer a ping
//	@Tags			health
//	@Produce		json
//	@Success		200	{object}	ReadyResponse
//	@Failure		503	{object}	ReadyResponse
//	@Router			/ready [get]
func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Status: "ready", Database: "ok", Redis: "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if st := svcctx.StoreFrom(ctx); st == nil {
		resp.Database = "not_initialized"
	} else if err := st.Ping(ctx); err != nil {
		resp.Database = "unhealthy"
	}
	if rdb := svcctx.RedisFrom(ctx); rdb == nil {
		resp.Redis = "not_initialized"
	} else if err := rdb.Ping(ctx).Err(); err != nil {
		resp.Redis = "unhealthy"
	}

	if resp.Database != "ok" || resp.Redis != "ok" {
		resp.Status = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (database and Redis)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ReadyResponse
			if err := client.Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// StatusResponse is the detailed status response.
type StatusResponse struct {
	Server string        `json:"server"`
	Tiers  []TierStatus  `json:"tiers"`
	Queues []QueueStatus `json:"queues"`
}

// TierStatus describes one configured fallback tier.
type TierStatus struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Keys     int    `json:"keys"`
}

// QueueStatus reports one queue's list lengths.
type QueueStatus struct {
	Name string `json:"name"`
	queue.Stats
	Error string `json:"error,omitempty"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct{}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary	Server status
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	StatusResponse
//	@Router		/status [get]
func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Server: "running", Tiers: []TierStatus{}, Queues: []QueueStatus{}}

	svc := svcctx.ServicesFrom(r.Context())
	if svc.Registry != nil {
		for _, t := range svc.Registry.Tiers() {
			resp.Tiers = append(resp.Tiers, TierStatus{Name: t.Name, Provider: t.Provider, Model: t.Model, Keys: t.PoolSize()})
		}
	}
	for _, q := range svc.Queues() {
		qs := QueueStatus{Name: q.Name()}
		stats, err := q.Stats(r.Context())
		if err != nil {
			qs.Error = err.Error()
		}
		qs.Stats = stats
		resp.Queues = append(resp.Queues, qs)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured tiers and queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
