// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jackzampolin/codex/internal/analysis"
	"github.com/jackzampolin/codex/internal/export"
	"github.com/jackzampolin/codex/internal/home"
	"github.com/jackzampolin/codex/internal/jobs"
	"github.com/jackzampolin/codex/internal/llmcall"
	"github.com/jackzampolin/codex/internal/notify"
	"github.com/jackzampolin/codex/internal/providers"
	"github.com/jackzampolin/codex/internal/queue"
	"github.com/jackzampolin/codex/internal/store"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store       *store.Store
	Redis       redis.UniversalClient
	Analysis    *queue.Queue
	Translation *queue.Queue
	Registry    *providers.Registry
	Client      *analysis.Client
	Recorder    *llmcall.Recorder
	JobManager  *jobs.Manager
	Notifier    *notify.Notifier
	Exporter    *export.Exporter
	Home        *home.Dir
	Logger      *slog.Logger
}

// Queues returns the work queues in a fixed order.
func (s *Services) Queues() []*queue.Queue {
	return []*queue.Queue{s.Analysis, s.Translation}
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the job record store from context.
func StoreFrom(ctx context.Context) *store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// RedisFrom extracts the Redis client from context.
func RedisFrom(ctx context.Context) redis.UniversalClient {
	if s := ServicesFrom(ctx); s != nil {
		return s.Redis
	}
	return nil
}

// JobManagerFrom extracts the job manager from context.
func JobManagerFrom(ctx context.Context) *jobs.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.JobManager
	}
	return nil
}

// NotifierFrom extracts the progress notifier from context.
func NotifierFrom(ctx context.Context) *notify.Notifier {
	if s := ServicesFrom(ctx); s != nil {
		return s.Notifier
	}
	return nil
}

// ExporterFrom extracts the entity exporter from context.
func ExporterFrom(ctx context.Context) *export.Exporter {
	if s := ServicesFrom(ctx); s != nil {
		return s.Exporter
	}
	return nil
}

// RegistryFrom extracts the tier registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// LoggerFrom extracts the logger from context.
// Returns slog.Default() if not present.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
