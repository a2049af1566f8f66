package svcctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/codex/internal/analysis"
	"github.com/jackzampolin/codex/internal/config"
	"github.com/jackzampolin/codex/internal/dispatch"
	"github.com/jackzampolin/codex/internal/export"
	"github.com/jackzampolin/codex/internal/jobs"
	"github.com/jackzampolin/codex/internal/llmcall"
	"github.com/jackzampolin/codex/internal/notify"
	"github.com/jackzampolin/codex/internal/providers"
	"github.com/jackzampolin/codex/internal/queue"
	"github.com/jackzampolin/codex/internal/store"
	"github.com/jackzampolin/codex/internal/sweeper"
	"github.com/jackzampolin/codex/internal/worker"
)

// Open connects to the database and Redis described by cfg, applies the
// schema and wires every service. The caller must Close the result.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(ctx, cfg.StoreConfig(), logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb, err := queue.Connect(ctx, cfg.RedisConfig())
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := providers.NewRegistry()
	registry.SetLogger(logger)
	if err := registry.Reload(ctx, cfg.RegistryConfig()); err != nil {
		rdb.Close()
		st.Close()
		return nil, fmt.Errorf("configure tiers: %w", err)
	}
	if len(registry.Tiers()) == 0 {
		logger.Warn("no analysis tier has credentials; batches will fail until keys are configured")
	}

	s := &Services{
		Store:    st,
		Redis:    rdb,
		Registry: registry,
		Logger:   logger,
	}
	s.wire(ctx, cfg)
	return s, nil
}

// wire builds the services that sit on top of the connections.
func (s *Services) wire(ctx context.Context, cfg *config.Config) {
	qa := cfg.QueueConfig(cfg.Queues.Analysis)
	qa.Logger = s.Logger
	s.Analysis = queue.New(s.Redis, qa)
	qt := cfg.QueueConfig(cfg.Queues.Translation)
	qt.Logger = s.Logger
	s.Translation = queue.New(s.Redis, qt)

	s.Recorder = llmcall.NewRecorder(llmcall.RecorderConfig{Writer: s.Store, Logger: s.Logger})
	s.Recorder.Start(ctx)

	ac := cfg.AnalysisConfig()
	ac.Tiers = s.Registry
	ac.Recorder = s.Recorder
	ac.Logger = s.Logger
	s.Client = analysis.NewClient(ac)

	dc := cfg.DispatchConfig()
	dc.Logger = s.Logger
	dispatcher := dispatch.New(s.Analysis, s.Translation, s.Registry, dc)

	jc := cfg.JobsConfig()
	jc.Logger = s.Logger
	s.JobManager = jobs.NewManager(s.Store, dispatcher, jc)

	nc := cfg.NotifierConfig()
	nc.Logger = s.Logger
	s.Notifier = notify.New(s.Store, nc)

	s.Exporter = export.New(s.Store, s.Logger)
}

// Reload applies a changed configuration. Only the tier table is live;
// other sections take effect on restart.
func (s *Services) Reload(ctx context.Context, cfg *config.Config) error {
	if err := s.Registry.Reload(ctx, cfg.RegistryConfig()); err != nil {
		return err
	}
	s.Logger.Info("tier registry reloaded from config", "tiers", len(s.Registry.Tiers()))
	return nil
}

// Runners builds one batch runner per queue.
func (s *Services) Runners(cfg *config.Config) []*worker.Runner {
	rc := cfg.RunnerConfig()
	rc.Logger = s.Logger
	return []*worker.Runner{
		worker.NewRunner(s.Analysis, worker.NewBatchHandler(s.Store, s.Client, s.Logger), rc),
		worker.NewRunner(s.Translation, worker.NewTranslateHandler(s.Store, s.Client, s.Logger), rc),
	}
}

// Sweeper builds the maintenance sweeper over both queues.
func (s *Services) Sweeper(cfg *config.Config) *sweeper.Sweeper {
	sc := cfg.SweeperConfig()
	sc.Logger = s.Logger
	return sweeper.New(s.Store, []sweeper.Queue{s.Analysis, s.Translation}, sc)
}

// Close flushes the call log and closes the connections.
func (s *Services) Close() error {
	if s.Recorder != nil {
		s.Recorder.Stop()
	}
	var errs []error
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}
