package config

import (
	"time"

	"github.com/jackzampolin/codex/internal/analysis"
	"github.com/jackzampolin/codex/internal/dispatch"
	"github.com/jackzampolin/codex/internal/jobs"
	"github.com/jackzampolin/codex/internal/notify"
	"github.com/jackzampolin/codex/internal/planner"
	"github.com/jackzampolin/codex/internal/providers"
	"github.com/jackzampolin/codex/internal/queue"
	"github.com/jackzampolin/codex/internal/store"
	"github.com/jackzampolin/codex/internal/sweeper"
	"github.com/jackzampolin/codex/internal/worker"
)

// Config holds codex configuration.
// Stored at: ./config.yaml or ~/.codex/config.yaml
type Config struct {
	Database DatabaseCfg `mapstructure:"database" yaml:"database"`
	Redis    RedisCfg    `mapstructure:"redis" yaml:"redis"`
	Queues   QueuesCfg   `mapstructure:"queues" yaml:"queues"`
	Tiers    []TierCfg   `mapstructure:"tiers" yaml:"tiers" validate:"required,min=1,dive"`
	Analysis AnalysisCfg `mapstructure:"analysis" yaml:"analysis"`
	Planner  PlannerCfg  `mapstructure:"planner" yaml:"planner"`
	Worker   WorkerCfg   `mapstructure:"worker" yaml:"worker"`
	Notifier NotifierCfg `mapstructure:"notifier" yaml:"notifier"`
	Sweeper  SweeperCfg  `mapstructure:"sweeper" yaml:"sweeper"`
	Server   ServerCfg   `mapstructure:"server" yaml:"server"`
	Log      LogCfg      `mapstructure:"log" yaml:"log"`
}

// DatabaseCfg configures the job record store.
type DatabaseCfg struct {
	Driver           string   `mapstructure:"driver" yaml:"driver" validate:"oneof=postgres sqlite"`
	DSN              string   `mapstructure:"dsn" yaml:"dsn" validate:"required"` // supports ${ENV_VAR}
	MaxConns         int32    `mapstructure:"max_conns" yaml:"max_conns" validate:"gte=0"`
	MinConns         int32    `mapstructure:"min_conns" yaml:"min_conns" validate:"gte=0"`
	MaxConnLifetime  Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	MaxConnIdleTime  Duration `mapstructure:"max_conn_idle_time" yaml:"max_conn_idle_time"`
	DialTimeout      Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	StatementTimeout Duration `mapstructure:"statement_timeout" yaml:"statement_timeout"`
	ChunkSize        int      `mapstructure:"chunk_size" yaml:"chunk_size" validate:"gte=0"`
	MergeParallelism int      `mapstructure:"merge_parallelism" yaml:"merge_parallelism" validate:"gte=0"`
}

// RedisCfg configures the queue broker connection.
type RedisCfg struct {
	Addr     string `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password" yaml:"password"` // supports ${ENV_VAR}
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
}

// QueuesCfg names the work queues and their redelivery policy.
type QueuesCfg struct {
	Analysis          string   `mapstructure:"analysis" yaml:"analysis" validate:"required"`
	Translation       string   `mapstructure:"translation" yaml:"translation" validate:"required,nefield=Analysis"`
	MaxReceiveCount   int      `mapstructure:"max_receive_count" yaml:"max_receive_count" validate:"gte=1"`
	VisibilityTimeout Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	PublishGroupSize  int      `mapstructure:"publish_group_size" yaml:"publish_group_size" validate:"gte=0"`
	PublishAttempts   uint     `mapstructure:"publish_attempts" yaml:"publish_attempts"`
}

// TierCfg configures one rung of the model fallback ladder.
type TierCfg struct {
	Name       string   `mapstructure:"name" yaml:"name" validate:"required"`
	Provider   string   `mapstructure:"provider" yaml:"provider" validate:"oneof=openrouter openai anthropic gemini mock"`
	Model      string   `mapstructure:"model" yaml:"model" validate:"required"`
	BaseURL    string   `mapstructure:"base_url" yaml:"base_url,omitempty" validate:"omitempty,url"`
	APIKeys    []string `mapstructure:"api_keys" yaml:"api_keys"` // each supports ${ENV_VAR}
	RPM        int      `mapstructure:"rpm" yaml:"rpm" validate:"gte=0"`
	MaxRetries int      `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"`
	Timeout    Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AnalysisCfg configures the analysis client.
type AnalysisCfg struct {
	CallTimeout       Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	BaseDelay         Duration `mapstructure:"base_delay" yaml:"base_delay"`
	RateLimitDelay    Duration `mapstructure:"rate_limit_delay" yaml:"rate_limit_delay"`
	MaxDelay          Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter            float64  `mapstructure:"jitter" yaml:"jitter" validate:"gte=0,lt=1"`
	DefaultMaxRetries int      `mapstructure:"default_max_retries" yaml:"default_max_retries" validate:"gte=0"`
	TargetLanguage    string   `mapstructure:"target_language" yaml:"target_language" validate:"required"`
	Temperature       float64  `mapstructure:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int      `mapstructure:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
}

// PlannerCfg is the token budget batches are planned against.
type PlannerCfg struct {
	ServiceInputLimit int     `mapstructure:"service_input_limit" yaml:"service_input_limit" validate:"gt=0"`
	SafetyFactor      float64 `mapstructure:"safety_factor" yaml:"safety_factor" validate:"gt=0,lte=1"`
	PromptOverhead    int     `mapstructure:"prompt_overhead" yaml:"prompt_overhead" validate:"gte=0"`
	CharsPerToken     float64 `mapstructure:"chars_per_token" yaml:"chars_per_token" validate:"gt=0"`
	MaxRetries        int     `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=0"` // dead-letter budget per job
}

// WorkerCfg configures the batch worker runners.
type WorkerCfg struct {
	Workers   int      `mapstructure:"workers" yaml:"workers" validate:"gte=0"`
	BatchSize int      `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=0"`
	Wait      Duration `mapstructure:"wait" yaml:"wait"`
	Timeout   Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NotifierCfg configures progress streams.
type NotifierCfg struct {
	Interval               Duration `mapstructure:"interval" yaml:"interval"`
	HeartbeatInterval      Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	StallAfter             Duration `mapstructure:"stall_after" yaml:"stall_after"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures" validate:"gte=0"`
}

// SweeperCfg configures the maintenance schedule.
type SweeperCfg struct {
	Schedule          string   `mapstructure:"schedule" yaml:"schedule" validate:"required"`
	StaleAfter        Duration `mapstructure:"stale_after" yaml:"stale_after"`
	CompleteThreshold float64  `mapstructure:"complete_threshold" yaml:"complete_threshold" validate:"gt=0,lte=1"`
	Retention         Duration `mapstructure:"retention" yaml:"retention"`
	DrainLimit        int      `mapstructure:"drain_limit" yaml:"drain_limit" validate:"gte=0"`
}

// ServerCfg configures the HTTP server.
type ServerCfg struct {
	Host            string   `mapstructure:"host" yaml:"host"`
	Port            string   `mapstructure:"port" yaml:"port" validate:"required,numeric"`
	ShutdownTimeout Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// EmbeddedWorkers runs this many batch workers inside serve (0 disables).
	EmbeddedWorkers int  `mapstructure:"embedded_workers" yaml:"embedded_workers" validate:"gte=0"`
	EmbeddedSweeper bool `mapstructure:"embedded_sweeper" yaml:"embedded_sweeper"`
}

// LogCfg configures the process logger.
type LogCfg struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseCfg{
			Driver:           store.DriverSQLite,
			DSN:              "file:codex.db",
			MaxConns:         10,
			DialTimeout:      Duration(10 * time.Second),
			StatementTimeout: Duration(30 * time.Second),
			ChunkSize:        20,
			MergeParallelism: 4,
		},
		Redis: RedisCfg{Addr: "127.0.0.1:6379"},
		Queues: QueuesCfg{
			Analysis:          "codex:analysis",
			Translation:       "codex:translation",
			MaxReceiveCount:   5,
			VisibilityTimeout: Duration(25 * time.Minute),
			PublishGroupSize:  10,
			PublishAttempts:   3,
		},
		Tiers: []TierCfg{
			{
				Name:       "primary",
				Provider:   "openrouter",
				Model:      "anthropic/claude-sonnet-4",
				APIKeys:    []string{"${OPENROUTER_API_KEY}"},
				RPM:        60,
				MaxRetries: 3,
				Timeout:    Duration(180 * time.Second),
			},
			{
				Name:       "fallback",
				Provider:   "gemini",
				Model:      "gemini-2.5-flash",
				APIKeys:    []string{"${GEMINI_API_KEY}"},
				RPM:        60,
				MaxRetries: 2,
				Timeout:    Duration(180 * time.Second),
			},
		},
		Analysis: AnalysisCfg{
			CallTimeout:       Duration(180 * time.Second),
			BaseDelay:         Duration(2 * time.Second),
			RateLimitDelay:    Duration(10 * time.Second),
			MaxDelay:          Duration(60 * time.Second),
			Jitter:            0.2,
			DefaultMaxRetries: 3,
			TargetLanguage:    "English",
			Temperature:       0.2,
			MaxTokens:         16000,
		},
		Planner: PlannerCfg{
			ServiceInputLimit: 120000,
			SafetyFactor:      0.8,
			PromptOverhead:    4000,
			CharsPerToken:     1.5,
			MaxRetries:        3,
		},
		Worker: WorkerCfg{
			Workers:   2,
			BatchSize: 5,
			Wait:      Duration(5 * time.Second),
			Timeout:   Duration(20 * time.Minute),
		},
		Notifier: NotifierCfg{
			Interval:               Duration(2 * time.Second),
			HeartbeatInterval:      Duration(15 * time.Second),
			StallAfter:             Duration(30 * time.Minute),
			MaxConsecutiveFailures: 5,
		},
		Sweeper: SweeperCfg{
			Schedule:          "@every 1m",
			StaleAfter:        Duration(30 * time.Minute),
			CompleteThreshold: 0.9,
			Retention:         Duration(7 * 24 * time.Hour),
			DrainLimit:        100,
		},
		Server: ServerCfg{
			Host:            "127.0.0.1",
			Port:            "8080",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Log: LogCfg{Level: "info", Format: "text"},
	}
}

// GetTier returns a tier config by name.
func (c *Config) GetTier(name string) (TierCfg, bool) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return TierCfg{}, false
}

// StoreConfig converts the database section, resolving ${ENV_VAR} in the DSN.
func (c *Config) StoreConfig() store.Config {
	d := c.Database
	return store.Config{
		Driver:           d.Driver,
		DSN:              ResolveEnvVars(d.DSN),
		MaxConns:         d.MaxConns,
		MinConns:         d.MinConns,
		MaxConnLifetime:  d.MaxConnLifetime.Std(),
		MaxConnIdleTime:  d.MaxConnIdleTime.Std(),
		DialTimeout:      d.DialTimeout.Std(),
		StatementTimeout: d.StatementTimeout.Std(),
		ChunkSize:        d.ChunkSize,
		MergeParallelism: d.MergeParallelism,
	}
}

// RedisConfig converts the redis section.
func (c *Config) RedisConfig() queue.RedisConfig {
	return queue.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: ResolveEnvVars(c.Redis.Password),
		DB:       c.Redis.DB,
	}
}

// QueueConfig returns the settings for the named queue.
func (c *Config) QueueConfig(name string) queue.Config {
	return queue.Config{
		Name:              name,
		MaxReceiveCount:   c.Queues.MaxReceiveCount,
		VisibilityTimeout: c.Queues.VisibilityTimeout.Std(),
	}
}

// DispatchConfig converts the publish settings.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		GroupSize:       c.Queues.PublishGroupSize,
		PublishAttempts: c.Queues.PublishAttempts,
	}
}

// RegistryConfig converts the tier list for providers.Registry. All
// ${ENV_VAR} references in API keys are resolved; keys that resolve to
// nothing are dropped.
func (c *Config) RegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{Tiers: make([]providers.TierConfig, 0, len(c.Tiers))}
	for _, t := range c.Tiers {
		var keys []string
		for _, k := range t.APIKeys {
			if v := ResolveEnvVars(k); v != "" {
				keys = append(keys, v)
			}
		}
		cfg.Tiers = append(cfg.Tiers, providers.TierConfig{
			Name:       t.Name,
			Provider:   t.Provider,
			Model:      t.Model,
			BaseURL:    t.BaseURL,
			APIKeys:    keys,
			RPM:        t.RPM,
			MaxRetries: t.MaxRetries,
			Timeout:    t.Timeout.Std(),
		})
	}
	return cfg
}

// AnalysisConfig converts the analysis section. Callers fill in Tiers,
// Recorder and Logger.
func (c *Config) AnalysisConfig() analysis.Config {
	a := c.Analysis
	return analysis.Config{
		CallTimeout:       a.CallTimeout.Std(),
		BaseDelay:         a.BaseDelay.Std(),
		RateLimitDelay:    a.RateLimitDelay.Std(),
		MaxDelay:          a.MaxDelay.Std(),
		Jitter:            a.Jitter,
		DefaultMaxRetries: a.DefaultMaxRetries,
		TargetLanguage:    a.TargetLanguage,
		Temperature:       a.Temperature,
		MaxTokens:         a.MaxTokens,
	}
}

// JobsConfig converts the planner section.
func (c *Config) JobsConfig() jobs.Config {
	p := c.Planner
	return jobs.Config{
		Budget: planner.Budget{
			ServiceInputLimit: p.ServiceInputLimit,
			SafetyFactor:      p.SafetyFactor,
			PromptOverhead:    p.PromptOverhead,
			CharsPerToken:     p.CharsPerToken,
		},
		MaxRetries: p.MaxRetries,
	}
}

// RunnerConfig converts the worker section.
func (c *Config) RunnerConfig() worker.RunnerConfig {
	return worker.RunnerConfig{
		Workers:   c.Worker.Workers,
		BatchSize: c.Worker.BatchSize,
		Wait:      c.Worker.Wait.Std(),
		Timeout:   c.Worker.Timeout.Std(),
	}
}

// NotifierConfig converts the notifier section.
func (c *Config) NotifierConfig() notify.Config {
	n := c.Notifier
	return notify.Config{
		Interval:               n.Interval.Std(),
		HeartbeatInterval:      n.HeartbeatInterval.Std(),
		StallAfter:             n.StallAfter.Std(),
		MaxConsecutiveFailures: n.MaxConsecutiveFailures,
	}
}

// SweeperConfig converts the sweeper section.
func (c *Config) SweeperConfig() sweeper.Config {
	s := c.Sweeper
	return sweeper.Config{
		Schedule:          s.Schedule,
		StaleAfter:        s.StaleAfter.Std(),
		CompleteThreshold: s.CompleteThreshold,
		Retention:         s.Retention.Std(),
		DrainLimit:        s.DrainLimit,
	}
}
