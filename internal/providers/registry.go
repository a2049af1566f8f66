package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tier is one rung of the fallback ladder: a model served by a pool of
// credentials, each with its own client and rate limiter.
type Tier struct {
	Name       string
	Provider   string
	Model      string
	MaxRetries int

	members []*member
}

type member struct {
	fingerprint string
	client      LLMClient
	limiter     *RateLimiter
}

// NewTier builds a tier over ready-made clients, one per credential.
func NewTier(name, model string, maxRetries int, clients ...LLMClient) *Tier {
	t := &Tier{Name: name, Model: model, MaxRetries: maxRetries}
	for _, c := range clients {
		t.members = append(t.members, &member{client: c})
		if t.Provider == "" {
			t.Provider = c.Name()
		}
	}
	return t
}

// PoolSize returns the number of credentials in the tier.
func (t *Tier) PoolSize() int {
	return len(t.members)
}

// Client returns the rate-limited client for a key rotation index.
func (t *Tier) Client(rotation int) LLMClient {
	m := t.member(rotation)
	if m == nil {
		return nil
	}
	return Limited(m.client, m.limiter)
}

// Limiter returns the limiter for a key rotation index, nil when unlimited.
func (t *Tier) Limiter(rotation int) *RateLimiter {
	if m := t.member(rotation); m != nil {
		return m.limiter
	}
	return nil
}

func (t *Tier) member(rotation int) *member {
	if len(t.members) == 0 {
		return nil
	}
	if rotation < 0 {
		rotation = -rotation
	}
	return t.members[rotation%len(t.members)]
}

// Registry holds the ordered tier list. It supports config-driven
// instantiation and hot-reload, with thread-safe access.
type Registry struct {
	mu     sync.RWMutex
	tiers  []*Tier
	logger *slog.Logger
}

// NewRegistry creates a registry over the given tiers, in fallback order.
func NewRegistry(tiers ...*Tier) *Registry {
	return &Registry{tiers: tiers, logger: slog.Default()}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Tiers returns a snapshot of the tier list in fallback order.
func (r *Registry) Tiers() []*Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Tier(nil), r.tiers...)
}

// PoolSize returns the largest credential pool across tiers. Dispatchers use
// it to spread batches over keys.
func (r *Registry) PoolSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	size := 1
	for _, t := range r.tiers {
		if t.PoolSize() > size {
			size = t.PoolSize()
		}
	}
	return size
}

// TierConfig describes one tier with resolved API keys.
type TierConfig struct {
	Name       string
	Provider   string // openrouter, openai, anthropic, gemini, mock
	Model      string
	BaseURL    string
	APIKeys    []string
	RPM        int
	MaxRetries int
	Timeout    time.Duration
}

// RegistryConfig defines the tiers to instantiate from config.
type RegistryConfig struct {
	Tiers []TierConfig
}

// NewRegistryFromConfig creates a registry with tiers built from config.
func NewRegistryFromConfig(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	r := NewRegistry()
	if err := r.Reload(ctx, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the tier list from cfg. Credentials whose settings did not
// change keep their client and limiter state.
func (r *Registry) Reload(ctx context.Context, cfg RegistryConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := make(map[string]*member)
	for _, t := range r.tiers {
		for _, m := range t.members {
			if m.fingerprint != "" {
				existing[m.fingerprint] = m
			}
		}
	}

	tiers := make([]*Tier, 0, len(cfg.Tiers))
	for _, tc := range cfg.Tiers {
		tier := &Tier{Name: tc.Name, Provider: tc.Provider, Model: tc.Model, MaxRetries: tc.MaxRetries}
		for _, key := range tc.APIKeys {
			if key == "" {
				continue
			}
			fp := fmt.Sprintf("%s|%s|%s|%s|%d|%s", tc.Provider, tc.Model, tc.BaseURL, key, tc.RPM, tc.Timeout)
			if m, ok := existing[fp]; ok {
				tier.members = append(tier.members, m)
				continue
			}
			client, err := createLLMClient(ctx, tc, key)
			if err != nil {
				return fmt.Errorf("tier %s: %w", tc.Name, err)
			}
			tier.members = append(tier.members, &member{
				fingerprint: fp,
				client:      client,
				limiter:     NewRateLimiter(tc.RPM),
			})
		}
		if len(tier.members) == 0 {
			r.logger.Warn("tier has no credentials, skipping", "tier", tc.Name)
			continue
		}
		tiers = append(tiers, tier)
		r.logger.Info("configured tier", "tier", tc.Name, "provider", tc.Provider, "model", tc.Model, "keys", len(tier.members))
	}

	r.tiers = tiers
	return nil
}

// createLLMClient creates a client based on provider type.
func createLLMClient(ctx context.Context, tc TierConfig, key string) (LLMClient, error) {
	switch tc.Provider {
	case OpenRouterName, "":
		return NewOpenRouterClient(OpenRouterConfig{APIKey: key, BaseURL: tc.BaseURL, DefaultModel: tc.Model, Timeout: tc.Timeout}), nil
	case OpenAIName:
		return NewOpenAIClient(OpenAIConfig{APIKey: key, BaseURL: tc.BaseURL, DefaultModel: tc.Model, Timeout: tc.Timeout}), nil
	case AnthropicName:
		return NewAnthropicClient(AnthropicConfig{APIKey: key, BaseURL: tc.BaseURL, DefaultModel: tc.Model, Timeout: tc.Timeout}), nil
	case GeminiName:
		c, err := NewGeminiClient(ctx, GeminiConfig{APIKey: key, DefaultModel: tc.Model})
		if err != nil {
			return nil, err
		}
		return c, nil
	case MockClientName:
		return NewMockClient(key), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", tc.Provider)
	}
}
