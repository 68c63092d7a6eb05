package llm

import (
	"context"

	"github.com/go-go-golems/glitchcube/pkg/security"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Mode string

const (
	// ModeTwoTier uses a narrative model for speech and intents and a second
	// function-calling model for concrete tool calls.
	ModeTwoTier Mode = "two-tier"
	// ModeSingleTier asks one model for speech and tool calls together.
	ModeSingleTier Mode = "single-tier"
)

type ProviderConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	// AllowLocalBaseURL permits plain http and LAN hosts in BaseURL, for
	// self-hosted OpenAI-compatible servers.
	AllowLocalBaseURL bool    `mapstructure:"allow_local_base_url"`
	Temperature       float64 `mapstructure:"temperature"`
	MaxTokens         int     `mapstructure:"max_tokens"`
}

type Config struct {
	Mode              Mode           `mapstructure:"mode"`
	Narrative         ProviderConfig `mapstructure:"narrative"`
	ToolCalling       ProviderConfig `mapstructure:"tool_calling"`
	RequestsPerMinute float64        `mapstructure:"requests_per_minute"`
	Burst             int            `mapstructure:"burst"`
}

// Models is the resolved pair of model clients for a mode. ToolCaller is
// nil in single-tier mode.
type Models struct {
	Mode       Mode
	Narrator   Narrator
	ToolCaller ToolCaller

	pingers []namedPinger
}

type namedPinger struct {
	role   string
	pinger Pinger
}

// Ping checks every configured provider, bypassing the rate limiter. It
// returns the first failure.
func (m *Models) Ping(ctx context.Context) error {
	for _, p := range m.pingers {
		if err := p.pinger.Ping(ctx); err != nil {
			return errors.Wrapf(err, "%s model", p.role)
		}
	}
	return nil
}

func (m *Models) addPinger(role string, v any) {
	if p, ok := v.(Pinger); ok {
		m.pingers = append(m.pingers, namedPinger{role: role, pinger: p})
	}
}

// Build creates the provider clients described by cfg and wraps them in a
// shared rate limiter.
func Build(cfg Config) (*Models, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeTwoTier
	}
	if cfg.Mode != ModeTwoTier && cfg.Mode != ModeSingleTier {
		return nil, errors.Errorf("unknown llm mode %q", cfg.Mode)
	}

	limiter := NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst)

	narrator, _, err := buildProvider(cfg.Narrative)
	if err != nil {
		return nil, errors.Wrap(err, "narrative model")
	}
	ret := &Models{Mode: cfg.Mode, Narrator: limiter.Narrator(narrator)}
	ret.addPinger("narrative", narrator)

	if cfg.Mode == ModeTwoTier {
		tc := cfg.ToolCalling
		if tc.Provider == "" {
			tc.Provider = cfg.Narrative.Provider
			if tc.APIKey == "" {
				tc.APIKey = cfg.Narrative.APIKey
			}
			if tc.BaseURL == "" {
				tc.BaseURL = cfg.Narrative.BaseURL
				tc.AllowLocalBaseURL = cfg.Narrative.AllowLocalBaseURL
			}
		}
		_, caller, err := buildProvider(tc)
		if err != nil {
			return nil, errors.Wrap(err, "tool-calling model")
		}
		ret.ToolCaller = limiter.ToolCaller(caller)
		ret.addPinger("tool-calling", caller)
	}

	log.Debug().
		Str("mode", string(cfg.Mode)).
		Str("narrative_provider", cfg.Narrative.Provider).
		Str("narrative_model", cfg.Narrative.Model).
		Msg("model clients configured")
	return ret, nil
}

func buildProvider(p ProviderConfig) (Narrator, ToolCaller, error) {
	if p.BaseURL != "" {
		policy := security.PublicAPI
		if p.AllowLocalBaseURL {
			policy = security.HomeNetwork
		}
		if _, err := security.ParseEndpoint(p.BaseURL, policy); err != nil {
			return nil, nil, errors.Wrap(err, "base url")
		}
	}
	switch p.Provider {
	case "", "openai":
		client, err := MakeClient(OpenAISettings{APIKey: p.APIKey, BaseURL: p.BaseURL})
		if err != nil {
			return nil, nil, err
		}
		c := NewOpenAIClient(client, OpenAISettings{
			Model:       p.Model,
			Temperature: float32(p.Temperature),
			MaxTokens:   p.MaxTokens,
		})
		return c, c, nil
	case "anthropic":
		messages, models, err := NewAnthropicServices(p.APIKey)
		if err != nil {
			return nil, nil, err
		}
		c := NewAnthropicClient(messages, AnthropicSettings{
			Model:       p.Model,
			Temperature: p.Temperature,
			MaxTokens:   int64(p.MaxTokens),
		}, WithModels(models))
		return c, c, nil
	default:
		return nil, nil, errors.Errorf("unknown provider %q", p.Provider)
	}
}
