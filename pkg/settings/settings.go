// Package settings loads the glitchcube configuration through viper.
//
// Values come from, in increasing priority: the defaults below, a config
// file, GLITCHCUBE_* environment variables (dots and dashes become
// underscores, so turn.deadline is GLITCHCUBE_TURN_DEADLINE) and flags bound
// by the binary.
package settings

import (
	"strings"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/dispatch"
	"github.com/go-go-golems/glitchcube/pkg/homeassistant"
	"github.com/go-go-golems/glitchcube/pkg/llm"
	"github.com/go-go-golems/glitchcube/pkg/orchestrator"
	"github.com/go-go-golems/glitchcube/pkg/prompt"
	"github.com/go-go-golems/glitchcube/pkg/server"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/mb0/glob"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "glitchcube"

type Settings struct {
	InstallationID string               `mapstructure:"installation_id"`
	Server         ServerSettings       `mapstructure:"server"`
	Turn           TurnSettings         `mapstructure:"turn"`
	Tools          ToolSettings         `mapstructure:"tools"`
	Async          dispatch.Config      `mapstructure:"async"`
	LLM            llm.Config           `mapstructure:"llm"`
	HomeAssistant  homeassistant.Config `mapstructure:"homeassistant"`
	Store          StoreSettings        `mapstructure:"store"`
	Persona        PersonaSettings      `mapstructure:"persona"`
	Events         EventSettings        `mapstructure:"events"`
}

type ServerSettings struct {
	Address     string `mapstructure:"address"`
	Path        string `mapstructure:"path"`
	ToolDetails bool   `mapstructure:"tool_details"`
	// ShutdownTimeout bounds draining on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TurnSettings struct {
	orchestrator.Config `mapstructure:",squash"`
	ContinueDelay       time.Duration `mapstructure:"continue_delay"`
	TokenBudget         int           `mapstructure:"token_budget"`
	Encoding            string        `mapstructure:"encoding"`
}

type ToolSettings struct {
	File           string        `mapstructure:"file"`
	Allowed        []string      `mapstructure:"allowed"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type StoreSettings struct {
	Driver      string        `mapstructure:"driver"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
	PendingTTL  time.Duration `mapstructure:"pending_ttl"`
}

type PersonaSettings struct {
	File    string `mapstructure:"file"`
	Default string `mapstructure:"default"`
}

type EventSettings struct {
	// Log mirrors every lifecycle event to the debug log.
	Log bool `mapstructure:"log"`
}

// New returns a viper instance with the environment wired and defaults set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for AutomaticEnv to reach them through Unmarshal.
func SetDefaults(v *viper.Viper) {
	turn := orchestrator.DefaultConfig()
	async := dispatch.DefaultConfig()
	pc := prompt.DefaultConfig()

	v.SetDefault("installation_id", "glitchcube")

	v.SetDefault("server.address", ":4567")
	v.SetDefault("server.path", server.DefaultPath)
	v.SetDefault("server.tool_details", false)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("turn.deadline", turn.Deadline)
	v.SetDefault("turn.history_limit", turn.HistoryLimit)
	v.SetDefault("turn.max_speech_chars", turn.MaxSpeechChars)
	v.SetDefault("turn.location", "")
	v.SetDefault("turn.store_timeout", turn.StoreTimeout)
	v.SetDefault("turn.continue_delay", 3*time.Second)
	v.SetDefault("turn.token_budget", pc.TokenBudget)
	v.SetDefault("turn.encoding", pc.Encoding)

	v.SetDefault("tools.file", "")
	v.SetDefault("tools.allowed", []string{})
	v.SetDefault("tools.default_timeout", tools.DefaultExecutorConfig().DefaultTimeout)

	v.SetDefault("async.workers", async.Workers)
	v.SetDefault("async.queue_size", async.QueueSize)
	v.SetDefault("async.timeout", async.Timeout)
	v.SetDefault("async.store_timeout", async.StoreTimeout)
	v.SetDefault("async.retry.max_retries", async.Retry.MaxRetries)
	v.SetDefault("async.retry.backoff_base", async.Retry.BackoffBase)
	v.SetDefault("async.retry.backoff_factor", async.Retry.BackoffFactor)

	v.SetDefault("llm.mode", string(llm.ModeTwoTier))
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.burst", 0)
	for _, p := range []string{"narrative", "tool_calling"} {
		v.SetDefault("llm."+p+".provider", "")
		v.SetDefault("llm."+p+".model", "")
		v.SetDefault("llm."+p+".api_key", "")
		v.SetDefault("llm."+p+".base_url", "")
		v.SetDefault("llm."+p+".allow_local_base_url", false)
		v.SetDefault("llm."+p+".temperature", 0.0)
		v.SetDefault("llm."+p+".max_tokens", 0)
	}
	v.SetDefault("llm.narrative.provider", "openai")
	v.SetDefault("llm.narrative.temperature", 0.7)

	v.SetDefault("homeassistant.url", "")
	v.SetDefault("homeassistant.token", "")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "glitchcube.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_prefix", "glitchcube:pending:")
	v.SetDefault("store.pending_ttl", 24*time.Hour)

	v.SetDefault("persona.file", "")
	v.SetDefault("persona.default", "")

	v.SetDefault("events.log", false)
}

// Load unmarshals v into Settings and validates the result.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	// Lists from the environment arrive comma-separated.
	s.Tools.Allowed = splitList(strings.Join(s.Tools.Allowed, ","))
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if s.Turn.Deadline <= 0 {
		return errors.New("turn.deadline must be positive")
	}
	if s.Async.Workers <= 0 {
		return errors.New("async.workers must be positive")
	}
	switch s.LLM.Mode {
	case llm.ModeTwoTier, llm.ModeSingleTier:
	default:
		return errors.Errorf("unknown llm.mode %q", s.LLM.Mode)
	}
	switch s.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return errors.Errorf("unknown store.driver %q", s.Store.Driver)
	}
	for _, p := range s.Tools.Allowed {
		if _, err := glob.Match(p, ""); err != nil {
			return errors.Wrapf(err, "bad tools.allowed pattern %q", p)
		}
	}
	return nil
}

// PromptConfig is the prompt builder configuration carried by Turn.
func (s *Settings) PromptConfig() prompt.Config {
	return prompt.Config{TokenBudget: s.Turn.TokenBudget, Encoding: s.Turn.Encoding}
}

// ServerConfig assembles the HTTP server configuration.
func (s *Settings) ServerConfig() server.Config {
	return server.Config{
		Path:           s.Server.Path,
		InstallationID: s.InstallationID,
		Deadline:       s.Turn.Deadline,
		ContinueDelay:  s.Turn.ContinueDelay,
		ToolDetails:    s.Server.ToolDetails,
	}
}

func splitList(s string) []string {
	var ret []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ret = append(ret, p)
		}
	}
	return ret
}
