// Package prompt assembles the narrative model request for a turn from the
// persona prompt, stored history and async results delivered since the last
// turn, trimming history to fit a token budget.
package prompt

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/glitchcube/pkg/conversation"
	"github.com/go-go-golems/glitchcube/pkg/llm"
	"github.com/go-go-golems/glitchcube/pkg/pending"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

type Config struct {
	// TokenBudget caps system prompt, history and message together.
	TokenBudget int    `mapstructure:"token_budget"`
	Encoding    string `mapstructure:"encoding"`
}

func DefaultConfig() Config {
	return Config{TokenBudget: 3000, Encoding: string(tokenizer.Cl100kBase)}
}

// Input is everything known about a turn when its prompt is built.
type Input struct {
	System  string
	History []conversation.Message
	Pending []pending.Result
	Message string
	// Tools is only set in single-tier mode.
	Tools []tools.Descriptor
}

// Stats describe a built prompt, for logging.
type Stats struct {
	Tokens          int
	HistoryKept     int
	HistoryDropped  int
	PendingIncluded int
}

type Builder struct {
	config Config
	codec  tokenizer.Codec
}

func NewBuilder(cfg Config) (*Builder, error) {
	def := DefaultConfig()
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.Encoding == "" {
		cfg.Encoding = def.Encoding
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(cfg.Encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "tokenizer %s", cfg.Encoding)
	}
	return &Builder{config: cfg, codec: codec}, nil
}

// Build produces the narrative request. The oldest history is dropped first
// when over budget; the system prompt and the current message are always kept.
func (b *Builder) Build(in Input) (llm.NarrativeRequest, Stats) {
	system := in.System
	if section := PendingSection(in.Pending); section != "" {
		system = strings.TrimSpace(system + "\n\n" + section)
	}

	history := historyMessages(in.History)
	current := llm.Message{Role: llm.RoleUser, Content: in.Message}

	used := b.count(system) + b.count(current.Content)
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := b.count(history[i].Content)
		if used+n > b.config.TokenBudget {
			break
		}
		used += n
		keepFrom = i
	}
	kept := history[keepFrom:]
	// never start on an assistant message
	for len(kept) > 0 && kept[0].Role == llm.RoleAssistant {
		used -= b.count(kept[0].Content)
		kept = kept[1:]
	}

	msgs := make([]llm.Message, 0, len(kept)+1)
	msgs = append(msgs, kept...)
	msgs = append(msgs, current)

	req := llm.NarrativeRequest{
		System:   system,
		Messages: msgs,
		Tools:    in.Tools,
	}
	return req, Stats{
		Tokens:          used,
		HistoryKept:     len(kept),
		HistoryDropped:  len(history) - len(kept),
		PendingIncluded: len(in.Pending),
	}
}

// Count returns the token count of s.
func (b *Builder) Count(s string) int {
	return b.count(s)
}

func (b *Builder) count(s string) int {
	if s == "" {
		return 0
	}
	ids, _, err := b.codec.Encode(s)
	if err != nil {
		// rough fallback of four characters per token
		return len(s)/4 + 1
	}
	return len(ids)
}

// PendingSection renders async results for the system prompt.
func PendingSection(results []pending.Result) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Background actions that finished since you last spoke (mention them if relevant):")
	for _, r := range results {
		fmt.Fprintf(&sb, "\n- %s", r.Result.Summary())
	}
	return sb.String()
}

// historyMessages maps stored history to model messages. Tool summaries are
// folded into the assistant message of the same turn.
func historyMessages(history []conversation.Message) []llm.Message {
	ret := make([]llm.Message, 0, len(history))
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case conversation.RoleUser:
			ret = append(ret, llm.Message{Role: llm.RoleUser, Content: content})
		case conversation.RoleAssistant:
			ret = append(ret, llm.Message{Role: llm.RoleAssistant, Content: content})
		case conversation.RoleTool:
			note := "(" + content + ")"
			if n := len(ret); n > 0 && ret[n-1].Role == llm.RoleAssistant {
				ret[n-1].Content += "\n" + note
			} else {
				ret = append(ret, llm.Message{Role: llm.RoleAssistant, Content: note})
			}
		}
	}
	return ret
}
