// Package llm holds the two model call shapes a turn depends on: the
// narrative call that produces speech (and, in single-tier mode, tool calls),
// and the function-calling call that turns natural-language intents into
// concrete tool proposals.
package llm

import (
	"context"

	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
)

var (
	// ErrModelUnavailable covers transport failures and provider errors.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelTimeout is returned when the call ran out of time.
	ErrModelTimeout = errors.New("model timeout")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// NarrativeRequest is the input of the narrative call. When Tools is set the
// provider is also offered the tools directly (single-tier mode).
type NarrativeRequest struct {
	System   string
	Messages []Message
	Tools    []tools.Descriptor
}

// Narration is the parsed output of the narrative call.
type Narration struct {
	Speech string
	// ToolIntents are natural-language action descriptions for the
	// function-calling model (two-tier mode).
	ToolIntents []string
	// Proposals are concrete tool calls (single-tier mode).
	Proposals            []tools.ToolCallProposal
	ContinueConversation bool
	Mood                 string
	Model                string
	Usage                Usage
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolCallRequest is the input of the function-calling call.
type ToolCallRequest struct {
	// Message is the user's utterance, for grounding entity names.
	Message string
	Intents []string
	// Context is free text such as device and room information.
	Context string
	Tools   []tools.Descriptor
}

type Narrator interface {
	Narrate(ctx context.Context, req NarrativeRequest) (*Narration, error)
}

type ToolCaller interface {
	ProposeToolCalls(ctx context.Context, req ToolCallRequest) ([]tools.ToolCallProposal, error)
}

// Pinger checks that a provider answers, accepts the key and knows the
// configured model, without generating anything.
type Pinger interface {
	Ping(ctx context.Context) error
}

// classify maps a provider error onto ErrModelTimeout or ErrModelUnavailable,
// keeping the original message.
func classify(ctx context.Context, provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(ErrModelTimeout, "%s: %v", provider, err)
	}
	return errors.Wrapf(ErrModelUnavailable, "%s: %v", provider, err)
}
