package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
)

// MessagesClient is the subset of the Anthropic SDK message service used
// here. *sdk.MessageService satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// ModelsClient is the subset of the Anthropic SDK model service used by
// Ping. *sdk.ModelService satisfies it.
type ModelsClient interface {
	Get(ctx context.Context, modelID string, query sdk.ModelGetParams, opts ...option.RequestOption) (*sdk.ModelInfo, error)
}

type AnthropicSettings struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int64   `mapstructure:"max_tokens"`
}

// NewAnthropicServices builds the SDK message and model services from an
// API key.
func NewAnthropicServices(apiKey string) (MessagesClient, ModelsClient, error) {
	if apiKey == "" {
		return nil, nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &ac.Messages, &ac.Models, nil
}

// AnthropicClient implements both Narrator and ToolCaller against the
// Messages API.
type AnthropicClient struct {
	messages MessagesClient
	models   ModelsClient
	settings AnthropicSettings
}

var (
	_ Narrator   = (*AnthropicClient)(nil)
	_ ToolCaller = (*AnthropicClient)(nil)
	_ Pinger     = (*AnthropicClient)(nil)
)

type AnthropicOption func(*AnthropicClient)

// WithModels enables Ping.
func WithModels(m ModelsClient) AnthropicOption {
	return func(c *AnthropicClient) {
		c.models = m
	}
}

func NewAnthropicClient(messages MessagesClient, s AnthropicSettings, opts ...AnthropicOption) *AnthropicClient {
	if s.Model == "" {
		s.Model = string(sdk.ModelClaude3_5HaikuLatest)
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 400
	}
	c := &AnthropicClient{messages: messages, settings: s}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ping fetches the configured model from the models endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if c.models == nil {
		return errors.Wrap(ErrModelUnavailable, "anthropic: no model service configured")
	}
	_, err := c.models.Get(ctx, c.settings.Model, sdk.ModelGetParams{})
	return classify(ctx, "anthropic", err)
}

func (c *AnthropicClient) Narrate(ctx context.Context, req NarrativeRequest) (*Narration, error) {
	singleTier := len(req.Tools) > 0
	params := sdk.MessageNewParams{
		MaxTokens: c.settings.MaxTokens,
		Model:     sdk.Model(c.settings.Model),
		System: []sdk.TextBlockParam{{
			Text: strings.TrimSpace(req.System + "\n\n" + NarrativeInstructions(!singleTier)),
		}},
		Messages: toAnthropicMessages(req.Messages),
	}
	if c.settings.Temperature > 0 {
		params.Temperature = sdk.Float(c.settings.Temperature)
	}
	if singleTier {
		ts, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = ts
	}

	msg, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, classify(ctx, "anthropic", err)
	}
	if msg == nil {
		return nil, errors.Wrap(ErrModelUnavailable, "anthropic: nil message")
	}

	text, proposals := splitContent(msg)
	n := ParseNarration(text)
	n.Proposals = proposals
	n.Model = string(msg.Model)
	n.Usage = Usage{InputTokens: int(msg.Usage.InputTokens), OutputTokens: int(msg.Usage.OutputTokens)}
	return n, nil
}

func (c *AnthropicClient) ProposeToolCalls(ctx context.Context, req ToolCallRequest) ([]tools.ToolCallProposal, error) {
	if len(req.Intents) == 0 || len(req.Tools) == 0 {
		return nil, nil
	}
	ts, err := toAnthropicTools(req.Tools)
	if err != nil {
		return nil, err
	}

	var user strings.Builder
	fmt.Fprintf(&user, "User said: %q\n", req.Message)
	if req.Context != "" {
		fmt.Fprintf(&user, "Context: %s\n", req.Context)
	}
	user.WriteString("Perform these actions:\n")
	for _, in := range req.Intents {
		fmt.Fprintf(&user, "- %s\n", in)
	}

	msg, err := c.messages.New(ctx, sdk.MessageNewParams{
		MaxTokens: c.settings.MaxTokens,
		Model:     sdk.Model(c.settings.Model),
		System: []sdk.TextBlockParam{{
			Text: "You translate requested smart-home actions into tool calls. Call one tool per action.",
		}},
		Messages:   []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user.String()))},
		Tools:      ts,
		ToolChoice: sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}},
	})
	if err != nil {
		return nil, classify(ctx, "anthropic", err)
	}
	if msg == nil {
		return nil, nil
	}
	_, proposals := splitContent(msg)
	return proposals, nil
}

func toAnthropicMessages(msgs []Message) []sdk.MessageParam {
	ret := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		block := sdk.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			ret = append(ret, sdk.NewAssistantMessage(block))
		} else {
			ret = append(ret, sdk.NewUserMessage(block))
		}
	}
	return ret
}

func toAnthropicTools(descs []tools.Descriptor) ([]sdk.ToolUnionParam, error) {
	ret := make([]sdk.ToolUnionParam, 0, len(descs))
	for _, d := range descs {
		m, err := tools.SchemaMap(d)
		if err != nil {
			return nil, errors.Wrapf(err, "anthropic: schema for %s", d.Name)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: m}, d.Name)
		if d.Description != "" && u.OfTool != nil {
			u.OfTool.Description = sdk.String(d.Description)
		}
		ret = append(ret, u)
	}
	return ret, nil
}

func splitContent(msg *sdk.Message) (string, []tools.ToolCallProposal) {
	var text strings.Builder
	var proposals []tools.ToolCallProposal
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			proposals = append(proposals, tools.ProposalFromJSON(block.ID, block.Name, string(json.RawMessage(block.Input))))
		}
	}
	return text.String(), proposals
}
