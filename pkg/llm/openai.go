package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

// ChatCompleter is the subset of *go_openai.Client used here.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req go_openai.ChatCompletionRequest) (go_openai.ChatCompletionResponse, error)
}

// ModelGetter looks up one model. *go_openai.Client satisfies it and Ping
// uses it when the completer also implements it.
type ModelGetter interface {
	GetModel(ctx context.Context, modelID string) (go_openai.Model, error)
}

type OpenAISettings struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// MakeClient builds a go-openai client, honouring a custom base URL for
// OpenAI-compatible gateways.
func MakeClient(s OpenAISettings) (*go_openai.Client, error) {
	if s.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	config := go_openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		config.BaseURL = s.BaseURL
	}
	return go_openai.NewClientWithConfig(config), nil
}

// OpenAIClient implements both Narrator and ToolCaller.
type OpenAIClient struct {
	client   ChatCompleter
	settings OpenAISettings
}

var (
	_ Narrator   = (*OpenAIClient)(nil)
	_ ToolCaller = (*OpenAIClient)(nil)
	_ Pinger     = (*OpenAIClient)(nil)
)

func NewOpenAIClient(client ChatCompleter, s OpenAISettings) *OpenAIClient {
	if s.Model == "" {
		s.Model = go_openai.GPT4oMini
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = 400
	}
	return &OpenAIClient{client: client, settings: s}
}

// Ping fetches the configured model from the models endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	getter, ok := c.client.(ModelGetter)
	if !ok {
		return errors.Wrap(ErrModelUnavailable, "openai: client cannot look up models")
	}
	_, err := getter.GetModel(ctx, c.settings.Model)
	return classify(ctx, "openai", err)
}

func (c *OpenAIClient) Narrate(ctx context.Context, req NarrativeRequest) (*Narration, error) {
	singleTier := len(req.Tools) > 0
	msgs := []go_openai.ChatCompletionMessage{{
		Role:    go_openai.ChatMessageRoleSystem,
		Content: strings.TrimSpace(req.System + "\n\n" + NarrativeInstructions(!singleTier)),
	}}
	msgs = append(msgs, toOpenAIMessages(req.Messages)...)

	creq := go_openai.ChatCompletionRequest{
		Model:       c.settings.Model,
		Messages:    msgs,
		MaxTokens:   c.settings.MaxTokens,
		Temperature: c.settings.Temperature,
	}
	if singleTier {
		ts, err := toOpenAITools(req.Tools)
		if err != nil {
			return nil, err
		}
		creq.Tools = ts
		creq.ToolChoice = "auto"
	} else {
		creq.ResponseFormat = &go_openai.ChatCompletionResponseFormat{
			Type: go_openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, classify(ctx, "openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.Wrap(ErrModelUnavailable, "openai: empty choices")
	}
	msg := resp.Choices[0].Message

	n := ParseNarration(msg.Content)
	n.Model = resp.Model
	n.Usage = Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	n.Proposals = fromOpenAIToolCalls(msg.ToolCalls)
	return n, nil
}

func (c *OpenAIClient) ProposeToolCalls(ctx context.Context, req ToolCallRequest) ([]tools.ToolCallProposal, error) {
	if len(req.Intents) == 0 || len(req.Tools) == 0 {
		return nil, nil
	}
	ts, err := toOpenAITools(req.Tools)
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

	resp, err := c.client.CreateChatCompletion(ctx, go_openai.ChatCompletionRequest{
		Model: c.settings.Model,
		Messages: []go_openai.ChatCompletionMessage{
			{
				Role: go_openai.ChatMessageRoleSystem,
				Content: "You translate requested smart-home actions into tool calls. " +
					"Call one tool per action. Do not reply with text.",
			},
			{Role: go_openai.ChatMessageRoleUser, Content: user.String()},
		},
		Tools:       ts,
		ToolChoice:  "required",
		Temperature: 0,
	})
	if err != nil {
		return nil, classify(ctx, "openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}
	return fromOpenAIToolCalls(resp.Choices[0].Message.ToolCalls), nil
}

func toOpenAIMessages(msgs []Message) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := go_openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = go_openai.ChatMessageRoleAssistant
		}
		ret = append(ret, go_openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return ret
}

func toOpenAITools(descs []tools.Descriptor) ([]go_openai.Tool, error) {
	ret := make([]go_openai.Tool, 0, len(descs))
	for _, d := range descs {
		params, err := json.Marshal(tools.BuildSchema(d))
		if err != nil {
			return nil, errors.Wrapf(err, "openai: schema for %s", d.Name)
		}
		ret = append(ret, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return ret, nil
}

func fromOpenAIToolCalls(calls []go_openai.ToolCall) []tools.ToolCallProposal {
	if len(calls) == 0 {
		return nil
	}
	ret := make([]tools.ToolCallProposal, 0, len(calls))
	for _, tc := range calls {
		ret = append(ret, tools.ProposalFromJSON(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return ret
}
