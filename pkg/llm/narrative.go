package llm

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
)

// narrativeOutput is the JSON object the narrative model is asked to return.
type narrativeOutput struct {
	Response             string   `json:"response" jsonschema:"description=The sentence(s) to speak out loud. Plain text without markdown."`
	ToolIntents          []string `json:"tool_intents,omitempty" jsonschema:"description=Actions to perform described in plain language, one per entry, e.g. 'turn the kitchen light red'."`
	ContinueConversation *bool    `json:"continue_conversation,omitempty" jsonschema:"description=True when you expect the user to answer."`
	EndConversation      *bool    `json:"end_conversation,omitempty" jsonschema:"description=True when the exchange is over."`
	Mood                 string   `json:"mood,omitempty" jsonschema:"description=Optional one-word mood."`

	// accepted aliases for response
	SpeechText string `json:"speech_text,omitempty" jsonschema:"-"`
	Text       string `json:"text,omitempty" jsonschema:"-"`
}

var (
	schemaOnce sync.Once
	schemaJSON string
)

// NarrativeSchema is the JSON schema of the narrative output.
func NarrativeSchema() string {
	schemaOnce.Do(func() {
		r := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
		b, err := json.Marshal(r.Reflect(&narrativeOutput{}))
		if err != nil {
			schemaJSON = `{"type":"object"}`
			return
		}
		schemaJSON = string(b)
	})
	return schemaJSON
}

// NarrativeInstructions is appended to the system prompt of the narrative call.
func NarrativeInstructions(twoTier bool) string {
	var sb strings.Builder
	sb.WriteString("Reply with a single JSON object matching this schema:\n")
	sb.WriteString(NarrativeSchema())
	sb.WriteString("\nKeep \"response\" short and conversational, it will be spoken aloud.")
	if twoTier {
		sb.WriteString(" When the user asks for something to happen in the house, describe each action in \"tool_intents\"" +
			" and speak as if it is being done. Never invent device ids you were not given.")
	}
	return sb.String()
}

// ResolveContinue applies the continue-conversation rule: an explicit
// continue flag wins, otherwise the negation of an explicit end flag,
// otherwise false.
func ResolveContinue(continueConversation, endConversation *bool) bool {
	if continueConversation != nil {
		return *continueConversation
	}
	if endConversation != nil {
		return !*endConversation
	}
	return false
}

// ParseNarration decodes the narrative model output. Output that is not a
// JSON object is spoken verbatim; the conversation then continues only if the
// text ends in a question.
func ParseNarration(content string) *Narration {
	trimmed := stripFences(strings.TrimSpace(content))
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		var out narrativeOutput
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), &out); err == nil {
			speech := firstNonEmpty(out.Response, out.SpeechText, out.Text)
			intents := make([]string, 0, len(out.ToolIntents))
			for _, in := range out.ToolIntents {
				if s := strings.TrimSpace(in); s != "" {
					intents = append(intents, s)
				}
			}
			return &Narration{
				Speech:               strings.TrimSpace(speech),
				ToolIntents:          intents,
				ContinueConversation: ResolveContinue(out.ContinueConversation, out.EndConversation),
				Mood:                 out.Mood,
			}
		}
	}
	return &Narration{
		Speech:               trimmed,
		ContinueConversation: strings.HasSuffix(trimmed, "?"),
	}
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
