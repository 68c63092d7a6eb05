package tools

import (
	"encoding/json"
	"fmt"
	"time"

	clone "github.com/huandu/go-clone"
)

// Classification decides whether a tool runs inside the turn or in the background.
type Classification string

const (
	ClassificationSync  Classification = "sync"
	ClassificationAsync Classification = "async"
)

func (c Classification) Valid() bool {
	return c == ClassificationSync || c == ClassificationAsync
}

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

func (p ParamType) Valid() bool {
	switch p {
	case ParamString, ParamInteger, ParamNumber, ParamBoolean, ParamArray, ParamObject:
		return true
	}
	return false
}

// Parameter describes one named argument of a tool.
type Parameter struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Enum        []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
}

// Binding names the external service and action a tool is executed against.
// Fixed values are merged into the call parameters before dispatch, and never
// overridden by model-supplied arguments.
type Binding struct {
	Service string         `yaml:"service" json:"service"`
	Action  string         `yaml:"action" json:"action"`
	Fixed   map[string]any `yaml:"fixed,omitempty" json:"fixed,omitempty"`
}

// Descriptor is the registry record for a tool.
type Descriptor struct {
	Name           string         `yaml:"name" json:"name"`
	Description    string         `yaml:"description" json:"description"`
	Classification Classification `yaml:"classification" json:"classification"`
	Parameters     []Parameter    `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Binding        Binding        `yaml:"binding" json:"binding"`
	Timeout        time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Tags           []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Parameter returns the declared parameter with the given name.
func (d Descriptor) Parameter(name string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Clone returns a deep copy so callers can never mutate registry state.
func (d Descriptor) Clone() Descriptor {
	return clone.Clone(d).(Descriptor)
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if !d.Classification.Valid() {
		return fmt.Errorf("tool %s: invalid classification %q", d.Name, d.Classification)
	}
	if d.Binding.Service == "" {
		return fmt.Errorf("tool %s: binding service cannot be empty", d.Name)
	}
	seen := map[string]bool{}
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name cannot be empty", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %s", d.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return fmt.Errorf("tool %s: parameter %s has invalid type %q", d.Name, p.Name, p.Type)
		}
	}
	return nil
}

// ToolCallProposal is an unvalidated candidate action emitted by a model.
type ToolCallProposal struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ProposalFromJSON builds a proposal from a raw JSON argument string as
// returned by function-calling APIs. Unparseable arguments yield an empty bag
// so validation can report missing fields.
func ProposalFromJSON(id, name, rawArgs string) ToolCallProposal {
	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			args = map[string]any{}
		}
	}
	return ToolCallProposal{ID: id, Name: name, Arguments: args}
}

// ValidatedToolCall is a proposal that passed schema validation.
// Its Classification is copied from the registry once and never changes.
type ValidatedToolCall struct {
	CallID         string
	ProposalID     string
	Tool           string
	Arguments      Arguments
	Classification Classification
	Binding        Binding
	Timeout        time.Duration
}

// ErrorKind classifies failed tool results.
type ErrorKind string

const (
	ErrorTimeout    ErrorKind = "timeout"
	ErrorFault      ErrorKind = "fault"
	ErrorEnqueue    ErrorKind = "enqueue_failure"
	ErrorCancelled  ErrorKind = "cancelled"
	ErrorValidation ErrorKind = "validation"
)

// ToolError describes why a tool result failed.
type ToolError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error [%s]: %s", e.Kind, e.Message)
}

// ToolResult is the outcome of executing a ValidatedToolCall.
type ToolResult struct {
	CallID         string         `json:"call_id"`
	Tool           string         `json:"tool"`
	Classification Classification `json:"classification"`
	Success        bool           `json:"success"`
	Data           any            `json:"data,omitempty"`
	Error          *ToolError     `json:"error,omitempty"`
	Duration       time.Duration  `json:"duration"`
	Attempts       int            `json:"attempts,omitempty"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// Failed builds a failed result for call.
func Failed(call ValidatedToolCall, kind ErrorKind, msg string, d time.Duration) ToolResult {
	return ToolResult{
		CallID:         call.CallID,
		Tool:           call.Tool,
		Classification: call.Classification,
		Success:        false,
		Error:          &ToolError{Kind: kind, Message: msg},
		Duration:       d,
		CompletedAt:    time.Now(),
	}
}

// Summary renders the result as one line for prompts and logs.
func (r ToolResult) Summary() string {
	if r.Success {
		if r.Data == nil {
			return fmt.Sprintf("%s: succeeded", r.Tool)
		}
		b, err := json.Marshal(r.Data)
		if err != nil {
			return fmt.Sprintf("%s: succeeded (%v)", r.Tool, r.Data)
		}
		s := string(b)
		if len(s) > 300 {
			s = s[:300] + "..."
		}
		return fmt.Sprintf("%s: succeeded (%s)", r.Tool, s)
	}
	if r.Error == nil {
		return fmt.Sprintf("%s: failed", r.Tool)
	}
	return fmt.Sprintf("%s: failed (%s: %s)", r.Tool, r.Error.Kind, r.Error.Message)
}
