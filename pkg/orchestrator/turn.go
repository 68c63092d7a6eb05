package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/google/uuid"
	clone "github.com/huandu/go-clone"
)

// Turn is one inbound request. It is treated as immutable once handed to
// the orchestrator.
type Turn struct {
	ID             string
	SessionID      string
	ConversationID string
	Message        string
	// Context is the normalised request context (device_id, language, ...).
	Context map[string]any
	// Persona selects a persona by name; empty uses the default.
	Persona string
	// Deadline is the instant by which a reply must exist. Zero means the
	// configured turn deadline from the time the turn starts.
	Deadline   time.Time
	ReceivedAt time.Time
}

// Copy returns a deep copy of t with an ID assigned.
func (t Turn) Copy() Turn {
	ret := t
	ret.Context = map[string]any{}
	if t.Context != nil {
		ret.Context = clone.Clone(t.Context).(map[string]any)
	}
	if ret.ID == "" {
		ret.ID = uuid.NewString()
	}
	if ret.ReceivedAt.IsZero() {
		ret.ReceivedAt = time.Now()
	}
	return ret
}

// ContextStrings returns the scalar context values as strings. Nested values
// are skipped.
func (t Turn) ContextStrings() map[string]string {
	ret := map[string]string{}
	for k, v := range t.Context {
		switch vv := v.(type) {
		case string:
			if vv != "" {
				ret[k] = vv
			}
		case bool, int, int64, float64:
			ret[k] = fmt.Sprint(vv)
		}
	}
	return ret
}

func (t Turn) contextSummary() string {
	m := t.ContextStrings()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ", ")
}

// Classification is the kind of reply a turn produced.
type Classification string

const (
	ClassAnswer     Classification = "answer"
	ClassActionDone Classification = "action_done"
	ClassError      Classification = "error"
)

type FailureKind string

const (
	FailureTimeout     FailureKind = "timeout"
	FailureUnavailable FailureKind = "unavailable"
	FailureInternal    FailureKind = "internal"
)

// Failure explains a Failed turn. Message is for logs only.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	State   State       `json:"state"`
	Message string      `json:"-"`
}

// DroppedProposal is a tool call the validator rejected.
type DroppedProposal struct {
	Tool   string `json:"tool"`
	Reason string `json:"reason"`
}

// TurnResponse is the orchestrator's result for one turn.
type TurnResponse struct {
	TurnID               string
	SessionID            string
	ConversationID       string
	Speech               string
	ContinueConversation bool
	// ToolResults holds sync results and synthetic results for async calls
	// that could not be queued.
	ToolResults    []tools.ToolResult
	QueuedTools    []string
	Dropped        []DroppedProposal
	Classification Classification
	Failure        *Failure
	Persona        string
	Mood           string
	Model          string
	// PendingDelivered counts async results from earlier turns that went
	// into this turn's prompt.
	PendingDelivered int
	States           []State
	Duration         time.Duration
}

func (r *TurnResponse) Failed() bool {
	return r != nil && r.Failure != nil
}

const (
	SpeechTimeout     = "I'm having trouble thinking right now. Please try again."
	SpeechUnavailable = "I can't connect to my brain right now. Please try again."
	SpeechInternal    = "Something went wrong with my thinking. Please try again."
	SpeechEmpty       = "Okay."
	SpeechQueued      = "On it!"
	SpeechNoMessage   = "Sorry, I didn't catch that."
)

// FallbackSpeech is the apology spoken for a failure kind.
func FallbackSpeech(kind FailureKind) string {
	switch kind {
	case FailureTimeout:
		return SpeechTimeout
	case FailureUnavailable:
		return SpeechUnavailable
	default:
		return SpeechInternal
	}
}

// DefaultSpeech substitutes an acknowledgement for blank speech.
func DefaultSpeech(speech string, queued int) string {
	if strings.TrimSpace(speech) != "" {
		return speech
	}
	if queued > 0 {
		return SpeechQueued
	}
	return SpeechEmpty
}
