// Package formatter maps turn responses onto the JSON object the Home
// Assistant conversation agent expects.
package formatter

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/orchestrator"
	"github.com/go-go-golems/glitchcube/pkg/tools"
)

const (
	ResponseNormal     = "normal"
	ResponseBackground = "immediate_speech_with_background_tools"
	ResponseError      = "error"
)

type Options struct {
	// ContinueDelay is the pause the agent should take before listening
	// again. Zero means three seconds.
	ContinueDelay time.Duration
	// IncludeTools adds per-tool details to the metadata.
	IncludeTools bool
}

type Wire struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    Data   `json:"data"`
}

type Data struct {
	ResponseType         string   `json:"response_type"`
	Response             string   `json:"response"`
	SpeechText           string   `json:"speech_text"`
	ContinueConversation bool     `json:"continue_conversation"`
	EndConversation      bool     `json:"end_conversation"`
	ContinueDelay        *float64 `json:"continue_delay,omitempty"`
	ErrorDetails         string   `json:"error_details,omitempty"`
	Metadata             Metadata `json:"metadata"`
}

type Metadata struct {
	TurnID           string        `json:"turn_id,omitempty"`
	SessionID        string        `json:"session_id,omitempty"`
	ConversationID   string        `json:"conversation_id,omitempty"`
	Classification   string        `json:"classification"`
	Persona          string        `json:"persona,omitempty"`
	Mood             string        `json:"mood,omitempty"`
	Model            string        `json:"model,omitempty"`
	ToolsExecuted    int           `json:"tools_executed"`
	ToolsFailed      int           `json:"tools_failed"`
	FailedTools      []string      `json:"failed_tools,omitempty"`
	QueuedTools      []string      `json:"queued_tools,omitempty"`
	DroppedToolCalls int           `json:"dropped_tool_calls,omitempty"`
	PendingDelivered int           `json:"pending_delivered,omitempty"`
	DurationMs       int64         `json:"duration_ms"`
	Tools            []ToolOutcome `json:"tools,omitempty"`
}

type ToolOutcome struct {
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Format converts resp into a wire object and HTTP status. A nil response is
// treated as an internal failure. The speech fields are never empty.
func Format(resp *orchestrator.TurnResponse, opts Options) (int, Wire) {
	if resp == nil {
		return Failure(orchestrator.FailureInternal, opts)
	}

	queued := len(resp.QueuedTools)
	speech := strings.TrimSpace(resp.Speech)
	if resp.Failed() {
		if speech == "" {
			speech = orchestrator.FallbackSpeech(resp.Failure.Kind)
		}
	} else {
		speech = orchestrator.DefaultSpeech(speech, queued)
	}

	continueConversation := resp.ContinueConversation && !resp.Failed()
	w := Wire{
		Success: !resp.Failed(),
		Data: Data{
			ResponseType:         responseType(resp),
			Response:             speech,
			SpeechText:           speech,
			ContinueConversation: continueConversation,
			EndConversation:      !continueConversation,
			Metadata:             metadata(resp, opts),
		},
	}
	if continueConversation {
		d := continueDelay(opts)
		w.Data.ContinueDelay = &d
	}
	if resp.Failed() {
		w.Error = "conversation failed"
		w.Data.ErrorDetails = string(resp.Failure.Kind)
		return http.StatusInternalServerError, w
	}
	return http.StatusOK, w
}

// Failure is the wire object for a turn that could not be run at all.
func Failure(kind orchestrator.FailureKind, opts Options) (int, Wire) {
	speech := orchestrator.FallbackSpeech(kind)
	return http.StatusInternalServerError, Wire{
		Success: false,
		Error:   "conversation failed",
		Data: Data{
			ResponseType:    ResponseError,
			Response:        speech,
			SpeechText:      speech,
			EndConversation: true,
			ErrorDetails:    string(kind),
			Metadata:        Metadata{Classification: string(orchestrator.ClassError)},
		},
	}
}

func responseType(resp *orchestrator.TurnResponse) string {
	switch {
	case resp.Failed():
		return ResponseError
	case len(resp.QueuedTools) > 0:
		return ResponseBackground
	default:
		return ResponseNormal
	}
}

func continueDelay(opts Options) float64 {
	if opts.ContinueDelay <= 0 {
		return 3
	}
	return opts.ContinueDelay.Seconds()
}

func metadata(resp *orchestrator.TurnResponse, opts Options) Metadata {
	class := resp.Classification
	if class == "" {
		class = orchestrator.ClassAnswer
		if resp.Failed() {
			class = orchestrator.ClassError
		}
	}
	md := Metadata{
		TurnID:           resp.TurnID,
		SessionID:        resp.SessionID,
		ConversationID:   resp.ConversationID,
		Classification:   string(class),
		Persona:          resp.Persona,
		Mood:             resp.Mood,
		Model:            resp.Model,
		QueuedTools:      resp.QueuedTools,
		DroppedToolCalls: len(resp.Dropped),
		PendingDelivered: resp.PendingDelivered,
		DurationMs:       resp.Duration.Milliseconds(),
	}
	for _, res := range resp.ToolResults {
		md.ToolsExecuted++
		if !res.Success {
			md.ToolsFailed++
			md.FailedTools = append(md.FailedTools, res.Tool)
		}
		if opts.IncludeTools {
			md.Tools = append(md.Tools, outcome(res))
		}
	}
	return md
}

func outcome(res tools.ToolResult) ToolOutcome {
	o := ToolOutcome{
		Tool:       res.Tool,
		Success:    res.Success,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Error != nil {
		o.ErrorKind = string(res.Error.Kind)
	}
	return o
}
