package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventToolStarted    EventType = "tool.started"
	EventToolFinished   EventType = "tool.finished"
	EventAsyncQueued    EventType = "async.queued"
	EventAsyncCompleted EventType = "async.completed"
	EventTurnCompleted  EventType = "turn.completed"
)

// Metadata identifies the turn an event belongs to.
type Metadata struct {
	SessionID      string `json:"session_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Event is the payload published on the event topic. Fields not relevant to
// the event type are left empty.
type Event struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	Metadata Metadata  `json:"meta"`

	Tool           string `json:"tool,omitempty"`
	CallID         string `json:"call_id,omitempty"`
	Classification string `json:"classification,omitempty"`
	Success        *bool  `json:"success,omitempty"`
	ErrorKind      string `json:"error_kind,omitempty"`
	Error          string `json:"error,omitempty"`
	DurationMs     int64  `json:"duration_ms,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`

	ResponseType string   `json:"response_type,omitempty"`
	QueuedTools  []string `json:"queued_tools,omitempty"`
}

func NewEventFromJSON(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, errors.Wrap(err, "decode event")
	}
	if e.Type == "" {
		return Event{}, errors.New("event has no type")
	}
	return e, nil
}
