package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/rs/zerolog/log"
)

// Topic is the single topic lifecycle events are published on.
const Topic = "glitchcube.events"

// Publisher serializes events onto a watermill publisher and stamps each
// message with a sequence number in publish order. Publishing is best-effort:
// failures are logged and never returned to the turn.
type Publisher struct {
	publisher      message.Publisher
	topic          string
	mutex          sync.Mutex
	sequenceNumber uint64
}

var _ tools.Observer = (*Publisher)(nil)

func NewPublisher(p message.Publisher) *Publisher {
	return &Publisher{publisher: p, topic: Topic}
}

// Publish sends e, filling in ID, Time and Metadata from ctx when unset.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	if p == nil || p.publisher == nil {
		return
	}
	if e.ID == "" {
		e.ID = watermill.NewUUID()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Metadata == (Metadata{}) {
		e.Metadata = MetadataFrom(ctx)
	}

	b, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("failed to encode event")
		return
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	msg := message.NewMessage(e.ID, b)
	msg.Metadata.Set("sequence_number", strconv.FormatUint(p.sequenceNumber, 10))
	msg.Metadata.Set("event_type", string(e.Type))
	if e.Metadata.TurnID != "" {
		msg.Metadata.Set(correlationIDMessageMetadataKey, e.Metadata.TurnID)
	}
	p.sequenceNumber++

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("failed to publish event")
	}
}

func (p *Publisher) ToolStarted(ctx context.Context, call tools.ValidatedToolCall) {
	p.Publish(ctx, Event{
		Type:           EventToolStarted,
		Tool:           call.Tool,
		CallID:         call.CallID,
		Classification: string(call.Classification),
	})
}

func (p *Publisher) ToolFinished(ctx context.Context, call tools.ValidatedToolCall, res tools.ToolResult) {
	p.Publish(ctx, resultEvent(EventToolFinished, call.Classification, res))
}

// AsyncQueued is published when a background job has been accepted.
func (p *Publisher) AsyncQueued(ctx context.Context, call tools.ValidatedToolCall) {
	p.Publish(ctx, Event{
		Type:           EventAsyncQueued,
		Tool:           call.Tool,
		CallID:         call.CallID,
		Classification: string(call.Classification),
	})
}

// AsyncCompleted is published once a background result is stored.
func (p *Publisher) AsyncCompleted(ctx context.Context, res tools.ToolResult) {
	p.Publish(ctx, resultEvent(EventAsyncCompleted, tools.ClassificationAsync, res))
}

// TurnCompleted is published after the response for a turn is assembled.
func (p *Publisher) TurnCompleted(ctx context.Context, responseType string, d time.Duration, queued []string) {
	p.Publish(ctx, Event{
		Type:         EventTurnCompleted,
		ResponseType: responseType,
		DurationMs:   d.Milliseconds(),
		QueuedTools:  queued,
	})
}

func resultEvent(t EventType, c tools.Classification, res tools.ToolResult) Event {
	success := res.Success
	e := Event{
		Type:           t,
		Tool:           res.Tool,
		CallID:         res.CallID,
		Classification: string(c),
		Success:        &success,
		DurationMs:     res.Duration.Milliseconds(),
		Attempts:       res.Attempts,
	}
	if res.Error != nil {
		e.ErrorKind = string(res.Error.Kind)
		e.Error = res.Error.Message
	}
	return e
}
