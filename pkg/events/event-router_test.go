package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	seqs   []string
}

func (c *collector) handle(msg *message.Message) error {
	e, err := NewEventFromJSON(msg.Payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	c.seqs = append(c.seqs, msg.Metadata.Get("sequence_number"))
	return nil
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestEventRouter_DeliversToolEvents(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)

	c := &collector{}
	router.AddHandler("collector", Topic, c.handle)
	router.AddHandler("log", Topic, LogHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = router.Run(ctx)
	}()
	<-router.Running()
	defer func() { _ = router.Close() }()

	pub := router.NewPublisher()
	ctx = WithMetadata(ctx, Metadata{SessionID: "s1", TurnID: "t1"})
	call := tools.ValidatedToolCall{CallID: "c1", Tool: "turn_on_light", Classification: tools.ClassificationSync}

	pub.ToolStarted(ctx, call)
	pub.ToolFinished(ctx, call, tools.ToolResult{
		CallID:   "c1",
		Tool:     "turn_on_light",
		Duration: 40 * time.Millisecond,
		Error:    &tools.ToolError{Kind: tools.ErrorFault, Message: "nope"},
	})
	pub.TurnCompleted(ctx, "normal", time.Second, nil)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)

	got := c.snapshot()
	assert.Equal(t, EventToolStarted, got[0].Type)
	assert.Equal(t, "s1", got[0].Metadata.SessionID)
	assert.Equal(t, EventToolFinished, got[1].Type)
	require.NotNil(t, got[1].Success)
	assert.False(t, *got[1].Success)
	assert.Equal(t, "fault", got[1].ErrorKind)
	assert.Equal(t, int64(40), got[1].DurationMs)
	assert.Equal(t, EventTurnCompleted, got[2].Type)
	assert.Equal(t, []string{"0", "1", "2"}, c.seqs)
}

func TestPublisher_NilIsNoop(t *testing.T) {
	var p *Publisher
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), Event{Type: EventTurnCompleted})
	})
}

func TestNewEventFromJSON_RequiresType(t *testing.T) {
	_, err := NewEventFromJSON([]byte(`{"id":"x"}`))
	assert.Error(t, err)
	_, err = NewEventFromJSON([]byte(`not json`))
	assert.Error(t, err)
}
