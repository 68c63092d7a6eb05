package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_AggregatesPerTool(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	call := tools.ValidatedToolCall{Tool: "turn_on_light", Classification: tools.ClassificationSync}

	r.ToolStarted(ctx, call)
	r.ToolFinished(ctx, call, tools.ToolResult{Success: true, Duration: 100 * time.Millisecond})
	r.ToolStarted(ctx, call)
	r.ToolFinished(ctx, call, tools.ToolResult{
		Duration: 300 * time.Millisecond,
		Error:    &tools.ToolError{Kind: tools.ErrorTimeout, Message: "timed out after 300ms"},
	})
	r.ToolFinished(ctx, tools.ValidatedToolCall{Tool: "get_current_time"}, tools.ToolResult{Success: true})

	stats := r.ToolStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "get_current_time", stats[0].Tool)

	light := stats[1]
	assert.Equal(t, int64(2), light.Count)
	assert.Equal(t, int64(1), light.Failures)
	assert.Equal(t, int64(1), light.Timeouts)
	assert.InDelta(t, 200.0, light.MeanMillis, 0.001)
	assert.InDelta(t, 300.0, light.MaxMillis, 0.001)
	assert.Equal(t, "timed out after 300ms", light.LastError)
}

func TestRecorder_TurnCounts(t *testing.T) {
	r := NewRecorder()
	r.RecordTurn(context.Background(), "normal", time.Second)
	r.RecordTurn(context.Background(), "normal", time.Second)
	r.RecordTurn(context.Background(), "error", time.Second)

	assert.Equal(t, map[string]int64{"normal": 2, "error": 1}, r.TurnCounts())
}
