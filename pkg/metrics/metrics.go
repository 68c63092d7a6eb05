// Package metrics is the observability sink for tool executions and turns.
// Every execution is recorded twice: into OpenTelemetry instruments for
// export, and into in-memory aggregates served by the tool metrics endpoint
// to decide which tools are fast enough to stay synchronous.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/go-go-golems/glitchcube"

// ToolStat aggregates executions of one tool.
type ToolStat struct {
	Tool           string        `json:"tool"`
	Classification string        `json:"classification"`
	Count          int64         `json:"count"`
	Failures       int64         `json:"failures"`
	Timeouts       int64         `json:"timeouts"`
	TotalDuration  time.Duration `json:"-"`
	MeanMillis     float64       `json:"mean_ms"`
	MaxMillis      float64       `json:"max_ms"`
	LastError      string        `json:"last_error,omitempty"`
	LastRun        time.Time     `json:"last_run"`
}

// Recorder implements tools.Observer and records turn outcomes.
type Recorder struct {
	mu    sync.Mutex
	tools map[string]*ToolStat
	turns map[string]int64

	toolCalls    metric.Int64Counter
	toolDuration metric.Float64Histogram
	turnCount    metric.Int64Counter
	turnDuration metric.Float64Histogram
	inFlight     metric.Int64UpDownCounter
}

var _ tools.Observer = (*Recorder)(nil)

// NewRecorder uses the global MeterProvider. With no provider configured the
// instruments are no-ops and only the in-memory aggregates are kept.
func NewRecorder() *Recorder {
	return NewRecorderWithMeter(otel.Meter(meterName))
}

func NewRecorderWithMeter(meter metric.Meter) *Recorder {
	r := &Recorder{
		tools: map[string]*ToolStat{},
		turns: map[string]int64{},
	}
	var err error
	if r.toolCalls, err = meter.Int64Counter("glitchcube.tool.calls",
		metric.WithDescription("Tool executions by outcome")); err != nil {
		log.Warn().Err(err).Msg("could not create tool call counter")
	}
	if r.toolDuration, err = meter.Float64Histogram("glitchcube.tool.duration",
		metric.WithUnit("s"), metric.WithDescription("Tool execution duration")); err != nil {
		log.Warn().Err(err).Msg("could not create tool duration histogram")
	}
	if r.turnCount, err = meter.Int64Counter("glitchcube.turns",
		metric.WithDescription("Turns by response type")); err != nil {
		log.Warn().Err(err).Msg("could not create turn counter")
	}
	if r.turnDuration, err = meter.Float64Histogram("glitchcube.turn.duration",
		metric.WithUnit("s"), metric.WithDescription("Turn latency")); err != nil {
		log.Warn().Err(err).Msg("could not create turn duration histogram")
	}
	if r.inFlight, err = meter.Int64UpDownCounter("glitchcube.tool.in_flight"); err != nil {
		log.Warn().Err(err).Msg("could not create in-flight counter")
	}
	return r
}

func (r *Recorder) ToolStarted(ctx context.Context, call tools.ValidatedToolCall) {
	if r.inFlight != nil {
		r.inFlight.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", call.Tool)))
	}
}

func (r *Recorder) ToolFinished(ctx context.Context, call tools.ValidatedToolCall, res tools.ToolResult) {
	outcome := "success"
	if !res.Success {
		outcome = "failure"
		if res.Error != nil {
			outcome = string(res.Error.Kind)
		}
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", call.Tool),
		attribute.String("classification", string(call.Classification)),
		attribute.String("outcome", outcome),
	)
	if r.inFlight != nil {
		r.inFlight.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", call.Tool)))
	}
	if r.toolCalls != nil {
		r.toolCalls.Add(ctx, 1, attrs)
	}
	if r.toolDuration != nil {
		r.toolDuration.Record(ctx, res.Duration.Seconds(), attrs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.tools[call.Tool]
	if !ok {
		st = &ToolStat{Tool: call.Tool, Classification: string(call.Classification)}
		r.tools[call.Tool] = st
	}
	st.Count++
	st.TotalDuration += res.Duration
	if ms := float64(res.Duration) / float64(time.Millisecond); ms > st.MaxMillis {
		st.MaxMillis = ms
	}
	st.MeanMillis = float64(st.TotalDuration) / float64(st.Count) / float64(time.Millisecond)
	st.LastRun = res.CompletedAt
	if !res.Success {
		st.Failures++
		if res.Error != nil {
			st.LastError = res.Error.Message
			if res.Error.Kind == tools.ErrorTimeout {
				st.Timeouts++
			}
		}
	}
}

// RecordTurn counts a finished turn by its response type.
func (r *Recorder) RecordTurn(ctx context.Context, responseType string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("response_type", responseType))
	if r.turnCount != nil {
		r.turnCount.Add(ctx, 1, attrs)
	}
	if r.turnDuration != nil {
		r.turnDuration.Record(ctx, d.Seconds(), attrs)
	}
	r.mu.Lock()
	r.turns[responseType]++
	r.mu.Unlock()
}

// ToolStats returns a copy of the per-tool aggregates sorted by tool name.
func (r *Recorder) ToolStats() []ToolStat {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]ToolStat, 0, len(r.tools))
	for _, st := range r.tools {
		ret = append(ret, *st)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Tool < ret[j].Tool })
	return ret
}

// TurnCounts returns the number of turns per response type.
func (r *Recorder) TurnCounts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make(map[string]int64, len(r.turns))
	for k, v := range r.turns {
		ret[k] = v
	}
	return ret
}
