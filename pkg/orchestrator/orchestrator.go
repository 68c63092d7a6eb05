// Package orchestrator runs conversation turns: it builds the prompt, calls
// the model(s), validates proposed tool calls, runs sync tools within the
// turn deadline, queues async tools and assembles a reply. A turn always
// produces a reply, falling back to an apology when the model fails.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/conversation"
	"github.com/go-go-golems/glitchcube/pkg/dispatch"
	"github.com/go-go-golems/glitchcube/pkg/events"
	"github.com/go-go-golems/glitchcube/pkg/llm"
	"github.com/go-go-golems/glitchcube/pkg/pending"
	"github.com/go-go-golems/glitchcube/pkg/persona"
	"github.com/go-go-golems/glitchcube/pkg/prompt"
	"github.com/go-go-golems/glitchcube/pkg/speech"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ToolExecutor runs validated calls with a hard timeout.
type ToolExecutor interface {
	Execute(ctx context.Context, call tools.ValidatedToolCall, timeout time.Duration) tools.ToolResult
	TimeoutFor(call tools.ValidatedToolCall) time.Duration
}

// Enqueuer accepts async calls without blocking.
type Enqueuer interface {
	Enqueue(ctx context.Context, job dispatch.Job) (dispatch.Ack, error)
}

type TurnRecorder interface {
	RecordTurn(ctx context.Context, responseType string, d time.Duration)
}

type TurnPublisher interface {
	TurnCompleted(ctx context.Context, responseType string, d time.Duration, queued []string)
}

type Config struct {
	Deadline       time.Duration `mapstructure:"deadline"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	MaxSpeechChars int           `mapstructure:"max_speech_chars"`
	Location       string        `mapstructure:"location"`
	// StoreTimeout bounds the history and side-channel writes made after the
	// reply is assembled.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Deadline:       8 * time.Second,
		HistoryLimit:   20,
		MaxSpeechChars: 600,
		StoreTimeout:   2 * time.Second,
	}
}

type Orchestrator struct {
	config     Config
	registry   tools.Registry
	executor   ToolExecutor
	narrator   llm.Narrator
	toolCaller llm.ToolCaller
	queue      Enqueuer
	pending    pending.Store
	history    conversation.Store
	personas   *persona.Library
	prompts    *prompt.Builder
	recorder   TurnRecorder
	publisher  TurnPublisher
	gate       *SessionGate
	now        func() time.Time
}

type Option func(*Orchestrator)

// WithToolCaller enables two-tier mode: the narrative model describes
// intents and tc turns them into tool calls.
func WithToolCaller(tc llm.ToolCaller) Option {
	return func(o *Orchestrator) {
		o.toolCaller = tc
	}
}

func WithQueue(q Enqueuer) Option {
	return func(o *Orchestrator) {
		o.queue = q
	}
}

func WithPendingStore(s pending.Store) Option {
	return func(o *Orchestrator) {
		o.pending = s
	}
}

func WithHistory(s conversation.Store) Option {
	return func(o *Orchestrator) {
		o.history = s
	}
}

func WithPersonas(l *persona.Library) Option {
	return func(o *Orchestrator) {
		o.personas = l
	}
}

func WithPromptBuilder(b *prompt.Builder) Option {
	return func(o *Orchestrator) {
		o.prompts = b
	}
}

func WithTurnRecorder(r TurnRecorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

func WithTurnPublisher(p TurnPublisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func New(cfg Config, registry tools.Registry, executor ToolExecutor, narrator llm.Narrator, opts ...Option) (*Orchestrator, error) {
	if registry == nil || executor == nil || narrator == nil {
		return nil, errors.New("orchestrator needs a registry, an executor and a narrator")
	}
	def := DefaultConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.MaxSpeechChars <= 0 {
		cfg.MaxSpeechChars = def.MaxSpeechChars
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}

	o := &Orchestrator{
		config:   cfg,
		registry: registry,
		executor: executor,
		narrator: narrator,
		gate:     NewSessionGate(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.pending == nil {
		o.pending = pending.NewMemoryStore()
	}
	if o.history == nil {
		o.history = conversation.NewMemoryStore(0)
	}
	if o.personas == nil {
		o.personas = persona.Builtin()
	}
	if o.prompts == nil {
		b, err := prompt.NewBuilder(prompt.DefaultConfig())
		if err != nil {
			return nil, err
		}
		o.prompts = b
	}
	return o, nil
}

// Mode reports the model dispatch mode.
func (o *Orchestrator) Mode() llm.Mode {
	if o.toolCaller != nil {
		return llm.ModeTwoTier
	}
	return llm.ModeSingleTier
}

// PendingStore exposes the side channel for health checks.
func (o *Orchestrator) PendingStore() pending.Store {
	return o.pending
}

// turnRun is the mutable state of one turn inside HandleTurn.
type turnRun struct {
	turn     Turn
	deadline time.Time
	state    State
	resp     *TurnResponse
	drained  []pending.Result
	// unmarked is set when the drain could not mark the results processed,
	// so the store still holds them.
	unmarked bool
	logger   zerolog.Logger
	span     trace.Span
}

// HandleTurn runs one turn to completion. It never returns nil and never
// panics; every failure is folded into the response.
func (o *Orchestrator) HandleTurn(ctx context.Context, in Turn) *TurnResponse {
	turn := in.Copy()
	start := time.Now()
	deadline := turn.Deadline
	if deadline.IsZero() {
		deadline = start.Add(o.config.Deadline)
	}

	ctx = events.WithMetadata(ctx, events.Metadata{
		SessionID:      turn.SessionID,
		TurnID:         turn.ID,
		ConversationID: turn.ConversationID,
	})
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ctx, span := tracer.Start(ctx, "turn.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn.id", turn.ID),
		attribute.String("turn.session_id", turn.SessionID),
		attribute.String("turn.mode", string(o.Mode())),
	)

	logger := log.With().
		Str("session_id", turn.SessionID).
		Str("turn_id", turn.ID).
		Logger()

	r := &turnRun{
		turn:     turn,
		deadline: deadline,
		state:    StateStart,
		logger:   logger,
		span:     span,
		resp: &TurnResponse{
			TurnID:         turn.ID,
			SessionID:      turn.SessionID,
			ConversationID: turn.ConversationID,
			States:         []State{StateStart},
		},
	}

	o.serve(ctx, r)

	r.resp.Duration = time.Since(start)
	span.SetAttributes(
		attribute.String("turn.classification", string(r.resp.Classification)),
		attribute.Int("turn.tools.sync", len(r.resp.ToolResults)),
		attribute.Int("turn.tools.queued", len(r.resp.QueuedTools)),
	)

	octx := context.WithoutCancel(ctx)
	if o.recorder != nil {
		o.recorder.RecordTurn(octx, string(r.resp.Classification), r.resp.Duration)
	}
	if o.publisher != nil {
		o.publisher.TurnCompleted(octx, string(r.resp.Classification), r.resp.Duration, r.resp.QueuedTools)
	}
	logger.Info().
		Str("classification", string(r.resp.Classification)).
		Dur("duration", r.resp.Duration).
		Int("sync_tools", len(r.resp.ToolResults)).
		Strs("queued_tools", r.resp.QueuedTools).
		Int("dropped", len(r.resp.Dropped)).
		Msg("turn finished")
	return r.resp
}

// serve holds the session gate for the whole turn, including the history
// write, so the next turn of the session sees this one.
func (o *Orchestrator) serve(ctx context.Context, r *turnRun) {
	release, err := o.gate.Acquire(ctx, r.turn.SessionID)
	if err != nil {
		r.fail(failureFor(ctx, err), "waiting for the previous turn: "+err.Error())
		return
	}
	defer release()

	o.runSafely(ctx, r)
	o.remember(ctx, r)
}

func (o *Orchestrator) runSafely(ctx context.Context, r *turnRun) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("state", string(r.state)).Msg("turn panicked")
			r.fail(FailureInternal, fmt.Sprintf("panic: %v", p))
			o.restorePending(ctx, r)
		}
	}()
	o.run(ctx, r)
}

func (o *Orchestrator) run(ctx context.Context, r *turnRun) {
	r.to(StateBuildingPrompt)
	message := strings.TrimSpace(r.turn.Message)
	if message == "" {
		r.to(StateAssembling)
		r.resp.Speech = SpeechNoMessage
		r.resp.ContinueConversation = true
		r.resp.Classification = ClassAnswer
		r.to(StateDone)
		return
	}

	reg := o.snapshot()
	descs := reg.List()
	req := o.buildPrompt(ctx, r, descs, message)

	r.to(StateAwaitingModel)
	narration, err := o.narrator.Narrate(ctx, req)
	if err == nil && narration == nil {
		err = errors.Wrap(llm.ErrModelUnavailable, "narrator returned no output")
	}
	if err != nil {
		r.failModel(ctx, err)
		o.restorePending(ctx, r)
		return
	}
	r.resp.Mood = narration.Mood
	r.resp.Model = narration.Model

	proposals := narration.Proposals
	if o.toolCaller != nil && len(narration.ToolIntents) > 0 && len(descs) > 0 {
		proposals, err = o.toolCaller.ProposeToolCalls(ctx, llm.ToolCallRequest{
			Message: message,
			Intents: narration.ToolIntents,
			Context: r.turn.contextSummary(),
			Tools:   descs,
		})
		if err != nil {
			r.failModel(ctx, errors.Wrap(err, "tool-calling model"))
			o.restorePending(ctx, r)
			return
		}
	}

	r.to(StateSplittingCalls)
	syncCalls, asyncCalls := o.split(r, reg, proposals)

	r.to(StateExecutingSync)
	var enqueueFailures []tools.ToolResult
	for _, call := range asyncCalls {
		if res := o.enqueue(ctx, r, call); res != nil {
			enqueueFailures = append(enqueueFailures, *res)
		}
	}
	r.resp.ToolResults = append(r.resp.ToolResults, o.executeSync(ctx, r, syncCalls)...)
	r.resp.ToolResults = append(r.resp.ToolResults, enqueueFailures...)

	r.to(StateAssembling)
	text := speech.Limit(speech.Clean(narration.Speech), o.config.MaxSpeechChars)
	r.resp.Speech = DefaultSpeech(text, len(r.resp.QueuedTools))
	r.resp.ContinueConversation = narration.ContinueConversation
	if len(r.resp.ToolResults) > 0 || len(r.resp.QueuedTools) > 0 {
		r.resp.Classification = ClassActionDone
	} else {
		r.resp.Classification = ClassAnswer
	}
	r.to(StateDone)
}

// snapshot freezes the registry for the turn so a reload cannot change it
// halfway through.
func (o *Orchestrator) snapshot() tools.Registry {
	if s, ok := o.registry.(interface {
		Snapshot() *tools.InMemoryRegistry
	}); ok {
		return s.Snapshot()
	}
	return o.registry
}

func (o *Orchestrator) buildPrompt(ctx context.Context, r *turnRun, descs []tools.Descriptor, message string) llm.NarrativeRequest {
	sessionID := r.turn.SessionID

	history, err := o.history.Recent(ctx, sessionID, o.config.HistoryLimit)
	if err != nil {
		r.logger.Warn().Err(err).Msg("could not load conversation history")
		history = nil
	}

	drained, err := o.pending.Drain(ctx, sessionID)
	switch {
	case err == nil:
	case errors.Is(err, pending.ErrNotMarked):
		r.logger.Warn().Err(err).Int("results", len(drained)).Msg("async results not marked processed, they will be delivered again")
		r.unmarked = true
	default:
		r.logger.Warn().Err(err).Msg("could not read pending async results")
	}
	r.drained = drained
	r.resp.PendingDelivered = len(drained)

	p, found := o.personas.Resolve(r.turn.Persona)
	if !found && r.turn.Persona != "" {
		r.logger.Debug().Str("persona", r.turn.Persona).Msg("unknown persona, using default")
	}
	r.resp.Persona = p.Name

	toolLines := make([]string, 0, len(descs))
	for _, d := range descs {
		toolLines = append(toolLines, d.Name)
	}
	system, err := persona.Render(p, persona.Data{
		Now:      o.now(),
		Context:  r.turn.ContextStrings(),
		Tools:    toolLines,
		TwoTier:  o.toolCaller != nil,
		Location: o.config.Location,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("persona", p.Name).Msg("could not render persona prompt")
		system = strings.TrimSpace("You are " + p.Name + ", " + p.Description)
	}

	in := prompt.Input{
		System:  system,
		History: history,
		Pending: drained,
		Message: message,
	}
	if o.toolCaller == nil {
		in.Tools = descs
	}
	req, stats := o.prompts.Build(in)
	r.logger.Debug().
		Int("tokens", stats.Tokens).
		Int("history_kept", stats.HistoryKept).
		Int("history_dropped", stats.HistoryDropped).
		Int("pending", stats.PendingIncluded).
		Msg("prompt built")
	return req
}

func (o *Orchestrator) split(r *turnRun, reg tools.Registry, proposals []tools.ToolCallProposal) (syncCalls, asyncCalls []tools.ValidatedToolCall) {
	for _, p := range proposals {
		call, err := tools.Validate(p, reg)
		if err != nil {
			r.logger.Info().Err(err).Str("tool", p.Name).Msg("dropping invalid tool call")
			r.resp.Dropped = append(r.resp.Dropped, DroppedProposal{Tool: p.Name, Reason: err.Error()})
			continue
		}
		switch call.Classification {
		case tools.ClassificationAsync:
			asyncCalls = append(asyncCalls, call)
		default:
			syncCalls = append(syncCalls, call)
		}
	}
	return syncCalls, asyncCalls
}

func (o *Orchestrator) enqueue(ctx context.Context, r *turnRun, call tools.ValidatedToolCall) *tools.ToolResult {
	if o.queue == nil {
		res := tools.Failed(call, tools.ErrorEnqueue, "no background queue configured", 0)
		return &res
	}
	ack, err := o.queue.Enqueue(ctx, dispatch.Job{
		Call:           call,
		SessionID:      r.turn.SessionID,
		ConversationID: r.turn.ConversationID,
		TurnID:         r.turn.ID,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("tool", call.Tool).Msg("could not queue async tool")
		res := tools.Failed(call, tools.ErrorEnqueue, err.Error(), 0)
		return &res
	}
	r.resp.QueuedTools = append(r.resp.QueuedTools, ack.Tool)
	return nil
}

// remember appends the exchange to the session history. Failed turns keep
// only the user's message.
func (o *Orchestrator) remember(ctx context.Context, r *turnRun) {
	message := strings.TrimSpace(r.turn.Message)
	if message == "" {
		return
	}
	sessionID := r.turn.SessionID
	msgs := []conversation.Message{{
		SessionID: sessionID,
		Role:      conversation.RoleUser,
		Content:   message,
		CreatedAt: r.turn.ReceivedAt,
	}}
	if !r.resp.Failed() {
		now := time.Now()
		msgs = append(msgs, conversation.Message{
			SessionID: sessionID,
			Role:      conversation.RoleAssistant,
			Content:   r.resp.Speech,
			CreatedAt: now,
		})
		if summary := ToolSummary(r.resp); summary != "" {
			msgs = append(msgs, conversation.Message{
				SessionID: sessionID,
				Role:      conversation.RoleTool,
				Content:   summary,
				CreatedAt: now,
			})
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.StoreTimeout)
	defer cancel()
	if err := o.history.Append(sctx, msgs...); err != nil {
		r.logger.Warn().Err(err).Msg("could not store conversation history")
	}
}

// restorePending puts drained results back when the turn failed before the
// model could use them. Results the drain left unmarked are still in the
// store and are not appended twice.
func (o *Orchestrator) restorePending(ctx context.Context, r *turnRun) {
	drained := r.drained
	r.drained = nil
	if len(drained) == 0 || r.unmarked {
		r.resp.PendingDelivered = 0
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.StoreTimeout)
	defer cancel()
	for _, res := range drained {
		err := o.pending.Append(sctx, pending.Result{
			SessionID:      res.SessionID,
			ConversationID: res.ConversationID,
			Result:         res.Result,
		})
		if err != nil {
			r.logger.Error().Err(err).Str("tool", res.Result.Tool).Msg("could not restore async result")
		}
	}
	r.resp.PendingDelivered = 0
}

// ToolSummary renders the tool activity of a turn as one line.
func ToolSummary(resp *TurnResponse) string {
	var parts []string
	for _, res := range resp.ToolResults {
		if res.Success {
			parts = append(parts, res.Tool+" succeeded")
		} else if res.Error != nil {
			parts = append(parts, fmt.Sprintf("%s failed (%s)", res.Tool, res.Error.Kind))
		} else {
			parts = append(parts, res.Tool+" failed")
		}
	}
	for _, t := range resp.QueuedTools {
		parts = append(parts, t+" started in the background")
	}
	if len(parts) == 0 {
		return ""
	}
	return "actions: " + strings.Join(parts, "; ")
}

func (r *turnRun) to(s State) {
	if !CanTransition(r.state, s) {
		r.logger.Error().Str("from", string(r.state)).Str("to", string(s)).Msg("invalid turn state transition")
		return
	}
	r.state = s
	r.resp.States = append(r.resp.States, s)
	r.span.AddEvent("turn.state", trace.WithAttributes(attribute.String("state", string(s))))
	r.logger.Trace().Str("state", string(s)).Msg("turn state")
}

func (r *turnRun) fail(kind FailureKind, msg string) {
	from := r.state
	r.to(StateFailed)
	r.resp.Failure = &Failure{Kind: kind, State: from, Message: msg}
	r.resp.Speech = FallbackSpeech(kind)
	r.resp.ContinueConversation = false
	r.resp.Classification = ClassError
	r.span.SetStatus(codes.Error, msg)
	r.logger.Warn().Str("state", string(from)).Str("kind", string(kind)).Msg(msg)
}

func (r *turnRun) failModel(ctx context.Context, err error) {
	r.fail(failureFor(ctx, err), err.Error())
}

func failureFor(ctx context.Context, err error) FailureKind {
	switch {
	case errors.Is(err, llm.ErrModelTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, llm.ErrModelUnavailable):
		return FailureUnavailable
	default:
		return FailureInternal
	}
}
