package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/conversation"
	"github.com/go-go-golems/glitchcube/pkg/dispatch"
	"github.com/go-go-golems/glitchcube/pkg/llm"
	"github.com/go-go-golems/glitchcube/pkg/pending"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNarrator struct {
	mu       sync.Mutex
	requests []llm.NarrativeRequest
	fn       func(ctx context.Context, req llm.NarrativeRequest) (*llm.Narration, error)
}

func (f *fakeNarrator) Narrate(ctx context.Context, req llm.NarrativeRequest) (*llm.Narration, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

func (f *fakeNarrator) Requests() []llm.NarrativeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.NarrativeRequest(nil), f.requests...)
}

func says(speech string, proposals ...tools.ToolCallProposal) *fakeNarrator {
	return &fakeNarrator{fn: func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
		return &llm.Narration{Speech: speech, Proposals: proposals}, nil
	}}
}

type fakeToolCaller struct {
	requests []llm.ToolCallRequest
	props    []tools.ToolCallProposal
	err      error
}

func (f *fakeToolCaller) ProposeToolCalls(_ context.Context, req llm.ToolCallRequest) ([]tools.ToolCallProposal, error) {
	f.requests = append(f.requests, req)
	return f.props, f.err
}

type fakeEnqueuer struct {
	err  error
	jobs []dispatch.Job
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job dispatch.Job) (dispatch.Ack, error) {
	if f.err != nil {
		return dispatch.Ack{}, f.err
	}
	f.jobs = append(f.jobs, job)
	return dispatch.Ack{CallID: job.Call.CallID, Tool: job.Call.Tool, QueuedAt: time.Now()}, nil
}

// homeAssistant answers light calls after 20ms and music calls after musicDelay.
// A hanging light never answers until cancelled.
type homeAssistant struct {
	musicDelay  time.Duration
	hangLights  bool
	lightsCalls atomic.Int32
}

func (h *homeAssistant) Call(ctx context.Context, action string, _ map[string]any) (any, error) {
	switch action {
	case "light.turn_on":
		h.lightsCalls.Add(1)
		if h.hangLights {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	case "media_player.play_media":
		select {
		case <-time.After(h.musicDelay):
			return map[string]any{"playing": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.Errorf("unexpected action %s", action)
}

type fixture struct {
	orchestrator *Orchestrator
	registry     *tools.InMemoryRegistry
	executor     *tools.Executor
	pending      *pending.MemoryStore
	history      *conversation.MemoryStore
}

func newFixture(t *testing.T, narrator llm.Narrator, ha *homeAssistant, opts ...Option) *fixture {
	t.Helper()
	reg, err := tools.NewRegistry(tools.DefaultDescriptors())
	require.NoError(t, err)
	exec := tools.NewExecutor(tools.DefaultExecutorConfig(), tools.WithService("homeassistant", ha))
	f := &fixture{
		registry: reg,
		executor: exec,
		pending:  pending.NewMemoryStore(),
		history:  conversation.NewMemoryStore(0),
	}
	all := append([]Option{WithPendingStore(f.pending), WithHistory(f.history)}, opts...)
	f.orchestrator, err = New(DefaultConfig(), reg, exec, narrator, all...)
	require.NoError(t, err)
	return f
}

func turn(session, message string) Turn {
	return Turn{SessionID: session, Message: message, Context: map[string]any{"device_id": "kitchen-satellite"}}
}

func proposal(name string, args map[string]any) tools.ToolCallProposal {
	return tools.ToolCallProposal{ID: "p-" + name, Name: name, Arguments: args}
}

func TestHandleTurn_SyncToolRuns(t *testing.T) {
	ha := &homeAssistant{}
	f := newFixture(t, says("Kitchen light is on.", proposal("turn_on_light", map[string]any{"entity_id": "light.kitchen"})), ha)

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "turn on the kitchen light"))
	require.NotNil(t, resp)
	assert.False(t, resp.Failed())
	assert.Equal(t, ClassActionDone, resp.Classification)
	assert.Equal(t, "Kitchen light is on.", resp.Speech)
	require.Len(t, resp.ToolResults, 1)
	assert.True(t, resp.ToolResults[0].Success)
	assert.Equal(t, tools.ClassificationSync, resp.ToolResults[0].Classification)
	assert.Equal(t, []State{
		StateStart, StateBuildingPrompt, StateAwaitingModel, StateSplittingCalls,
		StateExecutingSync, StateAssembling, StateDone,
	}, resp.States)

	msgs, err := f.history.Recent(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, "Kitchen light is on.", msgs[1].Content)
	assert.Equal(t, "actions: turn_on_light succeeded", msgs[2].Content)
}

func TestHandleTurn_AsyncToolDoesNotBlock(t *testing.T) {
	ha := &homeAssistant{musicDelay: 300 * time.Millisecond}
	narrator := says("Dropping the needle.", proposal("play_music", map[string]any{"media_id": "Dark Side of the Moon"}))

	reg, err := tools.NewRegistry(tools.DefaultDescriptors())
	require.NoError(t, err)
	exec := tools.NewExecutor(tools.DefaultExecutorConfig(), tools.WithService("homeassistant", ha))
	store := pending.NewMemoryStore()
	queue := dispatch.NewQueue(dispatch.DefaultConfig(), exec, store)
	queue.Start(context.Background())
	defer func() { _ = queue.Close(context.Background()) }()

	o, err := New(DefaultConfig(), reg, exec, narrator, WithPendingStore(store), WithQueue(queue))
	require.NoError(t, err)

	start := time.Now()
	resp := o.HandleTurn(context.Background(), turn("s1", "play dark side of the moon"))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, []string{"play_music"}, resp.QueuedTools)
	assert.Empty(t, resp.ToolResults)
	assert.Equal(t, ClassActionDone, resp.Classification)

	require.Eventually(t, func() bool { return store.Len("s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	narrator.fn = func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
		return &llm.Narration{Speech: "It's playing."}, nil
	}
	resp = o.HandleTurn(context.Background(), turn("s1", "is it playing?"))
	assert.Equal(t, 1, resp.PendingDelivered)
	reqs := narrator.Requests()
	assert.Contains(t, reqs[len(reqs)-1].System, "play_music: succeeded")

	// delivered to exactly one prompt
	resp = o.HandleTurn(context.Background(), turn("s1", "thanks"))
	assert.Equal(t, 0, resp.PendingDelivered)
	reqs = narrator.Requests()
	assert.NotContains(t, reqs[len(reqs)-1].System, "play_music: succeeded")
}

func TestHandleTurn_UnknownToolIsDropped(t *testing.T) {
	f := newFixture(t, says("Hmm, I can't do that, but hello!", proposal("frobnicate", map[string]any{"level": 11})), &homeAssistant{})

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "frobnicate the cube"))
	assert.False(t, resp.Failed())
	assert.Equal(t, ClassAnswer, resp.Classification)
	assert.Equal(t, "Hmm, I can't do that, but hello!", resp.Speech)
	assert.Empty(t, resp.ToolResults)
	require.Len(t, resp.Dropped, 1)
	assert.Equal(t, "frobnicate", resp.Dropped[0].Tool)
}

func TestHandleTurn_TwoTier(t *testing.T) {
	narrator := &fakeNarrator{fn: func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
		return &llm.Narration{
			Speech:               "Let there be light!",
			ToolIntents:          []string{"turn on the kitchen light"},
			ContinueConversation: true,
		}, nil
	}}
	caller := &fakeToolCaller{props: []tools.ToolCallProposal{
		proposal("turnOnLight", map[string]any{"entity_id": "light.kitchen", "extra": "ignored"}),
	}}
	f := newFixture(t, narrator, &homeAssistant{}, WithToolCaller(caller))
	assert.Equal(t, llm.ModeTwoTier, f.orchestrator.Mode())

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "lights please"))
	require.Len(t, resp.ToolResults, 1)
	assert.True(t, resp.ToolResults[0].Success)
	assert.Equal(t, "turn_on_light", resp.ToolResults[0].Tool)
	assert.True(t, resp.ContinueConversation)

	require.Len(t, caller.requests, 1)
	assert.Equal(t, []string{"turn on the kitchen light"}, caller.requests[0].Intents)
	assert.Equal(t, "lights please", caller.requests[0].Message)
	assert.Contains(t, caller.requests[0].Context, "device_id=kitchen-satellite")
	assert.NotEmpty(t, caller.requests[0].Tools)

	// the narrative call is not offered tools in two-tier mode
	assert.Empty(t, narrator.Requests()[0].Tools)
}

func TestHandleTurn_SingleTierOffersTools(t *testing.T) {
	narrator := says("Hi!")
	f := newFixture(t, narrator, &homeAssistant{})
	assert.Equal(t, llm.ModeSingleTier, f.orchestrator.Mode())

	f.orchestrator.HandleTurn(context.Background(), turn("s1", "hello"))
	require.Len(t, narrator.Requests(), 1)
	assert.Len(t, narrator.Requests()[0].Tools, f.registry.Count())
}

func TestHandleTurn_ToolCallerFailureFailsTurn(t *testing.T) {
	narrator := &fakeNarrator{fn: func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
		return &llm.Narration{Speech: "Sure", ToolIntents: []string{"turn on the light"}}, nil
	}}
	caller := &fakeToolCaller{err: errors.Wrap(llm.ErrModelUnavailable, "503")}
	f := newFixture(t, narrator, &homeAssistant{}, WithToolCaller(caller))

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "light"))
	require.True(t, resp.Failed())
	assert.Equal(t, SpeechUnavailable, resp.Speech)
	assert.False(t, resp.ContinueConversation)
	assert.Equal(t, StateAwaitingModel, resp.Failure.State)
}

func TestHandleTurn_NarratorFailuresFailSoft(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("a failed narrative call still yields speech and ends the conversation", prop.ForAll(
		func(kind int, msg string) bool {
			narrator := &fakeNarrator{fn: func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
				switch kind {
				case 0:
					return nil, errors.Wrap(llm.ErrModelTimeout, msg)
				case 1:
					return nil, errors.Wrap(llm.ErrModelUnavailable, msg)
				case 2:
					return nil, errors.New(msg)
				case 3:
					return nil, nil
				default:
					panic(msg)
				}
			}}
			f := newFixture(t, narrator, &homeAssistant{})
			resp := f.orchestrator.HandleTurn(context.Background(), turn("s", "hello "+msg))
			return resp != nil &&
				resp.Speech != "" &&
				!resp.ContinueConversation &&
				resp.Classification == ClassError &&
				resp.Failure != nil
		},
		gen.IntRange(0, 4),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestHandleTurn_FallbackLines(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"timeout", errors.Wrap(llm.ErrModelTimeout, "slow"), SpeechTimeout},
		{"unavailable", errors.Wrap(llm.ErrModelUnavailable, "down"), SpeechUnavailable},
		{"other", errors.New("boom"), SpeechInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			narrator := &fakeNarrator{fn: func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
				return nil, tt.err
			}}
			f := newFixture(t, narrator, &homeAssistant{})
			resp := f.orchestrator.HandleTurn(context.Background(), turn("s", "hi"))
			assert.Equal(t, tt.expected, resp.Speech)

			// failed turns keep only the user's message
			msgs, err := f.history.Recent(context.Background(), "s", 10)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, conversation.RoleUser, msgs[0].Role)
		})
	}
}

func TestHandleTurn_FailureRestoresPendingResults(t *testing.T) {
	narrator := &fakeNarrator{fn: func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
		return nil, errors.Wrap(llm.ErrModelUnavailable, "down")
	}}
	f := newFixture(t, narrator, &homeAssistant{})
	require.NoError(t, f.pending.Append(context.Background(), pending.Result{
		SessionID: "s1",
		Result:    tools.ToolResult{Tool: "play_music", Success: true},
	}))

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "anything new?"))
	require.True(t, resp.Failed())
	assert.Equal(t, 1, f.pending.Len("s1"))

	narrator.fn = func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
		return &llm.Narration{Speech: "The music started."}, nil
	}
	resp = f.orchestrator.HandleTurn(context.Background(), turn("s1", "anything new?"))
	assert.Equal(t, 1, resp.PendingDelivered)
	assert.Equal(t, 0, f.pending.Len("s1"))
}

func TestHandleTurn_PanicRestoresPendingResults(t *testing.T) {
	narrator := &fakeNarrator{fn: func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
		panic("sdk exploded")
	}}
	f := newFixture(t, narrator, &homeAssistant{})
	require.NoError(t, f.pending.Append(context.Background(), pending.Result{
		SessionID: "s1",
		Result:    tools.ToolResult{Tool: "play_music", Success: true},
	}))

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "anything new?"))
	require.True(t, resp.Failed())
	assert.Equal(t, FailureInternal, resp.Failure.Kind)
	assert.Equal(t, 0, resp.PendingDelivered)
	assert.Equal(t, 1, f.pending.Len("s1"))
}

// unmarkedStore hands out its results on every drain without ever marking
// them processed.
type unmarkedStore struct {
	mu      sync.Mutex
	results []pending.Result
}

func (s *unmarkedStore) Append(_ context.Context, r pending.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *unmarkedStore) Drain(context.Context, string) ([]pending.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pending.Result(nil), s.results...), errors.Wrap(pending.ErrNotMarked, "update failed")
}

func (s *unmarkedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *unmarkedStore) Ping(context.Context) error { return nil }
func (s *unmarkedStore) Close() error               { return nil }

func TestHandleTurn_UnmarkedPendingResultsAreStillUsed(t *testing.T) {
	store := &unmarkedStore{}
	require.NoError(t, store.Append(context.Background(), pending.Result{
		SessionID: "s1",
		Result:    tools.ToolResult{Tool: "play_music", Success: true},
	}))
	narrator := says("The music is playing.")
	f := newFixture(t, narrator, &homeAssistant{}, WithPendingStore(store))

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "anything new?"))
	require.False(t, resp.Failed())
	assert.Equal(t, 1, resp.PendingDelivered)

	reqs := narrator.Requests()
	require.Len(t, reqs, 1)
	text := reqs[0].System
	for _, m := range reqs[0].Messages {
		text += "\n" + m.Content
	}
	assert.Contains(t, text, "play_music")
}

func TestHandleTurn_FailureDoesNotDuplicateUnmarkedResults(t *testing.T) {
	store := &unmarkedStore{}
	require.NoError(t, store.Append(context.Background(), pending.Result{
		SessionID: "s1",
		Result:    tools.ToolResult{Tool: "play_music", Success: true},
	}))
	narrator := &fakeNarrator{fn: func(context.Context, llm.NarrativeRequest) (*llm.Narration, error) {
		return nil, errors.Wrap(llm.ErrModelTimeout, "slow")
	}}
	f := newFixture(t, narrator, &homeAssistant{}, WithPendingStore(store))

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "anything new?"))
	require.True(t, resp.Failed())
	assert.Equal(t, 1, store.Len())
}

func TestHandleTurn_HangingSyncToolHonoursDeadline(t *testing.T) {
	ha := &homeAssistant{hangLights: true}
	f := newFixture(t, says("Trying the light.", proposal("turn_on_light", map[string]any{"entity_id": "light.kitchen"})), ha)

	in := turn("s1", "light on")
	in.Deadline = time.Now().Add(150 * time.Millisecond)
	start := time.Now()
	resp := f.orchestrator.HandleTurn(context.Background(), in)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	assert.False(t, resp.Failed())
	assert.Equal(t, "Trying the light.", resp.Speech)
	require.Len(t, resp.ToolResults, 1)
	assert.False(t, resp.ToolResults[0].Success)
	assert.Equal(t, tools.ErrorTimeout, resp.ToolResults[0].Error.Kind)
}

// stubbornExecutor ignores its timeout entirely.
type stubbornExecutor struct{}

func (stubbornExecutor) Execute(_ context.Context, call tools.ValidatedToolCall, _ time.Duration) tools.ToolResult {
	time.Sleep(time.Second)
	return tools.ToolResult{CallID: call.CallID, Tool: call.Tool, Success: true}
}

func (stubbornExecutor) TimeoutFor(tools.ValidatedToolCall) time.Duration {
	return time.Second
}

func TestHandleTurn_AbandonsSyncCallsAtDeadline(t *testing.T) {
	reg, err := tools.NewRegistry(tools.DefaultDescriptors())
	require.NoError(t, err)
	narrator := says("On it.", proposal("turn_on_light", map[string]any{"entity_id": "light.a"}))
	o, err := New(DefaultConfig(), reg, stubbornExecutor{}, narrator)
	require.NoError(t, err)

	in := turn("s1", "light")
	in.Deadline = time.Now().Add(100 * time.Millisecond)
	start := time.Now()
	resp := o.HandleTurn(context.Background(), in)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, resp.ToolResults, 1)
	assert.False(t, resp.ToolResults[0].Success)
	assert.Equal(t, tools.ErrorTimeout, resp.ToolResults[0].Error.Kind)
}

func TestHandleTurn_EnqueueFailureDegrades(t *testing.T) {
	f := newFixture(t,
		says("Starting the music.", proposal("play_music", map[string]any{"media_id": "Blue Monday"})),
		&homeAssistant{},
		WithQueue(&fakeEnqueuer{err: dispatch.ErrQueueFull}),
	)

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "play blue monday"))
	assert.False(t, resp.Failed())
	assert.Empty(t, resp.QueuedTools)
	require.Len(t, resp.ToolResults, 1)
	assert.Equal(t, tools.ErrorEnqueue, resp.ToolResults[0].Error.Kind)
	assert.Equal(t, tools.ClassificationAsync, resp.ToolResults[0].Classification)
	assert.Equal(t, "Starting the music.", resp.Speech)
}

func TestHandleTurn_BlankSpeechWithQueuedTool(t *testing.T) {
	q := &fakeEnqueuer{}
	f := newFixture(t,
		says("  ", proposal("play_music", map[string]any{"media_id": "Blue Monday"})),
		&homeAssistant{},
		WithQueue(q),
	)

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "play blue monday"))
	assert.Equal(t, SpeechQueued, resp.Speech)
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "s1", q.jobs[0].SessionID)
	assert.Equal(t, resp.TurnID, q.jobs[0].TurnID)
	assert.Equal(t, "media_player.jukebox", mustString(t, q.jobs[0].Call.Arguments, "entity_id"))
}

func mustString(t *testing.T, args tools.Arguments, name string) string {
	t.Helper()
	v, ok := args.String(name)
	require.True(t, ok, name)
	return v
}

func TestHandleTurn_EmptyMessage(t *testing.T) {
	narrator := says("never")
	f := newFixture(t, narrator, &homeAssistant{})

	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "   "))
	assert.Equal(t, SpeechNoMessage, resp.Speech)
	assert.True(t, resp.ContinueConversation)
	assert.Empty(t, narrator.Requests())
	assert.Equal(t, StateDone, resp.States[len(resp.States)-1])
}

func TestHandleTurn_MarkdownIsCleaned(t *testing.T) {
	f := newFixture(t, says("**Wow!** Here's a list:\n\n- one\n- two"), &homeAssistant{})
	resp := f.orchestrator.HandleTurn(context.Background(), turn("s1", "list"))
	assert.Equal(t, "Wow! Here's a list: one. two.", resp.Speech)
}

func TestHandleTurn_SameSessionIsSerialised(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	narrator := &fakeNarrator{fn: func(_ context.Context, req llm.NarrativeRequest) (*llm.Narration, error) {
		msg := req.Messages[len(req.Messages)-1].Content
		mu.Lock()
		order = append(order, msg)
		mu.Unlock()
		if msg == "first" {
			<-release
		}
		return &llm.Narration{Speech: "ok " + msg}, nil
	}}
	f := newFixture(t, narrator, &homeAssistant{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.orchestrator.HandleTurn(context.Background(), turn("s1", "first"))
	}()
	require.Eventually(t, func() bool { return len(narrator.Requests()) == 1 }, time.Second, time.Millisecond)
	go func() {
		defer wg.Done()
		f.orchestrator.HandleTurn(context.Background(), turn("s1", "second"))
	}()

	// another session is not held up
	other := f.orchestrator.HandleTurn(context.Background(), turn("s2", "other"))
	assert.Equal(t, "ok other", other.Speech)

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first", "other"}, order)
	mu.Unlock()

	close(release)
	wg.Wait()
	mu.Lock()
	assert.Equal(t, []string{"first", "other", "second"}, order)
	mu.Unlock()

	// the second turn saw the first one's history
	reqs := narrator.Requests()
	last := reqs[len(reqs)-1]
	require.GreaterOrEqual(t, len(last.Messages), 3)
	assert.Equal(t, "first", last.Messages[0].Content)
	assert.Equal(t, "ok first", last.Messages[1].Content)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, nil)
	assert.Error(t, err)
}
