package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGate_FIFO(t *testing.T) {
	g := NewSessionGate()
	release, err := g.Acquire(context.Background(), "s")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := g.Acquire(context.Background(), "s")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			r()
		}()
		// let each waiter queue before the next one arrives
		time.Sleep(10 * time.Millisecond)
	}

	release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, g.Sessions())
}

func TestSessionGate_IndependentSessions(t *testing.T) {
	g := NewSessionGate()
	r1, err := g.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r2, err := g.Acquire(ctx, "b")
	require.NoError(t, err)
	r2()
	assert.Equal(t, 1, g.Sessions())
}

func TestSessionGate_CancelledWaiterKeepsOrder(t *testing.T) {
	g := NewSessionGate()
	holder, err := g.Acquire(context.Background(), "s")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "s")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		r, err := g.Acquire(context.Background(), "s")
		if err == nil {
			close(acquired)
			r()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third waiter acquired before the holder released")
	case <-time.After(30 * time.Millisecond):
	}

	holder()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third waiter never acquired")
	}
	require.Eventually(t, func() bool { return g.Sessions() == 0 }, time.Second, time.Millisecond)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateStart, StateBuildingPrompt))
	assert.True(t, CanTransition(StateAwaitingModel, StateFailed))
	assert.True(t, CanTransition(StateBuildingPrompt, StateAssembling))
	assert.False(t, CanTransition(StateStart, StateExecutingSync))
	assert.False(t, CanTransition(StateDone, StateFailed))
	assert.False(t, CanTransition(StateFailed, StateDone))
	assert.True(t, StateDone.Terminal())
	assert.False(t, StateAssembling.Terminal())
}

func TestDefaultSpeech(t *testing.T) {
	assert.Equal(t, "hi", DefaultSpeech("hi", 0))
	assert.Equal(t, SpeechEmpty, DefaultSpeech(" ", 0))
	assert.Equal(t, SpeechQueued, DefaultSpeech("", 2))
	assert.Equal(t, SpeechInternal, FallbackSpeech("weird"))
}
