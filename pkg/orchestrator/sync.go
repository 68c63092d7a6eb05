package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/tools"
	"golang.org/x/sync/errgroup"
)

// executeSync runs calls concurrently, each bounded by the time left before
// the turn deadline. Results keep the order of calls. A call still running
// at the deadline is reported as a timeout and its late result is dropped.
func (o *Orchestrator) executeSync(ctx context.Context, r *turnRun, calls []tools.ValidatedToolCall) []tools.ToolResult {
	if len(calls) == 0 {
		return nil
	}
	start := time.Now()

	var (
		mu      sync.Mutex
		closed  bool
		results = make([]tools.ToolResult, len(calls))
		done    = make([]bool, len(calls))
	)

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			timeout := o.executor.TimeoutFor(call)
			if remaining := time.Until(r.deadline); remaining < timeout {
				timeout = remaining
			}
			var res tools.ToolResult
			if timeout <= 0 {
				res = tools.Failed(call, tools.ErrorTimeout, "no time left before the turn deadline", 0)
			} else {
				res = o.executor.Execute(ctx, call, timeout)
			}

			mu.Lock()
			defer mu.Unlock()
			if closed {
				r.logger.Debug().Str("tool", call.Tool).Str("call_id", call.CallID).Msg("dropping sync result that arrived after the turn deadline")
				return nil
			}
			results[i] = res
			done[i] = true
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true
	for i, call := range calls {
		if done[i] {
			continue
		}
		kind, msg := tools.ErrorTimeout, "abandoned at the turn deadline"
		if ctx.Err() == context.Canceled {
			kind, msg = tools.ErrorCancelled, "turn cancelled"
		}
		results[i] = tools.Failed(call, kind, msg, time.Since(start))
	}
	return append([]tools.ToolResult(nil), results...)
}
