package llm

import (
	"context"

	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// RateLimiter caps the request rate to a provider. Narrate and
// ProposeToolCalls wait for a token, bounded by the caller's context, so a
// throttled call counts against the turn's model deadline.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows perMinute requests per minute with the given burst.
// A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute float64, burst int) *RateLimiter {
	if perMinute <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), burst)}
}

func (l *RateLimiter) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return classify(ctx, "ratelimit", ctx.Err())
		}
		// Wait fails early when the deadline cannot be met
		return errors.Wrapf(ErrModelTimeout, "ratelimit: %v", err)
	}
	return nil
}

// Narrator wraps n with the limiter.
func (l *RateLimiter) Narrator(n Narrator) Narrator {
	return &limitedNarrator{next: n, limiter: l}
}

// ToolCaller wraps tc with the limiter.
func (l *RateLimiter) ToolCaller(tc ToolCaller) ToolCaller {
	return &limitedToolCaller{next: tc, limiter: l}
}

type limitedNarrator struct {
	next    Narrator
	limiter *RateLimiter
}

func (n *limitedNarrator) Narrate(ctx context.Context, req NarrativeRequest) (*Narration, error) {
	if err := n.limiter.wait(ctx); err != nil {
		return nil, err
	}
	return n.next.Narrate(ctx, req)
}

type limitedToolCaller struct {
	next    ToolCaller
	limiter *RateLimiter
}

func (t *limitedToolCaller) ProposeToolCalls(ctx context.Context, req ToolCallRequest) ([]tools.ToolCallProposal, error) {
	if err := t.limiter.wait(ctx); err != nil {
		return nil, err
	}
	return t.next.ProposeToolCalls(ctx, req)
}
