package tools

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ServiceClient performs an action against an external service. Call must
// honour ctx cancellation on a best-effort basis; the executor stops waiting
// at the deadline either way.
type ServiceClient interface {
	Call(ctx context.Context, action string, params map[string]any) (any, error)
}

// ServiceClientFunc adapts a function to ServiceClient.
type ServiceClientFunc func(ctx context.Context, action string, params map[string]any) (any, error)

func (f ServiceClientFunc) Call(ctx context.Context, action string, params map[string]any) (any, error) {
	return f(ctx, action, params)
}

// Observer receives a notification before and after every execution,
// whatever the outcome.
type Observer interface {
	ToolStarted(ctx context.Context, call ValidatedToolCall)
	ToolFinished(ctx context.Context, call ValidatedToolCall, result ToolResult)
}

// Executor runs validated calls against the service client named by their binding.
type Executor struct {
	config    ExecutorConfig
	services  map[string]ServiceClient
	observers []Observer
}

type ExecutorOption func(*Executor)

func WithService(name string, c ServiceClient) ExecutorOption {
	return func(e *Executor) {
		e.services[name] = c
	}
}

func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func NewExecutor(cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultExecutorConfig().DefaultTimeout
	}
	e := &Executor{config: cfg, services: map[string]ServiceClient{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Services lists the registered service names.
func (e *Executor) Services() []string {
	ret := make([]string, 0, len(e.services))
	for k := range e.services {
		ret = append(ret, k)
	}
	sort.Strings(ret)
	return ret
}

// TimeoutFor resolves the timeout a call runs with when the caller imposes no
// tighter bound.
func (e *Executor) TimeoutFor(call ValidatedToolCall) time.Duration {
	if call.Timeout > 0 {
		return call.Timeout
	}
	return e.config.DefaultTimeout
}

type outcome struct {
	data any
	err  error
}

// Execute runs call with timeout as a hard cutoff. It never returns later than
// timeout after it is called, even if the client never returns. Failures of
// any kind come back as a ToolResult with Success=false.
func (e *Executor) Execute(ctx context.Context, call ValidatedToolCall, timeout time.Duration) ToolResult {
	start := time.Now()
	if timeout <= 0 {
		timeout = e.TimeoutFor(call)
	}

	ctx, span := tracer.Start(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", call.Tool),
		attribute.String("tool.call_id", call.CallID),
		attribute.String("tool.classification", string(call.Classification)),
		attribute.String("tool.service", call.Binding.Service),
		attribute.String("tool.action", call.Binding.Action),
	)

	for _, o := range e.observers {
		o.ToolStarted(ctx, call)
	}

	result := e.run(ctx, call, timeout)
	result.Duration = time.Since(start)
	result.CompletedAt = time.Now()
	if result.Attempts == 0 {
		result.Attempts = 1
	}

	if !result.Success && result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, result.Error.Message)
		log.Debug().
			Str("tool", call.Tool).
			Str("call_id", call.CallID).
			Str("kind", string(result.Error.Kind)).
			Dur("duration", result.Duration).
			Msg(result.Error.Message)
	}

	for _, o := range e.observers {
		o.ToolFinished(ctx, call, result)
	}
	return result
}

func (e *Executor) run(ctx context.Context, call ValidatedToolCall, timeout time.Duration) ToolResult {
	client, ok := e.services[call.Binding.Service]
	if !ok {
		err := errors.Wrapf(ErrServiceNotFound, "%s", call.Binding.Service)
		return Failed(call, ErrorFault, err.Error(), 0)
	}

	params := call.Arguments.Map()
	for k, v := range call.Binding.Fixed {
		params[k] = v
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("service client panicked: %v", r)}
			}
		}()
		data, err := client.Call(cctx, call.Binding.Action, params)
		done <- outcome{data: data, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return Failed(call, ErrorTimeout, fmt.Sprintf("timed out after %s", timeout), 0)
			}
			if errors.Is(out.err, context.Canceled) {
				return Failed(call, ErrorCancelled, "cancelled", 0)
			}
			return Failed(call, ErrorFault, out.err.Error(), 0)
		}
		return ToolResult{
			CallID:         call.CallID,
			Tool:           call.Tool,
			Classification: call.Classification,
			Success:        true,
			Data:           out.data,
		}
	case <-cctx.Done():
		// the client goroutine may still finish; its result is dropped
		if errors.Is(cctx.Err(), context.Canceled) {
			return Failed(call, ErrorCancelled, "cancelled", 0)
		}
		return Failed(call, ErrorTimeout, fmt.Sprintf("timed out after %s", timeout), 0)
	}
}
