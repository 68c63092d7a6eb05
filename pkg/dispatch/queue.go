// Package dispatch runs asynchronous tool calls on a background worker pool
// and writes their results into the pending side channel.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/glitchcube/pkg/events"
	"github.com/go-go-golems/glitchcube/pkg/pending"
	"github.com/go-go-golems/glitchcube/pkg/tools"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull   = errors.New("async queue is full")
	ErrQueueClosed = errors.New("async queue is closed")
)

// Executor is the part of tools.Executor the workers need.
type Executor interface {
	Execute(ctx context.Context, call tools.ValidatedToolCall, timeout time.Duration) tools.ToolResult
}

// Notifier is told when jobs are accepted and when their results are stored.
type Notifier interface {
	AsyncQueued(ctx context.Context, call tools.ValidatedToolCall)
	AsyncCompleted(ctx context.Context, res tools.ToolResult)
}

// Job is one async call together with the session it reports back to.
type Job struct {
	Call           tools.ValidatedToolCall
	SessionID      string
	ConversationID string
	TurnID         string
}

// Ack confirms a job was accepted. It says nothing about the outcome.
type Ack struct {
	CallID   string    `json:"call_id"`
	Tool     string    `json:"tool"`
	QueuedAt time.Time `json:"queued_at"`
}

type Config struct {
	Workers   int               `mapstructure:"workers"`
	QueueSize int               `mapstructure:"queue_size"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Retry     tools.RetryConfig `mapstructure:"retry"`
	// StoreTimeout bounds each write of a result into the side channel.
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    64,
		Timeout:      60 * time.Second,
		Retry:        tools.DefaultRetryConfig(),
		StoreTimeout: 5 * time.Second,
	}
}

// Queue is a bounded job queue drained by a fixed set of workers.
type Queue struct {
	config   Config
	executor Executor
	store    pending.Store
	notifier Notifier

	jobs    chan Job
	mu      sync.RWMutex
	closed  bool
	started bool

	baseCtx context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

type Option func(*Queue)

func WithNotifier(n Notifier) Option {
	return func(q *Queue) {
		q.notifier = n
	}
}

func NewQueue(cfg Config, executor Executor, store pending.Store, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	q := &Queue{
		config:   cfg,
		executor: executor,
		store:    store,
		jobs:     make(chan Job, cfg.QueueSize),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start launches the workers. Jobs run under a context derived from ctx, not
// from the turn that queued them, so they outlive their turn.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.baseCtx, q.cancel = context.WithCancel(ctx)
	q.group = &errgroup.Group{}
	for i := 0; i < q.config.Workers; i++ {
		worker := i
		q.group.Go(func() error {
			q.work(worker)
			return nil
		})
	}
	log.Debug().Int("workers", q.config.Workers).Int("queue_size", q.config.QueueSize).Msg("async queue started")
}

// Enqueue hands job to the workers without blocking. A full or closed queue
// returns ErrQueueFull or ErrQueueClosed immediately.
func (q *Queue) Enqueue(ctx context.Context, job Job) (Ack, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Ack{}, ErrQueueClosed
	}
	select {
	case q.jobs <- job:
	default:
		return Ack{}, ErrQueueFull
	}
	if q.notifier != nil {
		q.notifier.AsyncQueued(ctx, job.Call)
	}
	return Ack{CallID: job.Call.CallID, Tool: job.Call.Tool, QueuedAt: time.Now()}, nil
}

// Depth is the number of jobs waiting for a worker.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Close stops accepting jobs and waits for queued and in-flight jobs to finish.
// If ctx ends first, in-flight executions are cancelled and ctx's error returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = q.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) work(worker int) {
	for job := range q.jobs {
		q.process(worker, job)
	}
}

func (q *Queue) process(worker int, job Job) {
	ctx := events.WithMetadata(q.baseCtx, events.Metadata{
		SessionID:      job.SessionID,
		ConversationID: job.ConversationID,
		TurnID:         job.TurnID,
	})
	logger := log.With().
		Int("worker", worker).
		Str("session_id", job.SessionID).
		Str("tool", job.Call.Tool).
		Str("call_id", job.Call.CallID).
		Logger()

	timeout := q.config.Timeout
	if job.Call.Timeout > timeout {
		timeout = job.Call.Timeout
	}

	res := q.runWithRetry(ctx, logger, job.Call, timeout)

	// the write uses its own deadline so a cancelled pool still records the outcome
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.config.StoreTimeout)
	defer cancel()
	err := q.store.Append(storeCtx, pending.Result{
		SessionID:      job.SessionID,
		ConversationID: job.ConversationID,
		Result:         res,
	})
	if err != nil {
		logger.Error().Err(err).Msg("could not store async tool result")
		return
	}
	logger.Debug().Bool("success", res.Success).Int("attempts", res.Attempts).Dur("duration", res.Duration).Msg("async tool finished")
	if q.notifier != nil {
		q.notifier.AsyncCompleted(ctx, res)
	}
}

func (q *Queue) runWithRetry(ctx context.Context, logger zerolog.Logger, call tools.ValidatedToolCall, timeout time.Duration) tools.ToolResult {
	for attempt := 0; ; attempt++ {
		res := q.executor.Execute(ctx, call, timeout)
		res.Attempts = attempt + 1
		retry, backoff := q.config.Retry.ShouldRetry(attempt, res)
		if !retry {
			return res
		}
		logger.Debug().Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying async tool")
		select {
		case <-ctx.Done():
			res = tools.Failed(call, tools.ErrorCancelled, "cancelled during retry backoff", res.Duration)
			res.Attempts = attempt + 1
			return res
		case <-time.After(backoff):
		}
	}
}
