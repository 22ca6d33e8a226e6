// Package dispatch turns protocol requests into sandboxed tool executions
// and their results back into responses.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/entrhq/monkey/pkg/logging"
	"github.com/entrhq/monkey/pkg/sandbox"
	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

// ToolSource is a server's live tool set.
type ToolSource interface {
	Get(name string) (tool.Definition, bool)
	List() []tool.Definition
}

// Runner executes one tool call to completion.
type Runner interface {
	Run(ctx context.Context, def tool.Definition, input any) sandbox.Outcome
}

// Stats is a point-in-time view of a dispatcher.
type Stats struct {
	Limit    int   `json:"limit"`
	InFlight int64 `json:"inFlight"`
	Queued   int64 `json:"queued"`
	Closed   bool  `json:"closed"`
}

// Dispatcher serves the requests of one server. At most limit tool calls
// run at once; the rest wait in arrival order.
type Dispatcher struct {
	serverID string
	tools    ToolSource
	runner   Runner
	history  *History
	metrics  *Metrics
	logger   *logging.Logger
	notify   func(types.Event)

	limit int
	slots *semaphore.Weighted

	// admit ends when the server stops accepting work; queued requests
	// fail. run ends at grace expiry; running executions are cancelled.
	admit      context.Context
	stopAdmit  context.CancelFunc
	run        context.Context
	cancelRuns context.CancelFunc
	mu         sync.Mutex
	closed     bool
	active     sync.WaitGroup
	inflight   atomic.Int64
	queued     atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency sets how many tool calls may run at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		d.limit = n
	}
}

// WithHistory records executions into h. Servers pass the same History
// across restarts.
func WithHistory(h *History) Option {
	return func(d *Dispatcher) {
		d.history = h
	}
}

func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithEvents publishes execution_started and execution_finished events.
func WithEvents(fn func(types.Event)) Option {
	return func(d *Dispatcher) {
		d.notify = fn
	}
}

// New creates a dispatcher for serverID.
func New(serverID string, tools ToolSource, runner Runner, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		serverID: serverID,
		tools:    tools,
		runner:   runner,
		limit:    1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.limit < 1 {
		d.limit = 1
	}
	if d.history == nil {
		d.history = NewHistory(DefaultHistorySize)
	}
	if d.logger == nil {
		d.logger = logging.Nop()
	}
	d.slots = semaphore.NewWeighted(int64(d.limit))
	d.admit, d.stopAdmit = context.WithCancel(context.Background())
	d.run, d.cancelRuns = context.WithCancel(context.Background())
	return d
}

// ServerID returns the id of the server this dispatcher serves.
func (d *Dispatcher) ServerID() string {
	return d.serverID
}

// History returns the execution history.
func (d *Dispatcher) History() *History {
	return d.history
}

// ListTools describes the current tool set.
func (d *Dispatcher) ListTools() ToolList {
	return Describe(d.tools.List())
}

// Dispatch runs one request and always returns a well-formed response that
// echoes the request id, generating one if the request had none.
//
// Unknown tools and a stopping server are rejected before any resource is
// touched. Otherwise the request is recorded in the history on arrival,
// waits for a free slot and runs. A request that leaves the queue without
// running is recorded as cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	start := time.Now()

	resp := d.dispatch(ctx, req, start)
	d.metrics.observe(d.serverID, resp.Error, time.Since(start))
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, start time.Time) Response {
	if !d.enter() {
		return errorResponse(req.RequestID, d.unavailable())
	}
	defer d.active.Done()

	def, ok := d.tools.Get(req.ToolName)
	if !ok {
		return errorResponse(req.RequestID,
			types.Errorf(types.KindNotFound, "tool %q not found on server %s", req.ToolName, d.serverID))
	}

	rec := ExecutionRecord{
		ID:          uuid.NewString(),
		ServerID:    d.serverID,
		ToolName:    def.Name,
		ToolVersion: def.Version,
		RequestID:   req.RequestID,
		Input:       req.Input,
		StartedAt:   start,
	}
	d.history.start(rec)

	if err := d.acquire(ctx); err != nil {
		// Never ran: dropped from the queue by a stop or by the caller.
		d.history.finish(rec.ID, sandbox.Outcome{Status: sandbox.StatusCancelled, Error: err}, time.Now())
		return errorResponse(req.RequestID, err)
	}
	defer d.releaseSlot()

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.run, cancel)
	defer stop()

	d.publish(types.EventExecutionStarted, map[string]any{
		"executionId": rec.ID,
		"tool":        def.Name,
		"requestId":   req.RequestID,
	})

	out := d.runner.Run(execCtx, def, req.Input)

	d.history.finish(rec.ID, out, time.Now())
	data := map[string]any{
		"executionId": rec.ID,
		"tool":        def.Name,
		"requestId":   req.RequestID,
		"status":      string(out.Status),
		"durationMs":  out.Duration.Milliseconds(),
	}
	if out.Error != nil {
		data["error"] = out.Error
		d.logger.Infof("%s/%s request %s failed: %v", d.serverID, def.Name, req.RequestID, out.Error)
	}
	d.publish(types.EventExecutionFinished, data)

	if out.Error != nil {
		return errorResponse(req.RequestID, out.Error)
	}
	return Response{RequestID: req.RequestID, Result: out.Value}
}

// enter registers an active request unless the dispatcher is closed.
func (d *Dispatcher) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.active.Add(1)
	return true
}

// acquire waits in line for an execution slot.
func (d *Dispatcher) acquire(ctx context.Context) *types.Error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.admit, cancel)
	defer stop()

	d.metrics.setQueued(d.serverID, d.queued.Add(1))
	err := d.slots.Acquire(waitCtx, 1)
	d.metrics.setQueued(d.serverID, d.queued.Add(-1))

	if err == nil && d.admit.Err() != nil {
		// Admission closed while we were being granted the slot.
		d.slots.Release(1)
		err = d.admit.Err()
	}
	if err != nil {
		if d.admit.Err() != nil {
			return d.unavailable()
		}
		return types.AsError(err)
	}
	d.metrics.setInflight(d.serverID, d.inflight.Add(1))
	return nil
}

func (d *Dispatcher) releaseSlot() {
	d.metrics.setInflight(d.serverID, d.inflight.Add(-1))
	d.slots.Release(1)
}

func (d *Dispatcher) unavailable() *types.Error {
	return types.Errorf(types.KindServerUnavailable, "server %s is not accepting requests", d.serverID)
}

func (d *Dispatcher) publish(t types.EventType, data map[string]any) {
	if d.notify != nil {
		d.notify(types.NewEvent(t, d.serverID, data))
	}
}

// Close stops the dispatcher. New and queued requests fail with
// ServerUnavailable at once. Running executions get grace to finish and are
// then cancelled, earlier if ctx ends first. Close always returns after
// every request has returned, with ctx's error if ctx cut the grace short.
// It may be called more than once.
func (d *Dispatcher) Close(ctx context.Context, grace time.Duration) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stopAdmit()

	done := make(chan struct{})
	go func() {
		d.active.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		if n := d.inflight.Load(); n > 0 {
			d.logger.Warnf("server %s: cancelling %d executions after %s grace", d.serverID, n, grace)
		}
	case <-ctx.Done():
	}
	d.cancelRuns()

	// Cancelled runs release their sessions before they return.
	<-done
	return ctx.Err()
}

// Stats returns the current load.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	return Stats{
		Limit:    d.limit,
		InFlight: d.inflight.Load(),
		Queued:   d.queued.Load(),
		Closed:   closed,
	}
}
