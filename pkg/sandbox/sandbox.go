// Package sandbox runs one tool invocation against a leased browser session,
// bounded by the tool's timeout, and turns every way it can end into an
// Outcome.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/logging"
	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

// SessionPool is the part of browser.Pool the sandbox needs.
type SessionPool interface {
	Acquire(ctx context.Context, owner string, timeout time.Duration) (*browser.Session, error)
	Release(s *browser.Session, healthy bool) error
}

// Sandbox executes tools. It is safe for concurrent use.
type Sandbox struct {
	pool             SessionPool
	engines          map[tool.Language]Engine
	policy           *browser.URLPolicy
	logger           *logging.Logger
	acquireTimeout   time.Duration
	defaultTimeoutMs int
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithEngine installs the engine for a language.
func WithEngine(lang tool.Language, e Engine) Option {
	return func(s *Sandbox) {
		s.engines[lang] = e
	}
}

// WithURLPolicy restricts where tools may navigate.
func WithURLPolicy(p *browser.URLPolicy) Option {
	return func(s *Sandbox) {
		s.policy = p
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Sandbox) {
		s.logger = l
	}
}

// WithAcquireTimeout bounds the wait for a session. Zero defers to the pool.
func WithAcquireTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		s.acquireTimeout = d
	}
}

// WithDefaultTimeout sets the bound for tools that declare none.
func WithDefaultTimeout(ms int) Option {
	return func(s *Sandbox) {
		s.defaultTimeoutMs = ms
	}
}

// New creates a sandbox drawing sessions from pool. JavaScript runs in the
// page and Python in a local python3 unless other engines are installed.
func New(pool SessionPool, opts ...Option) *Sandbox {
	s := &Sandbox{
		pool: pool,
		engines: map[tool.Language]Engine{
			tool.LanguageJavaScript: JavaScriptEngine{},
			tool.LanguagePython:     &PythonEngine{},
		},
		defaultTimeoutMs: tool.DefaultTimeoutMs,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Nop()
	}
	return s
}

// Run validates input, leases a session, executes the tool and releases the
// session. A SessionError is retried once on a fresh session while the
// tool's time budget lasts. Run never panics and never returns a bare error.
func (s *Sandbox) Run(ctx context.Context, def tool.Definition, input any) Outcome {
	start := time.Now()
	out := s.run(ctx, def, input)
	out.Duration = time.Since(start)
	return out
}

func (s *Sandbox) run(ctx context.Context, def tool.Definition, input any) Outcome {
	args, engine, errOut := s.prepare(def, input)
	if errOut != nil {
		return *errOut
	}

	execID := uuid.NewString()
	var deadline time.Time
	var out Outcome

	for attempt := 1; attempt <= 2; attempt++ {
		wait := s.acquireTimeout
		if attempt > 1 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			if wait <= 0 || remaining < wait {
				wait = remaining
			}
		}

		sess, err := s.pool.Acquire(ctx, execID, wait)
		if err != nil {
			if attempt > 1 {
				// The first failure explains more than the retry's acquire.
				s.logger.Warnf("retry of %s could not get a session: %v", def.Name, err)
				return out
			}
			return failure(acquireError(err))
		}

		if attempt == 1 {
			deadline = time.Now().Add(s.timeout(def))
		}
		out = s.execute(ctx, def, args, engine, sess, deadline)
		out.Attempts = attempt

		if err := s.pool.Release(sess, out.SessionHealthy); err != nil {
			s.logger.Warnf("release of session %s for %s failed: %v", sess.ID, def.Name, err)
		}

		if out.Error == nil || out.Error.Kind != types.KindSession || ctx.Err() != nil {
			return out
		}
		s.logger.Warnf("tool %s lost session %s (attempt %d): %s", def.Name, sess.ID, attempt, out.Error.Message)
	}
	return out
}

// Execute makes one attempt on a session the caller already holds. It does
// not release the session; Outcome.SessionHealthy says how to.
func (s *Sandbox) Execute(ctx context.Context, def tool.Definition, input any, sess *browser.Session) Outcome {
	start := time.Now()
	args, engine, errOut := s.prepare(def, input)
	if errOut != nil {
		errOut.SessionHealthy = true
		return *errOut
	}
	out := s.execute(ctx, def, args, engine, sess, start.Add(s.timeout(def)))
	out.Attempts = 1
	out.Duration = time.Since(start)
	return out
}

func (s *Sandbox) prepare(def tool.Definition, input any) (map[string]any, Engine, *Outcome) {
	args, err := def.BindInput(input)
	if err != nil {
		out := failure(types.AsError(err))
		return nil, nil, &out
	}
	engine, ok := s.engines[def.Language]
	if !ok {
		out := failure(types.Errorf(types.KindValidation, "tool %s: no engine for language %q", def.Name, def.Language))
		return nil, nil, &out
	}
	return args, engine, nil
}

func (s *Sandbox) timeout(def tool.Definition) time.Duration {
	if d := def.Timeout(); d > 0 {
		return d
	}
	return time.Duration(s.defaultTimeoutMs) * time.Millisecond
}

func (s *Sandbox) execute(ctx context.Context, def tool.Definition, args map[string]any, engine Engine, sess *browser.Session, deadline time.Time) Outcome {
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	h := browser.NewHandle(sess, s.policy)
	defer h.Detach()

	res, err := s.invoke(execCtx, engine, def, Invocation{Tool: def, Args: args, Handle: h})

	var out Outcome
	var pe *panicError
	switch {
	case execCtx.Err() != nil:
		out = failure(contextError(ctx, def, s.timeout(def)))
	case errors.As(err, &pe):
		s.logger.Errorf("tool %s panicked: %v", def.Name, pe.value)
		out = failure(types.Wrap(types.KindExecution, err, fmt.Sprintf("tool %s: %v", def.Name, err)))
	case err != nil:
		out = s.classify(def, sess, h, err)
	default:
		if cerr := def.CheckOutput(res.Value); cerr != nil {
			out = failure(types.AsError(cerr))
			out.SessionHealthy = true
		} else {
			out = success(res.Value)
		}
	}

	out.Stdout = res.Stdout
	out.SessionID = sess.ID
	out.Trace = h.Trace()
	var te *ToolError
	if errors.As(err, &te) {
		out.Traceback = te.Traceback
	}
	return out
}

// invoke runs the engine and returns when it finishes or ctx ends, whichever
// comes first. A panic in the engine is reported, not propagated.
func (s *Sandbox) invoke(ctx context.Context, engine Engine, def tool.Definition, inv Invocation) (Result, error) {
	type reply struct {
		res Result
		err error
	}
	done := make(chan reply, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: &panicError{value: r}}
			}
		}()
		if def.StartURL != "" {
			if _, err := inv.Handle.Navigate(ctx, def.StartURL); err != nil {
				done <- reply{err: fmt.Errorf("start page: %w", err)}
				return
			}
		}
		res, err := engine.Execute(ctx, inv)
		done <- reply{res: res, err: err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (s *Sandbox) classify(def tool.Definition, sess *browser.Session, h *browser.Handle, err error) Outcome {
	if h.Lost() || errors.Is(err, browser.ErrSessionLost) {
		return failure(types.Wrap(types.KindSession, err, fmt.Sprintf("tool %s: %v", def.Name, err)))
	}
	out := failure(types.Wrap(types.KindExecution, err, fmt.Sprintf("tool %s: %v", def.Name, err)))
	out.SessionHealthy = sess.Driver().Alive()
	return out
}

// contextError explains why an execution context ended: the caller gave up
// or the tool ran out of time.
func contextError(parent context.Context, def tool.Definition, limit time.Duration) *types.Error {
	if err := parent.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return types.Wrap(types.KindCancelled, err, fmt.Sprintf("tool %s cancelled", def.Name))
		}
		return types.Wrap(types.KindTimeout, err, fmt.Sprintf("tool %s: caller deadline exceeded", def.Name))
	}
	return types.Wrap(types.KindTimeout, context.DeadlineExceeded,
		fmt.Sprintf("tool %s exceeded its %s timeout", def.Name, limit))
}

func acquireError(err error) *types.Error {
	switch {
	case errors.Is(err, browser.ErrPoolExhausted):
		return types.Wrap(types.KindPoolExhausted, err, "")
	case errors.Is(err, browser.ErrLaunchFailed):
		return types.Wrap(types.KindSession, err, "")
	case errors.Is(err, browser.ErrPoolClosed):
		return types.Wrap(types.KindServerUnavailable, err, "")
	}
	return types.AsError(err)
}
