package browser

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/monkey/pkg/logging"
)

// ErrLaunchFailed wraps browser launch failures surfaced to an acquirer.
var ErrLaunchFailed = errors.New("browser launch failed")

// Pool lends browser sessions to executions.
//
// At most MaxSessions browsers exist at once, counting idle, leased and
// launching ones. Callers that cannot be served immediately queue FIFO; a
// released healthy session goes straight to the head of the queue, and
// capacity freed by a teardown is used to launch a replacement for it.
type Pool struct {
	mu       sync.Mutex
	launcher Launcher
	opts     PoolOptions
	logger   *logging.Logger
	metrics  *Metrics

	sessions map[string]*Session // idle and leased
	idle     []*Session
	waiters  list.List // of *waiter

	launching        int
	launchingForWait int
	closed           bool
	drained          chan struct{}
	teardowns        sync.WaitGroup

	leases, releases, discards, launches, launchFailures uint64

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

type waiter struct {
	owner   string
	ready   chan struct{}
	elem    *list.Element
	session *Session
	err     error
	done    bool
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *logging.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a pool and starts its reaper.
func NewPool(launcher Launcher, opts PoolOptions, options ...PoolOption) *Pool {
	p := &Pool{
		launcher: launcher,
		opts:     opts.withDefaults(),
		logger:   logging.Nop(),
		sessions: make(map[string]*Session),
		drained:  make(chan struct{}),
	}
	for _, o := range options {
		o(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.stopReaper = cancel
	p.reaperDone = make(chan struct{})
	go p.reap(ctx)
	return p
}

// Options returns the effective pool options.
func (p *Pool) Options() PoolOptions {
	return p.opts
}

// Acquire leases a session to owner. It reuses an idle session, launches a
// new one while under the cap, or waits in line until timeout. A zero
// timeout means the pool's AcquireTimeout.
//
// Errors: ErrPoolExhausted on timeout, ErrPoolClosed after Shutdown,
// ErrLaunchFailed if the browser could not be started, or ctx's error.
func (p *Pool) Acquire(ctx context.Context, owner string, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = p.opts.AcquireTimeout
	}
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		p.mu.Unlock()
		return nil, err
	}

	// Nobody is ahead of us: serve directly.
	if p.waiters.Len() == 0 {
		if s := p.takeIdleLocked(); s != nil {
			p.leaseLocked(s, owner)
			p.updateGaugesLocked()
			p.mu.Unlock()
			p.metrics.observeLease(time.Since(start))
			return s, nil
		}
		if p.capacityLocked() > 0 {
			p.launching++
			p.updateGaugesLocked()
			p.mu.Unlock()
			return p.launchDirect(ctx, owner, start, timeout)
		}
	}

	w := &waiter{owner: owner, ready: make(chan struct{})}
	w.elem = p.waiters.PushBack(w)
	p.serveWaitersLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-w.ready:
	case <-timer.C:
		waitErr = fmt.Errorf("%w: no session within %s", ErrPoolExhausted, timeout)
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !w.done {
		p.waiters.Remove(w.elem)
		w.done = true
		p.updateGaugesLocked()
		p.metrics.observeAcquireFailure(failureReason(waitErr))
		return nil, waitErr
	}
	if waitErr != nil && w.session != nil {
		// Served while giving up: hand the session on.
		p.releaseLocked(w.session, true)
		p.metrics.observeAcquireFailure(failureReason(waitErr))
		return nil, waitErr
	}
	if w.err != nil {
		p.metrics.observeAcquireFailure(failureReason(w.err))
		return nil, w.err
	}
	p.metrics.observeLease(time.Since(start))
	return w.session, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return "exhausted"
	case errors.Is(err, ErrPoolClosed):
		return "closed"
	case errors.Is(err, ErrLaunchFailed):
		return "launch"
	default:
		return "cancelled"
	}
}

// launchDirect launches a browser for a caller that reserved capacity
// (p.launching already counts it).
func (p *Pool) launchDirect(ctx context.Context, owner string, start time.Time, timeout time.Duration) (*Session, error) {
	launchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	driver, err := p.launcher.Launch(launchCtx)
	p.metrics.observeLaunch(err)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.launching--

	if err != nil {
		p.launchFailures++
		p.serveWaitersLocked()
		p.updateGaugesLocked()
		p.checkDrainedLocked()
		p.logger.Warnf("browser launch failed: %v", err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	s := p.registerLocked(driver)
	if p.closed {
		p.retireLocked(s, "shutdown")
		p.checkDrainedLocked()
		return nil, ErrPoolClosed
	}
	p.leaseLocked(s, owner)
	p.updateGaugesLocked()
	p.metrics.observeLease(time.Since(start))
	return s, nil
}

// launchForWaiterLocked starts a browser in the background for whoever is at
// the head of the queue when it arrives.
func (p *Pool) launchForWaiterLocked() {
	p.launching++
	p.launchingForWait++

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.AcquireTimeout)
		defer cancel()
		driver, err := p.launcher.Launch(ctx)
		p.metrics.observeLaunch(err)

		p.mu.Lock()
		defer p.mu.Unlock()
		p.launching--
		p.launchingForWait--

		if err != nil {
			p.launchFailures++
			p.logger.Warnf("browser launch failed: %v", err)
			if w := p.popWaiterLocked(); w != nil {
				p.finishWaiterLocked(w, nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err))
			}
		} else {
			s := p.registerLocked(driver)
			if p.closed {
				p.retireLocked(s, "shutdown")
			} else {
				p.makeIdleLocked(s)
			}
		}
		p.serveWaitersLocked()
		p.updateGaugesLocked()
		p.checkDrainedLocked()
	}()
}

// Release returns a leased session. Unhealthy sessions, sessions past their
// use budget, and every session after Shutdown are torn down instead of
// being reused. Releasing a session that is not leased returns ErrNotLeased
// and changes nothing.
func (p *Pool) Release(s *Session, healthy bool) error {
	if s == nil {
		return ErrNotLeased
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.sessions[s.ID]; !ok || cur != s || s.state != StateLeased {
		return ErrNotLeased
	}
	p.releaseLocked(s, healthy)
	return nil
}

func (p *Pool) releaseLocked(s *Session, healthy bool) {
	p.releases++
	s.owner = ""
	s.lastUsed = time.Now()

	switch {
	case !healthy:
		p.retireLocked(s, "unhealthy")
	case p.closed:
		p.retireLocked(s, "shutdown")
	default:
		p.makeIdleLocked(s)
	}
	p.serveWaitersLocked()
	p.updateGaugesLocked()
	p.checkDrainedLocked()
}

// makeIdleLocked puts a session back into the idle set unless it has
// expired, in which case it is retired.
func (p *Pool) makeIdleLocked(s *Session) {
	if expired, reason := s.expired(time.Now(), p.opts); expired {
		p.retireLocked(s, reason)
		return
	}
	s.state = StateIdle
	p.idle = append(p.idle, s)
}

// takeIdleLocked pops the most recently used idle session that is still
// usable, retiring expired ones on the way.
func (p *Pool) takeIdleLocked() *Session {
	now := time.Now()
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if expired, reason := s.expired(now, p.opts); expired {
			p.retireLocked(s, reason)
			continue
		}
		return s
	}
	return nil
}

func (p *Pool) serveWaitersLocked() {
	for p.waiters.Len() > 0 {
		s := p.takeIdleLocked()
		if s == nil {
			break
		}
		w := p.popWaiterLocked()
		p.finishWaiterLocked(w, s, nil)
	}
	for !p.closed && p.waiters.Len() > p.launchingForWait && p.capacityLocked() > 0 {
		p.launchForWaiterLocked()
	}
}

func (p *Pool) popWaiterLocked() *waiter {
	front := p.waiters.Front()
	if front == nil {
		return nil
	}
	p.waiters.Remove(front)
	return front.Value.(*waiter)
}

func (p *Pool) finishWaiterLocked(w *waiter, s *Session, err error) {
	if s != nil {
		p.leaseLocked(s, w.owner)
	}
	w.session = s
	w.err = err
	w.done = true
	close(w.ready)
}

func (p *Pool) leaseLocked(s *Session, owner string) {
	s.state = StateLeased
	s.owner = owner
	s.uses++
	s.lastUsed = time.Now()
	p.leases++
}

func (p *Pool) registerLocked(driver Driver) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		driver:    driver,
		state:     StateIdle,
		lastUsed:  now,
	}
	p.sessions[s.ID] = s
	p.launches++
	p.logger.Debugf("launched browser session %s", s.ID)
	return s
}

// retireLocked removes a session from bookkeeping right away and closes its
// browser in the background. A failed close is logged and otherwise ignored.
func (p *Pool) retireLocked(s *Session, reason string) {
	delete(p.sessions, s.ID)
	s.state = StateDead
	s.owner = ""
	p.discards++
	p.metrics.observeTeardown(reason)
	p.logger.Debugf("tearing down browser session %s (%s)", s.ID, reason)

	p.teardowns.Add(1)
	go func() {
		defer p.teardowns.Done()
		done := make(chan error, 1)
		go func() { done <- s.driver.Close() }()

		timer := time.NewTimer(p.opts.CloseTimeout)
		defer timer.Stop()
		select {
		case err := <-done:
			if err != nil {
				p.logger.Warnf("closing browser session %s: %v", s.ID, err)
			}
		case <-timer.C:
			p.logger.Warnf("closing browser session %s timed out after %s", s.ID, p.opts.CloseTimeout)
		}
	}()
}

func (p *Pool) capacityLocked() int {
	return p.opts.MaxSessions - len(p.sessions) - p.launching
}

func (p *Pool) checkDrainedLocked() {
	if !p.closed || len(p.sessions) > 0 || p.launching > 0 {
		return
	}
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

func (p *Pool) reap(ctx context.Context) {
	defer close(p.reaperDone)
	if p.opts.HealthCheckInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap()
		}
	}
}

// Reap tears down idle sessions that are past their idle timeout or use
// budget, or whose browser died. The background reaper calls it on every
// health-check tick.
func (p *Pool) Reap() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	kept := p.idle[:0]
	reaped := 0
	for _, s := range p.idle {
		if expired, reason := s.expired(now, p.opts); expired {
			p.retireLocked(s, reason)
			reaped++
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	if reaped > 0 {
		p.serveWaitersLocked()
		p.updateGaugesLocked()
		p.checkDrainedLocked()
	}
	return reaped
}

// Shutdown stops the pool. Waiters fail with ErrPoolClosed, idle sessions
// are torn down, and leased sessions are torn down as they come back. If ctx
// ends before every lease is returned, the remaining sessions are closed
// forcibly. Finally the launcher is closed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for w := p.popWaiterLocked(); w != nil; w = p.popWaiterLocked() {
		p.finishWaiterLocked(w, nil, ErrPoolClosed)
	}
	for _, s := range p.idle {
		p.retireLocked(s, "shutdown")
	}
	p.idle = nil
	p.updateGaugesLocked()
	p.checkDrainedLocked()
	p.mu.Unlock()

	p.stopReaper()
	<-p.reaperDone

	var errs []error
	select {
	case <-p.drained:
	case <-ctx.Done():
		p.mu.Lock()
		forced := 0
		for _, s := range p.sessions {
			p.retireLocked(s, "forced")
			forced++
		}
		p.updateGaugesLocked()
		p.mu.Unlock()
		errs = append(errs, fmt.Errorf("forced teardown of %d leased sessions: %w", forced, ctx.Err()))
	}

	teardownsDone := make(chan struct{})
	go func() {
		p.teardowns.Wait()
		close(teardownsDone)
	}()
	select {
	case <-teardownsDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for browser teardown: %w", ctx.Err()))
	}

	if err := p.launcher.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stats returns the current counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pool) statsLocked() PoolStats {
	leased := 0
	for _, s := range p.sessions {
		if s.state == StateLeased {
			leased++
		}
	}
	return PoolStats{
		MaxSessions:    p.opts.MaxSessions,
		Idle:           len(p.idle),
		Leased:         leased,
		Launching:      p.launching,
		Waiting:        p.waiters.Len(),
		Leases:         p.leases,
		Releases:       p.releases,
		Discards:       p.discards,
		Launches:       p.launches,
		LaunchFailures: p.launchFailures,
	}
}

func (p *Pool) updateGaugesLocked() {
	if p.metrics != nil {
		p.metrics.setGauges(p.statsLocked())
	}
}

// Sessions lists every open session.
func (p *Pool) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		infos = append(infos, s.info())
	}
	return infos
}
