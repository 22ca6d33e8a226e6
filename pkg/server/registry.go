// Package server owns the tool servers of a process: their definitions,
// lifecycle state, dispatchers and protocol listeners.
//
// All mutations go through one lock. Lookups on the request path read an
// immutable snapshot of the server map and never wait for a mutation, even
// one that is draining a stopping server.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/entrhq/monkey/pkg/definition"
	"github.com/entrhq/monkey/pkg/dispatch"
	"github.com/entrhq/monkey/pkg/logging"
	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

// DefaultStopGrace is how long running executions may continue after a
// stop request before they are cancelled.
const DefaultStopGrace = 5 * time.Second

// Store persists definitions after they change. definition.Store
// implementations satisfy it.
type Store interface {
	Save(ctx context.Context, s definition.Server) error
	Delete(ctx context.Context, id string) error
}

// Registry creates, runs and destroys servers.
type Registry struct {
	mu      sync.Mutex
	servers atomic.Pointer[map[string]*instance]

	runner  dispatch.Runner
	binder  Binder
	store   Store
	bus     *Bus
	metrics *Metrics
	logger  *logging.Logger

	sessionCap         int
	stopGrace          time.Duration
	historySize        int
	defaultTimeoutMs   int
	defaultConcurrency int
}

// Option configures a Registry.
type Option func(*Registry)

// WithBinder attaches a protocol listener to every started server. Without
// one, servers are reachable only through the Router.
func WithBinder(b Binder) Option {
	return func(r *Registry) {
		r.binder = b
	}
}

// WithStore saves definitions after every change made through the registry.
func WithStore(s Store) Option {
	return func(r *Registry) {
		r.store = s
	}
}

func WithBus(b *Bus) Option {
	return func(r *Registry) {
		r.bus = b
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithSessionCap caps every server's concurrency, normally at the pool's
// MaxSessions.
func WithSessionCap(n int) Option {
	return func(r *Registry) {
		r.sessionCap = n
	}
}

func WithStopGrace(d time.Duration) Option {
	return func(r *Registry) {
		r.stopGrace = d
	}
}

// WithHistorySize sets how many executions each server remembers.
func WithHistorySize(n int) Option {
	return func(r *Registry) {
		r.historySize = n
	}
}

// WithDefaultTimeout sets the timeout of tools that declare none.
func WithDefaultTimeout(ms int) Option {
	return func(r *Registry) {
		r.defaultTimeoutMs = ms
	}
}

// WithDefaultConcurrency sets the concurrency of servers that declare none.
func WithDefaultConcurrency(n int) Option {
	return func(r *Registry) {
		r.defaultConcurrency = n
	}
}

// NewRegistry creates an empty registry whose servers run tools with runner.
func NewRegistry(runner dispatch.Runner, opts ...Option) *Registry {
	r := &Registry{
		runner:             runner,
		stopGrace:          DefaultStopGrace,
		historySize:        dispatch.DefaultHistorySize,
		defaultTimeoutMs:   tool.DefaultTimeoutMs,
		defaultConcurrency: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.bus == nil {
		r.bus = NewBus()
	}
	if r.logger == nil {
		r.logger = logging.Nop()
	}
	empty := map[string]*instance{}
	r.servers.Store(&empty)
	return r
}

// Events returns the bus lifecycle and execution events are published on.
func (r *Registry) Events() *Bus {
	return r.bus
}

// Create registers a new server in state created and saves its definition.
func (r *Registry) Create(ctx context.Context, def definition.Server) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, err := r.createLocked(ctx, def, true)
	if err != nil {
		return Record{}, err
	}
	return in.record(), nil
}

// Restore registers servers loaded from a store without saving them back.
// Definitions that fail are skipped and reported together.
func (r *Registry) Restore(ctx context.Context, defs []definition.Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, def := range defs {
		if _, err := r.createLocked(ctx, def, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) createLocked(ctx context.Context, def definition.Server, persist bool) (*instance, error) {
	def = def.Normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if _, exists := r.lookup(def.ID); exists {
		return nil, types.Errorf(types.KindConflict, "server %q already exists", def.ID)
	}

	in := &instance{
		id:          def.ID,
		tools:       tool.NewRegistry(r.defaultTimeoutMs),
		history:     dispatch.NewHistory(r.historySize),
		createdAt:   time.Now(),
		name:        def.Name,
		listen:      def.Listen,
		autostart:   def.Autostart,
		concurrency: def.Concurrency,
		state:       StateCreated,
	}
	for _, t := range def.Tools {
		if _, err := in.tools.Add(t); err != nil {
			return nil, err
		}
	}
	if persist {
		if err := r.persist(ctx, in); err != nil {
			return nil, err
		}
	}

	r.put(in)
	r.logger.Infof("server %s created with %d tools", in.id, in.tools.Len())
	r.bus.Publish(types.NewEvent(types.EventServerCreated, in.id, map[string]any{
		"name":  def.Name,
		"tools": in.tools.Len(),
	}))
	r.updateCounts()
	return in, nil
}

// Delete stops a server if needed, then removes it and its saved
// definition.
func (r *Registry) Delete(ctx context.Context, id string) error {
	in, err := r.find(id)
	if err != nil {
		return err
	}
	if in.currentState().Active() {
		if _, err := r.Stop(ctx, id); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.lookup(id)
	if !ok {
		return types.Errorf(types.KindNotFound, "server %q not found", id)
	}
	if st := in.currentState(); st.Active() {
		return types.Errorf(types.KindConflict, "server %s was started again while being deleted", id)
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete definition of %s: %w", id, err)
		}
	}

	r.drop(id)
	r.metrics.forget(id)
	r.logger.Infof("server %s deleted", id)
	r.bus.Publish(types.NewEvent(types.EventServerDeleted, id, nil))
	r.updateCounts()
	return nil
}

// Start moves a created server to running: it creates the dispatcher with
// the server's concurrency limit and binds the protocol listener. A server
// with no tools cannot start and stays created. A bind failure leaves the
// server failed. Starting a running server does nothing.
func (r *Registry) Start(ctx context.Context, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.lookup(id)
	if !ok {
		return Record{}, types.Errorf(types.KindNotFound, "server %q not found", id)
	}
	switch st := in.currentState(); {
	case st == StateRunning:
		return in.record(), nil
	case st == StateStopping:
		return in.record(), types.Errorf(types.KindConflict, "server %s is stopping", id)
	case st.Terminal():
		return in.record(), types.Errorf(types.KindConflict, "server %s is %s; reset it before starting", id, st)
	}
	if in.tools.Len() == 0 {
		return in.record(), types.Errorf(types.KindValidation, "server %s has no tools; add one before starting", id)
	}

	r.transition(in, StateStarting)
	limit := r.limitFor(in)
	d := dispatch.New(in.id, in.tools, r.runner,
		dispatch.WithConcurrency(limit),
		dispatch.WithHistory(in.history),
		dispatch.WithMetrics(r.metrics.dispatchMetrics()),
		dispatch.WithLogger(r.logger),
		dispatch.WithEvents(func(e types.Event) {
			in.touch()
			r.bus.Publish(e)
		}),
	)

	in.mu.Lock()
	in.dispatcher = d
	in.generation++
	gen := in.generation
	binding := Binding{ServerID: in.id, Name: in.name, Listen: in.listen, Dispatcher: d}
	in.mu.Unlock()

	var l Listener
	if r.binder != nil {
		var err error
		l, err = r.binder.Bind(binding)
		if err != nil {
			_ = d.Close(ctx, 0)
			in.mu.Lock()
			in.dispatcher = nil
			in.lastError = err.Error()
			in.mu.Unlock()
			r.transition(in, StateFailed)
			r.logger.Errorf("server %s failed to start: %v", id, err)
			return in.record(), types.Wrap(types.KindServerUnavailable, err, fmt.Sprintf("server %s failed to start: %v", id, err))
		}
	}

	in.mu.Lock()
	in.listener = l
	in.lastError = ""
	in.mu.Unlock()
	in.touch()
	r.transition(in, StateRunning)
	if l != nil {
		go r.watch(in, l, gen)
	}
	r.logger.Infof("server %s running with concurrency %d", id, limit)
	return in.record(), nil
}

// Stop moves a running server through stopping to stopped. Queued requests
// fail at once, running executions get the stop grace and are then
// cancelled, and the listener is closed last so in-flight responses still
// reach their clients. Stop returns once the server is stopped, or with
// ctx's error.
//
// Stopping a stopped or failed server does nothing. A concurrent Stop waits
// for the first one to finish.
func (r *Registry) Stop(ctx context.Context, id string) (Record, error) {
	r.mu.Lock()
	in, ok := r.lookup(id)
	if !ok {
		r.mu.Unlock()
		return Record{}, types.Errorf(types.KindNotFound, "server %q not found", id)
	}
	switch st := in.currentState(); st {
	case StateCreated:
		r.mu.Unlock()
		return in.record(), types.Errorf(types.KindConflict, "server %s is not running", id)
	case StateStopped, StateFailed:
		r.mu.Unlock()
		return in.record(), nil
	case StateStopping:
		in.mu.RLock()
		drained := in.drained
		in.mu.RUnlock()
		r.mu.Unlock()
		select {
		case <-drained:
			return in.record(), nil
		case <-ctx.Done():
			return in.record(), ctx.Err()
		}
	}

	d, l := r.beginDrainLocked(in)
	r.mu.Unlock()

	r.logger.Infof("server %s stopping", id)
	err := r.drain(ctx, in, d, l, StateStopped, "")
	return in.record(), err
}

// Reset returns a stopped or failed server to created so it can be started
// again.
func (r *Registry) Reset(id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.lookup(id)
	if !ok {
		return Record{}, types.Errorf(types.KindNotFound, "server %q not found", id)
	}
	switch st := in.currentState(); {
	case st == StateCreated:
		return in.record(), nil
	case !st.Terminal():
		return in.record(), types.Errorf(types.KindConflict, "server %s is %s; stop it before resetting", id, st)
	}
	in.mu.Lock()
	in.lastError = ""
	in.mu.Unlock()
	r.transition(in, StateCreated)
	return in.record(), nil
}

// beginDrainLocked moves a running server to stopping and hands back what
// must be closed.
func (r *Registry) beginDrainLocked(in *instance) (*dispatch.Dispatcher, Listener) {
	in.mu.Lock()
	d, l := in.dispatcher, in.listener
	in.drained = make(chan struct{})
	in.mu.Unlock()
	r.transition(in, StateStopping)
	return d, l
}

// drain closes the dispatcher, then the listener, and records the final
// state. It runs without the registry lock.
func (r *Registry) drain(ctx context.Context, in *instance, d *dispatch.Dispatcher, l Listener, final State, reason string) error {
	var errs []error
	if d != nil {
		if err := d.Close(ctx, r.stopGrace); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", in.id, err))
		}
	}
	if l != nil {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close listener of %s: %w", in.id, err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	in.mu.Lock()
	in.dispatcher = nil
	in.listener = nil
	if reason != "" {
		in.lastError = reason
	}
	drained := in.drained
	in.mu.Unlock()
	in.touch()
	r.transition(in, final)
	close(drained)
	return errors.Join(errs...)
}

// watch fails a running server whose listener stops on its own.
func (r *Registry) watch(in *instance, l Listener, gen uint64) {
	<-l.Done()

	r.mu.Lock()
	in.mu.RLock()
	current := in.generation == gen && in.state == StateRunning
	in.mu.RUnlock()
	if !current {
		r.mu.Unlock()
		return
	}
	reason := "listener stopped unexpectedly"
	if err := l.Err(); err != nil {
		reason = err.Error()
	}
	d, _ := r.beginDrainLocked(in)
	r.mu.Unlock()

	r.logger.Errorf("server %s failed: %s", in.id, reason)
	ctx, cancel := context.WithTimeout(context.Background(), 2*r.stopGrace)
	defer cancel()
	if err := r.drain(ctx, in, d, l, StateFailed, reason); err != nil {
		r.logger.Warnf("server %s: %v", in.id, err)
	}
}

// transition records a state change. Callers hold the registry lock.
func (r *Registry) transition(in *instance, to State) {
	from := in.setState(to)
	data := map[string]any{"from": string(from), "to": string(to)}
	in.mu.RLock()
	if in.lastError != "" && to == StateFailed {
		data["error"] = in.lastError
	}
	in.mu.RUnlock()

	r.logger.Debugf("server %s: %s -> %s", in.id, from, to)
	r.metrics.observeTransition(to)
	r.bus.Publish(types.NewEvent(types.EventServerStateChanged, in.id, data))
	r.updateCounts()
}

func (r *Registry) limitFor(in *instance) int {
	in.mu.RLock()
	n := in.concurrency
	in.mu.RUnlock()
	if n <= 0 {
		n = r.defaultConcurrency
	}
	if n <= 0 {
		n = 1
	}
	if r.sessionCap > 0 && n > r.sessionCap {
		n = r.sessionCap
	}
	return n
}

// AddTool registers a new tool on a created or running server. A running
// server serves it from its next request on.
func (r *Registry) AddTool(ctx context.Context, id string, def tool.Definition) (tool.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.mutableLocked(id)
	if err != nil {
		return tool.Definition{}, err
	}
	added, err := in.tools.Add(def)
	if err != nil {
		return tool.Definition{}, err
	}
	if err := r.persist(ctx, in); err != nil {
		_ = in.tools.Remove(added.Name)
		return tool.Definition{}, err
	}
	r.toolsChanged(in, "added", added)
	return added, nil
}

// ReplaceTool registers a new version of an existing tool. Executions
// already running finish on the version they started with.
func (r *Registry) ReplaceTool(ctx context.Context, id string, def tool.Definition) (tool.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.mutableLocked(id)
	if err != nil {
		return tool.Definition{}, err
	}
	prev, _ := in.tools.Get(def.Name)
	replaced, err := in.tools.Replace(def)
	if err != nil {
		return tool.Definition{}, err
	}
	if err := r.persist(ctx, in); err != nil {
		_, _ = in.tools.Replace(prev)
		return tool.Definition{}, err
	}
	r.toolsChanged(in, "replaced", replaced)
	return replaced, nil
}

// RemoveTool unregisters a tool.
func (r *Registry) RemoveTool(ctx context.Context, id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.mutableLocked(id)
	if err != nil {
		return err
	}
	prev, ok := in.tools.Get(name)
	if !ok {
		return types.Errorf(types.KindNotFound, "tool %q not found on server %s", name, id)
	}
	if err := in.tools.Remove(name); err != nil {
		return err
	}
	if err := r.persist(ctx, in); err != nil {
		// The restored tool moves to the end of the list.
		_, _ = in.tools.Add(prev)
		return err
	}
	r.toolsChanged(in, "removed", prev)
	return nil
}

// Sync reconciles a definition changed outside the registry, such as an
// edited file, into the server with the same id, or creates it. Server
// settings take effect on the next start. Tool differences are applied as
// removals, replacements and additions, under the same state rules as the
// explicit tool operations. Nothing is saved back.
func (r *Registry) Sync(ctx context.Context, def definition.Server) (Record, error) {
	def = def.Normalize()
	if err := def.Validate(); err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.lookup(def.ID)
	if !ok {
		created, err := r.createLocked(ctx, def, false)
		if err != nil {
			return Record{}, err
		}
		return created.record(), nil
	}

	var removed []string
	var replaced, added []tool.Definition
	want := make(map[string]bool, len(def.Tools))
	for _, t := range def.Tools {
		want[t.Name] = true
		cur, exists := in.tools.Get(t.Name)
		switch {
		case !exists:
			added = append(added, t)
		case !cur.Equal(t.Normalize(r.defaultTimeoutMs)):
			replaced = append(replaced, t)
		}
	}
	for _, cur := range in.tools.List() {
		if !want[cur.Name] {
			removed = append(removed, cur.Name)
		}
	}

	changed := len(removed)+len(replaced)+len(added) > 0
	if st := in.currentState(); changed && !st.Mutable() {
		return in.record(), types.Errorf(types.KindConflict, "tools of server %s cannot change while it is %s", def.ID, st)
	}

	in.mu.Lock()
	in.name = def.Name
	in.listen = def.Listen
	in.autostart = def.Autostart
	in.concurrency = def.Concurrency
	in.mu.Unlock()

	if !changed {
		return in.record(), nil
	}
	for _, name := range removed {
		if err := in.tools.Remove(name); err != nil {
			return in.record(), err
		}
	}
	for _, t := range replaced {
		if _, err := in.tools.Replace(t); err != nil {
			return in.record(), err
		}
	}
	for _, t := range added {
		if _, err := in.tools.Add(t); err != nil {
			return in.record(), err
		}
	}

	r.logger.Infof("server %s synced: %d added, %d replaced, %d removed", def.ID, len(added), len(replaced), len(removed))
	r.notifyListener(in)
	r.bus.Publish(types.NewEvent(types.EventToolsChanged, in.id, map[string]any{
		"change":   "synced",
		"added":    len(added),
		"replaced": len(replaced),
		"removed":  len(removed),
	}))
	return in.record(), nil
}

// StartAutostart starts every created server flagged autostart.
func (r *Registry) StartAutostart(ctx context.Context) error {
	var errs []error
	for _, rec := range r.List() {
		if !rec.Autostart || rec.State != StateCreated {
			continue
		}
		if _, err := r.Start(ctx, rec.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every active server concurrently.
func (r *Registry) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, in := range r.snapshot() {
		if !in.currentState().Active() {
			continue
		}
		id := in.id
		g.Go(func() error {
			_, err := r.Stop(ctx, id)
			return err
		})
	}
	return g.Wait()
}

func (r *Registry) mutableLocked(id string) (*instance, error) {
	in, ok := r.lookup(id)
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "server %q not found", id)
	}
	if st := in.currentState(); !st.Mutable() {
		return nil, types.Errorf(types.KindConflict, "tools of server %s cannot change while it is %s", id, st)
	}
	return in, nil
}

func (r *Registry) toolsChanged(in *instance, change string, def tool.Definition) {
	r.logger.Infof("server %s: tool %s %s (version %d)", in.id, def.Name, change, def.Version)
	r.notifyListener(in)
	r.bus.Publish(types.NewEvent(types.EventToolsChanged, in.id, map[string]any{
		"change":  change,
		"tool":    def.Name,
		"version": def.Version,
	}))
}

func (r *Registry) notifyListener(in *instance) {
	in.mu.RLock()
	l := in.listener
	in.mu.RUnlock()
	if l != nil {
		l.ToolsChanged()
	}
}

func (r *Registry) persist(ctx context.Context, in *instance) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(ctx, in.definition()); err != nil {
		return fmt.Errorf("failed to save definition of %s: %w", in.id, err)
	}
	return nil
}

// Get returns a snapshot of one server.
func (r *Registry) Get(id string) (Record, error) {
	in, err := r.find(id)
	if err != nil {
		return Record{}, err
	}
	return in.record(), nil
}

// List returns every server, sorted by id.
func (r *Registry) List() []Record {
	servers := r.snapshot()
	out := make([]Record, 0, len(servers))
	for _, in := range servers {
		out = append(out, in.record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Definition exports a server as a definition.
func (r *Registry) Definition(id string) (definition.Server, error) {
	in, err := r.find(id)
	if err != nil {
		return definition.Server{}, err
	}
	return in.definition(), nil
}

// History returns up to limit of a server's executions, newest first. A
// non-positive limit returns all of them.
func (r *Registry) History(id string, limit int) ([]dispatch.ExecutionRecord, error) {
	in, err := r.find(id)
	if err != nil {
		return nil, err
	}
	return in.history.List(limit), nil
}

// Execution returns one execution of a server.
func (r *Registry) Execution(id, executionID string) (dispatch.ExecutionRecord, error) {
	in, err := r.find(id)
	if err != nil {
		return dispatch.ExecutionRecord{}, err
	}
	rec, ok := in.history.Get(executionID)
	if !ok {
		return dispatch.ExecutionRecord{}, types.Errorf(types.KindNotFound, "execution %q not found on server %s", executionID, id)
	}
	return rec, nil
}

// Dispatcher returns the dispatcher of a running server.
func (r *Registry) Dispatcher(id string) (*dispatch.Dispatcher, error) {
	in, err := r.find(id)
	if err != nil {
		return nil, err
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.state != StateRunning || in.dispatcher == nil {
		return nil, types.Errorf(types.KindServerUnavailable, "server %s is %s", id, in.state)
	}
	return in.dispatcher, nil
}

// ToolList describes the tools of any known server.
func (r *Registry) ToolList(id string) (dispatch.ToolList, error) {
	in, err := r.find(id)
	if err != nil {
		return dispatch.ToolList{}, err
	}
	return dispatch.Describe(in.tools.List()), nil
}

func (r *Registry) find(id string) (*instance, error) {
	in, ok := r.lookup(id)
	if !ok {
		return nil, types.Errorf(types.KindNotFound, "server %q not found", id)
	}
	return in, nil
}

func (r *Registry) snapshot() map[string]*instance {
	return *r.servers.Load()
}

func (r *Registry) lookup(id string) (*instance, bool) {
	in, ok := r.snapshot()[id]
	return in, ok
}

// put and drop publish a new snapshot. Callers hold the registry lock.
func (r *Registry) put(in *instance) {
	cur := r.snapshot()
	next := make(map[string]*instance, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[in.id] = in
	r.servers.Store(&next)
}

func (r *Registry) drop(id string) {
	cur := r.snapshot()
	next := make(map[string]*instance, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	r.servers.Store(&next)
}

func (r *Registry) updateCounts() {
	if r.metrics == nil {
		return
	}
	counts := make(map[State]int, len(States))
	for _, in := range r.snapshot() {
		counts[in.currentState()]++
	}
	r.metrics.setCounts(counts)
}
