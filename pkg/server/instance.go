package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/monkey/pkg/definition"
	"github.com/entrhq/monkey/pkg/dispatch"
	"github.com/entrhq/monkey/pkg/tool"
)

// Record is a point-in-time view of a server.
type Record struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        State             `json:"state"`
	Tools        []tool.Definition `json:"tools"`
	Listen       string            `json:"listen,omitempty"`
	Addr         string            `json:"addr,omitempty"`
	Autostart    bool              `json:"autostart,omitempty"`
	Concurrency  int               `json:"concurrency,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity,omitzero"`
	LastError    string            `json:"lastError,omitempty"`
	Load         *dispatch.Stats   `json:"load,omitempty"`
}

// instance is one server. The registry lock guards every transition; mu
// guards the fields readers look at without that lock.
type instance struct {
	id        string
	tools     *tool.Registry
	history   *dispatch.History
	createdAt time.Time
	activity  atomic.Int64

	mu          sync.RWMutex
	name        string
	listen      string
	autostart   bool
	concurrency int
	state       State
	lastError   string
	dispatcher  *dispatch.Dispatcher
	listener    Listener
	generation  uint64
	// drained is closed when a stopping server reaches its final state.
	drained chan struct{}
}

func (in *instance) touch() {
	in.activity.Store(time.Now().UnixNano())
}

func (in *instance) currentState() State {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state
}

// setState records a transition and returns the previous state.
func (in *instance) setState(s State) State {
	in.mu.Lock()
	defer in.mu.Unlock()
	prev := in.state
	in.state = s
	return prev
}

func (in *instance) record() Record {
	in.mu.RLock()
	defer in.mu.RUnlock()

	rec := Record{
		ID:          in.id,
		Name:        in.name,
		State:       in.state,
		Tools:       in.tools.List(),
		Listen:      in.listen,
		Autostart:   in.autostart,
		Concurrency: in.concurrency,
		CreatedAt:   in.createdAt,
		LastError:   in.lastError,
	}
	if ns := in.activity.Load(); ns > 0 {
		rec.LastActivity = time.Unix(0, ns)
	}
	if in.listener != nil {
		rec.Addr = in.listener.Addr()
	}
	if in.dispatcher != nil {
		stats := in.dispatcher.Stats()
		rec.Load = &stats
	}
	return rec
}

func (in *instance) definition() definition.Server {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return definition.Server{
		ID:          in.id,
		Name:        in.name,
		Listen:      in.listen,
		Autostart:   in.autostart,
		Concurrency: in.concurrency,
		Tools:       in.tools.List(),
	}.Normalize()
}
