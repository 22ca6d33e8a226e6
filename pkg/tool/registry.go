package tool

import (
	"sync"
	"sync/atomic"

	"github.com/entrhq/monkey/pkg/types"
)

// snapshot is an immutable view of a registry's tools in registration order.
type snapshot struct {
	byName map[string]Definition
	order  []string
}

// Registry holds the tool definitions of one server.
//
// Writers are serialized and publish a fresh snapshot; readers load the
// current snapshot without locking, so a dispatch in flight keeps the
// definition it looked up even if the tool is replaced meanwhile.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[snapshot]
	versions map[string]int // last version handed out per name, survives removal
	timeout  int
}

// NewRegistry creates an empty registry. Definitions without a timeout get
// defaultTimeoutMs.
func NewRegistry(defaultTimeoutMs int) *Registry {
	r := &Registry{
		versions: make(map[string]int),
		timeout:  defaultTimeoutMs,
	}
	r.current.Store(&snapshot{byName: map[string]Definition{}})
	return r
}

// Add registers a new tool. Its name must not be in use.
func (r *Registry) Add(def Definition) (Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := r.prepare(def)
	if err != nil {
		return Definition{}, err
	}
	cur := r.current.Load()
	if _, exists := cur.byName[def.Name]; exists {
		return Definition{}, types.Errorf(types.KindConflict, "tool %q already exists", def.Name)
	}

	next := cur.clone()
	next.byName[def.Name] = def
	next.order = append(next.order, def.Name)
	r.current.Store(next)
	return def, nil
}

// Replace swaps an existing tool for a new version, keeping its position.
func (r *Registry) Replace(def Definition) (Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.byName[def.Name]; !exists {
		return Definition{}, types.Errorf(types.KindNotFound, "tool %q not found", def.Name)
	}
	def, err := r.prepare(def)
	if err != nil {
		return Definition{}, err
	}

	next := cur.clone()
	next.byName[def.Name] = def
	r.current.Store(next)
	return def, nil
}

// Remove unregisters a tool.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, exists := cur.byName[name]; !exists {
		return types.Errorf(types.KindNotFound, "tool %q not found", name)
	}

	next := cur.clone()
	delete(next.byName, name)
	order := next.order[:0]
	for _, n := range next.order {
		if n != name {
			order = append(order, n)
		}
	}
	next.order = order
	r.current.Store(next)
	return nil
}

// Get looks a tool up in the current snapshot.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.current.Load().byName[name]
	return def, ok
}

// List returns the tools in registration order.
func (r *Registry) List() []Definition {
	cur := r.current.Load()
	out := make([]Definition, 0, len(cur.order))
	for _, name := range cur.order {
		out = append(out, cur.byName[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.current.Load().order)
}

func (r *Registry) prepare(def Definition) (Definition, error) {
	def = def.Normalize(r.timeout)
	def.InputSchema = append([]Parameter{}, def.InputSchema...)
	if err := def.Validate(); err != nil {
		return Definition{}, types.Wrap(types.KindValidation, err, "")
	}
	r.versions[def.Name]++
	def.Version = r.versions[def.Name]
	return def, nil
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byName: make(map[string]Definition, len(s.byName)+1),
		order:  make([]string, len(s.order), len(s.order)+1),
	}
	for k, v := range s.byName {
		next.byName[k] = v
	}
	copy(next.order, s.order)
	return next
}
