package server

import (
	"context"

	"github.com/entrhq/monkey/pkg/dispatch"
)

// Binding is what a protocol listener needs to serve one server.
type Binding struct {
	ServerID   string
	Name       string
	Listen     string
	Dispatcher *dispatch.Dispatcher
}

// Binder attaches a protocol listener to a starting server.
type Binder interface {
	Bind(b Binding) (Listener, error)
}

// Listener is a bound protocol endpoint.
type Listener interface {
	// Addr is the address clients connect to, or "" if the listener has
	// no network address.
	Addr() string
	// ToolsChanged tells connected clients to list the tools again.
	ToolsChanged()
	// Done is closed when the listener stops serving, for any reason.
	Done() <-chan struct{}
	// Err reports why the listener stopped. It is nil after Close.
	Err() error
	Close(ctx context.Context) error
}

// BinderFunc adapts a function to a Binder.
type BinderFunc func(b Binding) (Listener, error)

func (f BinderFunc) Bind(b Binding) (Listener, error) {
	return f(b)
}
