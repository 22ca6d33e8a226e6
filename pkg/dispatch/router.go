package dispatch

import (
	"context"

	"github.com/google/uuid"

	"github.com/entrhq/monkey/pkg/types"
)

// Resolver finds the dispatcher of a running server.
//
// Dispatcher returns a NotFound error for an unknown server and a
// ServerUnavailable error for a server that is not running. ToolList lists the
// definitions of any known server, running or not.
type Resolver interface {
	Dispatcher(serverID string) (*Dispatcher, error)
	ToolList(serverID string) (ToolList, error)
}

// Router is the entry point for requests that name their server.
type Router struct {
	resolver Resolver
}

// NewRouter creates a router over r.
func NewRouter(r Resolver) *Router {
	return &Router{resolver: r}
}

// Dispatch resolves the server and forwards the request to it. Resolution
// failures are answered without touching any resource.
func (r *Router) Dispatch(ctx context.Context, req Request) Response {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.ServerID == "" {
		return errorResponse(req.RequestID, types.Errorf(types.KindValidation, "serverId is required"))
	}
	if req.ToolName == "" {
		return errorResponse(req.RequestID, types.Errorf(types.KindValidation, "toolName is required"))
	}
	d, err := r.resolver.Dispatcher(req.ServerID)
	if err != nil {
		return errorResponse(req.RequestID, types.AsError(err))
	}
	return d.Dispatch(ctx, req)
}

// ListTools returns the tools of a server.
func (r *Router) ListTools(serverID string) (ToolList, error) {
	return r.resolver.ToolList(serverID)
}
