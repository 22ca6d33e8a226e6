// Package mcpserver exposes one running tool server over the Model Context
// Protocol, as SSE on the server's listen address or over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/entrhq/monkey/pkg/dispatch"
	"github.com/entrhq/monkey/pkg/logging"
	"github.com/entrhq/monkey/pkg/tool"
)

// Version is reported to MCP clients.
var Version = "dev"

// Dispatcher is the part of a server's dispatcher the MCP surface uses.
type Dispatcher interface {
	ServerID() string
	ListTools() dispatch.ToolList
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Response
}

// Server is the MCP face of one tool server. It mirrors the server's tool
// set and forwards every call to the dispatcher.
type Server struct {
	mcp        *mcpsrv.MCPServer
	dispatcher Dispatcher
	logger     *logging.Logger

	mu    sync.Mutex
	names map[string]bool
}

// New creates the MCP server for a tool server named name and registers its
// current tools.
func New(name string, d Dispatcher, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		mcp: mcpsrv.NewMCPServer(name, Version,
			mcpsrv.WithToolCapabilities(true),
			mcpsrv.WithRecovery(),
		),
		dispatcher: d,
		logger:     logger,
		names:      make(map[string]bool),
	}
	s.SyncTools()
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcpsrv.MCPServer {
	return s.mcp
}

// SyncTools brings the MCP tool set in line with the dispatcher's. Connected
// clients receive tools/list_changed.
func (s *Server) SyncTools() {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.dispatcher.ListTools()
	current := make(map[string]bool, len(list.Tools))
	tools := make([]mcpsrv.ServerTool, 0, len(list.Tools))
	for _, info := range list.Tools {
		current[info.Name] = true
		tools = append(tools, mcpsrv.ServerTool{
			Tool:    Describe(info),
			Handler: s.handler(info.Name),
		})
	}

	var stale []string
	for name := range s.names {
		if !current[name] {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		s.mcp.DeleteTools(stale...)
	}
	if len(tools) > 0 {
		s.mcp.AddTools(tools...)
	}
	s.names = current
	s.logger.Debugf("mcp %s: %d tools, %d removed", s.dispatcher.ServerID(), len(tools), len(stale))
}

func (s *Server) handler(name string) mcpsrv.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp := s.dispatcher.Dispatch(ctx, dispatch.Request{
			ServerID: s.dispatcher.ServerID(),
			ToolName: name,
			Input:    request.GetArguments(),
		})
		return Result(resp), nil
	}
}

// Result renders a dispatch response as an MCP tool result: the JSON of the
// value, or an error result reading "kind: message".
func Result(resp dispatch.Response) *mcp.CallToolResult {
	if !resp.OK() {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", resp.Error.Kind, resp.Error.Message))
	}
	if text, ok := resp.Result.(string); ok {
		return mcp.NewToolResultText(text)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ExecutionError: result is not JSON: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// Describe maps a tool to its MCP declaration.
func Describe(info dispatch.ToolInfo) mcp.Tool {
	description := info.Description
	if t := info.OutputSchema.Type; t != "" && t != tool.TypeAny {
		if description != "" {
			description += "\n\n"
		}
		description += fmt.Sprintf("Returns %s.", t)
		if info.OutputSchema.Description != "" {
			description += " " + info.OutputSchema.Description
		}
	}

	opts := []mcp.ToolOption{mcp.WithDescription(description)}
	for _, p := range info.InputSchema {
		opts = append(opts, parameter(p))
	}
	return mcp.NewTool(info.Name, opts...)
}

func parameter(p tool.Parameter) mcp.ToolOption {
	var props []mcp.PropertyOption
	if p.Required {
		props = append(props, mcp.Required())
	}
	if p.Description != "" {
		props = append(props, mcp.Description(p.Description))
	}
	if p.Default != nil {
		props = append(props, withDefault(p.Default))
	}

	switch p.Type {
	case tool.TypeString:
		return mcp.WithString(p.Name, props...)
	case tool.TypeNumber:
		return mcp.WithNumber(p.Name, props...)
	case tool.TypeInteger:
		return mcp.WithNumber(p.Name, append(props, withType("integer"))...)
	case tool.TypeBoolean:
		return mcp.WithBoolean(p.Name, props...)
	case tool.TypeObject:
		return mcp.WithObject(p.Name, props...)
	case tool.TypeArray:
		return mcp.WithArray(p.Name, props...)
	}
	return withAny(p.Name, props...)
}

func withDefault(v any) mcp.PropertyOption {
	return func(schema map[string]any) {
		schema["default"] = v
	}
}

func withType(t string) mcp.PropertyOption {
	return func(schema map[string]any) {
		schema["type"] = t
	}
}

// withAny declares a property that accepts any JSON value.
func withAny(name string, opts ...mcp.PropertyOption) mcp.ToolOption {
	return func(t *mcp.Tool) {
		schema := map[string]any{}
		for _, opt := range opts {
			opt(schema)
		}
		if required, ok := schema["required"].(bool); ok {
			delete(schema, "required")
			if required {
				t.InputSchema.Required = append(t.InputSchema.Required, name)
			}
		}
		t.InputSchema.Properties[name] = schema
	}
}
