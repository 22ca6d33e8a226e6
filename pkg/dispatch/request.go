package dispatch

import (
	"encoding/json"

	"github.com/entrhq/monkey/pkg/tool"
	"github.com/entrhq/monkey/pkg/types"
)

// Request is one tool invocation addressed to a server.
type Request struct {
	ServerID  string `json:"serverId"`
	ToolName  string `json:"toolName"`
	Input     any    `json:"input,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Response carries either a Result or an Error, never both, and always the
// RequestID of the request it answers.
type Response struct {
	RequestID string       `json:"requestId"`
	Result    any          `json:"result,omitempty"`
	Error     *types.Error `json:"error,omitempty"`
}

// OK reports whether the response carries a result.
func (r Response) OK() bool {
	return r.Error == nil
}

// MarshalJSON always writes "result" on success, even when it is null.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			RequestID string       `json:"requestId"`
			Error     *types.Error `json:"error"`
		}{r.RequestID, r.Error})
	}
	return json.Marshal(struct {
		RequestID string `json:"requestId"`
		Result    any    `json:"result"`
	}{r.RequestID, r.Result})
}

func errorResponse(requestID string, err *types.Error) Response {
	return Response{RequestID: requestID, Error: err}
}

// ToolInfo describes a tool to protocol clients.
type ToolInfo struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	InputSchema  []tool.Parameter  `json:"inputSchema"`
	OutputSchema tool.OutputSchema `json:"outputSchema"`
	Version      int               `json:"version,omitempty"`
}

// ToolList is the answer to a tool listing request.
type ToolList struct {
	Tools []ToolInfo `json:"tools"`
}

// Describe builds the listing for a set of definitions.
func Describe(defs []tool.Definition) ToolList {
	list := ToolList{Tools: make([]ToolInfo, 0, len(defs))}
	for _, d := range defs {
		list.Tools = append(list.Tools, ToolInfo{
			Name:         d.Name,
			Description:  d.Description,
			InputSchema:  d.InputSchema,
			OutputSchema: d.OutputSchema,
			Version:      d.Version,
		})
	}
	return list
}
