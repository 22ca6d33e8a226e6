package sandbox

import (
	"context"
	"fmt"

	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/tool"
)

// Invocation is everything a tool body may see: its definition, its bound
// arguments, and the automation handle for its leased session.
type Invocation struct {
	Tool   tool.Definition
	Args   map[string]any
	Handle *browser.Handle
}

// Result is what an engine produced for a successful invocation.
type Result struct {
	Value  any
	Stdout string
}

// Engine runs tool source of one language.
//
// Contract:
//   - Context: must return promptly once ctx is done.
//   - Errors: a failure of the tool itself is returned as an error; the
//     sandbox classifies it.
//   - Ownership: the handle is only valid until Execute returns.
type Engine interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// ToolError is a failure raised by tool code, with the language's own
// diagnostic attached when there is one.
type ToolError struct {
	Message   string
	Traceback string
}

func (e *ToolError) Error() string {
	return e.Message
}

// JavaScriptEngine evaluates tool source inside the page. The source is the
// body of an async function receiving args; its return value is the result.
type JavaScriptEngine struct{}

func (JavaScriptEngine) Execute(ctx context.Context, inv Invocation) (Result, error) {
	script := fmt.Sprintf("async (args) => {\n%s\n}", inv.Tool.Source)
	value, err := inv.Handle.EvaluateScript(ctx, script, inv.Args)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: value}, nil
}
