package mcpserver

import (
	"context"
	"io"
	"log"

	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/entrhq/monkey/pkg/logging"
)

// ServeStdio serves one server over MCP on in and out until ctx ends or in
// is closed. Protocol errors are logged, never written to out.
func ServeStdio(ctx context.Context, name string, d Dispatcher, in io.Reader, out io.Writer, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Nop()
	}
	srv := New(name, d, logger)
	stdio := mcpsrv.NewStdioServer(srv.MCP())
	stdio.SetErrorLogger(log.New(logger.Writer(), "[mcp] ", 0))
	logger.Infof("serving %s over MCP stdio", d.ServerID())
	return stdio.Listen(ctx, in, out)
}
