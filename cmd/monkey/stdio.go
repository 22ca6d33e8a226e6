package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/entrhq/monkey/pkg/config"
	"github.com/entrhq/monkey/pkg/definition"
	"github.com/entrhq/monkey/pkg/mcpserver"
)

func newStdioCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "stdio <server-id>",
		Short: "Serve one tool server over MCP on stdin/stdout",
		Long: `Serve one tool server over MCP on stdin and stdout, for MCP clients that
launch their servers as subprocesses. The server is read from the
definition store, or from --file. Logs go to stderr.`,
		Args: cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (file == "") {
				return fmt.Errorf("give either a server id or --file")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context(), true)
			defer cancel()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return serveStdio(ctx, cfg, id, file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "serve the definition in this file instead of a stored one")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func serveStdio(ctx context.Context, cfg config.Config, id, file string) error {
	logger, err := newLogger(cfg, true)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	var def definition.Server
	if file != "" {
		def, err = definition.LoadFile(file)
	} else {
		def, err = rt.store.Get(ctx, id)
	}
	if err != nil {
		return err
	}

	if err := rt.registry.Restore(ctx, []definition.Server{def}); err != nil {
		return err
	}
	if _, err := rt.registry.Start(ctx, def.ID); err != nil {
		return err
	}
	d, err := rt.registry.Dispatcher(def.ID)
	if err != nil {
		return err
	}
	err = mcpserver.ServeStdio(ctx, def.Name, d, os.Stdin, os.Stdout, logger.With("mcp"))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
