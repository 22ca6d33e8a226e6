package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/monkey/pkg/admin"
	"github.com/entrhq/monkey/pkg/config"
	"github.com/entrhq/monkey/pkg/definition"
	"github.com/entrhq/monkey/pkg/mcpserver"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: browser pool, tool servers and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context(), false)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer logger.Close()

	binder := &mcpserver.SSEBinder{Host: cfg.Server.Host, Logger: logger.With("mcp")}
	rt, err := newRuntime(ctx, cfg, logger, binder)
	if err != nil {
		return err
	}
	defer rt.shutdown()

	rt.restore(ctx)
	if err := rt.registry.StartAutostart(ctx); err != nil {
		logger.Warnf("autostart: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	api := admin.New(rt.registry, admin.WithPool(rt.pool), admin.WithLogger(logger.With("admin")))
	g.Go(func() error {
		return api.Serve(gctx, cfg.Admin.Listen, func(addr string) {
			fmt.Printf("%s admin API on http://%s\n", green("monkey"), addr)
		})
	})

	if rt.files != nil && cfg.Definitions.Watch {
		w := definition.NewWatcher(rt.files.Dir(), watchHandler(rt), cfg.Definitions.Debounce, logger.With("watcher"))
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	logger.Infof("monkey %s serving %d servers from %s", Version, len(rt.registry.List()), storeName(cfg))
	return g.Wait()
}

// watchHandler applies definition files edited on disk to the registry.
func watchHandler(rt *runtime) definition.WatchHandler {
	return definition.WatchHandler{
		OnChange: func(def definition.Server) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if _, err := rt.registry.Sync(ctx, def); err != nil {
				rt.logger.Warnf("reload of server %s failed: %v", def.ID, err)
			}
		},
		OnRemove: func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if _, err := rt.registry.Get(id); err != nil {
				return
			}
			if err := rt.registry.Delete(ctx, id); err != nil {
				rt.logger.Warnf("removal of server %s failed: %v", id, err)
			}
		},
		OnError: func(path string, err error) {
			rt.logger.Warnf("ignoring %s: %v", path, err)
		},
	}
}

func storeName(cfg config.Config) string {
	if cfg.Definitions.PostgresDSN != "" {
		return "postgres"
	}
	return cfg.Definitions.Dir
}
