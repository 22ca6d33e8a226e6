package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/config"
	"github.com/entrhq/monkey/pkg/definition"
	"github.com/entrhq/monkey/pkg/logging"
	"github.com/entrhq/monkey/pkg/sandbox"
	"github.com/entrhq/monkey/pkg/server"
	"github.com/entrhq/monkey/pkg/tool"
)

const shutdownTimeout = 30 * time.Second

// runtime is the set of long-lived components both serve and stdio run.
type runtime struct {
	cfg      config.Config
	logger   *logging.Logger
	pool     *browser.Pool
	registry *server.Registry
	store    definition.Store
	files    *definition.FileStore
	closers  []func()
}

// newLogger applies the logging config and opens the process logger. In
// stdio mode the log goes to stderr so stdout carries only protocol
// messages.
func newLogger(cfg config.Config, stderrOnly bool) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)
	if stderrOnly {
		return logging.NewWriterLogger("monkey", os.Stderr), nil
	}
	if cfg.Logging.Dir != "" {
		if err := logging.SetLogDirectory(cfg.Logging.Dir); err != nil {
			return nil, err
		}
	}
	// On error NewLogger has already fallen back to stderr and said so.
	logger, _ := logging.NewLogger("monkey")
	return logger, nil
}

// openStore opens the configured definition store.
func openStore(ctx context.Context, cfg config.Config) (definition.Store, *definition.FileStore, func(), error) {
	if cfg.Definitions.PostgresDSN != "" {
		pg, err := definition.OpenPGStore(ctx, cfg.Definitions.PostgresDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, nil, pg.Close, nil
	}
	fs, err := definition.NewFileStore(cfg.Definitions.Dir, definition.Format(cfg.Definitions.Format))
	if err != nil {
		return nil, nil, nil, err
	}
	return fs, fs, func() {}, nil
}

// newRuntime wires pool, sandbox, registry and store. Servers started by the
// registry are served with binder; a nil binder leaves them unexposed.
func newRuntime(ctx context.Context, cfg config.Config, logger *logging.Logger, binder server.Binder) (*runtime, error) {
	policy, err := browser.NewURLPolicy(cfg.Pool.AllowedURLs)
	if err != nil {
		return nil, err
	}

	store, files, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open definition store: %w", err)
	}

	pool := browser.NewPool(
		browser.NewPlaywrightLauncher(cfg.LaunchOptions()),
		cfg.PoolOptions(),
		browser.WithLogger(logger.With("pool")),
		browser.WithMetrics(browser.MustNewMetrics(prometheus.DefaultRegisterer)),
	)

	python := &sandbox.PythonEngine{Command: cfg.Sandbox.PythonCommand}
	warnUnconfined(logger, python)

	sb := sandbox.New(pool,
		sandbox.WithEngine(tool.LanguagePython, python),
		sandbox.WithURLPolicy(policy),
		sandbox.WithDefaultTimeout(cfg.Sandbox.DefaultTimeoutMs),
		sandbox.WithLogger(logger.With("sandbox")),
	)

	opts := []server.Option{
		server.WithStore(store),
		server.WithMetrics(server.MustNewMetrics(prometheus.DefaultRegisterer)),
		server.WithLogger(logger.With("registry")),
		server.WithSessionCap(cfg.Pool.MaxSessions),
		server.WithStopGrace(cfg.Server.StopGrace),
		server.WithHistorySize(cfg.Server.HistorySize),
		server.WithDefaultTimeout(cfg.Sandbox.DefaultTimeoutMs),
		server.WithDefaultConcurrency(cfg.Server.DefaultConcurrency),
	}
	if binder != nil {
		opts = append(opts, server.WithBinder(binder))
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		registry: server.NewRegistry(sb, opts...),
		store:    store,
		files:    files,
		closers:  []func(){closeStore},
	}, nil
}

// warnUnconfined flags a Python engine that runs without a jail wrapper.
func warnUnconfined(logger *logging.Logger, python *sandbox.PythonEngine) {
	if python.Confined() {
		return
	}
	logger.Warnf("python tools run unconfined with host filesystem and network access; "+
		"set sandbox.python_command to a jail wrapper such as [bwrap, ..., python3] to restrict them (current: %v)",
		python.Command)
}

// restore registers every stored definition. Definitions that fail to load
// or register are logged and skipped.
func (rt *runtime) restore(ctx context.Context) {
	defs, err := rt.store.List(ctx)
	if err != nil {
		rt.logger.Warnf("some definitions could not be loaded: %v", err)
	}
	if err := rt.registry.Restore(ctx, defs); err != nil {
		rt.logger.Warnf("some definitions could not be registered: %v", err)
	}
	rt.logger.Infof("restored %d servers", len(rt.registry.List()))
}

// shutdown stops every server, then the browsers, then the store.
func (rt *runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := rt.registry.Shutdown(ctx); err != nil {
		rt.logger.Warnf("error stopping servers: %v", err)
	}
	if err := rt.pool.Shutdown(ctx); err != nil {
		rt.logger.Warnf("error closing browsers: %v", err)
	}
	for _, c := range rt.closers {
		c()
	}
	rt.logger.Infof("shutdown complete")
}
