// Package config holds the daemon configuration: browser pool limits, the
// sandbox, server defaults, the admin API, the definition store and logging.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/definition"
	"github.com/entrhq/monkey/pkg/dispatch"
	"github.com/entrhq/monkey/pkg/logging"
	"github.com/entrhq/monkey/pkg/sandbox"
	"github.com/entrhq/monkey/pkg/server"
	"github.com/entrhq/monkey/pkg/tool"
)

// DefaultAdminListen is where the admin API listens unless configured.
const DefaultAdminListen = "127.0.0.1:7777"

// Config is the complete daemon configuration.
type Config struct {
	Pool        PoolConfig        `yaml:"pool" mapstructure:"pool"`
	Sandbox     SandboxConfig     `yaml:"sandbox" mapstructure:"sandbox"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Admin       AdminConfig       `yaml:"admin" mapstructure:"admin"`
	Definitions DefinitionsConfig `yaml:"definitions" mapstructure:"definitions"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
}

// PoolConfig sizes the browser session pool and configures the browsers it
// launches.
type PoolConfig struct {
	MaxSessions         int              `yaml:"max_sessions" mapstructure:"max_sessions"`
	MaxUses             int              `yaml:"max_uses" mapstructure:"max_uses"`
	IdleTimeout         time.Duration    `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	AcquireTimeout      time.Duration    `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	HealthCheckInterval time.Duration    `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	CloseTimeout        time.Duration    `yaml:"close_timeout" mapstructure:"close_timeout"`
	Headless            bool             `yaml:"headless" mapstructure:"headless"`
	Viewport            browser.Viewport `yaml:"viewport" mapstructure:"viewport"`
	DriverTimeoutMs     float64          `yaml:"driver_timeout_ms" mapstructure:"driver_timeout_ms"`
	Args                []string         `yaml:"args" mapstructure:"args"`
	SkipInstall         bool             `yaml:"skip_install" mapstructure:"skip_install"`

	// AllowedURLs are glob patterns tools may navigate to. Empty allows all.
	AllowedURLs []string `yaml:"allowed_urls" mapstructure:"allowed_urls"`
}

// SandboxConfig configures tool execution.
type SandboxConfig struct {
	DefaultTimeoutMs int `yaml:"default_timeout_ms" mapstructure:"default_timeout_ms"`

	// PythonCommand runs the Python bridge, optionally behind a jail wrapper.
	// The interpreter must come last.
	PythonCommand []string `yaml:"python_command" mapstructure:"python_command"`
}

type ServerConfig struct {
	StopGrace          time.Duration `yaml:"stop_grace" mapstructure:"stop_grace"`
	HistorySize        int           `yaml:"history_size" mapstructure:"history_size"`
	DefaultConcurrency int           `yaml:"default_concurrency" mapstructure:"default_concurrency"`

	// Host is advertised to MCP clients in place of the listen host, for
	// servers bound to all interfaces.
	Host string `yaml:"host" mapstructure:"host"`
}

type AdminConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
}

// DefinitionsConfig selects where server definitions live. A non-empty
// PostgresDSN takes precedence over Dir.
type DefinitionsConfig struct {
	Dir         string        `yaml:"dir" mapstructure:"dir"`
	Format      string        `yaml:"format" mapstructure:"format"`
	Watch       bool          `yaml:"watch" mapstructure:"watch"`
	Debounce    time.Duration `yaml:"debounce" mapstructure:"debounce"`
	PostgresDSN string        `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	Dir   string `yaml:"dir" mapstructure:"dir"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	pool := browser.DefaultPoolOptions()
	return Config{
		Pool: PoolConfig{
			MaxSessions:         pool.MaxSessions,
			MaxUses:             pool.MaxUses,
			IdleTimeout:         pool.IdleTimeout,
			AcquireTimeout:      pool.AcquireTimeout,
			HealthCheckInterval: pool.HealthCheckInterval,
			CloseTimeout:        pool.CloseTimeout,
			Headless:            true,
			Viewport:            browser.Viewport{Width: browser.DefaultViewportWidth, Height: browser.DefaultViewportHeight},
			DriverTimeoutMs:     browser.DefaultTimeout,
			Args:                []string{},
			AllowedURLs:         []string{},
		},
		Sandbox: SandboxConfig{
			DefaultTimeoutMs: tool.DefaultTimeoutMs,
			PythonCommand:    append([]string(nil), sandbox.DefaultPythonCommand...),
		},
		Server: ServerConfig{
			StopGrace:          server.DefaultStopGrace,
			HistorySize:        dispatch.DefaultHistorySize,
			DefaultConcurrency: pool.MaxSessions,
		},
		Admin: AdminConfig{Listen: DefaultAdminListen},
		Definitions: DefinitionsConfig{
			Dir:      defaultDefinitionsDir(),
			Format:   string(definition.FormatYAML),
			Watch:    true,
			Debounce: definition.DefaultDebounce,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultDefinitionsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "servers"
	}
	return filepath.Join(home, ".monkey", "servers")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Pool.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("pool.max_sessions must be at least 1, got %d", c.Pool.MaxSessions))
	}
	if c.Pool.MaxUses < 0 {
		errs = append(errs, fmt.Errorf("pool.max_uses cannot be negative"))
	}
	if c.Pool.AcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pool.acquire_timeout must be positive"))
	}
	if c.Pool.IdleTimeout < 0 || c.Pool.HealthCheckInterval < 0 || c.Pool.CloseTimeout < 0 {
		errs = append(errs, fmt.Errorf("pool timeouts cannot be negative"))
	}
	if c.Pool.Viewport.Width < 0 || c.Pool.Viewport.Height < 0 {
		errs = append(errs, fmt.Errorf("pool.viewport must be positive"))
	}
	if _, err := browser.NewURLPolicy(c.Pool.AllowedURLs); err != nil {
		errs = append(errs, fmt.Errorf("pool.allowed_urls: %w", err))
	}
	if c.Sandbox.DefaultTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.default_timeout_ms must be positive"))
	}
	if len(c.Sandbox.PythonCommand) == 0 || strings.TrimSpace(c.Sandbox.PythonCommand[0]) == "" {
		errs = append(errs, fmt.Errorf("sandbox.python_command cannot be empty"))
	}
	if c.Server.StopGrace < 0 {
		errs = append(errs, fmt.Errorf("server.stop_grace cannot be negative"))
	}
	if c.Server.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("server.history_size must be at least 1"))
	}
	if c.Server.DefaultConcurrency < 1 {
		errs = append(errs, fmt.Errorf("server.default_concurrency must be at least 1"))
	}
	if c.Admin.Listen == "" {
		errs = append(errs, fmt.Errorf("admin.listen is required"))
	}
	if c.Definitions.PostgresDSN == "" && c.Definitions.Dir == "" {
		errs = append(errs, fmt.Errorf("definitions.dir or definitions.postgres_dsn is required"))
	}
	switch definition.Format(c.Definitions.Format) {
	case definition.FormatYAML, definition.FormatTOML, definition.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("definitions.format must be yaml, toml or json, got %q", c.Definitions.Format))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	return errors.Join(errs...)
}

// PoolOptions returns the pool settings.
func (c Config) PoolOptions() browser.PoolOptions {
	return browser.PoolOptions{
		MaxSessions:         c.Pool.MaxSessions,
		MaxUses:             c.Pool.MaxUses,
		IdleTimeout:         c.Pool.IdleTimeout,
		AcquireTimeout:      c.Pool.AcquireTimeout,
		HealthCheckInterval: c.Pool.HealthCheckInterval,
		CloseTimeout:        c.Pool.CloseTimeout,
	}
}

// LaunchOptions returns the settings for launched browsers.
func (c Config) LaunchOptions() browser.LaunchOptions {
	return browser.LaunchOptions{
		Headless:    c.Pool.Headless,
		Viewport:    c.Pool.Viewport,
		Timeout:     c.Pool.DriverTimeoutMs,
		Args:        append([]string(nil), c.Pool.Args...),
		SkipInstall: c.Pool.SkipInstall,
	}
}
