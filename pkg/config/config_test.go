package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Pool.MaxSessions)
	assert.Equal(t, 30000, cfg.Sandbox.DefaultTimeoutMs)
	assert.Equal(t, 5*time.Second, cfg.Server.StopGrace)
	assert.Equal(t, DefaultAdminListen, cfg.Admin.Listen)
	assert.Equal(t, "yaml", cfg.Definitions.Format)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.MaxSessions = 0
	cfg.Pool.AllowedURLs = []string{"https://[bad"}
	cfg.Sandbox.PythonCommand = nil
	cfg.Definitions.Format = "xml"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"pool.max_sessions", "pool.allowed_urls", "sandbox.python_command", "definitions.format", "logging.level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, "monkey.yaml", `
pool:
  max_sessions: 2
  idle_timeout: 10m
  allowed_urls: ["https://*.example.com/*"]
  viewport:
    width: 800
server:
  stop_grace: 2s
logging:
  level: debug
`)
	t.Setenv("MONKEY_POOL_MAX_SESSIONS", "4")
	t.Setenv("MONKEY_ADMIN_LISTEN", "127.0.0.1:9999")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level=warn"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.MaxSessions, "environment beats the file")
	assert.Equal(t, "warn", cfg.Logging.Level, "flags beat the file")
	assert.Equal(t, "127.0.0.1:9999", cfg.Admin.Listen)
	assert.Equal(t, 10*time.Minute, cfg.Pool.IdleTimeout)
	assert.Equal(t, 2*time.Second, cfg.Server.StopGrace)
	assert.Equal(t, []string{"https://*.example.com/*"}, cfg.Pool.AllowedURLs)
	assert.Equal(t, 800, cfg.Pool.Viewport.Width)
	assert.Equal(t, 720, cfg.Pool.Viewport.Height, "unset keys keep their defaults")
	assert.Equal(t, 30000, cfg.Sandbox.DefaultTimeoutMs)
}

func TestLoadUnchangedFlagsKeepFileValues(t *testing.T) {
	path := writeFile(t, "monkey.toml", `
[pool]
max_sessions = 3
`)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.MaxSessions)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "monkey.yaml", "pool:\n  max_sesions: 2\n")
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_sesions")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeFile(t, "monkey.yaml", "pool:\n  max_sessions: 0\n")
	_, err := Load(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.max_sessions")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestLoadExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("MONKEY_DEFINITIONS_DIR", "~/defs")

	cfg, err := Load(writeFile(t, "monkey.yaml", "{}\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "defs"), cfg.Definitions.Dir)
}

func TestWriteRoundTrip(t *testing.T) {
	for _, ext := range []string{"yaml", "toml", "json"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Pool.MaxSessions = 9
			cfg.Pool.AllowedURLs = []string{"https://shop.test/*"}
			cfg.Server.StopGrace = 1500 * time.Millisecond
			cfg.Definitions.Dir = "/srv/monkey"

			path := filepath.Join(t.TempDir(), "nested", "monkey."+ext)
			require.NoError(t, Write(path, cfg))

			_, err := os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err), "temp file is renamed away")

			loaded, err := Load(path, nil)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}
}

func TestLaunchAndPoolOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.Args = []string{"--disable-gpu"}
	cfg.Pool.MaxUses = 7

	launch := cfg.LaunchOptions()
	assert.True(t, launch.Headless)
	assert.Equal(t, []string{"--disable-gpu"}, launch.Args)
	assert.Equal(t, 1280, launch.Viewport.Width)

	pool := cfg.PoolOptions()
	assert.Equal(t, 7, pool.MaxUses)
	assert.Equal(t, cfg.Pool.AcquireTimeout, pool.AcquireTimeout)
}
