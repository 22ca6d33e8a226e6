package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// flatten lists every setting under its dotted key. For files, durations
// are written in their "30s" form.
func flatten(c Config, forFile bool) map[string]any {
	d := func(v time.Duration) any {
		if forFile {
			return v.String()
		}
		return v
	}
	strs := func(v []string) []string {
		if v == nil {
			return []string{}
		}
		return append([]string(nil), v...)
	}
	return map[string]any{
		"pool.max_sessions":          c.Pool.MaxSessions,
		"pool.max_uses":              c.Pool.MaxUses,
		"pool.idle_timeout":          d(c.Pool.IdleTimeout),
		"pool.acquire_timeout":       d(c.Pool.AcquireTimeout),
		"pool.health_check_interval": d(c.Pool.HealthCheckInterval),
		"pool.close_timeout":         d(c.Pool.CloseTimeout),
		"pool.headless":              c.Pool.Headless,
		"pool.viewport.width":        c.Pool.Viewport.Width,
		"pool.viewport.height":       c.Pool.Viewport.Height,
		"pool.driver_timeout_ms":     c.Pool.DriverTimeoutMs,
		"pool.args":                  strs(c.Pool.Args),
		"pool.skip_install":          c.Pool.SkipInstall,
		"pool.allowed_urls":          strs(c.Pool.AllowedURLs),
		"sandbox.default_timeout_ms": c.Sandbox.DefaultTimeoutMs,
		"sandbox.python_command":     strs(c.Sandbox.PythonCommand),
		"server.stop_grace":          d(c.Server.StopGrace),
		"server.history_size":        c.Server.HistorySize,
		"server.default_concurrency": c.Server.DefaultConcurrency,
		"server.host":                c.Server.Host,
		"admin.listen":               c.Admin.Listen,
		"definitions.dir":            c.Definitions.Dir,
		"definitions.format":         c.Definitions.Format,
		"definitions.watch":          c.Definitions.Watch,
		"definitions.debounce":       d(c.Definitions.Debounce),
		"definitions.postgres_dsn":   c.Definitions.PostgresDSN,
		"logging.level":              c.Logging.Level,
		"logging.dir":                c.Logging.Dir,
	}
}

func nest(flat map[string]any) map[string]any {
	out := map[string]any{}
	for key, value := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}
	return out
}

// Encode renders c in the format implied by path's extension (.yaml, .yml,
// .toml or .json).
func Encode(c Config, path string) ([]byte, error) {
	tree := nest(flatten(c, true))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", "":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(tree); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".json":
		data, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
	return nil, fmt.Errorf("unsupported config file %q", path)
}

// Write saves c to path atomically.
func Write(path string, c Config) error {
	data, err := Encode(c, path)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
