package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: pool.max_sessions is read from
// MONKEY_POOL_MAX_SESSIONS.
const EnvPrefix = "MONKEY"

// flagKeys maps the command-line flags registered by RegisterFlags to
// configuration keys.
var flagKeys = map[string]string{
	"admin-listen":    "admin.listen",
	"definitions":     "definitions.dir",
	"postgres-dsn":    "definitions.postgres_dsn",
	"watch":           "definitions.watch",
	"max-sessions":    "pool.max_sessions",
	"headless":        "pool.headless",
	"allow-url":       "pool.allowed_urls",
	"default-timeout": "sandbox.default_timeout_ms",
	"stop-grace":      "server.stop_grace",
	"log-level":       "logging.level",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("admin-listen", d.Admin.Listen, "admin API listen address")
	fs.String("definitions", d.Definitions.Dir, "server definitions directory")
	fs.String("postgres-dsn", "", "store definitions in PostgreSQL instead of a directory")
	fs.Bool("watch", d.Definitions.Watch, "reload definition files when they change")
	fs.Int("max-sessions", d.Pool.MaxSessions, "maximum concurrent browser sessions")
	fs.Bool("headless", d.Pool.Headless, "run browsers without a window")
	fs.StringSlice("allow-url", nil, "URL glob tools may navigate to (repeatable)")
	fs.Int("default-timeout", d.Sandbox.DefaultTimeoutMs, "timeout in ms for tools that declare none")
	fs.Duration("stop-grace", d.Server.StopGrace, "how long stopping servers wait for running tools")
	fs.String("log-level", d.Logging.Level, "log level (debug, info, warn, error)")
}

// Load builds the configuration from defaults, the config file, MONKEY_*
// environment variables and flags, in increasing precedence. With an empty
// path, monkey.{yaml,toml,json} is looked up in ~/.monkey and the working
// directory and may be absent. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for key, value := range flatten(DefaultConfig(), false) {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("monkey")
		v.AddConfigPath("$HOME/.monkey")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Definitions.Dir = expandHome(cfg.Definitions.Dir)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Used reports the config file Load would read for path, or "" if none.
func Used(path string) string {
	if path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	for _, dir := range []string{filepath.Join(home, ".monkey"), "."} {
		for _, ext := range []string{"yaml", "yml", "toml", "json"} {
			candidate := filepath.Join(dir, "monkey."+ext)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
