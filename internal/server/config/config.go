// Package config loads the server's runtime configuration from defaults,
// an optional YAML file and STREAMDOCK_* environment variables, in that
// order of precedence (later sources win).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels, e.g. STREAMDOCK_AGENT__MODEL → agent.model.
const envPrefix = "STREAMDOCK_"

// Config holds the server's runtime configuration.
type Config struct {
	Addr     string `koanf:"addr"`      // TCP listen address
	DataDir  string `koanf:"data_dir"`  // directory for DB, socket, etc.
	LogLevel string `koanf:"log_level"` // debug, info, warn, error

	// CORS holds the origins allowed to call the HTTP API. Empty means
	// same-origin only.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	Agent Agent `koanf:"agent"`
}

// Agent configures how agent CLI processes are spawned.
type Agent struct {
	Command      string `koanf:"command"`        // agent binary
	Model        string `koanf:"model"`          // model passed via --model
	WorkingDir   string `koanf:"working_dir"`    // working directory for sessions ("" = data dir)
	MaxLineBytes int    `koanf:"max_line_bytes"` // bound on one stream-json output line (0 = default)
}

func defaults() map[string]any {
	return map[string]any{
		"addr":          ":8170",
		"data_dir":      defaultDataDir(),
		"log_level":     "info",
		"agent.command": "claude",
		"agent.model":   "sonnet",
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty or the file does not exist) and environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// envKey maps STREAMDOCK_AGENT__MODEL to agent.model.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks the configuration values and ensures required
// directories exist.
// An empty Addr is allowed and disables the TCP listener (the Unix
// socket is always served).
func (c *Config) Validate() error {
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "streamdock")
	}
	return filepath.Join(home, ".config", "streamdock")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "streamdock.db")
}

// SocketPath returns the path to the Unix domain socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "streamdock.sock")
}
