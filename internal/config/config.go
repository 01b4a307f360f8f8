// Package config loads the persisted tether configuration. Missing files
// yield defaults so the broker, bridge, and shim work out of the box.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the process-wide configuration, loaded once at startup and
// immutable thereafter.
type Config struct {
	Socket SocketConfig `toml:"socket"`
	Broker BrokerConfig `toml:"broker"`
	Shim   ShimConfig   `toml:"shim"`
}

// SocketConfig locates the bridge socket shared by all components.
type SocketConfig struct {
	Path string `toml:"path"`
}

// ProviderConfig declares one upstream API binding. Credential values are
// read from the named environment variable at broker startup and never
// written back to disk.
type ProviderConfig struct {
	Prefix     string `toml:"prefix"`
	BaseURL    string `toml:"base_url"`
	AuthHeader string `toml:"auth_header"`
	AuthScheme string `toml:"auth_scheme"`
	KeyEnv     string `toml:"key_env"`
}

// PlaceholderConfig binds a sandbox-visible placeholder token to a
// credential environment variable for host-side substitution.
type PlaceholderConfig struct {
	Placeholder string `toml:"placeholder"`
	KeyEnv      string `toml:"key_env"`
}

// CommandConfig maps a shim command name to the host binary that serves it.
type CommandConfig struct {
	Name string `toml:"name"`
	Bin  string `toml:"bin"`
	// EnvPassthrough names host environment variables injected into the
	// spawned process, typically the command's credential.
	EnvPassthrough []string `toml:"env_passthrough"`
}

// BrokerConfig holds the host-side broker settings.
type BrokerConfig struct {
	PolicyPath   string              `toml:"policy_path"`
	Providers    []ProviderConfig    `toml:"providers"`
	Placeholders []PlaceholderConfig `toml:"placeholders"`
	Commands     []CommandConfig     `toml:"commands"`
}

// ShimConfig holds the sandbox-side command shim settings.
type ShimConfig struct {
	Command string `toml:"command"`
	// EnvAllowlist names the only environment variables the shim forwards;
	// the full environment never crosses the bridge.
	EnvAllowlist []string `toml:"env_allowlist"`
	// TolerateEOF reproduces the legacy behavior of treating an unexpected
	// EOF before a terminal message as a successful exit.
	TolerateEOF bool `toml:"tolerate_eof"`
}

// ParseError represents a TOML decode failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Default returns the configuration used when no file is present. Slice
// fields stay empty here because TOML array-of-tables decoding appends to
// pre-populated slices; defaulted tables are exposed via accessors instead.
func Default() Config {
	return Config{
		Socket: SocketConfig{Path: DefaultSocketPath()},
		Shim:   ShimConfig{Command: "gh"},
	}
}

// CommandTable returns the configured shim command bindings, falling back
// to the stock gh binding when the file declares none.
func (c *BrokerConfig) CommandTable() []CommandConfig {
	if len(c.Commands) > 0 {
		return c.Commands
	}
	return []CommandConfig{{Name: "gh", Bin: "gh", EnvPassthrough: []string{"GH_TOKEN"}}}
}

// EnvAllowlistOrDefault returns the shim's forwarded variable names,
// defaulting to the gh credential.
func (c *ShimConfig) EnvAllowlistOrDefault() []string {
	if len(c.EnvAllowlist) > 0 {
		return c.EnvAllowlist
	}
	return []string{"GH_TOKEN"}
}

// DefaultSocketPath resolves the bridge socket location: TETHER_SOCK when
// set, otherwise a per-user path under the system temp directory.
func DefaultSocketPath() string {
	if path := strings.TrimSpace(os.Getenv("TETHER_SOCK")); path != "" {
		return path
	}
	return filepath.Join(os.TempDir(), "tether", "bridge.sock")
}

// Path resolves the config file location: TETHER_CONFIG when set,
// otherwise ~/.config/tether/config.toml.
func Path() (string, error) {
	if path := strings.TrimSpace(os.Getenv("TETHER_CONFIG")); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tether", "config.toml"), nil
}

// Load reads the config file, applying defaults for anything unset. A
// missing file is not an error.
func Load() (Config, error) {
	path, err := Path()
	if err != nil {
		return Default(), err
	}
	return LoadFile(path)
}

// LoadFile reads a specific config file with the same defaulting rules as
// Load.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			return cfg, &ParseError{Path: path, Err: decodeErr}
		}
		return cfg, &ParseError{Path: path, Err: err}
	}
	cfg.applyFallbacks()
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	if strings.TrimSpace(c.Socket.Path) == "" {
		c.Socket.Path = DefaultSocketPath()
	}
	if strings.TrimSpace(c.Shim.Command) == "" {
		c.Shim.Command = "gh"
	}
}
