// Package config loads the daemon configuration from a YAML file with
// environment variable overrides and sensible defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file or individual fields are absent.
const (
	DefaultListenAddr     = ":3004"
	DefaultStateDBPath    = "/var/lib/termspaced/state.db"
	DefaultSettingsURL    = "http://database-service:3003"
	defaultWorkspacesBase = "/workspaces"
)

// Config holds the daemon configuration.
type Config struct {
	// ListenAddr is the address the HTTP/websocket server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// WorkspacesBase is the directory under which per-user workspace roots live.
	WorkspacesBase string `yaml:"workspaces_base"`

	// StateDBPath is the SQLite database holding per-user workspace state.
	StateDBPath string `yaml:"state_db_path"`

	// SettingsServiceURL is the base URL of the external settings/credential store.
	SettingsServiceURL string `yaml:"settings_service_url"`

	// LogFile directs logging to a file when set; stderr otherwise.
	LogFile string `yaml:"log_file"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		ListenAddr:         DefaultListenAddr,
		WorkspacesBase:     defaultWorkspacesBase,
		StateDBPath:        DefaultStateDBPath,
		SettingsServiceURL: DefaultSettingsURL,
	}
}

// Load reads the config file at path, merges it over defaults, and applies
// environment overrides. A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables when present.
func (c *Config) applyEnv() {
	if v := os.Getenv("TERMSPACE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("TERMSPACE_WORKSPACES_BASE"); v != "" {
		c.WorkspacesBase = v
	}
	if v := os.Getenv("TERMSPACE_STATE_DB"); v != "" {
		c.StateDBPath = v
	}
	if v := os.Getenv("TERMSPACE_SETTINGS_URL"); v != "" {
		c.SettingsServiceURL = v
	}
	if v := os.Getenv("TERMSPACE_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("TERMSPACE_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.WorkspacesBase == "" {
		return fmt.Errorf("workspaces_base must not be empty")
	}
	if c.StateDBPath == "" {
		return fmt.Errorf("state_db_path must not be empty")
	}
	return nil
}
