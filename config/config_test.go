package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.WorkspacesBase != "/workspaces" {
		t.Errorf("WorkspacesBase = %q, want /workspaces", cfg.WorkspacesBase)
	}
	if cfg.StateDBPath != DefaultStateDBPath {
		t.Errorf("StateDBPath = %q, want %q", cfg.StateDBPath, DefaultStateDBPath)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file should not error: %v", err)
	}
	if cfg.SettingsServiceURL != DefaultSettingsURL {
		t.Errorf("SettingsServiceURL = %q, want default", cfg.SettingsServiceURL)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termspaced.yaml")
	content := `
listen_addr: ":9000"
workspaces_base: /srv/workspaces
debug: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.ListenAddr)
	}
	if cfg.WorkspacesBase != "/srv/workspaces" {
		t.Errorf("WorkspacesBase = %q, want /srv/workspaces", cfg.WorkspacesBase)
	}
	if !cfg.Debug {
		t.Error("Debug should be true")
	}
	// Untouched fields keep defaults.
	if cfg.StateDBPath != DefaultStateDBPath {
		t.Errorf("StateDBPath = %q, want default", cfg.StateDBPath)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termspaced.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9000\"\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TERMSPACE_LISTEN_ADDR", ":7777")
	t.Setenv("TERMSPACE_DEBUG", "1")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %q, want env override :7777", cfg.ListenAddr)
	}
	if !cfg.Debug {
		t.Error("Debug should be enabled by env")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termspaced.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [:::"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load should fail on malformed YAML")
	}
}

func TestLoad_ValidationRejectsEmptyBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termspaced.yaml")
	if err := os.WriteFile(path, []byte("workspaces_base: \"\"\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// YAML explicitly clearing the field must fail validation.
	if _, err := Load(path); err == nil {
		t.Error("Load should reject empty workspaces_base")
	}
}
