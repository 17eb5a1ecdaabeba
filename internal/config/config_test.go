// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandPath_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Documents", filepath.Join(home, "Documents")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", home},
	}

	for _, tt := range tests {
		result := ExpandPath(tt.input)
		if result != tt.expected {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestDefaultPaths(t *testing.T) {
	paths := DefaultPaths()

	if paths.ConfigDir == "" {
		t.Error("ConfigDir should not be empty")
	}
	if paths.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if paths.PeerDBPath == "" {
		t.Error("PeerDBPath should not be empty")
	}
	if paths.ReceiveDir == "" {
		t.Error("ReceiveDir should not be empty")
	}
}

func TestEnsureDirectories(t *testing.T) {
	// Create a temporary directory for testing
	tmpDir := t.TempDir()

	paths := Paths{
		ConfigDir:  filepath.Join(tmpDir, "config", "zajel"),
		DataDir:    filepath.Join(tmpDir, "data", "zajel"),
		ReceiveDir: filepath.Join(tmpDir, "data", "zajel", "received"),
	}

	// Directories should not exist yet
	if _, err := os.Stat(paths.ConfigDir); !os.IsNotExist(err) {
		t.Fatal("ConfigDir should not exist before EnsureDirectories")
	}
	if _, err := os.Stat(paths.DataDir); !os.IsNotExist(err) {
		t.Fatal("DataDir should not exist before EnsureDirectories")
	}

	// Create directories
	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	// Verify directories exist
	info, err := os.Stat(paths.ConfigDir)
	if err != nil {
		t.Fatalf("ConfigDir should exist after EnsureDirectories: %v", err)
	}
	if !info.IsDir() {
		t.Error("ConfigDir should be a directory")
	}

	info, err = os.Stat(paths.ReceiveDir)
	if err != nil {
		t.Fatalf("ReceiveDir should exist after EnsureDirectories: %v", err)
	}
	if !info.IsDir() {
		t.Error("ReceiveDir should be a directory")
	}

	// Calling EnsureDirectories again should be idempotent
	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories should be idempotent: %v", err)
	}
}

func TestClientConfig_LoadFromTOML(t *testing.T) {
	tomlContent := `
[signaling]
url = "wss://signal.example.com/ws"
pairing_code = "ABCDEF"

[webrtc]
ice_servers = ["stun:stun.example.com:3478", "turn:turn.example.com:3478"]
force_relay = true

[identity]
display_name = "alice"

[logging]
level = "debug"
format = "json"
`
	tmpFile := filepath.Join(t.TempDir(), "zajel.toml")
	if err := os.WriteFile(tmpFile, []byte(tomlContent), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	cfg, err := LoadClientConfig(tmpFile)
	if err != nil {
		t.Fatalf("LoadClientConfig failed: %v", err)
	}

	if cfg.Signaling.URL != "wss://signal.example.com/ws" {
		t.Errorf("expected signaling URL, got %s", cfg.Signaling.URL)
	}
	if cfg.Signaling.PairingCode != "ABCDEF" {
		t.Errorf("expected pairing code ABCDEF, got %s", cfg.Signaling.PairingCode)
	}
	if len(cfg.WebRTC.ICEServers) != 2 {
		t.Errorf("expected 2 ICE servers, got %d", len(cfg.WebRTC.ICEServers))
	}
	if !cfg.WebRTC.ForceRelay {
		t.Error("expected force_relay true")
	}
	if cfg.Identity.DisplayName != "alice" {
		t.Errorf("expected display name alice, got %s", cfg.Identity.DisplayName)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
}

func TestClientConfig_Defaults(t *testing.T) {
	cfg := DefaultClientConfig()

	if cfg.Signaling.URL == "" {
		t.Error("expected default signaling URL")
	}
	if len(cfg.WebRTC.ICEServers) == 0 {
		t.Error("expected default ICE servers")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default level info, got %s", cfg.Logging.Level)
	}
	if cfg.Storage.PeerDBPath == "" {
		t.Error("expected default peer db path")
	}
}

func TestClientConfig_PathExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get home dir: %v", err)
	}

	tomlContent := `
[storage]
peer_db_path = "~/data/peers.db"
receive_dir = "~/Downloads/zajel"
`
	tmpFile := filepath.Join(t.TempDir(), "zajel.toml")
	if err := os.WriteFile(tmpFile, []byte(tomlContent), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	cfg, err := LoadClientConfig(tmpFile)
	if err != nil {
		t.Fatalf("LoadClientConfig failed: %v", err)
	}

	expectedDB := filepath.Join(home, "data", "peers.db")
	if cfg.Storage.PeerDBPath != expectedDB {
		t.Errorf("expected peer db path %s, got %s", expectedDB, cfg.Storage.PeerDBPath)
	}

	expectedDir := filepath.Join(home, "Downloads", "zajel")
	if cfg.Storage.ReceiveDir != expectedDir {
		t.Errorf("expected receive dir %s, got %s", expectedDir, cfg.Storage.ReceiveDir)
	}
}

func TestLoadClientConfig_FileNotFound(t *testing.T) {
	_, err := LoadClientConfig("/nonexistent/path/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadClientConfig_InvalidTOML(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "invalid.toml")
	if err := os.WriteFile(tmpFile, []byte("this is not valid [ toml"), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	_, err := LoadClientConfig(tmpFile)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}
