// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Paths holds XDG-compliant paths for the Zajel headless client.
type Paths struct {
	ConfigDir  string // ~/.config/zajel
	DataDir    string // ~/.local/share/zajel
	PeerDBPath string // ~/.local/share/zajel/zajel_peers.db
	ReceiveDir string // ~/.local/share/zajel/received
}

// ExpandPath expands ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
// Panics if home directory cannot be determined when ~ expansion is needed.
func ExpandPath(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultPaths returns the default XDG-compliant paths.
// Panics if the user's home directory cannot be determined.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	configDir := filepath.Join(home, ".config", "zajel")
	dataDir := filepath.Join(home, ".local", "share", "zajel")

	return Paths{
		ConfigDir:  configDir,
		DataDir:    dataDir,
		PeerDBPath: filepath.Join(dataDir, "zajel_peers.db"),
		ReceiveDir: filepath.Join(dataDir, "received"),
	}
}

// EnsureDirectories creates config and data directories if they don't exist.
func (p Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(p.DataDir, 0700); err != nil {
		return err
	}
	return os.MkdirAll(p.ReceiveDir, 0700)
}

// ClientConfig holds configuration for the headless client.
type ClientConfig struct {
	Signaling SignalingConfig `toml:"signaling"`
	WebRTC    WebRTCConfig    `toml:"webrtc"`
	Identity  IdentityConfig  `toml:"identity"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
}

// SignalingConfig holds signaling server settings.
type SignalingConfig struct {
	URL         string `toml:"url"`
	PairingCode string `toml:"pairing_code"`
}

// WebRTCConfig holds peer connection settings.
type WebRTCConfig struct {
	ICEServers []string `toml:"ice_servers"`
	ForceRelay bool     `toml:"force_relay"`
}

// IdentityConfig holds the local identity settings.
type IdentityConfig struct {
	DisplayName string `toml:"display_name"`
}

// StorageConfig holds storage paths.
type StorageConfig struct {
	PeerDBPath string `toml:"peer_db_path"`
	ReceiveDir string `toml:"receive_dir"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() ClientConfig {
	paths := DefaultPaths()
	return ClientConfig{
		Signaling: SignalingConfig{
			URL: "wss://signal.zajel.app/ws",
		},
		WebRTC: WebRTCConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
		Identity: IdentityConfig{
			DisplayName: "zajel-headless",
		},
		Storage: StorageConfig{
			PeerDBPath: paths.PeerDBPath,
			ReceiveDir: paths.ReceiveDir,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadClientConfig loads a ClientConfig from a TOML file.
// Paths with ~ are expanded to the user's home directory.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultClientConfig()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	// Expand storage paths
	cfg.Storage.PeerDBPath = ExpandPath(cfg.Storage.PeerDBPath)
	cfg.Storage.ReceiveDir = ExpandPath(cfg.Storage.ReceiveDir)

	return &cfg, nil
}
