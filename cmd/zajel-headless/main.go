package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub000/internal/client"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub000/internal/queue"
)

func main() {
	// Define command-line flags
	configPath := flag.String("config", "", "Path to TOML configuration file")
	serverURL := flag.String("url", "", "Signaling server URL (ws:// or wss://)")
	name := flag.String("name", "", "Display name announced to peers")
	pairingCode := flag.String("code", "", "Fixed pairing code (default: random)")
	pairTarget := flag.String("pair", "", "Pairing code of a peer to connect to")
	message := flag.String("message", "", "Text message to send after pairing")
	sendFile := flag.String("send-file", "", "File to send after pairing")
	autoAccept := flag.Bool("auto-accept", false, "Automatically accept incoming pair requests")
	receiveDir := flag.String("receive-dir", "", "Directory for received files")
	dbPath := flag.String("db", "", "Path to the peer database")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "Log format: text, json")

	flag.Parse()

	// Build configuration first so logging flags can fall back to it
	cfg, err := buildConfig(*configPath, *serverURL, *name, *pairingCode, *receiveDir, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(pick(*logLevel, cfg.Logging.Level), pick(*logFormat, cfg.Logging.Format))
	slog.SetDefault(logger)

	// Ensure directories exist
	paths := config.DefaultPaths()
	if err := paths.EnsureDirectories(); err != nil {
		logger.Error("failed to create directories", "error", err)
		os.Exit(1)
	}

	c := client.New(cfg, logger)
	c.AutoAcceptPairs = *autoAccept

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	code, err := c.Connect(ctx)
	if err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	fmt.Printf("Pairing code: %s\n", code)

	if *pairTarget != "" {
		if err := runInitiator(ctx, c, *pairTarget, *message, *sendFile, logger); err != nil {
			logger.Error("session failed", "error", err)
			os.Exit(1)
		}
	}

	runReceiveLoop(ctx, c, logger)
	logger.Info("stopped gracefully")
}

// runInitiator pairs with a peer and performs the requested sends.
func runInitiator(ctx context.Context, c *client.Client, target, message, sendFile string, logger *slog.Logger) error {
	logger.Info("pairing", "target", target)
	peer, err := c.PairWith(ctx, target)
	if err != nil {
		return err
	}
	logger.Info("paired", "peer", peer.PeerID)

	// Give the key exchange handshake a moment to complete.
	time.Sleep(500 * time.Millisecond)

	if message != "" {
		if err := c.SendText(ctx, peer.PeerID, message); err != nil {
			return err
		}
	}
	if sendFile != "" {
		fileID, err := c.SendFile(ctx, peer.PeerID, sendFile)
		if err != nil {
			return err
		}
		logger.Info("file sent", "file_id", fileID)
	}
	return nil
}

// runReceiveLoop prints incoming messages until the context is done.
func runReceiveLoop(ctx context.Context, c *client.Client, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := c.ReceiveMessage(time.Second)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			continue
		}
		fmt.Printf("[%s] %s\n", msg.PeerID, msg.Content)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func pick(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configValue
}

// buildConfig creates a ClientConfig from file and/or flags.
// Flags override file settings.
func buildConfig(configPath, serverURL, name, pairingCode, receiveDir, dbPath string) (*config.ClientConfig, error) {
	var cfg config.ClientConfig

	if configPath != "" {
		fileCfg, err := config.LoadClientConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg = *fileCfg
	} else {
		cfg = config.DefaultClientConfig()
	}

	if serverURL != "" {
		cfg.Signaling.URL = serverURL
	}
	if name != "" {
		cfg.Identity.DisplayName = name
	}
	if pairingCode != "" {
		cfg.Signaling.PairingCode = pairingCode
	}
	if receiveDir != "" {
		cfg.Storage.ReceiveDir = config.ExpandPath(receiveDir)
	}
	if dbPath != "" {
		cfg.Storage.PeerDBPath = config.ExpandPath(dbPath)
	}

	return &cfg, nil
}
