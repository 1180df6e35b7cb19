package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flipps12/chat-p2p/internal/commands"
	"github.com/flipps12/chat-p2p/internal/config"
	"github.com/flipps12/chat-p2p/internal/identity"
	"github.com/flipps12/chat-p2p/internal/overlay"
	"github.com/flipps12/chat-p2p/internal/pidfile"
	"github.com/flipps12/chat-p2p/internal/protocol"
	"github.com/flipps12/chat-p2p/internal/registry"
	"github.com/flipps12/chat-p2p/internal/server"
	"github.com/flipps12/chat-p2p/internal/store"
)

var (
	noOpen   bool
	noLinger bool
	verbose  int
	port     int
	uiDir    string
	listen   []string
	topic    string
	noMDNS   bool
)

var rootCmd = &cobra.Command{
	Use:   "p2p-chat",
	Short: "Serverless peer-to-peer chat node",
	Long: `p2p-chat runs a chat node on a libp2p overlay. Peers on the local
network are found with mDNS, messages travel over GossipSub topics and a
local UI talks to the node through a WebSocket bridge.

Peers, identity and channels are kept in the data directory
(see "p2p-chat datadir").`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.DataDir, "data-dir", "", "Data directory (default: per-user application data)")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Configuration file (default: p2p-chat.toml in the data directory)")

	rootCmd.Flags().BoolVar(&noOpen, "noopen", false, "Do not open browser automatically")
	rootCmd.Flags().BoolVar(&noLinger, "no-linger", false, "Exit shortly after the last WebSocket connection closes")
	rootCmd.Flags().CountVarP(&verbose, "verbose", "v", "Verbose output (can be specified multiple times: -v, -vv, -vvv)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Bridge port (default: auto-select starting from 10000)")
	rootCmd.Flags().StringVar(&uiDir, "ui", "", "Directory holding the UI to serve")
	rootCmd.Flags().StringSliceVar(&listen, "listen", nil, "libp2p listen multiaddrs")
	rootCmd.Flags().StringVar(&topic, "topic", "", "Default chat topic")
	rootCmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "Disable local network discovery")

	rootCmd.AddCommand(commands.PeersCmd)
	rootCmd.AddCommand(commands.ChannelsCmd)
	rootCmd.AddCommand(commands.ExportCmd)
	rootCmd.AddCommand(commands.ImportCmd)
	rootCmd.AddCommand(commands.ClearCmd)
	rootCmd.AddCommand(commands.DataDirCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func newLogger(verbosity int) (*zap.Logger, error) {
	if verbosity == 0 {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}
	return zap.NewDevelopment()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, dataDir, err := commands.LoadConfig()
	if err != nil {
		return err
	}

	// Merge command-line flags with configuration
	cfg.Merge(config.Flags{
		Port:        port,
		NoOpen:      noOpen,
		NoLinger:    noLinger,
		Verbosity:   verbose,
		UIDir:       uiDir,
		ListenAddrs: listen,
		Topic:       topic,
		NoMDNS:      noMDNS,
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg.Behavior.Verbosity)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	lock, err := pidfile.Acquire(dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("failed to release data directory lock", zap.Error(err))
		}
	}()

	st := store.New(dataDir)
	peers := registry.NewPeers(st, log)
	channels := registry.NewChannels(st, log)
	ids := identity.NewManager(st, log)

	priv, err := ids.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// srv is assigned before the engine starts running, and only the
	// running engine emits
	var srv *server.Server
	engine, err := overlay.New(ctx, priv, cfg.OverlayOptions(), peers, channels,
		overlay.EmitterFunc(func(ev overlay.Event) { srv.Emit(ev) }), log)
	if err != nil {
		return fmt.Errorf("failed to create overlay: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("failed to close overlay", zap.Error(err))
		}
	}()

	handler := protocol.NewHandler(engine, protocol.Data{
		Store:    st,
		Peers:    peers,
		Channels: channels,
		Identity: ids,
	}, log)
	srv = server.New(ctx, handler, cfg, log)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer func() {
		if err := srv.Stop(); err != nil {
			log.Warn("server stop returned error", zap.Error(err))
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- engine.Run() }()

	fmt.Printf("Peer ID: %s\n", engine.PeerID())
	fmt.Printf("Data directory: %s\n", dataDir)

	if cfg.Behavior.AutoOpenBrowser && cfg.Files.UIDir != "" {
		if err := srv.OpenBrowser(); err != nil {
			fmt.Printf("Failed to open browser: %v\n", err)
			fmt.Printf("Please open %s manually\n", srv.URL())
		}
	} else {
		fmt.Printf("Bridge running at %s (WebSocket: /ws)\n", srv.URL())
	}

	// Wait for interrupt signal, auto-exit or overlay failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case <-srv.Done():
		log.Info("server context cancelled")
	case err := <-runErr:
		if err != nil {
			return fmt.Errorf("overlay stopped: %w", err)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
