package commands

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/flipps12/chat-p2p/internal/config"
	"github.com/flipps12/chat-p2p/internal/identity"
	"github.com/flipps12/chat-p2p/internal/pidfile"
	"github.com/flipps12/chat-p2p/internal/registry"
	"github.com/flipps12/chat-p2p/internal/store"
)

// Persistent flags shared by every command; bound by the root command
var (
	DataDir    string
	ConfigPath string
)

// LoadConfig reads the configuration and resolves the data directory. The
// config file comes from --config, else from the data directory itself.
// Precedence for the data directory: --data-dir, then storage.dataDir, then
// the per-user default.
func LoadConfig() (*config.Config, string, error) {
	dir := DataDir
	if dir == "" {
		var err error
		if dir, err = store.DefaultDataDir(); err != nil {
			return nil, "", err
		}
	}

	var cfg *config.Config
	var err error
	if ConfigPath != "" {
		cfg, err = config.LoadFile(ConfigPath)
	} else {
		cfg, err = config.LoadFromDir(dir)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.Merge(config.Flags{DataDir: DataDir})
	if cfg.Storage.DataDir != "" {
		dir = cfg.Storage.DataDir
	}
	return cfg, dir, nil
}

// data opens the registries of a data directory
type data struct {
	store    *store.Store
	peers    *registry.Peers
	channels *registry.Channels
	identity *identity.Manager
}

func openData() (*data, error) {
	_, dir, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	log := zap.NewNop()
	s := store.New(dir)
	return &data{
		store:    s,
		peers:    registry.NewPeers(s, log),
		channels: registry.NewChannels(s, log),
		identity: identity.NewManager(s, log),
	}, nil
}

// withOwnership runs fn while holding the data directory lock, so a running
// node never sees its files change underneath it
func (d *data) withOwnership(fn func() error) error {
	lock, err := pidfile.Acquire(d.store.Dir())
	if err != nil {
		return fmt.Errorf("cannot modify %s while a node is running: %w", d.store.Dir(), err)
	}
	defer lock.Release()
	return fn()
}
