package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/flipps12/chat-p2p/internal/overlay"
)

const ConfigFileName = "p2p-chat.toml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFromDir loads ConfigFileName from a data directory
func LoadFromDir(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a TOML file on top of the defaults.
// Returns default config if the file doesn't exist.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg, nil
}

// Flags holds command-line overrides; zero values leave the config alone
type Flags struct {
	Port        int
	NoOpen      bool
	NoLinger    bool
	Verbosity   int
	DataDir     string
	UIDir       string
	ListenAddrs []string
	Topic       string
	NoMDNS      bool
}

// Merge merges command-line flags into configuration
// Flags take precedence over config file values
func (c *Config) Merge(f Flags) {
	if f.Port != 0 {
		c.Server.Port = f.Port
	}
	if f.NoOpen {
		c.Behavior.AutoOpenBrowser = false
	}
	if f.NoLinger {
		c.Behavior.Linger = false
	}
	if f.Verbosity > 0 {
		c.Behavior.Verbosity = f.Verbosity
	}
	if f.DataDir != "" {
		c.Storage.DataDir = f.DataDir
	}
	if f.UIDir != "" {
		c.Files.UIDir = f.UIDir
	}
	if len(f.ListenAddrs) > 0 {
		c.P2P.ListenAddrs = f.ListenAddrs
	}
	if f.Topic != "" {
		c.P2P.DefaultTopic = f.Topic
	}
	if f.NoMDNS {
		c.P2P.MDNS = false
	}
}

// Validate checks if configuration values are valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for _, a := range c.P2P.ListenAddrs {
		if _, err := ma.NewMultiaddr(a); err != nil {
			return fmt.Errorf("invalid listen address %q: %w", a, err)
		}
	}

	durations := map[string]Duration{
		"server.timeouts.read":      c.Server.Timeouts.Read,
		"server.timeouts.write":     c.Server.Timeouts.Write,
		"p2p.heartbeatInterval":     c.P2P.HeartbeatInterval,
		"p2p.discoveryTTL":          c.P2P.DiscoveryTTL,
		"p2p.redialInitialInterval": c.P2P.RedialInitialInterval,
		"p2p.redialMaxInterval":     c.P2P.RedialMaxInterval,
	}
	for key, d := range durations {
		if d.Duration <= 0 {
			return fmt.Errorf("invalid %s: %v (must be positive)", key, d)
		}
	}
	if c.P2P.RedialMaxInterval.Duration < c.P2P.RedialInitialInterval.Duration {
		return fmt.Errorf("p2p.redialMaxInterval %v is below redialInitialInterval %v",
			c.P2P.RedialMaxInterval, c.P2P.RedialInitialInterval)
	}

	return nil
}

// OverlayOptions maps the [p2p] section onto engine options
func (c *Config) OverlayOptions() overlay.Options {
	return overlay.Options{
		ListenAddrs:       c.P2P.ListenAddrs,
		DefaultTopic:      c.P2P.DefaultTopic,
		ServiceTag:        c.P2P.MDNSServiceTag,
		EnableMDNS:        c.P2P.MDNS,
		DiscoveryTTL:      c.P2P.DiscoveryTTL.Duration,
		HeartbeatInterval: c.P2P.HeartbeatInterval.Duration,
		ConnLowWater:      c.P2P.ConnLowWater,
		ConnHighWater:     c.P2P.ConnHighWater,
		ConnGracePeriod:   c.P2P.ConnGracePeriod.Duration,
		RedialKnownPeers:  c.P2P.RedialKnownPeers,
		RedialInitial:     c.P2P.RedialInitialInterval.Duration,
		RedialMax:         c.P2P.RedialMaxInterval.Duration,
		CommandQueue:      c.P2P.CommandQueue,
		EventQueue:        c.P2P.EventQueue,
		Verbosity:         c.Behavior.Verbosity,
	}
}
