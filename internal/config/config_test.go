package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	opts := cfg.OverlayOptions()
	assert.Equal(t, "test-net", opts.DefaultTopic)
	assert.Equal(t, 10*time.Second, opts.HeartbeatInterval)
	assert.True(t, opts.EnableMDNS)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadFromDir(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
[server]
port = 12000

[p2p]
defaultTopic = "lobby"
heartbeatInterval = "2s"
listenAddrs = ["/ip4/127.0.0.1/tcp/4001"]

[storage]
dataDir = "/tmp/chat"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))

	cfg, err := LoadFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 12000, cfg.Server.Port)
	assert.Equal(t, "lobby", cfg.P2P.DefaultTopic)
	assert.Equal(t, 2*time.Second, cfg.P2P.HeartbeatInterval.Duration)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/4001"}, cfg.P2P.ListenAddrs)
	assert.Equal(t, "/tmp/chat", cfg.Storage.DataDir)
	// untouched sections keep their defaults
	assert.Equal(t, "chat-p2p", cfg.P2P.MDNSServiceTag)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[p2p]\ntopics = 3\n"), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p2p.topics")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte("[p2p]\ndiscoveryTTL = \"soon\"\n"), 0o600))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestNoLingerFlag(t *testing.T) {
	cfg := DefaultConfig()
	require.True(t, cfg.Behavior.Linger)

	cfg.Merge(Flags{NoLinger: true})
	assert.False(t, cfg.Behavior.Linger)
}

func TestMergeFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Merge(Flags{
		Port:        9000,
		Verbosity:   2,
		DataDir:     "/data",
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/5000"},
		Topic:       "lobby",
		NoMDNS:      true,
	})

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Behavior.Verbosity)
	assert.Equal(t, "/data", cfg.Storage.DataDir)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/5000"}, cfg.P2P.ListenAddrs)
	assert.Equal(t, "lobby", cfg.P2P.DefaultTopic)
	assert.False(t, cfg.P2P.MDNS)

	// zero flags change nothing
	before := DefaultConfig()
	after := DefaultConfig()
	after.Merge(Flags{})
	assert.Equal(t, before, after)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"empty port range", func(c *Config) { c.Server.PortRange = 0 }},
		{"no listen addresses", func(c *Config) { c.P2P.ListenAddrs = nil }},
		{"bad listen address", func(c *Config) { c.P2P.ListenAddrs = []string{"localhost:4001"} }},
		{"empty topic", func(c *Config) { c.P2P.DefaultTopic = "" }},
		{"high water below low", func(c *Config) { c.P2P.ConnHighWater = c.P2P.ConnLowWater - 1 }},
		{"zero heartbeat", func(c *Config) { c.P2P.HeartbeatInterval = Duration{} }},
		{"redial max below initial", func(c *Config) { c.P2P.RedialMaxInterval = Duration{time.Millisecond} }},
		{"zero command rate", func(c *Config) { c.WebSocket.CommandRate = 0 }},
		{"empty index file", func(c *Config) { c.Files.IndexFile = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
