package config

import (
	"time"

	"github.com/flipps12/chat-p2p/internal/overlay"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      10000,
			PortRange: 100,
			Timeouts: TimeoutConfig{
				Read:       Duration{15 * time.Second},
				Write:      Duration{15 * time.Second},
				Idle:       Duration{60 * time.Second},
				ReadHeader: Duration{5 * time.Second},
			},
			MaxHeaderBytes: 1048576, // 1 MB
		},
		HTTP: HTTPConfig{
			CacheControl: "no-cache, no-store, must-revalidate",
			Security: SecurityConfig{
				XContentTypeOptions: "nosniff",
				XFrameOptions:       "DENY",
			},
			CORS: CORSConfig{
				AllowMethods: []string{},
				AllowHeaders: []string{},
			},
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  []string{},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendBuffer:      256,
			CommandRate:     20,
			CommandBurst:    40,
		},
		Behavior: BehaviorConfig{
			AutoExitTimeout: Duration{5 * time.Second},
			AutoOpenBrowser: false,
			Linger:          true,
			Verbosity:       0,
		},
		Files: FilesConfig{
			IndexFile:   "index.html",
			SPAFallback: true,
		},
		P2P: defaultP2P(),
	}
}

// defaultP2P mirrors the engine defaults
func defaultP2P() P2PConfig {
	o := overlay.DefaultOptions()
	return P2PConfig{
		ListenAddrs:           o.ListenAddrs,
		DefaultTopic:          o.DefaultTopic,
		MDNS:                  o.EnableMDNS,
		MDNSServiceTag:        o.ServiceTag,
		DiscoveryTTL:          Duration{o.DiscoveryTTL},
		HeartbeatInterval:     Duration{o.HeartbeatInterval},
		CommandQueue:          o.CommandQueue,
		EventQueue:            o.EventQueue,
		ConnLowWater:          o.ConnLowWater,
		ConnHighWater:         o.ConnHighWater,
		ConnGracePeriod:       Duration{o.ConnGracePeriod},
		RedialKnownPeers:      o.RedialKnownPeers,
		RedialInitialInterval: Duration{o.RedialInitial},
		RedialMaxInterval:     Duration{o.RedialMax},
	}
}
