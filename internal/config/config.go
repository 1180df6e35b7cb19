package config

import "time"

// Config holds all node configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	HTTP      HTTPConfig      `toml:"http"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Behavior  BehaviorConfig  `toml:"behavior"`
	Files     FilesConfig     `toml:"files"`
	P2P       P2PConfig       `toml:"p2p"`
	Storage   StorageConfig   `toml:"storage"`
}

// ServerConfig holds HTTP server settings for the UI bridge
type ServerConfig struct {
	Port           int           `toml:"port" validate:"gte=0,lte=65535"`
	PortRange      int           `toml:"portRange" validate:"gte=1"`
	Timeouts       TimeoutConfig `toml:"timeouts"`
	MaxHeaderBytes int           `toml:"maxHeaderBytes" validate:"gte=0"`
}

// TimeoutConfig holds timeout settings
type TimeoutConfig struct {
	Read       Duration `toml:"read"`
	Write      Duration `toml:"write"`
	Idle       Duration `toml:"idle"`
	ReadHeader Duration `toml:"readHeader"`
}

// HTTPConfig holds HTTP-specific settings
type HTTPConfig struct {
	CacheControl string         `toml:"cacheControl"`
	Security     SecurityConfig `toml:"security"`
	CORS         CORSConfig     `toml:"cors"`
}

// SecurityConfig holds security header settings
type SecurityConfig struct {
	XContentTypeOptions   string `toml:"xContentTypeOptions"`
	XFrameOptions         string `toml:"xFrameOptions"`
	ContentSecurityPolicy string `toml:"contentSecurityPolicy"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled      bool     `toml:"enabled"`
	AllowOrigin  string   `toml:"allowOrigin"`
	AllowMethods []string `toml:"allowMethods"`
	AllowHeaders []string `toml:"allowHeaders"`
}

// WebSocketConfig holds WebSocket settings
type WebSocketConfig struct {
	CheckOrigin     bool     `toml:"checkOrigin"`
	AllowedOrigins  []string `toml:"allowedOrigins"`
	ReadBufferSize  int      `toml:"readBufferSize" validate:"gte=0"`
	WriteBufferSize int      `toml:"writeBufferSize" validate:"gte=0"`
	SendBuffer      int      `toml:"sendBuffer" validate:"gte=1"`
	CommandRate     float64  `toml:"commandRate" validate:"gt=0"`  // commands per second per client
	CommandBurst    int      `toml:"commandBurst" validate:"gte=1"`
}

// BehaviorConfig holds application behavior settings
type BehaviorConfig struct {
	AutoExitTimeout Duration `toml:"autoExitTimeout"`
	AutoOpenBrowser bool     `toml:"autoOpenBrowser"`
	Linger          bool     `toml:"linger"`
	Verbosity       int      `toml:"verbosity" validate:"gte=0,lte=3"`
}

// FilesConfig holds UI file serving settings. Without UIDir only the
// websocket endpoint is served.
type FilesConfig struct {
	UIDir       string `toml:"uiDir"`
	IndexFile   string `toml:"indexFile" validate:"required"`
	SPAFallback bool   `toml:"spaFallback"`
}

// P2PConfig holds overlay settings
type P2PConfig struct {
	ListenAddrs           []string `toml:"listenAddrs" validate:"min=1,dive,required"`
	DefaultTopic          string   `toml:"defaultTopic" validate:"required"`
	MDNS                  bool     `toml:"mdns"`
	MDNSServiceTag        string   `toml:"mdnsServiceTag" validate:"required"`
	DiscoveryTTL          Duration `toml:"discoveryTTL"`
	HeartbeatInterval     Duration `toml:"heartbeatInterval"`
	CommandQueue          int      `toml:"commandQueue" validate:"gte=1"`
	EventQueue            int      `toml:"eventQueue" validate:"gte=1"`
	ConnLowWater          int      `toml:"connLowWater" validate:"gte=0"`
	ConnHighWater         int      `toml:"connHighWater" validate:"gtefield=ConnLowWater"`
	ConnGracePeriod       Duration `toml:"connGracePeriod"`
	RedialKnownPeers      bool     `toml:"redialKnownPeers"`
	RedialInitialInterval Duration `toml:"redialInitialInterval"`
	RedialMaxInterval     Duration `toml:"redialMaxInterval"`
}

// StorageConfig locates the data directory; empty means the per-user default
type StorageConfig struct {
	DataDir string `toml:"dataDir"`
}

// Duration wraps time.Duration for TOML parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
