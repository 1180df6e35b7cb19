package overlay

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	libp2pconnmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ma "github.com/multiformats/go-multiaddr"
)

// Options configures the engine's host, gossip and discovery
type Options struct {
	ListenAddrs       []string
	DefaultTopic      string
	ServiceTag        string
	EnableMDNS        bool
	DiscoveryTTL      time.Duration
	HeartbeatInterval time.Duration
	ConnLowWater      int
	ConnHighWater     int
	ConnGracePeriod   time.Duration
	RedialKnownPeers  bool
	RedialInitial     time.Duration
	RedialMax         time.Duration
	CommandQueue      int
	EventQueue        int
	Verbosity         int
}

// DefaultOptions listens on every IPv4 and IPv6 interface with an ephemeral port
func DefaultOptions() Options {
	return Options{
		ListenAddrs:       []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"},
		DefaultTopic:      "test-net",
		ServiceTag:        "chat-p2p",
		EnableMDNS:        true,
		DiscoveryTTL:      2 * time.Minute,
		HeartbeatInterval: 10 * time.Second,
		ConnLowWater:      32,
		ConnHighWater:     128,
		ConnGracePeriod:   time.Minute,
		RedialKnownPeers:  true,
		RedialInitial:     time.Second,
		RedialMax:         30 * time.Second,
		CommandQueue:      32,
		EventQueue:        256,
		Verbosity:         1,
	}
}

// newHost builds the TCP host: noise or TLS for security, yamux for
// multiplexing, and a connection manager that honours the allow-list
// protections.
func newHost(priv crypto.PrivKey, opts Options) (host.Host, error) {
	cm, err := libp2pconnmgr.NewConnManager(
		opts.ConnLowWater,
		opts.ConnHighWater,
		libp2pconnmgr.WithGracePeriod(opts.ConnGracePeriod),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(opts.ListenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Security(libp2ptls.ID, libp2ptls.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
		libp2p.ConnectionGater(&allowPrivateGater{}), // LAN peers live on private addresses
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	return h, nil
}

// allowPrivateGater is a ConnectionGater that allows all connections,
// including those on private/local addresses
type allowPrivateGater struct{}

var _ connmgr.ConnectionGater = (*allowPrivateGater)(nil)

func (g *allowPrivateGater) InterceptPeerDial(p peer.ID) (allow bool) {
	return true
}

func (g *allowPrivateGater) InterceptAddrDial(p peer.ID, m ma.Multiaddr) (allow bool) {
	return true
}

func (g *allowPrivateGater) InterceptAccept(n network.ConnMultiaddrs) (allow bool) {
	return true
}

func (g *allowPrivateGater) InterceptSecured(dir network.Direction, p peer.ID, n network.ConnMultiaddrs) (allow bool) {
	return true
}

func (g *allowPrivateGater) InterceptUpgraded(c network.Conn) (allow bool, reason control.DisconnectReason) {
	return true, 0
}

// normalizeAddr renders an address without its trailing /p2p component
func normalizeAddr(addr ma.Multiaddr) string {
	if addr == nil {
		return ""
	}
	transport, _ := peer.SplitAddr(addr)
	if transport == nil {
		return ""
	}
	return transport.String()
}

func addrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if s := normalizeAddr(a); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseAddrs(addrs []string) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}
