package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"
)

// discoveryNotifee gets notified when we find a peer via mDNS. A peer is
// reported once until it expires; later announcements only refresh it.
// Peers that stay silent for ttl while not connected are reported expired.
type discoveryNotifee struct {
	h    host.Host
	tag  string
	ttl  time.Duration
	post func(networkEvent)
	log  *zap.Logger

	mu       sync.Mutex
	lastSeen map[peer.ID]time.Time
	service  mdns.Service
	cancel   context.CancelFunc
}

func newDiscovery(h host.Host, opts Options, post func(networkEvent), log *zap.Logger) *discoveryNotifee {
	return &discoveryNotifee{
		h:        h,
		tag:      opts.ServiceTag,
		ttl:      opts.DiscoveryTTL,
		post:     post,
		log:      log,
		lastSeen: make(map[peer.ID]time.Time),
	}
}

// HandlePeerFound records the announcement and reports new peers
func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	if n.seen(pi.ID, time.Now()) {
		return
	}
	n.post(peerDiscovered{info: pi})
}

// seen refreshes a peer and reports whether it was already known
func (n *discoveryNotifee) seen(id peer.ID, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, known := n.lastSeen[id]
	n.lastSeen[id] = now
	return known
}

func (n *discoveryNotifee) start(ctx context.Context) error {
	svc := mdns.NewMdnsService(n.h, n.tag, n)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start mDNS: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.service = svc
	n.cancel = cancel
	n.mu.Unlock()

	if n.ttl > 0 {
		go n.expireLoop(ctx)
	}
	return nil
}

func (n *discoveryNotifee) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(n.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range n.sweep(now) {
				n.post(peerExpired{id: id})
			}
		}
	}
}

// sweep forgets peers not heard from within ttl. Connected peers are kept
// fresh since mDNS stays quiet about peers it already resolved.
func (n *discoveryNotifee) sweep(now time.Time) []peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	var expired []peer.ID
	for id, at := range n.lastSeen {
		if n.h.Network().Connectedness(id) == network.Connected {
			n.lastSeen[id] = now
			continue
		}
		if now.Sub(at) >= n.ttl {
			delete(n.lastSeen, id)
			expired = append(expired, id)
		}
	}
	return expired
}

func (n *discoveryNotifee) close() {
	n.mu.Lock()
	svc, cancel := n.service, n.cancel
	n.service, n.cancel = nil, nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if svc != nil {
		if err := svc.Close(); err != nil {
			n.log.Debug("mDNS close", zap.Error(err))
		}
	}
}
