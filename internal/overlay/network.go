package overlay

import (
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// networkEvent is everything the transport, discovery and gossip
// capabilities report to the loop
type networkEvent interface {
	networkEvent()
}

type peerDiscovered struct {
	info peer.AddrInfo
}

type peerExpired struct {
	id peer.ID
}

type connectionEstablished struct {
	id   peer.ID
	addr ma.Multiaddr
}

type connectionClosed struct {
	id   peer.ID
	addr ma.Multiaddr
}

// dialSource says why a dial was attempted
type dialSource int

const (
	dialManual dialSource = iota
	dialDiscovered
	dialKnown
)

func (s dialSource) String() string {
	switch s {
	case dialManual:
		return "manual"
	case dialDiscovered:
		return "discovered"
	case dialKnown:
		return "known"
	default:
		return "unknown"
	}
}

type dialSucceeded struct {
	info   peer.AddrInfo
	source dialSource
}

type dialFailed struct {
	info   peer.AddrInfo
	source dialSource
	err    error
}

type gossipReceived struct {
	topic string
	msg   *pubsub.Message
}

type topicPeerJoined struct {
	topic string
	id    peer.ID
}

type listenAddrsUpdated struct {
	addrs []ma.Multiaddr
}

func (peerDiscovered) networkEvent()        {}
func (peerExpired) networkEvent()           {}
func (connectionEstablished) networkEvent() {}
func (connectionClosed) networkEvent()      {}
func (dialSucceeded) networkEvent()         {}
func (dialFailed) networkEvent()            {}
func (gossipReceived) networkEvent()        {}
func (topicPeerJoined) networkEvent()       {}
func (listenAddrsUpdated) networkEvent()    {}
