package overlay

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/flipps12/chat-p2p/internal/registry"
	"github.com/flipps12/chat-p2p/internal/store"
)

// recorder collects emitted events
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) has(name string, match func(Event) bool) bool {
	for _, ev := range r.named(name) {
		if match == nil || match(ev) {
			return true
		}
	}
	return false
}

type testNode struct {
	engine   *Engine
	events   *recorder
	peers    *registry.Peers
	channels *registry.Channels
	store    *store.Store
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	opts.EnableMDNS = false
	opts.RedialKnownPeers = false
	opts.HeartbeatInterval = 200 * time.Millisecond
	return opts
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	log := zaptest.NewLogger(t)
	s := store.New(filepath.Join(t.TempDir(), "data"))
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)

	n := &testNode{
		events:   &recorder{},
		peers:    registry.NewPeers(s, log),
		channels: registry.NewChannels(s, log),
		store:    s,
	}
	n.engine, err = New(context.Background(), priv, testOptions(), n.peers, n.channels, n.events, log)
	require.NoError(t, err)
	t.Cleanup(func() { n.engine.Close() })
	return n
}

func randomPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func gossipMessage(from peer.ID, data []byte) *pubsub.Message {
	return &pubsub.Message{
		Message:      &pubsub_pb.Message{Data: data, From: []byte(from)},
		ID:           contentMessageID(&pubsub_pb.Message{Data: data}),
		ReceivedFrom: from,
	}
}

func subscribedTopics(g *gossip) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.topics))
	for name := range g.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestNormalizeAddrStripsPeerID(t *testing.T) {
	id := randomPeerID(t)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001/p2p/" + id.String())
	require.NoError(t, err)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/4001", normalizeAddr(addr))

	plain, err := ma.NewMultiaddr("/ip6/::1/tcp/4001")
	require.NoError(t, err)
	assert.Equal(t, "/ip6/::1/tcp/4001", normalizeAddr(plain))
	assert.Equal(t, "", normalizeAddr(nil))
}

func TestContentMessageIDIgnoresSender(t *testing.T) {
	a := &pubsub_pb.Message{Data: []byte("same"), From: []byte("a")}
	b := &pubsub_pb.Message{Data: []byte("same"), From: []byte("b")}
	c := &pubsub_pb.Message{Data: []byte("other"), From: []byte("a")}
	assert.Equal(t, contentMessageID(a), contentMessageID(b))
	assert.NotEqual(t, contentMessageID(a), contentMessageID(c))
}

func TestDecodeMessage(t *testing.T) {
	from := randomPeerID(t)

	data, err := json.Marshal(Message{PeerID: "p", Msg: "hi", Topic: "general", UUID: "m1"})
	require.NoError(t, err)
	m, ok := decodeMessage(data, from, "id")
	assert.True(t, ok)
	assert.Equal(t, Message{PeerID: "p", Msg: "hi", Topic: "general", UUID: "m1"}, m)

	m, ok = decodeMessage([]byte("plain text"), from, "\x01\x02")
	assert.False(t, ok)
	assert.Equal(t, UnknownTopic, m.Topic)
	assert.Equal(t, "plain text", m.Msg)
	assert.Equal(t, from.String(), m.PeerID)
	assert.Equal(t, "0102", m.UUID)

	// the sender fills a missing peer_id
	m, ok = decodeMessage([]byte(`{"msg":"hi","topic":"general","uuid":"m2"}`), from, "id")
	assert.True(t, ok)
	assert.Equal(t, from.String(), m.PeerID)

	// JSON that is not a complete chat message keeps its raw text
	for _, raw := range []string{`{}`, `null`, `{"hello":"world"}`, `{"msg":"hi","topic":"general"}`} {
		m, ok = decodeMessage([]byte(raw), from, "id")
		assert.False(t, ok, raw)
		assert.Equal(t, UnknownTopic, m.Topic, raw)
		assert.Equal(t, raw, m.Msg)
		assert.Equal(t, from.String(), m.PeerID, raw)
		assert.NotEmpty(t, m.UUID, raw)
	}
}

func TestMessageUpdatesChannelMarker(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.channels.Upsert(store.ChannelRecord{Topic: "general", UUID: "c1"}))
	require.NoError(t, n.channels.Upsert(store.ChannelRecord{Topic: "random", UUID: "c2"}))

	from := randomPeerID(t)
	data, err := json.Marshal(Message{PeerID: from.String(), Msg: "hello", Topic: "general", UUID: "m1"})
	require.NoError(t, err)

	n.engine.handleNetworkEvent(gossipReceived{topic: "general", msg: gossipMessage(from, data)})

	msgs := n.events.named(EventMessage)
	require.Len(t, msgs, 1)
	payload := msgs[0].Payload.(MessagePayload)
	assert.Equal(t, from.String(), payload.From)
	assert.Equal(t, "hello", payload.Content)
	assert.Equal(t, "general", payload.Topic)
	assert.Equal(t, "m1", payload.UUID)
	_, err = time.Parse(time.RFC3339Nano, payload.Timestamp)
	assert.NoError(t, err)

	channels, err := n.channels.List()
	require.NoError(t, err)
	for _, ch := range channels {
		switch ch.UUID {
		case "c1":
			require.NotNil(t, ch.LastMessageUUID)
			assert.Equal(t, "m1", *ch.LastMessageUUID)
		case "c2":
			assert.Nil(t, ch.LastMessageUUID)
		}
	}
}

func TestMessageAddressedByChannelUUID(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.channels.Upsert(store.ChannelRecord{Topic: "general", UUID: "c1"}))

	from := randomPeerID(t)
	data, err := json.Marshal(Message{Msg: "hello", Topic: "c1", UUID: "m7"})
	require.NoError(t, err)
	n.engine.handleNetworkEvent(gossipReceived{topic: "c1", msg: gossipMessage(from, data)})

	ch, ok, err := n.channels.FindByTopic("general")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, ch.LastMessageUUID)
	assert.Equal(t, "m7", *ch.LastMessageUUID)
}

func TestUndecodableMessageIsDelivered(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.channels.Upsert(store.ChannelRecord{Topic: "unknown", UUID: "c1"}))

	from := randomPeerID(t)
	n.engine.handleNetworkEvent(gossipReceived{topic: "test-net", msg: gossipMessage(from, []byte("raw text"))})

	msgs := n.events.named(EventMessage)
	require.Len(t, msgs, 1)
	payload := msgs[0].Payload.(MessagePayload)
	assert.Equal(t, UnknownTopic, payload.Topic)
	assert.Equal(t, "raw text", payload.Content)
	assert.Equal(t, from.String(), payload.From)
	assert.NotEmpty(t, payload.UUID)

	// synthetic envelopes never touch channel markers
	ch, ok, err := n.channels.FindByTopic("unknown")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, ch.LastMessageUUID)
}

func TestDialFailuresEvictPeer(t *testing.T) {
	n := newTestNode(t)
	id := randomPeerID(t)
	require.NoError(t, n.peers.Remember(id.String(), "/ip4/127.0.0.1/tcp/1"))

	for i := 0; i < store.MaxFailedAttempts; i++ {
		n.engine.handleNetworkEvent(dialFailed{
			info:   peer.AddrInfo{ID: id},
			source: dialKnown,
			err:    fmt.Errorf("attempt %d refused", i+1),
		})
	}

	_, known, err := n.peers.Get(id.String())
	require.NoError(t, err)
	assert.False(t, known)
	assert.Len(t, n.events.named(EventConnectionError), store.MaxFailedAttempts)
}

func TestConnectedPeerIsRememberedAndReset(t *testing.T) {
	n := newTestNode(t)
	id := randomPeerID(t)
	require.NoError(t, n.peers.Upsert(store.PeerRecord{PeerID: id.String(), FailedAttempts: 3}))

	addr, err := ma.NewMultiaddr("/ip4/192.168.1.20/tcp/4001")
	require.NoError(t, err)
	n.engine.handleNetworkEvent(connectionEstablished{id: id, addr: addr})

	rec, known, err := n.peers.Get(id.String())
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, uint8(0), rec.FailedAttempts)
	assert.Equal(t, []string{"/ip4/192.168.1.20/tcp/4001"}, rec.Addresses)

	assert.True(t, n.events.has(EventPeerConnected, func(ev Event) bool {
		p := ev.Payload.(PeerPayload)
		return p.PeerID == id.String() && p.Address == "/ip4/192.168.1.20/tcp/4001"
	}))

	n.engine.handleNetworkEvent(connectionClosed{id: id, addr: addr})
	assert.True(t, n.events.has(EventPeerDisconnected, nil))
}

func TestConnectWithoutPeerIDToUnknownAddress(t *testing.T) {
	n := newTestNode(t)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	require.NoError(t, err)

	n.engine.handleCommand(Connect{Addr: addr})

	assert.Len(t, n.events.named(EventConnectionError), 1)
	assert.Empty(t, n.events.named(EventConnectionStatus))
}

func TestConnectResolvesKnownAddress(t *testing.T) {
	n := newTestNode(t)
	id := randomPeerID(t)
	require.NoError(t, n.peers.Remember(id.String(), "/ip4/127.0.0.1/tcp/1"))

	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/1")
	require.NoError(t, err)
	n.engine.handleCommand(Connect{Addr: addr})

	statuses := n.events.named(EventConnectionStatus)
	require.Len(t, statuses, 1)
	assert.True(t, strings.HasPrefix(statuses[0].Payload.(string), "Connecting to"))
	assert.Empty(t, n.events.named(EventConnectionError))
}

func TestFailedManualDialCreatesPeerRecord(t *testing.T) {
	n := newTestNode(t)
	id := randomPeerID(t)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/1/p2p/" + id.String())
	require.NoError(t, err)

	n.engine.handleCommand(Connect{Addr: addr})

	rec, known, err := n.peers.Get(id.String())
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/1"}, rec.Addresses)

	n.engine.handleNetworkEvent(dialFailed{info: peer.AddrInfo{ID: id}, source: dialManual, err: fmt.Errorf("connection refused")})
	rec, known, err = n.peers.Get(id.String())
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, uint8(1), rec.FailedAttempts)
}

func TestConnectToSelfIsRejected(t *testing.T) {
	n := newTestNode(t)
	self := n.engine.host.Addrs()[0].Encapsulate(ma.StringCast("/p2p/" + n.engine.PeerID()))

	n.engine.handleCommand(Connect{Addr: self})
	assert.Len(t, n.events.named(EventConnectionError), 1)
}

func TestDiscoveredPeerIsAllowListedUntilExpiry(t *testing.T) {
	n := newTestNode(t)
	id := randomPeerID(t)
	cm := n.engine.host.ConnManager()

	n.engine.handleNetworkEvent(dialSucceeded{info: peer.AddrInfo{ID: id}, source: dialDiscovered})
	assert.True(t, cm.IsProtected(id, allowListTag))

	// manual dials do not join the allow-list
	other := randomPeerID(t)
	n.engine.handleNetworkEvent(dialSucceeded{info: peer.AddrInfo{ID: other}, source: dialManual})
	assert.False(t, cm.IsProtected(other, allowListTag))

	n.engine.handleNetworkEvent(peerExpired{id: id})
	assert.False(t, cm.IsProtected(id, allowListTag))
	assert.True(t, n.events.has(EventPeerExpired, func(ev Event) bool {
		return ev.Payload.(PeerPayload).PeerID == id.String()
	}))
}

func TestDiscoveredPeerIsRecorded(t *testing.T) {
	n := newTestNode(t)
	id := randomPeerID(t)
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/1")
	require.NoError(t, err)

	n.engine.handleNetworkEvent(peerDiscovered{info: peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{addr}}})

	assert.True(t, n.events.has(EventPeerDiscovered, func(ev Event) bool {
		p := ev.Payload.(PeerPayload)
		return p.PeerID == id.String() && p.Address == "/ip4/127.0.0.1/tcp/1"
	}))
	rec, known, err := n.peers.Get(id.String())
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/1"}, rec.Addresses)
}

func TestListenAddressesEmittedOnChange(t *testing.T) {
	n := newTestNode(t)
	a, err := ma.NewMultiaddr("/ip4/10.0.0.5/tcp/4001")
	require.NoError(t, err)

	n.engine.handleNetworkEvent(listenAddrsUpdated{addrs: []ma.Multiaddr{a}})
	n.engine.handleNetworkEvent(listenAddrsUpdated{addrs: []ma.Multiaddr{a}})

	events := n.events.named(EventMyAddress)
	require.Len(t, events, 1)
	info := events[0].Payload.(InfoPayload)
	assert.Equal(t, n.engine.PeerID(), info.PeerID)
	assert.Contains(t, info.Addresses, "/ip4/10.0.0.5/tcp/4001")
}

func TestInfoAndPeerQueries(t *testing.T) {
	n := newTestNode(t)

	n.engine.handleCommand(GetInfo{})
	infos := n.events.named(EventMyInfo)
	require.Len(t, infos, 1)
	assert.Equal(t, n.engine.PeerID(), infos[0].Payload.(InfoPayload).PeerID)

	n.engine.handleCommand(GetPeers{})
	lists := n.events.named(EventPeersList)
	require.Len(t, lists, 1)
	assert.Empty(t, lists[0].Payload.([]string))
}

func TestAddTopicIsIdempotent(t *testing.T) {
	n := newTestNode(t)

	n.engine.handleCommand(AddTopic{Name: "general"})
	n.engine.handleCommand(AddTopic{Name: "general"})
	n.engine.handleCommand(AddTopic{Name: n.engine.opts.DefaultTopic})

	assert.Equal(t, []string{"general", "test-net"}, subscribedTopics(n.engine.gossip))
	assert.Empty(t, n.events.named(EventConnectionError))
}

func TestAddTopicCreatesChannel(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.channels.Upsert(store.ChannelRecord{Topic: "random", UUID: "c2"}))

	n.engine.handleCommand(AddTopic{Name: "general"})
	n.engine.handleCommand(AddTopic{Name: "general"})
	n.engine.handleCommand(AddTopic{Name: "random"})

	channels, err := n.channels.List()
	require.NoError(t, err)
	require.Len(t, channels, 2)

	ch, ok, err := n.channels.FindByTopic("general")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = uuid.Parse(ch.UUID)
	assert.NoError(t, err)

	// an existing channel keeps its uuid
	ch, ok, err = n.channels.FindByTopic("random")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c2", ch.UUID)
}

func TestDefaultTopicGetsChannelOnRun(t *testing.T) {
	n := newTestNode(t)
	runNode(t, n)

	require.Eventually(t, func() bool {
		_, ok, err := n.channels.FindByTopic("test-net")
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDiscoverySweepExpiresSilentPeers(t *testing.T) {
	n := newTestNode(t)
	d := n.engine.discovery
	id := randomPeerID(t)
	now := time.Now()

	assert.False(t, d.seen(id, now))
	assert.True(t, d.seen(id, now))
	assert.Empty(t, d.sweep(now.Add(d.ttl/2)))
	assert.Equal(t, []peer.ID{id}, d.sweep(now.Add(d.ttl)))
	assert.Empty(t, d.sweep(now.Add(2*d.ttl)))

	// the local node is never reported
	d.HandlePeerFound(peer.AddrInfo{ID: n.engine.host.ID()})
	assert.Empty(t, d.lastSeen)
}

func TestSubmitAfterClose(t *testing.T) {
	n := newTestNode(t)
	require.NoError(t, n.engine.Close())
	assert.ErrorIs(t, n.engine.Submit(context.Background(), GetInfo{}), ErrClosed)
}

func runNode(t *testing.T, n *testNode) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- n.engine.Run() }()
	t.Cleanup(func() {
		n.engine.Close()
		assert.NoError(t, <-errc)
	})
}

func p2pAddr(t *testing.T, n *testNode) ma.Multiaddr {
	t.Helper()
	addrs, err := peer.AddrInfoToP2pAddrs(&peer.AddrInfo{ID: n.engine.host.ID(), Addrs: n.engine.host.Addrs()})
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	return addrs[0]
}

func TestTwoNodesExchangeMessages(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	a := newTestNode(t)
	b := newTestNode(t)
	require.NoError(t, b.channels.Upsert(store.ChannelRecord{Topic: "test-net", UUID: "c1"}))
	runNode(t, a)
	runNode(t, b)

	ctx := context.Background()
	require.NoError(t, a.engine.Submit(ctx, Connect{Addr: p2pAddr(t, b)}))

	bID := b.engine.PeerID()
	require.Eventually(t, func() bool {
		return a.events.has(EventPeerConnected, func(ev Event) bool {
			return ev.Payload.(PeerPayload).PeerID == bID
		})
	}, 10*time.Second, 50*time.Millisecond)
	assert.True(t, a.events.has(EventConnectionStatus, nil))

	// both sides sit on the default topic
	require.Eventually(t, func() bool {
		return a.events.has(EventPeerSubscribed, func(ev Event) bool {
			p := ev.Payload.(SubscribedPayload)
			return p.PeerID == bID && p.Topic == "test-net"
		})
	}, 10*time.Second, 50*time.Millisecond)

	rec, known, err := a.peers.Get(bID)
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, uint8(0), rec.FailedAttempts)

	var sent string
	require.Eventually(t, func() bool {
		sent = uuid.NewString()
		msg := Message{PeerID: a.engine.PeerID(), Msg: "hello", Topic: "test-net", UUID: sent}
		if err := a.engine.Submit(ctx, SendMessage{Message: msg}); err != nil {
			return false
		}
		time.Sleep(200 * time.Millisecond)
		return b.events.has(EventMessage, nil)
	}, 15*time.Second, 10*time.Millisecond)

	got := b.events.named(EventMessage)[0].Payload.(MessagePayload)
	assert.Equal(t, a.engine.PeerID(), got.From)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "test-net", got.Topic)

	// the sender does not hear itself
	assert.Empty(t, a.events.named(EventMessage))

	require.Eventually(t, func() bool {
		ch, ok, err := b.channels.FindByTopic("test-net")
		return err == nil && ok && ch.LastMessageUUID != nil
	}, 5*time.Second, 50*time.Millisecond)
}
