// Package overlay runs the node's libp2p side: the host, GossipSub topics and
// mDNS discovery. All network events and UI commands are handled by a single
// loop which is also the only writer of peer and channel records while the
// node runs.
package overlay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/flipps12/chat-p2p/internal/store"
)

// allowListTag marks peers the gossip router should keep connected
const allowListTag = "chat-allow-list"

// ErrClosed is returned by Submit once the engine shut down
var ErrClosed = errors.New("overlay engine closed")

var errPeerForgotten = errors.New("peer no longer in registry")

// PeerRegistry is the part of the peer registry the engine writes to
type PeerRegistry interface {
	List() ([]store.PeerRecord, error)
	Get(peerID string) (store.PeerRecord, bool, error)
	FindByAddress(addr string) (store.PeerRecord, bool, error)
	Remember(peerID string, addrs ...string) error
	RecordFailure(peerID string) (evicted bool, err error)
	RecordSuccess(peerID string) error
}

// ChannelRegistry is the part of the channel registry the engine writes to
type ChannelRegistry interface {
	FindByTopic(topic string) (store.ChannelRecord, bool, error)
	Upsert(channel store.ChannelRecord) error
	SetLastMessage(uuid, messageUUID string) (updated bool, err error)
}

// Engine owns the host and runs the event loop
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	log    *zap.Logger

	host      host.Host
	gossip    *gossip
	discovery *discoveryNotifee
	addrSub   event.Subscription
	notifiee  *network.NotifyBundle

	peers    PeerRegistry
	channels ChannelRegistry
	emitter  Emitter

	commands chan Command
	events   chan networkEvent

	// owned by the loop
	localAddrs []string
	allowList  map[peer.ID]struct{}

	aliasMu      sync.Mutex
	peerAliases  map[peer.ID]string
	aliasCounter int

	started   chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates the host, joins the default topic and wires the network
// notifications. Failures here are fatal for the node.
func New(ctx context.Context, priv crypto.PrivKey, opts Options, peers PeerRegistry, channels ChannelRegistry, emitter Emitter, log *zap.Logger) (*Engine, error) {
	if emitter == nil {
		emitter = EmitterFunc(func(Event) {})
	}
	if log == nil {
		log = zap.NewNop()
	}

	h, err := newHost(priv, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ctx:         ctx,
		cancel:      cancel,
		opts:        opts,
		log:         log.With(zap.String("self", h.ID().String())),
		host:        h,
		peers:       peers,
		channels:    channels,
		emitter:     emitter,
		commands:    make(chan Command, max(opts.CommandQueue, 1)),
		events:      make(chan networkEvent, max(opts.EventQueue, 1)),
		allowList:   make(map[peer.ID]struct{}),
		peerAliases: make(map[peer.ID]string),
		started:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	e.peerAliases[h.ID()] = "self"

	g, err := newGossip(ctx, h, opts, e.post, e.log)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}
	e.gossip = g

	if _, err := g.subscribe(opts.DefaultTopic); err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to subscribe to default topic %q: %w", opts.DefaultTopic, err)
	}

	sub, err := h.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		g.close()
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to watch local addresses: %w", err)
	}
	e.addrSub = sub

	e.notifiee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			e.post(connectionEstablished{id: c.RemotePeer(), addr: c.RemoteMultiaddr()})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			e.post(connectionClosed{id: c.RemotePeer(), addr: c.RemoteMultiaddr()})
		},
	}
	h.Network().Notify(e.notifiee)

	e.discovery = newDiscovery(h, opts, e.post, e.log)

	return e, nil
}

// PeerID returns the local peer ID
func (e *Engine) PeerID() string {
	return e.host.ID().String()
}

// Submit queues a command for the loop
func (e *Engine) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-e.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case e.commands <- cmd:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes commands and network events until the engine is closed or
// its context is cancelled
func (e *Engine) Run() error {
	alreadyRunning := true
	e.startOnce.Do(func() {
		alreadyRunning = false
		close(e.started)
	})
	if alreadyRunning {
		return errors.New("overlay engine already running")
	}
	defer close(e.done)

	e.localAddrs = addrStrings(e.host.Addrs())
	e.emit(EventMyAddress, e.info())
	e.logVerbose(1, "node started",
		zap.Strings("addrs", e.localAddrs),
		zap.String("topic", e.opts.DefaultTopic))
	e.ensureChannel(e.opts.DefaultTopic)

	if e.opts.EnableMDNS {
		if err := e.discovery.start(e.ctx); err != nil {
			e.log.Warn("local discovery unavailable", zap.Error(err))
			e.emit(EventConnectionError, err.Error())
		}
	}

	go e.watchLocalAddrs()
	if e.opts.RedialKnownPeers {
		go e.redialKnownPeers()
	}

	for {
		select {
		case <-e.ctx.Done():
			return nil
		case cmd := <-e.commands:
			e.handleCommand(cmd)
		case ev := <-e.events:
			e.handleNetworkEvent(ev)
		}
	}
}

// Close stops the loop and releases the host
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()

		select {
		case <-e.started:
			<-e.done
		default:
		}

		e.host.Network().StopNotify(e.notifiee)
		e.addrSub.Close()
		e.discovery.close()
		e.gossip.close()
		err = e.host.Close()
		e.logVerbose(1, "node stopped")
	})
	return err
}

// post hands a network event to the loop
func (e *Engine) post(ev networkEvent) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

func (e *Engine) emit(name string, payload any) {
	e.emitter.Emit(Event{Name: name, Payload: payload})
}

func (e *Engine) info() InfoPayload {
	addrs := make([]string, len(e.localAddrs))
	copy(addrs, e.localAddrs)
	return InfoPayload{PeerID: e.host.ID().String(), Addresses: addrs}
}

func (e *Engine) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case Connect:
		e.manualDial(c.Addr)

	case GetPeers:
		connected := e.host.Network().Peers()
		ids := make([]string, 0, len(connected))
		for _, id := range connected {
			ids = append(ids, id.String())
		}
		e.emit(EventPeersList, ids)

	case GetInfo:
		e.emit(EventMyInfo, e.info())

	case AddTopic:
		added, err := e.gossip.subscribe(c.Name)
		if err != nil {
			e.log.Warn("subscribe failed", zap.String("topic", c.Name), zap.Error(err))
			e.emit(EventConnectionError, fmt.Sprintf("Failed to subscribe to %s: %v", c.Name, err))
			return
		}
		if added {
			e.logVerbose(1, "subscribed", zap.String("topic", c.Name))
			e.ensureChannel(c.Name)
		}

	case SendMessage:
		data, err := json.Marshal(c.Message)
		if err != nil {
			e.emit(EventConnectionError, fmt.Sprintf("Failed to encode message: %v", err))
			return
		}
		e.publish(c.Message.Topic, data)

	case PublishText:
		e.publish(e.opts.DefaultTopic, []byte(c.Text))

	default:
		e.log.Warn("unknown command", zap.String("type", fmt.Sprintf("%T", cmd)))
	}
}

func (e *Engine) publish(topic string, data []byte) {
	if err := e.gossip.publish(e.ctx, topic, data); err != nil {
		e.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		e.emit(EventConnectionError, fmt.Sprintf("Failed to publish on %s: %v", topic, err))
		return
	}
	e.logVerbose(2, "published", zap.String("topic", topic), zap.Int("bytes", len(data)))
}

// manualDial resolves addr to a peer and dials it in the background. An
// address without a /p2p component is resolved through the peer registry.
func (e *Engine) manualDial(addr ma.Multiaddr) {
	if addr == nil {
		e.emit(EventConnectionError, "Cannot dial an empty address")
		return
	}

	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		info, err = e.resolveKnownAddr(addr)
		if err != nil {
			e.log.Warn("cannot dial", zap.Stringer("addr", addr), zap.Error(err))
			e.emit(EventConnectionError, fmt.Sprintf("Cannot dial %s: %v", addr, err))
			return
		}
	}

	if info.ID == e.host.ID() {
		e.emit(EventConnectionError, fmt.Sprintf("Cannot dial %s: that is this node", addr))
		return
	}

	if err := e.peers.Remember(info.ID.String(), addrStrings(info.Addrs)...); err != nil {
		e.log.Warn("failed to record dialed peer", zap.String("peer", info.ID.String()), zap.Error(err))
	}

	e.emit(EventConnectionStatus, fmt.Sprintf("Connecting to %s", addr))
	e.dial(*info, dialManual)
}

func (e *Engine) resolveKnownAddr(addr ma.Multiaddr) (*peer.AddrInfo, error) {
	rec, ok, err := e.peers.FindByAddress(addr.String())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("address has no /p2p peer ID and matches no known peer")
	}
	id, err := peer.Decode(rec.PeerID)
	if err != nil {
		return nil, fmt.Errorf("stored peer ID is invalid: %w", err)
	}
	return &peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{addr}}, nil
}

// dial connects in the background and reports the outcome to the loop
func (e *Engine) dial(info peer.AddrInfo, source dialSource) {
	go func() {
		if err := e.host.Connect(e.ctx, info); err != nil {
			e.post(dialFailed{info: info, source: source, err: err})
			return
		}
		e.post(dialSucceeded{info: info, source: source})
	}()
}

func (e *Engine) handleNetworkEvent(ev networkEvent) {
	switch ev := ev.(type) {
	case peerDiscovered:
		e.onPeerDiscovered(ev.info)

	case peerExpired:
		e.logVerbose(1, "discovery expired", zap.String("peer", e.alias(ev.id)))
		e.disallow(ev.id)
		e.emit(EventPeerExpired, PeerPayload{PeerID: ev.id.String()})

	case dialSucceeded:
		e.logVerbose(2, "dial succeeded", zap.String("peer", e.alias(ev.info.ID)), zap.Stringer("source", ev.source))
		if ev.source == dialDiscovered {
			e.allow(ev.info.ID)
		}

	case dialFailed:
		e.onDialFailed(ev)

	case connectionEstablished:
		e.onConnected(ev.id, ev.addr)

	case connectionClosed:
		e.logVerbose(1, "peer disconnected", zap.String("peer", e.alias(ev.id)))
		e.emit(EventPeerDisconnected, PeerPayload{PeerID: ev.id.String(), Address: normalizeAddr(ev.addr)})

	case gossipReceived:
		e.onMessage(ev.topic, ev.msg)

	case topicPeerJoined:
		e.logVerbose(2, "peer subscribed", zap.String("peer", e.alias(ev.id)), zap.String("topic", ev.topic))
		e.emit(EventPeerSubscribed, SubscribedPayload{PeerID: ev.id.String(), Topic: ev.topic})

	case listenAddrsUpdated:
		e.onListenAddrs(ev.addrs)
	}
}

func (e *Engine) onPeerDiscovered(info peer.AddrInfo) {
	if info.ID == e.host.ID() {
		return
	}
	addrs := addrStrings(info.Addrs)
	e.logVerbose(1, "peer discovered", zap.String("peer", e.alias(info.ID)), zap.Strings("addrs", addrs))

	payload := PeerPayload{PeerID: info.ID.String()}
	if len(addrs) > 0 {
		payload.Address = addrs[0]
	}
	e.emit(EventPeerDiscovered, payload)

	if err := e.peers.Remember(info.ID.String(), addrs...); err != nil {
		e.log.Warn("failed to record discovered peer", zap.String("peer", info.ID.String()), zap.Error(err))
	}

	if e.host.Network().Connectedness(info.ID) == network.Connected {
		e.allow(info.ID)
		return
	}
	e.dial(info, dialDiscovered)
}

func (e *Engine) onDialFailed(ev dialFailed) {
	e.log.Warn("dial failed",
		zap.String("peer", e.alias(ev.info.ID)),
		zap.Stringer("source", ev.source),
		zap.Error(ev.err))
	e.emit(EventConnectionError, fmt.Sprintf("Failed to connect to %s: %v", ev.info.ID, ev.err))

	evicted, err := e.peers.RecordFailure(ev.info.ID.String())
	if err != nil {
		e.log.Warn("failed to record dial failure", zap.String("peer", ev.info.ID.String()), zap.Error(err))
		return
	}
	if evicted {
		e.logVerbose(1, "peer evicted after repeated failures", zap.String("peer", e.alias(ev.info.ID)))
	}
}

func (e *Engine) onConnected(id peer.ID, addr ma.Multiaddr) {
	address := normalizeAddr(addr)
	e.logVerbose(1, "peer connected", zap.String("peer", e.alias(id)), zap.String("addr", address))
	e.emit(EventPeerConnected, PeerPayload{PeerID: id.String(), Address: address})

	var addrs []string
	if address != "" {
		addrs = append(addrs, address)
	}
	if err := e.peers.Remember(id.String(), addrs...); err != nil {
		e.log.Warn("failed to record connected peer", zap.String("peer", id.String()), zap.Error(err))
		return
	}
	if err := e.peers.RecordSuccess(id.String()); err != nil {
		e.log.Warn("failed to reset peer failures", zap.String("peer", id.String()), zap.Error(err))
	}
}

// decodeMessage parses a gossip payload. Payloads that are not a complete
// chat message become one carrying the raw text under UnknownTopic. A
// missing peer_id is taken from the sender.
func decodeMessage(data []byte, from peer.ID, msgID string) (Message, bool) {
	var m *Message
	if err := json.Unmarshal(data, &m); err == nil && m != nil {
		if m.PeerID == "" {
			m.PeerID = from.String()
		}
		if validate.Struct(m) == nil {
			return *m, true
		}
	}
	return Message{
		PeerID: from.String(),
		Msg:    strings.ToValidUTF8(string(data), "�"),
		Topic:  UnknownTopic,
		UUID:   hex.EncodeToString([]byte(msgID)),
	}, false
}

func (e *Engine) onMessage(topic string, msg *pubsub.Message) {
	from := msg.GetFrom()
	m, ok := decodeMessage(msg.Data, from, msg.ID)
	if !ok {
		e.logVerbose(2, "undecodable message", zap.String("peer", e.alias(from)), zap.String("topic", topic))
	}

	e.logVerbose(2, "message received",
		zap.String("peer", e.alias(from)),
		zap.String("topic", m.Topic),
		zap.String("uuid", m.UUID))
	e.emit(EventMessage, MessagePayload{
		From:      from.String(),
		Content:   m.Msg,
		Topic:     m.Topic,
		UUID:      m.UUID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})

	if ok {
		e.markChannel(m.Topic, m.UUID)
	}
}

// ensureChannel creates a channel record for a newly subscribed topic
func (e *Engine) ensureChannel(topic string) {
	_, ok, err := e.channels.FindByTopic(topic)
	if err != nil {
		e.log.Warn("failed to look up channel", zap.String("topic", topic), zap.Error(err))
		return
	}
	if ok {
		return
	}
	if err := e.channels.Upsert(store.ChannelRecord{Topic: topic, UUID: uuid.NewString()}); err != nil {
		e.log.Warn("failed to add channel", zap.String("topic", topic), zap.Error(err))
	}
}

// markChannel records msgUUID as the last message of the channel for topic
func (e *Engine) markChannel(topic, msgUUID string) {
	if msgUUID == "" {
		return
	}
	ch, ok, err := e.channels.FindByTopic(topic)
	if err != nil {
		e.log.Warn("failed to look up channel", zap.String("topic", topic), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if _, err := e.channels.SetLastMessage(ch.UUID, msgUUID); err != nil {
		e.log.Warn("failed to update channel", zap.String("channel", ch.UUID), zap.Error(err))
	}
}

func (e *Engine) onListenAddrs(addrs []ma.Multiaddr) {
	known := make(map[string]struct{}, len(e.localAddrs))
	for _, a := range e.localAddrs {
		known[a] = struct{}{}
	}

	changed := false
	for _, a := range addrStrings(addrs) {
		if _, ok := known[a]; ok {
			continue
		}
		known[a] = struct{}{}
		e.localAddrs = append(e.localAddrs, a)
		changed = true
		e.logVerbose(1, "listening", zap.String("addr", a))
	}
	if changed {
		e.emit(EventMyAddress, e.info())
	}
}

func (e *Engine) watchLocalAddrs() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case raw, ok := <-e.addrSub.Out():
			if !ok {
				return
			}
			evt, ok := raw.(event.EvtLocalAddressesUpdated)
			if !ok {
				continue
			}
			addrs := make([]ma.Multiaddr, 0, len(evt.Current))
			for _, u := range evt.Current {
				addrs = append(addrs, u.Address)
			}
			e.post(listenAddrsUpdated{addrs: addrs})
		}
	}
}

// allow puts a peer on the gossip allow-list: the connection manager will
// not prune it
func (e *Engine) allow(id peer.ID) {
	if _, ok := e.allowList[id]; ok {
		return
	}
	e.allowList[id] = struct{}{}
	cm := e.host.ConnManager()
	cm.Protect(id, allowListTag)
	cm.TagPeer(id, allowListTag, 100)
	e.logVerbose(2, "allow-listed", zap.String("peer", e.alias(id)))
}

func (e *Engine) disallow(id peer.ID) {
	if _, ok := e.allowList[id]; !ok {
		return
	}
	delete(e.allowList, id)
	cm := e.host.ConnManager()
	cm.Unprotect(id, allowListTag)
	cm.UntagPeer(id, allowListTag)
	e.logVerbose(2, "removed from allow-list", zap.String("peer", e.alias(id)))
}

// redialKnownPeers dials every stored peer with exponential backoff. Each
// failed attempt is counted by the loop, so a peer that keeps failing is
// evicted and its retries stop.
func (e *Engine) redialKnownPeers() {
	known, err := e.peers.List()
	if err != nil {
		e.log.Warn("failed to load known peers", zap.Error(err))
		return
	}

	for _, rec := range known {
		id, err := peer.Decode(rec.PeerID)
		if err != nil || id == e.host.ID() {
			continue
		}
		addrs := parseAddrs(rec.Addresses)
		if len(addrs) == 0 {
			continue
		}
		go e.redial(peer.AddrInfo{ID: id, Addrs: addrs})
	}
}

func (e *Engine) redial(info peer.AddrInfo) {
	bo := backoff.NewExponentialBackOff()
	if e.opts.RedialInitial > 0 {
		bo.InitialInterval = e.opts.RedialInitial
	}
	if e.opts.RedialMax > 0 {
		bo.MaxInterval = e.opts.RedialMax
	}

	operation := func() (struct{}, error) {
		if _, known, err := e.peers.Get(info.ID.String()); err == nil && !known {
			return struct{}{}, backoff.Permanent(errPeerForgotten)
		}
		if e.host.Network().Connectedness(info.ID) == network.Connected {
			return struct{}{}, nil
		}
		if err := e.host.Connect(e.ctx, info); err != nil {
			e.post(dialFailed{info: info, source: dialKnown, err: err})
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(e.ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(store.MaxFailedAttempts))
	if err != nil && e.ctx.Err() == nil {
		e.logVerbose(2, "gave up redialing", zap.String("peer", e.alias(info.ID)), zap.Error(err))
	}
}

// logVerbose logs at info level if level is within the verbosity threshold
func (e *Engine) logVerbose(level int, msg string, fields ...zap.Field) {
	if level > e.opts.Verbosity {
		return
	}
	e.log.Info(msg, fields...)
}

// alias returns a short stable name for a peer (peer-a, peer-b, ...)
func (e *Engine) alias(id peer.ID) string {
	e.aliasMu.Lock()
	defer e.aliasMu.Unlock()

	if alias, exists := e.peerAliases[id]; exists {
		return alias
	}

	var alias string
	if e.aliasCounter < 26 {
		alias = fmt.Sprintf("peer-%c", rune('a'+e.aliasCounter))
	} else {
		alias = fmt.Sprintf("peer-%d", e.aliasCounter)
	}
	e.peerAliases[id] = alias
	e.aliasCounter++
	return alias
}
