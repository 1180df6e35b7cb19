package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// topicHandler owns one joined topic and its reader goroutines
type topicHandler struct {
	name       string
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	peerEvents *pubsub.TopicEventHandler
	ctx        context.Context
	cancel     context.CancelFunc
}

// gossip wraps the GossipSub router. Received messages and topic joins are
// posted to the engine loop; nothing here touches the registries.
type gossip struct {
	ctx  context.Context
	ps   *pubsub.PubSub
	self peer.ID
	post func(networkEvent)
	log  *zap.Logger

	mu     sync.RWMutex
	topics map[string]*topicHandler
}

// contentMessageID deduplicates on payload content so a message relayed by
// several neighbours is delivered once
func contentMessageID(m *pubsub_pb.Message) string {
	sum := sha256.Sum256(m.Data)
	return hex.EncodeToString(sum[:])
}

func newGossip(ctx context.Context, h host.Host, opts Options, post func(networkEvent), log *zap.Logger) (*gossip, error) {
	params := pubsub.DefaultGossipSubParams()
	if opts.HeartbeatInterval > 0 {
		params.HeartbeatInterval = opts.HeartbeatInterval
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
		pubsub.WithMessageIdFn(contentMessageID),
		pubsub.WithGossipSubParams(params),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	return &gossip{
		ctx:    ctx,
		ps:     ps,
		self:   h.ID(),
		post:   post,
		log:    log,
		topics: make(map[string]*topicHandler),
	}, nil
}

// subscribe joins a topic and starts reading it. Subscribing twice is a
// no-op; added reports whether this call created the subscription.
func (g *gossip) subscribe(name string) (added bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.topics[name]; exists {
		return false, nil
	}

	t, err := g.ps.Join(name)
	if err != nil {
		return false, fmt.Errorf("failed to join topic: %w", err)
	}

	sub, err := t.Subscribe()
	if err != nil {
		t.Close()
		return false, fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	peerEvents, err := t.EventHandler()
	if err != nil {
		sub.Cancel()
		t.Close()
		return false, fmt.Errorf("failed to watch topic peers: %w", err)
	}

	ctx, cancel := context.WithCancel(g.ctx)
	handler := &topicHandler{
		name:       name,
		topic:      t,
		sub:        sub,
		peerEvents: peerEvents,
		ctx:        ctx,
		cancel:     cancel,
	}
	g.topics[name] = handler

	go g.readFromTopic(handler)
	go g.watchTopicPeers(handler)

	return true, nil
}

// publish sends data on a topic, joining it temporarily when not subscribed
func (g *gossip) publish(ctx context.Context, name string, data []byte) error {
	g.mu.RLock()
	handler, exists := g.topics[name]
	g.mu.RUnlock()

	var t *pubsub.Topic
	if exists {
		t = handler.topic
	} else {
		var err error
		t, err = g.ps.Join(name)
		if err != nil {
			return fmt.Errorf("failed to join topic: %w", err)
		}
		defer t.Close()
	}

	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (g *gossip) readFromTopic(handler *topicHandler) {
	for {
		msg, err := handler.sub.Next(handler.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				g.log.Warn("error reading from topic", zap.String("topic", handler.name), zap.Error(err))
			}
			return
		}

		// our own publications loop back through the subscription
		if msg.ReceivedFrom == g.self {
			continue
		}

		g.post(gossipReceived{topic: handler.name, msg: msg})
	}
}

func (g *gossip) watchTopicPeers(handler *topicHandler) {
	for {
		ev, err := handler.peerEvents.NextPeerEvent(handler.ctx)
		if err != nil {
			return
		}
		if ev.Type != pubsub.PeerJoin || ev.Peer == g.self {
			continue
		}
		g.post(topicPeerJoined{topic: handler.name, id: ev.Peer})
	}
}

func (g *gossip) close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, handler := range g.topics {
		handler.cancel()
		handler.peerEvents.Cancel()
		handler.sub.Cancel()
		_ = handler.topic.Close()
	}
	g.topics = make(map[string]*topicHandler)
}
