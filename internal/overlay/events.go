package overlay

// Event names delivered to the UI
const (
	EventMyAddress        = "my-address"
	EventMyInfo           = "my-info"
	EventPeerDiscovered   = "peer-discovered"
	EventPeerConnected    = "peer-connected"
	EventPeerDisconnected = "peer-disconnected"
	EventPeerExpired      = "peer-expired"
	EventPeersList        = "peers-list"
	EventMessage          = "p2p-message"
	EventPeerSubscribed   = "peer-subscribed"
	EventConnectionStatus = "connection-status"
	EventConnectionError  = "connection-error"
)

// UnknownTopic marks messages whose payload could not be decoded
const UnknownTopic = "unknown"

// Event is a named notification for the UI
type Event struct {
	Name    string
	Payload any
}

// Emitter receives engine events. Emit must not block for long; it is called
// from the engine loop.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(ev Event)

// Emit calls f(ev)
func (f EmitterFunc) Emit(ev Event) {
	f(ev)
}

// InfoPayload describes the local node (my-address, my-info)
type InfoPayload struct {
	PeerID    string   `json:"peer_id"`
	Addresses []string `json:"addresses"`
}

// PeerPayload describes a remote peer (discovered, connected, disconnected, expired)
type PeerPayload struct {
	PeerID  string `json:"peer_id"`
	Address string `json:"address,omitempty"`
}

// MessagePayload is a received chat message (p2p-message)
type MessagePayload struct {
	From      string `json:"from"`
	Content   string `json:"content"`
	Topic     string `json:"topic"`
	UUID      string `json:"uuid"`
	Timestamp string `json:"timestamp"`
}

// SubscribedPayload reports a remote peer joining a topic (peer-subscribed)
type SubscribedPayload struct {
	PeerID string `json:"peer_id"`
	Topic  string `json:"topic"`
}
