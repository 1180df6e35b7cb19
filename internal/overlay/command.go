package overlay

import (
	"github.com/go-playground/validator/v10"
	ma "github.com/multiformats/go-multiaddr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Command is an instruction for the engine loop. The concrete types below are
// the only implementations.
type Command interface {
	command()
}

// Connect dials a peer manually
type Connect struct {
	Addr ma.Multiaddr
}

// GetPeers asks for the connected peer list (peers-list)
type GetPeers struct{}

// GetInfo asks for the local identity and addresses (my-info)
type GetInfo struct{}

// AddTopic subscribes to a topic
type AddTopic struct {
	Name string
}

// SendMessage publishes a chat message to Message.Topic
type SendMessage struct {
	Message Message
}

// PublishText publishes raw text to the default topic
type PublishText struct {
	Text string
}

func (Connect) command()     {}
func (GetPeers) command()    {}
func (GetInfo) command()     {}
func (AddTopic) command()    {}
func (SendMessage) command() {}
func (PublishText) command() {}

// Message is the chat payload carried on a gossip topic
type Message struct {
	PeerID string `json:"peer_id"`
	Msg    string `json:"msg" validate:"required"`
	Topic  string `json:"topic" validate:"required"`
	UUID   string `json:"uuid" validate:"required"`
}
