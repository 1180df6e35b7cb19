package store

// MaxFailedAttempts is the number of failed connection attempts after which a
// peer is forgotten.
const MaxFailedAttempts = 5

// NodeIdentity is the node's long-term key pair, stored as base64 libp2p
// marshalled keys
type NodeIdentity struct {
	PrivateKey string `json:"peer_id_private"`
	PublicKey  string `json:"peer_id_public"`
}

// PeerRecord is a remembered remote peer
type PeerRecord struct {
	PeerID         string   `json:"peer_id"`
	Addresses      []string `json:"addresses"`
	FailedAttempts uint8    `json:"failed_attempts"`
}

// ChannelRecord is a subscribed channel and the last message seen on it
type ChannelRecord struct {
	Topic           string  `json:"topic"`
	UUID            string  `json:"uuid"`
	LastMessageUUID *string `json:"last_message_uuid"`
}
