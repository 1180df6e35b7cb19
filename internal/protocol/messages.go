package protocol

import (
	"encoding/json"

	"github.com/flipps12/chat-p2p/internal/store"
)

// Message envelope for all WebSocket communications
type Message struct {
	RequestID  int             `json:"requestid"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorResponse  `json:"error,omitempty"`
	IsResponse bool            `json:"isresponse"`
}

// Client methods
const (
	MethodCommand       = "command"
	MethodGetPeers      = "get_peers"
	MethodAddPeer       = "add_peer"
	MethodRemovePeer    = "remove_peer"
	MethodGetChannels   = "get_channels"
	MethodAddChannel    = "add_channel"
	MethodRemoveChannel = "remove_channel"
	MethodGetDataDir    = "get_data_dir"
	MethodExportData    = "export_data"
	MethodImportData    = "import_data"
	MethodClearData     = "clear_data"
)

// Error codes carried in ErrorResponse
const (
	CodeBadRequest  = 400
	CodeInternal    = 500
	CodeUnavailable = 503
)

// StringResponse is used for operations that return a single string
type StringResponse struct {
	Value string `json:"value"`
}

// ErrorResponse provides standardized error structure
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client Request Messages

// CommandRequest carries a command string (CMD:... or chat text)
type CommandRequest struct {
	Command string `json:"command"`
}

// AddPeerRequest creates or replaces a peer record
type AddPeerRequest struct {
	PeerID         string   `json:"peer_id" validate:"required"`
	Addresses      []string `json:"addresses"`
	FailedAttempts uint8    `json:"failed_attempts"`
}

// RemovePeerRequest deletes a peer record
type RemovePeerRequest struct {
	PeerID string `json:"peer_id" validate:"required"`
}

// AddChannelRequest creates or replaces a channel; a uuid is generated when absent
type AddChannelRequest struct {
	Topic           string  `json:"topic" validate:"required"`
	UUID            string  `json:"uuid"`
	LastMessageUUID *string `json:"last_message_uuid"`
}

// RemoveChannelRequest deletes a channel by uuid
type RemoveChannelRequest struct {
	UUID string `json:"uuid" validate:"required"`
}

// PathRequest names a directory for export or import
type PathRequest struct {
	Path string `json:"path" validate:"required"`
}

// Responses

// PeersResponse lists stored peers
type PeersResponse struct {
	Peers []store.PeerRecord `json:"peers"`
}

// ChannelsResponse lists stored channels
type ChannelsResponse struct {
	Channels []store.ChannelRecord `json:"channels"`
}

// ChannelResponse returns the stored channel
type ChannelResponse struct {
	Channel store.ChannelRecord `json:"channel"`
}
