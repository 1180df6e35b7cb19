// Package protocol is the command bridge between UI clients and the node:
// it parses command strings for the overlay engine, serves registry CRUD and
// data maintenance requests, and wraps engine events for the UI.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/flipps12/chat-p2p/internal/identity"
	"github.com/flipps12/chat-p2p/internal/overlay"
	"github.com/flipps12/chat-p2p/internal/registry"
	"github.com/flipps12/chat-p2p/internal/store"
)

// Engine is the part of the overlay engine the bridge drives
type Engine interface {
	PeerID() string
	Submit(ctx context.Context, cmd overlay.Command) error
}

// Data groups the persisted state the bridge serves
type Data struct {
	Store    *store.Store
	Peers    *registry.Peers
	Channels *registry.Channels
	Identity *identity.Manager
}

// Handler routes and processes protocol messages
type Handler struct {
	engine    Engine
	data      Data
	log       *zap.Logger
	emitter   overlay.Emitter
	nextReqID int
	mu        sync.Mutex
}

// NewHandler creates a new protocol handler
func NewHandler(engine Engine, data Data, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:  engine,
		data:    data,
		log:     log,
		emitter: overlay.EmitterFunc(func(overlay.Event) {}),
	}
}

// SetEmitter sets where bridge-side events (rejected CONNECT addresses) go
func (h *Handler) SetEmitter(emitter overlay.Emitter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emitter = emitter
}

func (h *Handler) emit(name string, payload any) {
	h.mu.Lock()
	emitter := h.emitter
	h.mu.Unlock()
	emitter.Emit(overlay.Event{Name: name, Payload: payload})
}

// HandleClientMessage processes messages from the client
func (h *Handler) HandleClientMessage(ctx context.Context, msg *Message) (*Message, error) {
	switch msg.Method {
	case MethodCommand:
		return h.handleCommand(ctx, msg)
	case MethodGetPeers:
		return h.handleGetPeers(msg)
	case MethodAddPeer:
		return h.handleAddPeer(msg)
	case MethodRemovePeer:
		return h.handleRemovePeer(msg)
	case MethodGetChannels:
		return h.handleGetChannels(msg)
	case MethodAddChannel:
		return h.handleAddChannel(msg)
	case MethodRemoveChannel:
		return h.handleRemoveChannel(msg)
	case MethodGetDataDir:
		return h.stringResponse(msg.RequestID, h.data.Store.Dir())
	case MethodExportData:
		return h.handleDataPath(msg, h.data.Store.Export)
	case MethodImportData:
		return h.handleDataPath(msg, h.data.Store.Import)
	case MethodClearData:
		return h.handleClearData(msg)
	default:
		return h.errorResponse(msg.RequestID, CodeBadRequest, fmt.Sprintf("unknown method: %s", msg.Method))
	}
}

// decodeParams unmarshals and validates request params
func decodeParams(msg *Message, req any) error {
	if len(msg.Params) == 0 {
		return errors.New("missing params")
	}
	if err := json.Unmarshal(msg.Params, req); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// Client request handlers

func (h *Handler) handleCommand(ctx context.Context, msg *Message) (*Message, error) {
	var req CommandRequest
	if err := decodeParams(msg, &req); err != nil {
		return h.errorResponse(msg.RequestID, CodeBadRequest, err.Error())
	}

	cmd, err := ParseCommand(req.Command)
	if err != nil {
		// a bad CONNECT address is a connection problem, not a request error
		if errors.Is(err, ErrInvalidAddress) {
			h.emit(overlay.EventConnectionError, err.Error())
			return h.emptyResponse(msg.RequestID)
		}
		return h.errorResponse(msg.RequestID, CodeBadRequest, err.Error())
	}

	if send, ok := cmd.(overlay.SendMessage); ok && send.Message.PeerID == "" {
		send.Message.PeerID = h.engine.PeerID()
		cmd = send
	}

	if err := h.engine.Submit(ctx, cmd); err != nil {
		if errors.Is(err, overlay.ErrClosed) {
			return h.errorResponse(msg.RequestID, CodeUnavailable, err.Error())
		}
		return h.errorResponse(msg.RequestID, CodeInternal, err.Error())
	}
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handleGetPeers(msg *Message) (*Message, error) {
	peers, err := h.data.Peers.List()
	if err != nil {
		return h.storeError(msg.RequestID, err)
	}
	return h.jsonResponse(msg.RequestID, PeersResponse{Peers: peers})
}

func (h *Handler) handleAddPeer(msg *Message) (*Message, error) {
	var req AddPeerRequest
	if err := decodeParams(msg, &req); err != nil {
		return h.errorResponse(msg.RequestID, CodeBadRequest, err.Error())
	}
	if _, err := peer.Decode(req.PeerID); err != nil {
		return h.errorResponse(msg.RequestID, CodeBadRequest, fmt.Sprintf("invalid peer id: %v", err))
	}
	if req.FailedAttempts >= store.MaxFailedAttempts {
		return h.errorResponse(msg.RequestID, CodeBadRequest,
			fmt.Sprintf("failed_attempts must be below %d", store.MaxFailedAttempts))
	}
	for _, a := range req.Addresses {
		if _, err := ma.NewMultiaddr(a); err != nil {
			return h.errorResponse(msg.RequestID, CodeBadRequest, fmt.Sprintf("invalid address %q: %v", a, err))
		}
	}

	rec := store.PeerRecord{PeerID: req.PeerID, Addresses: req.Addresses, FailedAttempts: req.FailedAttempts}
	if rec.Addresses == nil {
		rec.Addresses = []string{}
	}
	if err := h.data.Peers.Upsert(rec); err != nil {
		return h.storeError(msg.RequestID, err)
	}
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handleRemovePeer(msg *Message) (*Message, error) {
	var req RemovePeerRequest
	if err := decodeParams(msg, &req); err != nil {
		return h.errorResponse(msg.RequestID, CodeBadRequest, err.Error())
	}
	if err := h.data.Peers.Remove(req.PeerID); err != nil {
		return h.storeError(msg.RequestID, err)
	}
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handleGetChannels(msg *Message) (*Message, error) {
	channels, err := h.data.Channels.List()
	if err != nil {
		return h.storeError(msg.RequestID, err)
	}
	return h.jsonResponse(msg.RequestID, ChannelsResponse{Channels: channels})
}

func (h *Handler) handleAddChannel(msg *Message) (*Message, error) {
	var req AddChannelRequest
	if err := decodeParams(msg, &req); err != nil {
		return h.errorResponse(msg.RequestID, CodeBadRequest, err.Error())
	}

	rec := store.ChannelRecord{Topic: req.Topic, UUID: req.UUID, LastMessageUUID: req.LastMessageUUID}
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if err := h.data.Channels.Upsert(rec); err != nil {
		return h.storeError(msg.RequestID, err)
	}
	return h.jsonResponse(msg.RequestID, ChannelResponse{Channel: rec})
}

func (h *Handler) handleRemoveChannel(msg *Message) (*Message, error) {
	var req RemoveChannelRequest
	if err := decodeParams(msg, &req); err != nil {
		return h.errorResponse(msg.RequestID, CodeBadRequest, err.Error())
	}
	if err := h.data.Channels.Remove(req.UUID); err != nil {
		return h.storeError(msg.RequestID, err)
	}
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handleDataPath(msg *Message, op func(dir string) error) (*Message, error) {
	var req PathRequest
	if err := decodeParams(msg, &req); err != nil {
		return h.errorResponse(msg.RequestID, CodeBadRequest, err.Error())
	}
	if err := h.withAllData(func() error { return op(req.Path) }); err != nil {
		return h.storeError(msg.RequestID, err)
	}
	h.log.Info("data files copied", zap.String("method", msg.Method), zap.String("path", req.Path))
	return h.emptyResponse(msg.RequestID)
}

func (h *Handler) handleClearData(msg *Message) (*Message, error) {
	if err := h.withAllData(h.data.Store.ClearAll); err != nil {
		return h.storeError(msg.RequestID, err)
	}
	h.log.Info("data files cleared")
	return h.emptyResponse(msg.RequestID)
}

// withAllData runs fn holding every data file lock, always taken in the
// order peers, channels, identity
func (h *Handler) withAllData(fn func() error) error {
	return h.data.Peers.Exclusive(func() error {
		return h.data.Channels.Exclusive(func() error {
			return h.data.Identity.Exclusive(fn)
		})
	})
}

// Server message senders

func (h *Handler) NextRequestID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextReqID
	h.nextReqID++
	return id
}

// CreateEventMessage wraps an engine event as a server request named after
// the event
func (h *Handler) CreateEventMessage(ev overlay.Event) *Message {
	params, err := json.Marshal(ev.Payload)
	if err != nil {
		h.log.Warn("failed to encode event", zap.String("event", ev.Name), zap.Error(err))
		params = json.RawMessage("null")
	}
	return &Message{
		RequestID: h.NextRequestID(),
		Method:    ev.Name,
		Params:    params,
	}
}

// Response helpers

func (h *Handler) emptyResponse(requestID int) (*Message, error) {
	return &Message{
		RequestID:  requestID,
		IsResponse: true,
		Result:     json.RawMessage("null"),
	}, nil
}

func (h *Handler) stringResponse(requestID int, value string) (*Message, error) {
	return h.jsonResponse(requestID, StringResponse{Value: value})
}

func (h *Handler) jsonResponse(requestID int, v any) (*Message, error) {
	result, err := json.Marshal(v)
	if err != nil {
		return h.errorResponse(requestID, CodeInternal, err.Error())
	}
	return &Message{
		RequestID:  requestID,
		IsResponse: true,
		Result:     result,
	}, nil
}

func (h *Handler) storeError(requestID int, err error) (*Message, error) {
	h.log.Warn("data request failed", zap.Int("requestid", requestID), zap.Error(err))
	return h.errorResponse(requestID, CodeInternal, err.Error())
}

func (h *Handler) errorResponse(requestID, code int, message string) (*Message, error) {
	return &Message{
		RequestID:  requestID,
		IsResponse: true,
		Error: &ErrorResponse{
			Code:    code,
			Message: message,
		},
	}, nil
}
