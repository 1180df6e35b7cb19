package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/flipps12/chat-p2p/internal/config"
	"github.com/flipps12/chat-p2p/internal/protocol"
)

// CodeTooManyRequests answers commands over the client's rate limit
const CodeTooManyRequests = 429

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("send buffer full")
)

// WSConnection represents a WebSocket connection
type WSConnection struct {
	ctx     context.Context
	conn    *websocket.Conn
	handler *protocol.Handler
	limiter *rate.Limiter
	log     *zap.Logger
	sendCh  chan *protocol.Message
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// NewWSConnection creates a new WebSocket connection handler
func NewWSConnection(ctx context.Context, conn *websocket.Conn, handler *protocol.Handler, cfg config.WebSocketConfig, log *zap.Logger) *WSConnection {
	return &WSConnection{
		ctx:     ctx,
		conn:    conn,
		handler: handler,
		limiter: rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst),
		log:     log.With(zap.String("client", conn.RemoteAddr().String())),
		sendCh:  make(chan *protocol.Message, cfg.SendBuffer),
		closeCh: make(chan struct{}),
	}
}

// Start begins processing the WebSocket connection
func (ws *WSConnection) Start() {
	go ws.readPump()
	go ws.writePump()
}

// SendMessage queues a message to be sent to the client
func (ws *WSConnection) SendMessage(msg *protocol.Message) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return errConnectionClosed
	}

	select {
	case ws.sendCh <- msg:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close closes the WebSocket connection
func (ws *WSConnection) Close() {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return
	}
	ws.closed = true
	ws.mu.Unlock()

	close(ws.closeCh)
	ws.conn.Close()
}

// readPump reads messages from the WebSocket
func (ws *WSConnection) readPump() {
	defer ws.Close()

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.log.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.log.Warn("failed to unmarshal message", zap.Error(err))
			continue
		}
		ws.log.Debug("ws received", zap.String("method", msg.Method), zap.Int("requestid", msg.RequestID))

		var response *protocol.Message
		if msg.Method == protocol.MethodCommand && !ws.limiter.Allow() {
			response = &protocol.Message{
				RequestID:  msg.RequestID,
				IsResponse: true,
				Error:      &protocol.ErrorResponse{Code: CodeTooManyRequests, Message: "too many commands"},
			}
		} else {
			response, err = ws.handler.HandleClientMessage(ws.ctx, &msg)
			if err != nil {
				ws.log.Warn("failed to handle message", zap.String("method", msg.Method), zap.Error(err))
				continue
			}
		}

		if err := ws.SendMessage(response); err != nil {
			ws.log.Warn("failed to send response", zap.Error(err))
			return
		}
	}
}

// writePump writes messages to the WebSocket
func (ws *WSConnection) writePump() {
	defer ws.Close()

	for {
		select {
		case msg := <-ws.sendCh:
			data, err := json.Marshal(msg)
			if err != nil {
				ws.log.Warn("failed to marshal message", zap.Error(err))
				continue
			}

			if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.log.Debug("failed to write message", zap.Error(err))
				return
			}

			methodOrResponse := "response"
			if msg.Method != "" {
				methodOrResponse = msg.Method
			}
			ws.log.Debug("ws sent", zap.String("method", methodOrResponse), zap.Int("requestid", msg.RequestID))

		case <-ws.closeCh:
			return
		}
	}
}
