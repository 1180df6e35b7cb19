package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/flipps12/chat-p2p/internal/config"
	"github.com/flipps12/chat-p2p/internal/overlay"
	"github.com/flipps12/chat-p2p/internal/protocol"
)

// Server manages the HTTP server and the UI WebSocket connections. It is the
// overlay's event emitter: every engine event is broadcast to all clients.
type Server struct {
	ctx         context.Context
	cancel      context.CancelFunc
	httpServer  *http.Server
	handler     *protocol.Handler
	config      *config.Config
	log         *zap.Logger
	port        int
	fileSystem  http.FileSystem
	upgrader    websocket.Upgrader
	connections map[*WSConnection]bool
	mu          sync.RWMutex
	exitTimer   *time.Timer
	exitTimerMu sync.Mutex
}

var _ overlay.Emitter = (*Server)(nil)

// New creates the bridge server. Static UI files are served from
// cfg.Files.UIDir when it is set.
func New(ctx context.Context, handler *protocol.Handler, cfg *config.Config, log *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		ctx:         ctx,
		cancel:      cancel,
		handler:     handler,
		config:      cfg,
		log:         log,
		port:        cfg.Server.Port,
		connections: make(map[*WSConnection]bool),
	}
	if cfg.Files.UIDir != "" {
		s.fileSystem = http.Dir(cfg.Files.UIDir)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}

	handler.SetEmitter(s)
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if !s.config.WebSocket.CheckOrigin {
		return true
	}
	return funk.ContainsString(s.config.WebSocket.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	if s.fileSystem != nil {
		mux.Handle("/", s.spaHandler(s.fileSystem))
	}
	return mux
}

// Start starts the HTTP server on the first free port of the configured range
func (s *Server) Start() error {
	startPort := s.config.Server.Port
	if startPort == 0 {
		startPort = 10000
	}

	// Try to find an available port
	var listener net.Listener
	var err error
	for attempt := 0; attempt < s.config.Server.PortRange; attempt++ {
		port := startPort + attempt
		listener, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			s.port = port
			break
		}
	}

	if listener == nil {
		return fmt.Errorf("failed to find available port starting from %d: %w", startPort, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadTimeout:       s.config.Server.Timeouts.Read.Duration,
		WriteTimeout:      s.config.Server.Timeouts.Write.Duration,
		IdleTimeout:       s.config.Server.Timeouts.Idle.Duration,
		ReadHeaderTimeout: s.config.Server.Timeouts.ReadHeader.Duration,
		MaxHeaderBytes:    s.config.Server.MaxHeaderBytes,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.log.Info("bridge listening", zap.String("url", s.URL()))
	return nil
}

// Stop closes every client connection and shuts the HTTP server down
func (s *Server) Stop() error {
	s.log.Debug("server stopping")
	s.cancelExitTimer()

	// close connections without holding s.mu; their cleanup takes it
	s.mu.Lock()
	connsToClose := make([]*WSConnection, 0, len(s.connections))
	for conn := range s.connections {
		connsToClose = append(connsToClose, conn)
	}
	s.connections = make(map[*WSConnection]bool)
	s.mu.Unlock()

	for _, conn := range connsToClose {
		conn.Close()
	}

	var shutdownErr error
	if s.httpServer != nil {
		// fresh context: s.ctx may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr = s.httpServer.Shutdown(ctx)
	}
	s.cancel()

	s.log.Debug("server stopped", zap.Int("closedConnections", len(connsToClose)))
	return shutdownErr
}

// startExitTimer starts a countdown to exit when no connections remain
func (s *Server) startExitTimer() {
	s.exitTimerMu.Lock()
	defer s.exitTimerMu.Unlock()

	if s.exitTimer != nil {
		s.exitTimer.Stop()
	}

	timeout := s.config.Behavior.AutoExitTimeout.Duration
	s.log.Info("no UI connected, exiting soon", zap.Duration("timeout", timeout))

	s.exitTimer = time.AfterFunc(timeout, func() {
		s.log.Info("auto-exit: no UI connections", zap.Duration("timeout", timeout))
		s.cancel()
	})
}

// cancelExitTimer cancels the exit countdown if a new connection arrives
func (s *Server) cancelExitTimer() {
	s.exitTimerMu.Lock()
	defer s.exitTimerMu.Unlock()

	if s.exitTimer != nil {
		s.exitTimer.Stop()
		s.exitTimer = nil
	}
}

// Port returns the port the server is listening on
func (s *Server) Port() int {
	return s.port
}

// URL returns the UI address
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d", s.port)
}

// Done returns a channel that is closed when the server context is cancelled
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// OpenBrowser opens the default browser to the server URL
func (s *Server) OpenBrowser() error {
	url := s.URL()

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}

	return cmd.Start()
}

// spaHandler wraps http.FileServer to provide SPA routing fallback
// For SPA routes (no file extension, file doesn't exist), serve the index file
// while preserving the URL path for client-side routing
func (s *Server) spaHandler(fs http.FileSystem) http.Handler {
	fileServer := http.FileServer(fs)
	indexPath := "/" + s.config.Files.IndexFile

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.applyHeaders(w)

		path := r.URL.Path

		f, err := fs.Open(path)
		if err == nil {
			f.Close()
			fileServer.ServeHTTP(w, r)
			return
		}

		// If path has an extension, it's probably a real file request = real 404
		ext := filepath.Ext(path)
		if !s.config.Files.SPAFallback || (ext != "" && ext != ".html") {
			http.NotFound(w, r)
			return
		}

		indexFile, err := fs.Open(indexPath)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer indexFile.Close()

		indexInfo, err := indexFile.Stat()
		if err != nil {
			http.Error(w, "Failed to stat index file", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.ServeContent(w, r, s.config.Files.IndexFile, indexInfo.ModTime(), indexFile.(io.ReadSeeker))
	})
}

func (s *Server) applyHeaders(w http.ResponseWriter) {
	h := s.config.HTTP
	if h.CacheControl != "" {
		w.Header().Set("Cache-Control", h.CacheControl)
		if strings.Contains(h.CacheControl, "no-cache") {
			w.Header().Set("Pragma", "no-cache")
			w.Header().Set("Expires", "0")
		}
	}

	if h.Security.XContentTypeOptions != "" {
		w.Header().Set("X-Content-Type-Options", h.Security.XContentTypeOptions)
	}
	if h.Security.XFrameOptions != "" {
		w.Header().Set("X-Frame-Options", h.Security.XFrameOptions)
	}
	if h.Security.ContentSecurityPolicy != "" {
		w.Header().Set("Content-Security-Policy", h.Security.ContentSecurityPolicy)
	}

	if h.CORS.Enabled {
		if h.CORS.AllowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", h.CORS.AllowOrigin)
		}
		if len(h.CORS.AllowMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(h.CORS.AllowMethods, ", "))
		}
		if len(h.CORS.AllowHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(h.CORS.AllowHeaders, ", "))
		}
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	wsConn := NewWSConnection(s.ctx, conn, s.handler, s.config.WebSocket, s.log)

	s.mu.Lock()
	s.connections[wsConn] = true
	s.mu.Unlock()
	s.cancelExitTimer()

	wsConn.Start()

	// Cleanup on disconnect
	go func() {
		<-wsConn.closeCh
		s.mu.Lock()
		_, tracked := s.connections[wsConn]
		delete(s.connections, wsConn)
		connectionCount := len(s.connections)
		s.mu.Unlock()
		s.log.Debug("websocket connection closed", zap.Int("remaining", connectionCount))

		if tracked && connectionCount == 0 && !s.config.Behavior.Linger {
			s.startExitTimer()
		}
	}()

	s.log.Debug("websocket connection established", zap.String("remote", r.RemoteAddr))
}

// Emit broadcasts an engine event to every UI client
func (s *Server) Emit(ev overlay.Event) {
	s.broadcastMessage(s.handler.CreateEventMessage(ev))
}

func (s *Server) broadcastMessage(msg *protocol.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for conn := range s.connections {
		if err := conn.SendMessage(msg); err != nil {
			s.log.Warn("failed to send message to client", zap.String("method", msg.Method), zap.Error(err))
		}
	}
}
