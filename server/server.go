// Package server exposes the spool tag engine to host shells over WebSocket and HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/juju/loggo"
	"github.com/rcrowley/go-metrics"

	"github.com/nedpals/spooltag-agent/buildinfo"
	"github.com/nedpals/spooltag-agent/internal/syncutil"
	"github.com/nedpals/spooltag-agent/nfc"
	"github.com/nedpals/spooltag-agent/protocol"
)

var logger = loggo.GetLogger("spooltag.server")

const writeWait = 5 * time.Second

// Engine is the tag engine surface the server exposes.
// *nfc.Controller implements it.
type Engine interface {
	Write(material, color, manufacturer any) nfc.WriteResult
	Read() nfc.ReadResult
	Status() nfc.ReaderStatus
	SetAutoPolling(enable bool) nfc.AutoPollingResult
	AutoPolling() bool
	Subscribe(fn func(nfc.PresenceEvent))
	OnStatusChange(fn func(nfc.ReaderStatus))
}

// Config holds the server configuration
type Config struct {
	Engine    Engine
	Host      string
	Port      int
	APISecret string // Optional secret required on /ws and the API routes
	MDNS      bool   // Advertise the service over mDNS
	Metrics   metrics.Registry

	// TLS files. With CertFile and KeyFile set the server speaks HTTPS/wss,
	// and CAFile, when set, is offered for download at /ca.pem.
	CertFile string
	KeyFile  string
	CAFile   string
}

// Client is a connected WebSocket client. Writes are serialized.
type Client struct {
	ID   string
	conn *websocket.Conn
	mu   syncutil.Mutex
}

// WriteJSON sends v as a single text frame.
func (c *Client) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// Respond sends the response to req.
func (c *Client) Respond(req protocol.WebSocketRequest, success bool, payload any, errMsg string) error {
	return c.WriteJSON(protocol.WebSocketResponse{
		ID:      req.ID,
		Type:    req.Type,
		Success: success,
		Payload: payload,
		Error:   errMsg,
	})
}

// SendError sends a structured error response.
func (c *Client) SendError(requestID, code, message string) error {
	return c.WriteJSON(protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.WSTypeError,
		Success: false,
		Error:   message,
		Payload: protocol.ErrorPayload{Code: code},
	})
}

// Server manages the HTTP and WebSocket server
type Server struct {
	config     Config
	httpServer *http.Server
	mdnsServer *zeroconf.Server

	clients   map[*Client]struct{}
	clientsMu syncutil.RWMutex
	upgrader  websocket.Upgrader

	handlerRegistry *HandlerRegistry
	wsClients       metrics.Counter
	wsRequests      metrics.Counter
}

// New creates a new server instance and registers the tag handlers.
func New(config Config) *Server {
	if config.Metrics == nil {
		config.Metrics = metrics.DefaultRegistry
	}
	s := &Server{
		config:  config,
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		handlerRegistry: NewHandlerRegistry(),
		wsClients:       metrics.GetOrRegisterCounter("ws.clients", config.Metrics),
		wsRequests:      metrics.GetOrRegisterCounter("ws.requests", config.Metrics),
	}

	if config.Engine != nil {
		s.Register(NewRFIDHandler(config.Engine))
	}
	return s
}

// Register lets h install its message handlers and lifecycle on the server.
func (s *Server) Register(h ServerHandler) {
	h.Register(s)
}

// Handle implements HandlerServer interface.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.handlerRegistry.Handle(messageType, handler)
}

// StartLifecycle implements HandlerServer interface.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.handlerRegistry.RegisterLifecycle(start)
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg protocol.WebSocketMessage) {
	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.WriteJSON(msg); err != nil {
			logger.Debugf("WebSocket write to %s failed: %v", c.ID, err)
			s.removeClient(c)
		}
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *Client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	s.wsClients.Inc(1)
}

func (s *Server) removeClient(c *Client) {
	s.clientsMu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if ok {
		s.wsClients.Dec(1)
		c.conn.Close()
	}
}

// Handler returns the HTTP routes of the agent.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(RouteHealth, enableCORS(allowMethod(http.MethodGet, s.handleHealthCheck)))
	mux.HandleFunc(RouteStatus, enableCORS(s.requireSecret(allowMethod(http.MethodGet, s.handleStatus))))
	mux.HandleFunc(RouteRead, enableCORS(s.requireSecret(allowMethod(http.MethodPost, s.handleRead))))
	mux.HandleFunc(RouteWrite, enableCORS(s.requireSecret(allowMethod(http.MethodPost, s.handleWrite))))
	mux.HandleFunc(RouteAuto, enableCORS(s.requireSecret(allowMethod(http.MethodPost, s.handleAuto))))
	mux.HandleFunc(RouteMetrics, enableCORS(s.requireSecret(allowMethod(http.MethodGet, s.handleMetrics))))
	mux.HandleFunc(RouteWebSocket, s.requireSecret(s.handleWebSocket))
	if s.config.CAFile != "" {
		mux.HandleFunc(RouteCACert, enableCORS(allowMethod(http.MethodGet, s.handleCACert)))
	}

	mux.HandleFunc("/", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(buildinfo.DisplayName + " running"))
	}))
	return mux
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.TLS() {
			logger.Infof("listening on %s (TLS)", ln.Addr())
			err = s.httpServer.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			logger.Infof("listening on %s", ln.Addr())
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if s.config.MDNS {
		if err := s.startMDNS(); err != nil {
			logger.Warningf("failed to start mDNS service: %v", err)
			logger.Warningf("auto-discovery will not be available, but server will continue normally")
		}
	}

	s.handlerRegistry.StartLifecycleHandlers(ctx)

	select {
	case <-ctx.Done():
		s.Stop()
		return <-errCh
	case err := <-errCh:
		s.Stop()
		return err
	}
}

// TLS reports whether the server is configured for HTTPS/wss.
func (s *Server) TLS() bool {
	return s.config.CertFile != "" && s.config.KeyFile != ""
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		logger.Infof("mDNS service stopped")
	}

	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		s.removeClient(c)
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Warningf("server shutdown error: %v", err)
		}
	}
}

// startMDNS registers the agent as an mDNS service for auto-discovery
func (s *Server) startMDNS() error {
	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		fmt.Sprintf("tls=%t", s.TLS()),
		"path=" + RouteWebSocket,
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, s.config.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	logger.Infof("mDNS service registered: %s (%s) on port %d", MDNSServiceName, MDNSServiceType, s.config.Port)
	return nil
}

// enableCORS is a middleware that adds CORS headers to responses
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func allowMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// requireSecret rejects requests without the configured API secret, passed
// as ?secret= or an Authorization bearer token.
func (s *Server) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APISecret == "" || r.Method == http.MethodOptions {
			next(w, r)
			return
		}

		secret := r.URL.Query().Get("secret")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			secret = strings.TrimPrefix(auth, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.config.APISecret)) != 1 {
			logger.Warningf("rejected %s %s from %s: invalid API secret", r.Method, r.URL.Path, r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, protocol.WebSocketResponse{
				Type:    protocol.WSTypeError,
				Error:   "Unauthorized: Invalid API secret",
				Payload: protocol.ErrorPayload{Code: protocol.ErrCodeUnauthorized},
			})
			return
		}
		next(w, r)
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket connections and manages
// the client connection lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{ID: uuid.NewString(), conn: conn}
	s.addClient(client)
	logger.Infof("WebSocket client %s connected from %s", client.ID, r.RemoteAddr)
	defer func() {
		s.removeClient(client)
		logger.Infof("WebSocket client %s disconnected", client.ID)
	}()

	if s.config.Engine != nil {
		if err := client.WriteJSON(protocol.WebSocketMessage{
			Type:    protocol.WSTypeStatus,
			Payload: s.config.Engine.Status(),
		}); err != nil {
			return
		}
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.dispatch(r.Context(), client, message)
	}
}

func (s *Server) dispatch(ctx context.Context, client *Client, message []byte) {
	var req protocol.WebSocketRequest
	if err := json.Unmarshal(message, &req); err != nil {
		logger.Debugf("failed to parse WebSocket message: %v", err)
		client.SendError("", protocol.ErrCodeParse, "Invalid message format")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	s.wsRequests.Inc(1)

	handler, ok := s.handlerRegistry.Get(req.Type)
	if !ok {
		logger.Debugf("unknown message type: %s", req.Type)
		client.SendError(req.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s (supported: %s)",
			req.Type, strings.Join(s.handlerRegistry.MessageTypes(), ", ")))
		return
	}

	if err := s.invoke(ctx, client, req, handler); err != nil {
		logger.Warningf("handler error for message type '%s': %v", req.Type, err)
	}
}

// invoke runs handler, answering the request with INTERNAL_ERROR if it panics.
func (s *Server) invoke(ctx context.Context, client *Client, req protocol.WebSocketRequest, handler HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("handler for message type '%s' panicked: %v", req.Type, r)
			err = client.SendError(req.ID, protocol.ErrCodeInternalError, "Internal error")
		}
	}()
	return handler(ctx, client, req)
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "ok",
		Version:   buildinfo.Version,
		Clients:   s.ClientCount(),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// handleCACert serves the local CA so other devices can trust the agent (GET /ca.pem)
func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	caCert, err := os.ReadFile(s.config.CAFile)
	if err != nil {
		http.Error(w, "CA certificate not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="spooltag-ca.pem"`)
	w.Write(caCert)
	logger.Infof("CA certificate downloaded by %s", r.RemoteAddr)
}

// handleMetrics dumps the metrics registry (GET /api/v1/metrics)
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	metrics.WriteJSONOnce(s.config.Metrics, w)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("failed to encode response: %v", err)
	}
}
