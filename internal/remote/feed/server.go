// Package feed exposes a remote.Store over HTTP and WebSocket.
//
// The server publishes any Store (normally a sqlstore.Store) to other
// processes: JSON endpoints for the request/response calls and a WebSocket
// endpoint that streams change events in the remote.EncodeEvent wire format.
// Client is the matching remote.Store implementation, so an engine can run
// against a store living in another process exactly as it does in-process.
//
// Endpoints:
//
//	POST /fetch       {"resource", "filter"}  -> {"rows"}
//	POST /fetch-one   {"resource", "id"}      -> {"row"}
//	POST /insert      {"resource", "rows"}    -> {}
//	POST /invoke      {"name", "args"}        -> {"result"}
//	GET  /health                               -> {"status", "clients"}
//	GET  /ws?resource=R&filter=JSON            -> event stream
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/steveyegge/tether/internal/remote"
)

// clientBuffer is the number of encoded events queued per WebSocket client.
// A client that falls this far behind is disconnected and must resync.
const clientBuffer = 256

// Server serves a remote.Store to feed clients.
type Server struct {
	store    remote.Store
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*wsClient]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 7070, 0 picks a free port)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   7070,
		Logger: log.New(os.Stderr, "[feed] ", log.LstdFlags),
	}
}

type wsClient struct {
	conn     *websocket.Conn
	resource string
	send     chan []byte
}

// NewServer creates a server for store. Call Start to begin listening.
func NewServer(store remote.Store, config *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:   store,
		addr:    fmt.Sprintf(":%d", config.Port),
		clients: make(map[*wsClient]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}, nil
}

// Handler returns the HTTP routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fetch", s.handleFetch)
	mux.HandleFunc("/fetch-one", s.handleFetchOne)
	mux.HandleFunc("/insert", s.handleInsert)
	mux.HandleFunc("/invoke", s.handleInvoke)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Feed server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping feed server")
	s.cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Feed server stopped")
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

type fetchRequest struct {
	Resource string        `json:"resource"`
	Filter   remote.Filter `json:"filter,omitempty"`
	ID       string        `json:"id,omitempty"`
}

type insertRequest struct {
	Resource string       `json:"resource"`
	Rows     []remote.Row `json:"rows"`
}

type invokeRequest struct {
	Name string     `json:"name"`
	Args remote.Row `json:"args"`
}

type errorResponse struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !s.decode(w, r, &req) {
		return
	}
	rows, err := s.store.FetchMany(r.Context(), req.Resource, req.Filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rows == nil {
		rows = []remote.Row{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (s *Server) handleFetchOne(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !s.decode(w, r, &req) {
		return
	}
	row, err := s.store.FetchOne(r.Context(), req.Resource, req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"row": row})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.InsertMany(r.Context(), req.Resource, req.Rows); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.store.InvokeProcedure(r.Context(), req.Name, req.Args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleWebSocket subscribes the connection to one resource and streams its
// events until either side goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "resource is required", http.StatusBadRequest)
		return
	}
	var filter remote.Filter
	if raw := r.URL.Query().Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			http.Error(w, "malformed filter", http.StatusBadRequest)
			return
		}
	}

	// Subscribe before completing the handshake so no event committed after
	// the client's Dial returns can be missed.
	c := &wsClient{resource: resource, send: make(chan []byte, clientBuffer)}
	ctx, cancel := context.WithCancel(s.ctx)

	unsubscribe, err := s.store.Subscribe(ctx, resource, filter, func(ev remote.Event) {
		data, err := remote.EncodeEvent(ev)
		if err != nil {
			s.logger.Printf("Failed to encode event: %v", err)
			return
		}
		select {
		case c.send <- data:
		default:
			s.logger.Printf("Client on %s fell behind, disconnecting", resource)
			cancel()
		}
	})
	if err != nil {
		cancel()
		s.logger.Printf("Subscribe to %s failed: %v", resource, err)
		s.writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		unsubscribe()
		cancel()
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	c.conn = conn

	s.clientsMu.Lock()
	s.clients[c] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client subscribed to %s (total: %d)", resource, clientCount)

	s.wg.Add(2)
	go s.writeLoop(ctx, c)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		defer cancel()
		s.readLoop(ctx, c)
	}()
}

// readLoop only detects disconnects; clients never send data frames.
func (s *Server) readLoop(ctx context.Context, c *wsClient) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *wsClient) {
	defer s.wg.Done()
	defer s.removeClient(c)

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to send to client: %v", err)
				return
			}
		}
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, exists := s.clients[c]; exists {
		delete(s.clients, c)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client on %s disconnected (total: %d)", c.resource, clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, fmt.Errorf("%w: malformed request: %v", remote.ErrValidation, err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	class := remote.Classify(err)
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Class: class.String()})
}

// statusFor maps the error taxonomy onto HTTP status codes. errorFor on the
// client side is its inverse.
func statusFor(err error) int {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, remote.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, remote.ErrValidation), errors.Is(err, remote.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, remote.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
