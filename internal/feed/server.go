package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/porthole-app/porthole/internal/bridge"
	"github.com/porthole-app/porthole/internal/hook"
	"github.com/porthole-app/porthole/internal/state"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 64
)

// Engine is the read side of the state engine the feed publishes.
type Engine interface {
	Sessions() *state.Snapshot
	Subscribe() (<-chan *state.Snapshot, func())
}

// Responder resolves held permission connections.
type Responder interface {
	Respond(toolUseID string, decision hook.DecisionKind, reason string) error
}

// Bridge is the slice of the RPC bridge clients may query through the feed.
type Bridge interface {
	AbortSession(ctx context.Context, sessionID string) (bool, error)
	SessionMessages(ctx context.Context, sessionID string) ([]bridge.Message, error)
	SessionTodos(ctx context.Context, sessionID string) ([]bridge.Todo, error)
}

// Config carries the feed server's dependencies.
type Config struct {
	Addr string
	// AllowedOrigin additionally permits one non-localhost origin.
	AllowedOrigin string
	Engine        Engine
	Responder     Responder
	Bridge        Bridge
}

// Server is the websocket hub.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ln       net.Listener

	clientsMu sync.RWMutex
	clients   map[*client]bool

	unsubscribe func()
	done        chan struct{}
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New builds a feed server.
func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		clients: make(map[*client]bool),
		done:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// checkOrigin admits browserless clients, localhost pages, and the one
// configured origin. The socket binds to loopback; this guards against
// hostile pages running in a local browser.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if origin == s.cfg.AllowedOrigin {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// Start binds the listen address and begins serving. The snapshot
// broadcaster runs until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding feed: %w", err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.httpSrv = &http.Server{Handler: mux}

	snapshots, cancel := s.cfg.Engine.Subscribe()
	s.unsubscribe = cancel
	go s.broadcastLoop(snapshots)

	go func() {
		log.Printf("feed: listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("feed: serve: %v", err)
		}
	}()
	return nil
}

// Close drops every client and stops the listener.
func (s *Server) Close() error {
	close(s.done)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Engine.Sessions()
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"sessions": len(snap.Sessions),
		"clients":  clients,
		"seq":      snap.Seq,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("feed: upgrade: %v", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	log.Printf("feed: client %s connected", c.id)

	// New clients get the current snapshot immediately.
	if data, err := newEnvelope(TypeSnapshot, "", s.cfg.Engine.Sessions()); err == nil {
		s.sendTo(c, data)
	}

	go c.writePump()
	go c.readPump()
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	s.clientsMu.Unlock()
	close(c.send)
	log.Printf("feed: client %s disconnected", c.id)
}

func (s *Server) broadcastLoop(snapshots <-chan *state.Snapshot) {
	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			data, err := newEnvelope(TypeSnapshot, "", snap)
			if err != nil {
				continue
			}
			s.broadcast(data)
		case <-s.done:
			return
		}
	}
}

// BroadcastBridge passes one bridge notification through to every client.
func (s *Server) BroadcastBridge(n bridge.Notification) {
	data, err := newEnvelope(TypeBridgeState, "", BridgeStatePayload{Method: n.Method, Params: n.Params})
	if err != nil {
		return
	}
	s.broadcast(data)
}

func (s *Server) broadcast(data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.trySend(data)
	}
}

// sendTo queues data for one client if it is still registered. Holding the
// read lock orders the send against removeClient's close of the channel.
func (s *Server) sendTo(c *client, data []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if !s.clients[c] {
		return
	}
	c.trySend(data)
}

// trySend queues without blocking. A client too slow to drain its buffer
// is disconnected rather than allowed to stall the hub. Callers must hold
// at least the clients read lock.
func (c *client) trySend(data []byte) {
	select {
	case c.send <- data:
	default:
		log.Printf("feed: client %s too slow, dropping", c.id)
		c.conn.Close()
	}
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("feed: client %s read: %v", c.id, err)
			}
			return
		}
		c.server.handleMessage(c, message)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(c *client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(c, env.ID, "invalid message")
		return
	}

	switch env.Type {
	case TypePermissionRespond:
		s.handleRespond(c, env)
	case TypeSessionAbort:
		s.handleAbort(c, env)
	case TypeSessionMessages:
		s.handleQuery(c, env, func(ctx context.Context, sessionID string) (any, error) {
			return s.cfg.Bridge.SessionMessages(ctx, sessionID)
		})
	case TypeSessionTodos:
		s.handleQuery(c, env, func(ctx context.Context, sessionID string) (any, error) {
			return s.cfg.Bridge.SessionTodos(ctx, sessionID)
		})
	default:
		s.sendError(c, env.ID, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Server) handleRespond(c *client, env Envelope) {
	var p PermissionRespondPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(c, env.ID, "invalid permission.respond payload")
		return
	}
	if err := s.cfg.Responder.Respond(p.ToolUseID, hook.DecisionKind(p.Decision), p.Reason); err != nil {
		s.sendError(c, env.ID, err.Error())
		return
	}
	s.sendResult(c, env.ID, map[string]bool{"ok": true})
}

func (s *Server) handleAbort(c *client, env Envelope) {
	var p SessionRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(c, env.ID, "invalid session.abort payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := s.cfg.Bridge.AbortSession(ctx, p.SessionID)
	if err != nil {
		s.sendError(c, env.ID, err.Error())
		return
	}
	s.sendResult(c, env.ID, map[string]bool{"ok": ok})
}

func (s *Server) handleQuery(c *client, env Envelope, query func(context.Context, string) (any, error)) {
	var p SessionRefPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(c, env.ID, "invalid payload")
		return
	}
	// Bridge queries run off the read pump so a slow helper cannot stall
	// the client's inbound commands.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := query(ctx, p.SessionID)
		if err != nil {
			s.sendError(c, env.ID, err.Error())
			return
		}
		s.sendResult(c, env.ID, result)
	}()
}

func (s *Server) sendResult(c *client, id string, payload any) {
	if data, err := newEnvelope(TypeResult, id, payload); err == nil {
		s.sendTo(c, data)
	}
}

func (s *Server) sendError(c *client, id, message string) {
	if data, err := newEnvelope(TypeError, id, ErrorPayload{Message: message}); err == nil {
		s.sendTo(c, data)
	}
}
