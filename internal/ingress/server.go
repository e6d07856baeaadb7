// Package ingress is the unix-socket server monitored agent processes emit
// hook events to. Every connection carries exactly one event. Most are
// forwarded to the state engine and closed; PermissionRequest connections
// are held open until a decision is produced or the wait is cancelled.
package ingress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/porthole-app/porthole/internal/hook"
	"github.com/porthole-app/porthole/internal/metrics"
	"github.com/porthole-app/porthole/internal/state"
)

// ErrNoPending is returned by Respond when no connection is waiting on the
// given tool-use id.
var ErrNoPending = errors.New("no pending permission")

// Engine is the slice of the state engine the server drives.
type Engine interface {
	Process(ctx context.Context, ev state.Event) error
}

// Config carries the server's injected dependencies.
type Config struct {
	// SocketPath is the unix socket to listen on. The parent directory is
	// created if missing and a stale socket file is removed before binding.
	SocketPath string
	Engine     Engine
	Metrics    *metrics.Metrics
	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Server accepts hook connections and owns the pending-permission registry.
type Server struct {
	cfg Config
	ln  net.Listener

	mu        sync.Mutex
	pendings  map[string]*pending            // tool-use id -> waiter
	bySession map[string]map[string]*pending // session id -> tool-use id -> waiter
	closed    bool

	wg sync.WaitGroup
}

// pending is one held PermissionRequest connection. resolve fires at most
// once, whoever gets there first: a decision, a cancellation, or the read
// monitor noticing the peer went away.
type pending struct {
	sessionID string
	toolUseID string
	conn      net.Conn
	since     time.Time
	resolved  sync.Once
}

// New builds a server. Call Start to bind and begin accepting.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		cfg:       cfg,
		pendings:  make(map[string]*pending),
		bySession: make(map[string]map[string]*pending),
	}
}

// Start binds the socket and launches the accept loop. A socket file left
// behind by a crashed daemon is removed first so the bind succeeds.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("binding hook socket: %w", err)
	}
	s.ln = ln
	log.Printf("ingress: listening on %s", s.cfg.SocketPath)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Close stops accepting, cancels every held permission connection without a
// decision, and waits for connection handlers to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var all []*pending
	for _, p := range s.pendings {
		all = append(all, p)
	}
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for _, p := range all {
		s.cancelPending(p)
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				log.Printf("ingress: accept: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn reads one event from the connection and dispatches it. The
// payload is complete at the first newline or when the peer half-closes.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	payload, err := readPayload(conn)
	if err != nil {
		log.Printf("ingress: reading payload: %v", err)
		s.cfg.Metrics.IncHookMalformed()
		conn.Close()
		return
	}

	var ev hook.Event
	if err = json.Unmarshal(payload, &ev); err == nil {
		err = ev.Validate()
	} else {
		err = fmt.Errorf("decoding event: %w", err)
	}
	if err != nil {
		log.Printf("ingress: dropping malformed event: %v", err)
		s.cfg.Metrics.IncHookMalformed()
		conn.Close()
		return
	}

	s.cfg.Metrics.IncHookEvent(string(ev.Event))
	if ev.Event == hook.PermissionRequest {
		s.handlePermission(conn, ev)
		return
	}

	// Events that end a wait cancel the pending before the engine sees the
	// event, so a removed session never leaves a held connection behind.
	switch ev.Event {
	case hook.Stop, hook.SessionEnd:
		s.CancelSession(ev.SessionID)
	case hook.PostToolUse:
		if ev.ToolUseID != "" {
			s.Cancel(ev.ToolUseID)
		}
	}

	s.forward(state.HookReceived{Hook: ev})
	conn.Close()
}

func (s *Server) handlePermission(conn net.Conn, ev hook.Event) {
	if ev.ToolUseID == "" {
		// The registry and the engine's permission context both key on the
		// tool-use id, so synthesize one when the agent sent none.
		ev.ToolUseID = uuid.NewString()
	}

	p := &pending{
		sessionID: ev.SessionID,
		toolUseID: ev.ToolUseID,
		conn:      conn,
		since:     s.cfg.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if prev, ok := s.pendings[ev.ToolUseID]; ok {
		// A duplicate request supersedes the earlier connection.
		s.mu.Unlock()
		s.cancelPending(prev)
		s.mu.Lock()
	}
	s.pendings[ev.ToolUseID] = p
	if s.bySession[ev.SessionID] == nil {
		s.bySession[ev.SessionID] = make(map[string]*pending)
	}
	s.bySession[ev.SessionID][ev.ToolUseID] = p
	n := len(s.pendings)
	s.mu.Unlock()
	s.cfg.Metrics.SetPendingPermissions(n)

	s.forward(state.HookReceived{Hook: ev})

	// The emitter writes nothing after the event, so any readable byte or
	// error means the peer gave up before a decision was produced.
	s.wg.Add(1)
	go s.monitorPending(p)
}

func (s *Server) monitorPending(p *pending) {
	defer s.wg.Done()
	buf := make([]byte, 1)
	p.conn.Read(buf)

	failed := false
	p.resolved.Do(func() { failed = true })
	if !failed {
		return
	}
	s.remove(p)
	p.conn.Close()
	log.Printf("ingress: permission connection lost for %s/%s", p.sessionID, p.toolUseID)
	s.cfg.Metrics.ObservePermissionOutcome("failed", s.cfg.Now().Sub(p.since))
	s.forward(state.PermissionSocketFailed{SessionID: p.sessionID, ToolUseID: p.toolUseID})
}

// Respond writes the decision to the held connection for toolUseID, closes
// it, and feeds the matching resolution event to the engine.
func (s *Server) Respond(toolUseID string, decision hook.DecisionKind, reason string) error {
	if !decision.Valid() {
		return fmt.Errorf("unknown decision %q", decision)
	}

	s.mu.Lock()
	p, ok := s.pendings[toolUseID]
	s.mu.Unlock()
	if !ok {
		return ErrNoPending
	}

	delivered := false
	p.resolved.Do(func() { delivered = true })
	if !delivered {
		return ErrNoPending
	}
	s.remove(p)

	data, err := json.Marshal(hook.Decision{Decision: decision, Reason: reason})
	if err == nil {
		_, err = p.conn.Write(append(data, '\n'))
	}
	p.conn.Close()
	s.cfg.Metrics.ObservePermissionOutcome(string(decision), s.cfg.Now().Sub(p.since))

	switch decision {
	case hook.DecisionAllow:
		s.forward(state.PermissionApproved{SessionID: p.sessionID, ToolUseID: p.toolUseID})
	case hook.DecisionDeny:
		s.forward(state.PermissionDenied{SessionID: p.sessionID, ToolUseID: p.toolUseID})
	case hook.DecisionAsk:
		s.forward(state.PermissionDeferred{SessionID: p.sessionID, ToolUseID: p.toolUseID})
	}

	if err != nil {
		return fmt.Errorf("writing decision: %w", err)
	}
	return nil
}

// Cancel closes the held connection for toolUseID without writing anything.
// The waiting emitter resolves through its own timeout; no decision event
// reaches the engine.
func (s *Server) Cancel(toolUseID string) {
	s.mu.Lock()
	p, ok := s.pendings[toolUseID]
	s.mu.Unlock()
	if ok {
		s.cancelPending(p)
	}
}

// CancelSession cancels every pending permission held for sessionID.
func (s *Server) CancelSession(sessionID string) {
	s.mu.Lock()
	var ps []*pending
	for _, p := range s.bySession[sessionID] {
		ps = append(ps, p)
	}
	s.mu.Unlock()
	for _, p := range ps {
		s.cancelPending(p)
	}
}

// Pending reports how many permission connections are currently held.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendings)
}

func (s *Server) cancelPending(p *pending) {
	cancelled := false
	p.resolved.Do(func() { cancelled = true })
	if !cancelled {
		return
	}
	s.remove(p)
	p.conn.Close()
	s.cfg.Metrics.ObservePermissionOutcome("cancelled", s.cfg.Now().Sub(p.since))
}

func (s *Server) remove(p *pending) {
	s.mu.Lock()
	if s.pendings[p.toolUseID] == p {
		delete(s.pendings, p.toolUseID)
	}
	if m := s.bySession[p.sessionID]; m != nil && m[p.toolUseID] == p {
		delete(m, p.toolUseID)
		if len(m) == 0 {
			delete(s.bySession, p.sessionID)
		}
	}
	n := len(s.pendings)
	s.mu.Unlock()
	s.cfg.Metrics.SetPendingPermissions(n)
}

func (s *Server) forward(ev state.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.Engine.Process(ctx, ev); err != nil {
		log.Printf("ingress: forwarding %T: %v", ev, err)
	}
}

// readPayload reads one event payload: everything up to the first newline,
// or to EOF when the peer half-closes without one.
func readPayload(conn net.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	r := bufio.NewReader(io.LimitReader(conn, 1<<20))
	data, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	return data, nil
}
