// Package state owns all session state. A single worker goroutine applies
// mutations strictly one at a time and publishes an immutable snapshot after
// each one; every other goroutine interacts only through Process and the
// read-only query methods.
package state

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/porthole-app/porthole/internal/hook"
)

// ErrStopped is returned by Process once the engine has shut down.
var ErrStopped = errors.New("state engine stopped")

// subagentTool is the tool name that spawns a subagent.
const subagentTool = "Task"

// Config carries the engine's injected dependencies.
type Config struct {
	// IdleTTL expires sessions with no activity for this long during a
	// sweep. Zero disables the TTL check.
	IdleTTL time.Duration
	// Alive probes whether a session's recorded pid still exists during a
	// sweep. Nil disables the liveness check.
	Alive func(pid int) bool
	// OnEvict runs on the worker goroutine after a session is removed for
	// any reason. It must not call back into Process.
	OnEvict func(sessionID string)
	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

type command struct {
	ev   Event
	done chan struct{}
}

// Engine is the single writer over the session map.
type Engine struct {
	cfg  Config
	cmds chan command
	quit chan struct{}
	dead chan struct{}

	sessions map[string]*session // worker-owned
	seq      uint64              // worker-owned
	snapshot atomic.Pointer[Snapshot]

	subMu sync.Mutex
	subs  map[string]chan *Snapshot
}

// New builds an engine. Call Start before Process.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		cfg:      cfg,
		cmds:     make(chan command),
		quit:     make(chan struct{}),
		dead:     make(chan struct{}),
		sessions: make(map[string]*session),
		subs:     make(map[string]chan *Snapshot),
	}
	e.snapshot.Store(&Snapshot{})
	return e
}

// Start launches the worker goroutine.
func (e *Engine) Start() {
	go e.run()
}

// Stop shuts the worker down and waits for it to exit. In-flight Process
// calls fail with ErrStopped.
func (e *Engine) Stop() {
	select {
	case <-e.quit:
	default:
		close(e.quit)
	}
	<-e.dead
}

// Process applies one mutation. It returns once the mutation and its
// snapshot publication have completed, or when ctx is cancelled first (the
// mutation may still apply after cancellation).
func (e *Engine) Process(ctx context.Context, ev Event) error {
	if ev == nil {
		return errors.New("nil event")
	}
	cmd := command{ev: ev, done: make(chan struct{})}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.dead:
		return ErrStopped
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.dead:
		return ErrStopped
	}
}

// Sessions returns the latest published snapshot.
func (e *Engine) Sessions() *Snapshot {
	return e.snapshot.Load()
}

// Session returns the published view of one session.
func (e *Engine) Session(id string) (Session, bool) {
	return e.snapshot.Load().Session(id)
}

// HasActivePermission reports whether a session is blocked on an approval.
func (e *Engine) HasActivePermission(id string) bool {
	s, ok := e.Session(id)
	return ok && s.Phase == PhaseWaitingForApproval
}

// Subscribe registers a snapshot listener. Delivery is latest-wins: a
// subscriber that falls behind sees only the newest snapshot, never a stale
// backlog. The returned cancel closes the channel and must be called once.
func (e *Engine) Subscribe() (<-chan *Snapshot, func()) {
	id := uuid.NewString()
	ch := make(chan *Snapshot, 1)

	e.subMu.Lock()
	e.subs[id] = ch
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (e *Engine) run() {
	defer close(e.dead)
	for {
		select {
		case cmd := <-e.cmds:
			e.apply(cmd.ev)
			e.publish()
			close(cmd.done)
		case <-e.quit:
			e.closeSubscribers()
			return
		}
	}
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}

func (e *Engine) apply(ev Event) {
	switch ev := ev.(type) {
	case HookReceived:
		e.applyHook(ev.Hook)
	case PermissionApproved:
		e.resolvePermission(ev.SessionID, ev.ToolUseID, ToolRunning)
	case PermissionDenied:
		e.resolvePermission(ev.SessionID, ev.ToolUseID, ToolErrored)
	case PermissionDeferred:
		e.resolvePermission(ev.SessionID, ev.ToolUseID, "")
	case PermissionSocketFailed:
		e.permissionSocketFailed(ev.SessionID, ev.ToolUseID)
	case SessionEnded:
		e.remove(ev.SessionID, "ended")
	case SweepStale:
		e.sweep(ev.Now)
	default:
		log.Printf("engine: unhandled event %T", ev)
	}
}

func (e *Engine) applyHook(h hook.Event) {
	now := e.cfg.Now()
	s, ok := e.sessions[h.SessionID]
	if !ok {
		s = newSession(h, now)
		e.sessions[h.SessionID] = s
		log.Printf("engine: session %s created in %s", s.id, s.cwd)
	}

	if h.PID != 0 {
		s.pid = h.PID
	}
	if h.TTY != "" {
		s.tty = h.TTY
	}
	if h.CWD != "" && h.CWD != s.cwd {
		s.cwd = h.CWD
		s.project = projectName(h.CWD)
	}
	s.lastActivity = now

	if h.Status == hook.StatusEnded || h.Event == hook.SessionEnd {
		e.remove(h.SessionID, "session end")
		return
	}

	target, pctx := deriveTarget(h, now)
	if target != s.phase {
		if legalTransition(s.phase, target) {
			s.phase = target
			if target == PhaseWaitingForApproval {
				s.permission = pctx
			} else {
				s.permission = nil
			}
		} else {
			log.Printf("engine: session %s dropped illegal transition %s -> %s (event %s)",
				s.id, s.phase, target, h.Event)
		}
	}

	e.trackTools(s, h, now)

	switch h.Event {
	case hook.Stop, hook.SubagentStop:
		s.subagents = nil
	}
}

func (e *Engine) trackTools(s *session, h hook.Event, now time.Time) {
	switch h.Event {
	case hook.PreToolUse, hook.PermissionRequest:
		if h.ToolUseID == "" {
			return
		}
		if _, seen := s.toolIndex[h.ToolUseID]; seen {
			return
		}
		s.toolIndex[h.ToolUseID] = len(s.items)
		s.items = append(s.items, ChatItem{
			ID:        h.ToolUseID,
			Kind:      ChatItemTool,
			Tool:      h.Tool,
			Status:    ToolRunning,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if h.Event == hook.PreToolUse && h.Tool == subagentTool {
			s.subagents = append(s.subagents, h.ToolUseID)
		}
	case hook.PostToolUse:
		if i, ok := s.toolIndex[h.ToolUseID]; ok {
			s.items[i].Status = ToolSucceeded
			s.items[i].UpdatedAt = now
		}
	case hook.UserPromptSubmit:
		if h.Message == "" {
			return
		}
		s.items = append(s.items, ChatItem{
			ID:        uuid.NewString(),
			Kind:      ChatItemPrompt,
			Text:      h.Message,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
}

// resolvePermission handles an approval outcome. Only a session currently
// waiting on that exact tool-use id moves back to Processing; anything else
// is a no-op. An empty toolStatus leaves the tool item untouched.
func (e *Engine) resolvePermission(sessionID, toolUseID string, toolStatus ToolStatus) {
	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	if s.phase != PhaseWaitingForApproval || s.permission == nil || s.permission.ToolUseID != toolUseID {
		return
	}
	s.phase = PhaseProcessing
	s.permission = nil
	s.lastActivity = e.cfg.Now()
	if toolStatus == "" {
		return
	}
	if i, ok := s.toolIndex[toolUseID]; ok {
		s.items[i].Status = toolStatus
		s.items[i].UpdatedAt = s.lastActivity
	}
}

// permissionSocketFailed treats a lost decision connection as an
// unrecoverable wait: the tool errors and the session drops to Idle
// regardless of its current phase.
func (e *Engine) permissionSocketFailed(sessionID, toolUseID string) {
	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	if i, ok := s.toolIndex[toolUseID]; ok {
		s.items[i].Status = ToolErrored
		s.items[i].UpdatedAt = e.cfg.Now()
	}
	s.phase = PhaseIdle
	s.permission = nil
	s.lastActivity = e.cfg.Now()
	log.Printf("engine: session %s permission socket failed for %s", sessionID, toolUseID)
}

func (e *Engine) sweep(now time.Time) {
	for id, s := range e.sessions {
		if s.pid > 0 && e.cfg.Alive != nil && !e.cfg.Alive(s.pid) {
			e.remove(id, "process gone")
			continue
		}
		if e.cfg.IdleTTL > 0 && now.Sub(s.lastActivity) > e.cfg.IdleTTL {
			e.remove(id, "idle expired")
		}
	}
}

func (e *Engine) remove(sessionID, reason string) {
	if _, ok := e.sessions[sessionID]; !ok {
		return
	}
	delete(e.sessions, sessionID)
	log.Printf("engine: session %s removed (%s)", sessionID, reason)
	if e.cfg.OnEvict != nil {
		e.cfg.OnEvict(sessionID)
	}
}

func (e *Engine) publish() {
	e.seq++
	snap := &Snapshot{Seq: e.seq, Sessions: make([]Session, 0, len(e.sessions))}
	for _, s := range e.sessions {
		snap.Sessions = append(snap.Sessions, s.view())
	}
	sort.Slice(snap.Sessions, func(i, j int) bool {
		a, b := snap.Sessions[i], snap.Sessions[j]
		if a.Project != b.Project {
			return a.Project < b.Project
		}
		return a.ID < b.ID
	})
	e.snapshot.Store(snap)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Full buffer: replace the stale snapshot with the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
