package state

import (
	"path/filepath"
	"time"

	"github.com/porthole-app/porthole/internal/hook"
)

// ChatItemKind discriminates chat items. Closed set.
type ChatItemKind string

const (
	ChatItemTool   ChatItemKind = "tool"
	ChatItemPrompt ChatItemKind = "prompt"
)

// ToolStatus is a tool item's lifecycle position. Closed set.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolSucceeded ToolStatus = "succeeded"
	ToolErrored   ToolStatus = "errored"
)

// ChatItem is one entry in a session's ordered activity list: a tracked tool
// invocation or a submitted user prompt.
type ChatItem struct {
	ID        string       `json:"id"`
	Kind      ChatItemKind `json:"kind"`
	Tool      string       `json:"tool,omitempty"`
	Status    ToolStatus   `json:"status,omitempty"`
	Text      string       `json:"text,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Session is the published view of one monitored session. Snapshots carry
// value copies; nothing in a Session aliases engine-owned state.
type Session struct {
	ID           string             `json:"id"`
	CWD          string             `json:"cwd"`
	Project      string             `json:"project"`
	PID          int                `json:"pid,omitempty"`
	TTY          string             `json:"tty,omitempty"`
	Phase        Phase              `json:"phase"`
	Permission   *PermissionContext `json:"permission,omitempty"`
	LastActivity time.Time          `json:"last_activity"`
	Items        []ChatItem         `json:"items,omitempty"`
	Subagents    []string           `json:"subagents,omitempty"`
}

// Snapshot is the immutable full view published after every mutation.
// Sessions are sorted by project name, then id.
type Snapshot struct {
	Seq      uint64    `json:"seq"`
	Sessions []Session `json:"sessions"`
}

// Session returns the snapshot entry for id, if present.
func (s *Snapshot) Session(id string) (Session, bool) {
	if s == nil {
		return Session{}, false
	}
	for _, sess := range s.Sessions {
		if sess.ID == id {
			return sess, true
		}
	}
	return Session{}, false
}

// session is the engine-owned mutable record behind each published Session.
type session struct {
	id           string
	cwd          string
	project      string
	pid          int
	tty          string
	phase        Phase
	permission   *PermissionContext
	lastActivity time.Time
	items        []ChatItem
	toolIndex    map[string]int // tool-use id -> index into items
	subagents    []string
}

func newSession(h hook.Event, now time.Time) *session {
	return &session{
		id:           h.SessionID,
		cwd:          h.CWD,
		project:      projectName(h.CWD),
		phase:        PhaseIdle,
		lastActivity: now,
		toolIndex:    make(map[string]int),
	}
}

func (s *session) view() Session {
	items := make([]ChatItem, len(s.items))
	copy(items, s.items)
	var subagents []string
	if len(s.subagents) > 0 {
		subagents = append([]string(nil), s.subagents...)
	}
	return Session{
		ID:           s.id,
		CWD:          s.cwd,
		Project:      s.project,
		PID:          s.pid,
		TTY:          s.tty,
		Phase:        s.phase,
		Permission:   s.permission.clone(),
		LastActivity: s.lastActivity,
		Items:        items,
		Subagents:    subagents,
	}
}

func projectName(cwd string) string {
	if cwd == "" {
		return ""
	}
	return filepath.Base(cwd)
}
